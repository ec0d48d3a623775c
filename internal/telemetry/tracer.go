package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span names, <component>.<operation>.
const (
	SpanQueueOpen     = "queue.open"
	SpanQueueRoll     = "queue.roll"
	SpanQueueRepair   = "queue.repair"
	SpanSegmentCreate = "segment.create"
	SpanSegmentSeal   = "segment.seal"
	SpanStressRun     = "stress.run"
)

const (
	AttrQueueDir  = "queue.dir"
	AttrRollCycle = "queue.roll_cycle"
	AttrCycle     = "queue.cycle"
	AttrPrevCycle = "queue.prev_cycle"
	AttrPath      = "segment.path"
	AttrCreated   = "segment.created"
	AttrOffset    = "segment.offset"
	AttrRepaired  = "segment.repaired"
	AttrSealed    = "segment.sealed"
	AttrRunID     = "stress.run_id"
	AttrWriters   = "stress.writers"
	AttrReaders   = "stress.readers"
	AttrMessages  = "stress.messages"
)

func QueueDir(dir string) attribute.KeyValue { return attribute.String(AttrQueueDir, dir) }
func RollCycle(name string) attribute.KeyValue { return attribute.String(AttrRollCycle, name) }
func Cycle(c int) attribute.KeyValue { return attribute.Int(AttrCycle, c) }
func PrevCycle(c int) attribute.KeyValue { return attribute.Int(AttrPrevCycle, c) }
func Path(p string) attribute.KeyValue { return attribute.String(AttrPath, p) }
func Created(b bool) attribute.KeyValue { return attribute.Bool(AttrCreated, b) }
func Offset(off int64) attribute.KeyValue { return attribute.Int64(AttrOffset, off) }
func Repaired(b bool) attribute.KeyValue { return attribute.Bool(AttrRepaired, b) }
func Sealed(b bool) attribute.KeyValue { return attribute.Bool(AttrSealed, b) }

// StressRun describes the shape of one stress harness run.
func StressRun(runID string, writers, readers, messages int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrWriters, writers),
		attribute.Int(AttrReaders, readers),
		attribute.Int(AttrMessages, messages),
	}
}

// StartQueueSpan starts a span for an operation on the queue in dir.
func StartQueueSpan(ctx context.Context, name, dir string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name, append([]attribute.KeyValue{QueueDir(dir)}, attrs...)...)
}

// StartSegmentSpan starts a span for an operation on one segment file.
func StartSegmentSpan(ctx context.Context, name string, cycle int, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name, append([]attribute.KeyValue{Cycle(cycle), Path(path)}, attrs...)...)
}
