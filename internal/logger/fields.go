package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so queue logs can be
// aggregated and queried by cycle, segment and position.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Queue Layout
	// ========================================================================
	KeyQueueDir  = "queue_dir"  // Queue directory
	KeyRollCycle = "roll_cycle" // Roll cycle name: MINUTELY, HOURLY, ...
	KeyCycle     = "cycle"      // Cycle number
	KeyPrevCycle = "prev_cycle" // Cycle a writer rolled away from
	KeyPath      = "path"       // Segment or metadata file path
	KeyCreated   = "created"    // Whether a segment was created by this caller

	// ========================================================================
	// Positions
	// ========================================================================
	KeyOffset = "offset" // Byte offset inside a segment
	KeySeq    = "seq"    // Sequence number inside a cycle
	KeyIndex  = "index"  // Global index (cycle:seq)
	KeySize   = "size"   // Entry or file size in bytes
	KeyExtent = "extent" // Current file extent of a segment

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyOperation  = "operation"   // append, roll, tail, pretouch, repair
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyCount      = "count"       // Generic counter (entries, pages, passes)
	KeyRefs       = "refs"        // Segment reference count
	KeyAttempt    = "attempt"     // Retry attempt number

	// ========================================================================
	// Pretouch
	// ========================================================================
	KeyPages    = "pages"    // Pages touched in a pass
	KeyAhead    = "ahead"    // Look-ahead distance in bytes
	KeyInterval = "interval" // Pass interval
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// QueueDir returns a slog.Attr for the queue directory
func QueueDir(dir string) slog.Attr {
	return slog.String(KeyQueueDir, dir)
}

// RollCycle returns a slog.Attr for the roll cycle name
func RollCycle(name string) slog.Attr {
	return slog.String(KeyRollCycle, name)
}

// Cycle returns a slog.Attr for a cycle number
func Cycle(c int) slog.Attr {
	return slog.Int(KeyCycle, c)
}

// PrevCycle returns a slog.Attr for the cycle a writer rolled away from
func PrevCycle(c int) slog.Attr {
	return slog.Int(KeyPrevCycle, c)
}

// Path returns a slog.Attr for a file path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Created returns a slog.Attr for segment creation
func Created(created bool) slog.Attr {
	return slog.Bool(KeyCreated, created)
}

// Offset returns a slog.Attr for a segment byte offset
func Offset(off int64) slog.Attr {
	return slog.Int64(KeyOffset, off)
}

// Seq returns a slog.Attr for a sequence number
func Seq(seq uint64) slog.Attr {
	return slog.Uint64(KeySeq, seq)
}

// Index returns a slog.Attr for a global index. Any value implementing
// fmt.Stringer is rendered through its String method.
func Index(idx interface{ String() string }) slog.Attr {
	return slog.String(KeyIndex, idx.String())
}

// Size returns a slog.Attr for a size in bytes
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// Extent returns a slog.Attr for a segment file extent
func Extent(n int64) slog.Attr {
	return slog.Int64(KeyExtent, n)
}

// Operation returns a slog.Attr for the operation name
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// DurationMs returns a slog.Attr for a duration in milliseconds
func DurationMs(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMs, float64(d.Microseconds())/1000.0)
}

// Err returns a slog.Attr for an error. A nil error yields an empty attr,
// which handlers drop.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Count returns a slog.Attr for a generic counter
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}

// Refs returns a slog.Attr for a segment reference count
func Refs(n int) slog.Attr {
	return slog.Int(KeyRefs, n)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Pages returns a slog.Attr for pages touched by a pretouch pass
func Pages(n int) slog.Attr {
	return slog.Int(KeyPages, n)
}

// Ahead returns a slog.Attr for the pretouch look-ahead distance
func Ahead(n int64) slog.Attr {
	return slog.Int64(KeyAhead, n)
}

// Interval returns a slog.Attr for a pass interval
func Interval(d time.Duration) slog.Attr {
	return slog.Duration(KeyInterval, d)
}
