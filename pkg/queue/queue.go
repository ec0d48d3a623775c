// Package queue implements a persistent, append-only log split into one
// memory-mapped segment per roll cycle.
//
// Any number of appenders and tailers, in one process or several sharing
// the directory, work on a queue concurrently. Appenders agree on the order
// of entries through a compare-and-swap on the header at the end of the
// current segment; tailers follow complete headers and never block anyone.
//
// A queue directory holds:
//
//	metadata.rqm         roll cycle, epoch and the highest cycle written
//	20261015-1530.rqs    one segment per cycle, named by the cycle start
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/rollq/internal/logger"
	"github.com/marmos91/rollq/internal/telemetry"
	"github.com/marmos91/rollq/pkg/rollcycle"
	"github.com/marmos91/rollq/pkg/segment"
)

// Queue is an open queue directory. All methods are safe for concurrent use.
type Queue struct {
	dir   string
	cfg   Config
	clock *rollcycle.Clock
	meta  *metadata
	store *store

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	// opMu is held shared by every operation touching the metadata and
	// exclusively by Close while it unmaps it.
	opMu sync.RWMutex

	// rollMu serialises rolls within this process.
	rollMu sync.Mutex
	// sealed caches the cycles known to carry the end-of-segment marker.
	sealed sync.Map

	mu          sync.Mutex
	pretouchers map[*Pretoucher]struct{}
}

// Open opens the queue in dir, creating it unless cfg.ReadOnly is set.
func Open(ctx context.Context, dir string, cfg Config) (*Queue, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	ctx, span := telemetry.StartQueueSpan(ctx, telemetry.SpanQueueOpen, dir)
	defer span.End()

	meta, err := openMetadata(dir, &cfg)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	// The recorded roll cycle wins: file names must stay stable for the
	// life of the queue.
	rc := meta.rollCycle
	cfg.RollCycle = rc
	cfg.Epoch = meta.epoch

	clock := rollcycle.NewClock(rc, meta.epoch, cfg.TimeProvider)
	q := &Queue{
		dir:         dir,
		cfg:         cfg,
		clock:       clock,
		meta:        meta,
		store:       newStore(dir, clock, cfg.segmentOptions(rc), cfg.Metrics),
		done:        make(chan struct{}),
		pretouchers: make(map[*Pretoucher]struct{}),
	}

	span.SetAttributes(telemetry.RollCycle(rc.Name))
	logger.DebugCtx(ctx, "Queue opened",
		logger.QueueDir(dir),
		logger.RollCycle(rc.Name),
		logger.Created(meta.created),
		"read_only", cfg.ReadOnly,
		"double_buffer", cfg.DoubleBuffer)
	return q, nil
}

// Close stops the queue's pretouchers and releases their segments, waits
// for in-flight operations and unmaps the metadata. Segments stay mapped until the handles using them
// are closed. Close is idempotent.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)

		q.mu.Lock()
		pts := make([]*Pretoucher, 0, len(q.pretouchers))
		for p := range q.pretouchers {
			pts = append(pts, p)
		}
		q.mu.Unlock()
		for _, p := range pts {
			p.stopWithin(q.cfg.CloseGrace)
		}

		// In-flight operations, Execute included, are done once opMu is
		// held; release what pretouchers still map.
		q.opMu.Lock()
		for _, p := range pts {
			p.mu.Lock()
			p.dropSegment()
			p.mu.Unlock()
		}
		err = q.meta.close()
		q.opMu.Unlock()

		logger.Debug("Queue closed", logger.QueueDir(q.dir), logger.Refs(q.store.outstanding()))
	})
	return err
}

// IsClosed reports whether Close was called.
func (q *Queue) IsClosed() bool { return q.closed.Load() }

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// Clock returns the clock mapping time to cycles.
func (q *Queue) Clock() *rollcycle.Clock { return q.clock }

// RollCycle returns the roll cycle in effect.
func (q *Queue) RollCycle() rollcycle.RollCycle { return q.clock.RollCycle() }

// ReadOnly reports whether the queue was opened read-only.
func (q *Queue) ReadOnly() bool { return q.cfg.ReadOnly }

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// enter registers an operation, failing once the queue is closed.
func (q *Queue) enter() error {
	q.opMu.RLock()
	if q.closed.Load() {
		q.opMu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (q *Queue) leave() { q.opMu.RUnlock() }

// Cycles lists the cycles that have a segment file, ascending.
func (q *Queue) Cycles() ([]int, error) {
	return q.store.cycles()
}

// FirstCycle returns the oldest cycle with a segment file.
func (q *Queue) FirstCycle() (int, bool, error) {
	cycles, err := q.store.cycles()
	if err != nil || len(cycles) == 0 {
		return 0, false, err
	}
	return cycles[0], true, nil
}

// LastCycle returns the newest cycle with a segment file.
func (q *Queue) LastCycle() (int, bool, error) {
	cycles, err := q.store.cycles()
	if err != nil || len(cycles) == 0 {
		return 0, false, err
	}
	return cycles[len(cycles)-1], true, nil
}

// HighestCycle returns the highest cycle any writer has rolled to, as
// recorded in the metadata.
func (q *Queue) HighestCycle() (int, bool, error) {
	if err := q.enter(); err != nil {
		return 0, false, err
	}
	defer q.leave()
	c, ok := q.meta.highest()
	return c, ok, nil
}

// SegmentPath returns the file path of cycle's segment.
func (q *Queue) SegmentPath(cycle int) string { return q.store.path(cycle) }

// SegmentRefs returns the number of references this process holds on the
// segment of cycle.
func (q *Queue) SegmentRefs(cycle int) int { return q.store.refs(cycle) }

// SegmentInUse reports whether this process holds the segment of cycle.
func (q *Queue) SegmentInUse(cycle int) bool { return q.store.refs(cycle) > 0 }

// OutstandingRefs returns the total number of segment references held by
// this process. It drops to zero once every handle is closed.
func (q *Queue) OutstandingRefs() int { return q.store.outstanding() }

// writeCycle returns the cycle writers target now: the clock's cycle, or a
// later one another writer has already rolled to.
func (q *Queue) writeCycle() (int, error) {
	c := q.clock.CurrentCycle()
	if c < 0 {
		return 0, fmt.Errorf("%w: %s", ErrBeforeEpoch, q.clock.Provider().Now().UTC())
	}
	if h, ok := q.meta.highest(); ok && h > c {
		c = h
	}
	return c, nil
}

// segmentForWrite returns the segment of cycle with one reference taken,
// rolling the queue forward first if cycle is beyond the highest cycle.
func (q *Queue) segmentForWrite(ctx context.Context, cycle int) (*segment.Segment, error) {
	if h, ok := q.meta.highest(); ok && cycle <= h {
		return q.store.acquire(ctx, cycle, true)
	}
	return q.roll(ctx, cycle)
}

// roll moves the queue to target: target is created or attached, the
// highest cycle is raised and every older segment that is not sealed yet
// gets its end-of-segment marker. Another writer completing the same roll
// first is not an error.
func (q *Queue) roll(ctx context.Context, target int) (*segment.Segment, error) {
	q.rollMu.Lock()
	defer q.rollMu.Unlock()

	prev, hasPrev := q.meta.highest()
	if hasPrev && prev >= target {
		return q.store.acquire(ctx, target, true)
	}
	if !hasPrev {
		prev = -1
	}

	ctx, span := telemetry.StartQueueSpan(ctx, telemetry.SpanQueueRoll, q.dir,
		telemetry.Cycle(target), telemetry.PrevCycle(prev))
	defer span.End()
	lc := logger.NewLogContext("roll", q.dir).WithCycle(target)
	ctx = logger.WithContext(ctx, telemetry.Annotate(ctx, lc))

	seg, err := q.store.acquire(ctx, target, true)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	// Raise before sealing: a direct write finishing after the seal gave up
	// on it then sees the roll and seals its own segment.
	if q.meta.raiseHighest(target) {
		logger.InfoCtx(ctx, "Queue rolled", logger.PrevCycle(prev), logger.Cycle(target))
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.RecordRoll(prev, target)
		}
	} else {
		logger.DebugCtx(ctx, "Roll completed by another writer", logger.Cycle(target))
	}

	// Every older cycle, not only the previous one: an earlier roll may
	// have left one unsealed behind a torn or slow write.
	cycles, err := q.store.cycles()
	if err != nil {
		q.store.release(seg)
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	for _, c := range cycles {
		if c >= target {
			break
		}
		if err := q.seal(ctx, c); err != nil {
			q.store.release(seg)
			telemetry.RecordError(ctx, err)
			return nil, err
		}
	}
	return seg, nil
}

// seal writes the end-of-segment marker of cycle unless it is there already.
// A write still WORKING after the write timeout leaves the segment
// unsealed: a late Finish seals it, a torn write needs a repair.
func (q *Queue) seal(ctx context.Context, cycle int) error {
	if _, ok := q.sealed.Load(cycle); ok {
		return nil
	}
	seg, err := q.store.acquire(ctx, cycle, false)
	if errors.Is(err, ErrSegmentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer q.store.release(seg)

	if seg.Sealed() {
		q.sealed.Store(cycle, struct{}{})
		return nil
	}

	ctx, span := telemetry.StartSegmentSpan(ctx, telemetry.SpanSegmentSeal, cycle, seg.Path())
	defer span.End()

	err = seg.Seal(ctx, q.done, q.cfg.WriteTimeout)
	switch {
	case err == nil:
		q.sealed.Store(cycle, struct{}{})
		span.SetAttributes(telemetry.Sealed(true))
		logger.DebugCtx(ctx, "Segment sealed", logger.Cycle(cycle))
		return nil
	case errors.Is(err, segment.ErrSealed):
		q.sealed.Store(cycle, struct{}{})
		return nil
	case errors.Is(err, segment.ErrTornWrite):
		logger.WarnCtx(ctx, "Cannot seal segment with a torn write; run repair",
			logger.Cycle(cycle), logger.Path(seg.Path()), logger.Err(err))
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.RecordTornWrite()
		}
		return nil
	case errors.Is(err, segment.ErrInterrupted):
		return ErrClosed
	default:
		return fmt.Errorf("seal cycle %d: %w", cycle, err)
	}
}

// RepairReport describes the outcome of Repair.
type RepairReport struct {
	Cycle int
	Path  string
	segment.RepairResult
	// Sealed is set when the repaired segment was also given the
	// end-of-segment marker because later cycles exist.
	Sealed bool
}

// Repair clears a torn write at the end of cycle's segment. It refuses with
// ErrSegmentBusy while this process has an unfinished write handle on the
// segment. Writers in other processes are not detected: repair only
// segments whose writers are known to be gone.
func (q *Queue) Repair(ctx context.Context, cycle int) (RepairReport, error) {
	if q.cfg.ReadOnly {
		return RepairReport{}, ErrReadOnly
	}
	if err := q.enter(); err != nil {
		return RepairReport{}, err
	}
	defer q.leave()

	report := RepairReport{Cycle: cycle, Path: q.store.path(cycle)}
	ctx, span := telemetry.StartSegmentSpan(ctx, telemetry.SpanQueueRepair, cycle, report.Path)
	defer span.End()

	if q.store.writers(cycle) > 0 {
		return report, fmt.Errorf("%w: cycle %d", ErrSegmentBusy, cycle)
	}
	seg, err := q.store.acquire(ctx, cycle, false)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return report, err
	}
	defer q.store.release(seg)

	res, err := seg.Repair()
	report.RepairResult = res
	if err != nil {
		telemetry.RecordError(ctx, err)
		return report, fmt.Errorf("repair cycle %d: %w", cycle, err)
	}
	span.SetAttributes(telemetry.Repaired(res.Repaired), telemetry.Offset(res.Offset))
	if res.Repaired {
		logger.WarnCtx(ctx, "Torn write repaired",
			logger.Cycle(cycle), logger.Offset(res.Offset), logger.Size(res.Zeroed))
	}

	if h, ok := q.meta.highest(); ok && cycle < h && !seg.Sealed() {
		if err := seg.Seal(ctx, q.done, q.cfg.WriteTimeout); err != nil && !errors.Is(err, segment.ErrSealed) {
			return report, fmt.Errorf("seal repaired cycle %d: %w", cycle, err)
		}
		report.Sealed = true
		span.SetAttributes(telemetry.Sealed(true))
	}
	return report, nil
}

// SegmentStatus describes one segment of the queue. End is the offset of
// the first header that is not a complete entry. Working is set when that
// header is WORKING: a write is in progress, or torn if no writer is alive.
type SegmentStatus struct {
	segment.Info
	Entries uint64
	End     int64
	Sealed  bool
	Working bool
	Refs    int
}

// Inspect maps the segment of cycle and reports its state.
func (q *Queue) Inspect(ctx context.Context, cycle int) (SegmentStatus, error) {
	if err := q.enter(); err != nil {
		return SegmentStatus{}, err
	}
	defer q.leave()

	seg, err := q.store.acquire(ctx, cycle, false)
	if err != nil {
		return SegmentStatus{}, err
	}
	defer q.store.release(seg)

	end, st := seg.End()
	return SegmentStatus{
		Info:    seg.Info(),
		Entries: end.Seq,
		End:     end.Offset,
		Sealed:  st == segment.StatusEnd,
		Working: seg.Working(),
		Refs:    q.store.refs(cycle) - 1,
	}, nil
}

// pause waits between attempts to resolve the write cycle.
func (q *Queue) pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	case <-t.C:
		return nil
	}
}
