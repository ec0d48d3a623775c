package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/rollq/internal/logger"
	"github.com/marmos91/rollq/pkg/bufpool"
	"github.com/marmos91/rollq/pkg/rollcycle"
	"github.com/marmos91/rollq/pkg/segment"
)

// sealedRetryDelay is the pause before resolving the write cycle again
// after reserving found the segment sealed by a concurrent roll.
const sealedRetryDelay = 50 * time.Microsecond

// Appender writes entries to the queue. It is safe for concurrent use: a
// single appender may be shared by several goroutines, or each goroutine may
// have its own.
type Appender struct {
	q *Queue

	mu     sync.Mutex
	seg    *segment.Segment
	cycle  int
	closed bool

	// last holds the index of the most recent entry plus one.
	last atomic.Uint64
}

// Appender returns a new appender.
func (q *Queue) Appender() (*Appender, error) {
	if q.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	if q.closed.Load() {
		return nil, ErrClosed
	}
	return &Appender{q: q, cycle: -1}, nil
}

// Cycle returns the cycle the appender last wrote to, or -1.
func (a *Appender) Cycle() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cycle
}

// LastIndex returns the index of the last entry this appender published.
func (a *Appender) LastIndex() (rollcycle.Index, bool) {
	v := a.last.Load()
	if v == 0 {
		return 0, false
	}
	return rollcycle.Index(v - 1), true
}

// Close releases the appender's segment. Handles already begun stay valid.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.seg != nil {
		a.q.store.release(a.seg)
		a.seg = nil
	}
	return nil
}

// Append writes payload as one entry and returns its index.
func (a *Appender) Append(ctx context.Context, payload []byte) (rollcycle.Index, error) {
	if a.q.cfg.DoubleBuffer {
		// The caller's slice already is a private buffer.
		return a.publish(ctx, payload, time.Now())
	}
	h, err := a.BeginWrite(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := h.Write(payload); err != nil {
		return 0, err
	}
	return h.Finish()
}

// BeginWrite starts an entry. Without double buffering this claims the end
// of the current segment: other writers wait until the handle is finished,
// so the handle should be filled and finished promptly. With double
// buffering the entry is staged in memory and the end is only claimed by
// Finish.
//
// ctx also bounds Finish of a double-buffered handle.
func (a *Appender) BeginWrite(ctx context.Context) (*WriteHandle, error) {
	q := a.q
	if err := q.enter(); err != nil {
		return nil, err
	}
	defer q.leave()

	h := &WriteHandle{a: a, ctx: ctx, start: time.Now()}
	if q.cfg.DoubleBuffer {
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		h.buffered = true
		h.buf = bufpool.Get(0)
		return h, nil
	}

	seg, res, cycle, err := a.reserve(ctx)
	if err != nil {
		a.recordError(err)
		return nil, err
	}
	h.seg, h.pos, h.cycle = seg, res.Position, cycle
	return h, nil
}

// segment returns the segment of the current write cycle with a reference
// taken for the caller, rolling the queue if the cycle is new.
func (a *Appender) segment(ctx context.Context) (*segment.Segment, int, error) {
	cycle, err := a.q.writeCycle()
	if err != nil {
		return nil, 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, 0, ErrClosed
	}
	if a.seg == nil || a.cycle != cycle {
		seg, err := a.q.segmentForWrite(ctx, cycle)
		if err != nil {
			return nil, 0, err
		}
		if a.seg != nil {
			a.q.store.release(a.seg)
		}
		a.seg, a.cycle = seg, cycle
	}
	a.q.store.retain(a.seg)
	return a.seg, a.cycle, nil
}

// reserve claims the end of the current segment. A segment sealed by a
// concurrent roll sends it back to resolve the cycle again, for at most the
// write timeout.
func (a *Appender) reserve(ctx context.Context) (*segment.Segment, segment.Reservation, int, error) {
	q := a.q
	deadline := time.Now().Add(q.cfg.WriteTimeout)

	for attempt := 1; ; attempt++ {
		seg, cycle, err := a.segment(ctx)
		if err != nil {
			return nil, segment.Reservation{}, 0, err
		}

		res, err := seg.Reserve(ctx, q.done, q.cfg.WriteTimeout)
		if err == nil {
			q.store.beginWrite(seg)
			if q.cfg.Metrics != nil && res.Spins > 0 {
				q.cfg.Metrics.ObserveContention(res.Spins)
			}
			return seg, res, cycle, nil
		}
		q.store.release(seg)

		switch {
		case errors.Is(err, segment.ErrSealed):
			if time.Now().After(deadline) {
				return nil, segment.Reservation{}, 0, fmt.Errorf("cycle %d sealed and no later cycle appeared: %w", cycle, err)
			}
			logger.Debug("Segment sealed under writer, resolving cycle again",
				logger.Cycle(cycle), logger.Attempt(attempt))
			if err := q.pause(ctx, sealedRetryDelay); err != nil {
				return nil, segment.Reservation{}, 0, err
			}
		case errors.Is(err, segment.ErrInterrupted):
			return nil, segment.Reservation{}, 0, ErrClosed
		case errors.Is(err, segment.ErrTornWrite):
			logger.Warn("Torn write at end of segment; run repair",
				logger.Cycle(cycle), logger.Path(seg.Path()), logger.Err(err))
			return nil, segment.Reservation{}, 0, err
		default:
			return nil, segment.Reservation{}, 0, fmt.Errorf("reserve in cycle %d: %w", cycle, err)
		}
	}
}

// publish reserves, copies payload and completes it in one go.
func (a *Appender) publish(ctx context.Context, payload []byte, start time.Time) (rollcycle.Index, error) {
	if len(payload) > segment.MaxEntrySize {
		err := fmt.Errorf("%w: %d bytes", segment.ErrEntryTooLarge, len(payload))
		a.recordError(err)
		return 0, err
	}

	q := a.q
	if err := q.enter(); err != nil {
		return 0, err
	}
	defer q.leave()

	seg, res, cycle, err := a.reserve(ctx)
	if err != nil {
		a.recordError(err)
		return 0, err
	}
	defer q.store.release(seg)
	defer q.store.endWrite(seg)

	err = seg.WriteAt(res.PayloadOffset(), payload)
	if err == nil {
		err = seg.Complete(res.Position, len(payload), segment.KindData)
	}
	if err != nil {
		discard(seg, res.Position, 0)
		a.recordError(err)
		return 0, err
	}

	idx := rollcycle.MakeIndex(cycle, res.Seq)
	a.published(idx, len(payload), start, true)
	return idx, nil
}

func (a *Appender) published(idx rollcycle.Index, n int, start time.Time, buffered bool) {
	a.last.Store(uint64(idx) + 1)
	if m := a.q.cfg.Metrics; m != nil {
		m.ObserveAppend(n, time.Since(start), buffered)
	}
}

func (a *Appender) recordError(err error) {
	if m := a.q.cfg.Metrics; m != nil {
		if errors.Is(err, segment.ErrTornWrite) {
			m.RecordTornWrite()
		}
		m.RecordAppendError(appendErrorReason(err))
	}
}

// discard turns a reservation that cannot be completed into a record
// readers skip, so the writers behind it are not blocked.
func discard(seg *segment.Segment, pos segment.Position, written int) {
	if err := seg.Discard(pos, written); err != nil {
		logger.Error("Failed to discard entry",
			logger.Cycle(seg.Cycle()), logger.Offset(pos.Offset), logger.Err(err))
	}
}

// WriteHandle is one entry being written. It is not safe for concurrent
// use. Every handle must be finished with Finish or abandoned with Close.
type WriteHandle struct {
	a        *Appender
	ctx      context.Context
	start    time.Time
	buffered bool
	finished bool

	// Direct handles.
	seg     *segment.Segment
	pos     segment.Position
	cycle   int
	written int

	// Double-buffered handles.
	buf    []byte
	idx    rollcycle.Index
	hasIdx bool
}

// Write appends p to the entry's payload.
func (h *WriteHandle) Write(p []byte) (int, error) {
	if h.finished {
		return 0, ErrHandleFinished
	}
	if n := h.size() + len(p); n > segment.MaxEntrySize {
		err := fmt.Errorf("%w: %d bytes", segment.ErrEntryTooLarge, n)
		h.fail(err)
		return 0, err
	}

	if h.buffered {
		h.buf = bufpool.Append(h.buf, p)
		return len(p), nil
	}
	if err := h.seg.WriteAt(h.pos.PayloadOffset()+int64(h.written), p); err != nil {
		h.fail(err)
		return 0, err
	}
	h.written += len(p)
	return len(p), nil
}

// Index returns the index the entry gets. Double-buffered handles only know
// it after Finish.
func (h *WriteHandle) Index() (rollcycle.Index, bool) {
	if h.buffered {
		return h.idx, h.hasIdx
	}
	return rollcycle.MakeIndex(h.cycle, h.pos.Seq), true
}

// Finish publishes the entry and returns its index.
func (h *WriteHandle) Finish() (rollcycle.Index, error) {
	if h.finished {
		return 0, ErrHandleFinished
	}
	if h.buffered {
		h.finished = true
		idx, err := h.a.publish(h.ctx, h.buf, h.start)
		bufpool.Put(h.buf)
		h.buf = nil
		if err == nil {
			h.idx, h.hasIdx = idx, true
		}
		return idx, err
	}

	if err := h.seg.Complete(h.pos, h.written, segment.KindData); err != nil {
		h.fail(err)
		return 0, err
	}
	h.finished = true
	idx := rollcycle.MakeIndex(h.cycle, h.pos.Seq)
	h.a.published(idx, h.written, h.start, false)
	h.sealIfLeftBehind()
	h.releaseSegment()
	return idx, nil
}

// sealIfLeftBehind seals the handle's segment when the queue rolled past it
// while the entry was open: the roll may have given up waiting for it, and
// tailers only leave a cycle at its end marker.
func (h *WriteHandle) sealIfLeftBehind() {
	q := h.a.q
	if err := q.enter(); err != nil {
		return
	}
	defer q.leave()

	if hi, ok := q.meta.highest(); !ok || h.cycle >= hi {
		return
	}
	if err := q.seal(h.ctx, h.cycle); err != nil {
		logger.Warn("Failed to seal segment after a late write",
			logger.Cycle(h.cycle), logger.Path(h.seg.Path()), logger.Err(err))
	}
}

// Close abandons an unfinished entry. A direct handle leaves its header
// WORKING: the entry is torn, tailers stop before it and writers report
// segment.ErrTornWrite until the segment is repaired. Close after Finish is
// a no-op.
func (h *WriteHandle) Close() error {
	if h.finished {
		return nil
	}
	h.finished = true
	if h.buffered {
		bufpool.Put(h.buf)
		h.buf = nil
		return nil
	}
	logger.Warn("Write handle closed before finishing; entry left torn",
		logger.Cycle(h.cycle), logger.Offset(h.pos.Offset), logger.Path(h.seg.Path()))
	h.releaseSegment()
	return nil
}

func (h *WriteHandle) size() int {
	if h.buffered {
		return len(h.buf)
	}
	return h.written
}

// fail ends the handle after an error. A direct handle's reservation
// becomes a discarded record.
func (h *WriteHandle) fail(err error) {
	h.finished = true
	h.a.recordError(err)
	if h.buffered {
		bufpool.Put(h.buf)
		h.buf = nil
		return
	}
	discard(h.seg, h.pos, h.written)
	h.releaseSegment()
}

func (h *WriteHandle) releaseSegment() {
	h.a.q.store.endWrite(h.seg)
	h.a.q.store.release(h.seg)
}
