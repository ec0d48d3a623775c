package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/rollq/pkg/rollcycle"
	"github.com/marmos91/rollq/pkg/segment"
)

// Entry is one entry read by a Tailer.
type Entry struct {
	Index rollcycle.Index
	// Payload aliases the mapped segment. It stays valid until the tailer
	// moves to another segment or is closed; copy it to keep it longer.
	Payload []byte
}

// Tailer reads entries in order. A tailer belongs to one goroutine.
//
// Reads never block: when the next entry is not written yet, or is being
// written, Poll reports that nothing is present and the caller decides when
// to look again.
type Tailer struct {
	q      *Queue
	seg    *segment.Segment
	cycle  int
	pos    segment.Position
	closed bool

	// target is the entry a Seek asked for. Entries of its cycle before it
	// are skipped.
	target    rollcycle.Index
	hasTarget bool
}

// Tailer returns a tailer positioned at the start of the queue.
func (q *Queue) Tailer() (*Tailer, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	return &Tailer{q: q}, nil
}

// Poll returns the next entry without consuming it. It reports false when
// the next entry is not complete yet or the end of the queue is reached.
func (t *Tailer) Poll() (Entry, bool, error) {
	if err := t.enter(); err != nil {
		return Entry{}, false, err
	}
	defer t.q.leave()

	v, ok, err := t.peek()
	if !ok || err != nil {
		return Entry{}, false, err
	}
	return Entry{Index: rollcycle.MakeIndex(t.cycle, t.pos.Seq), Payload: v.Payload}, true, nil
}

// Advance moves past the next entry. It reports false, and stays put, when
// there is no entry to move past.
func (t *Tailer) Advance() (bool, error) {
	if err := t.enter(); err != nil {
		return false, err
	}
	defer t.q.leave()

	v, ok, err := t.peek()
	if !ok || err != nil {
		return false, err
	}
	t.consume(v)
	return true, nil
}

// Next returns the next entry and moves past it.
func (t *Tailer) Next() (Entry, bool, error) {
	if err := t.enter(); err != nil {
		return Entry{}, false, err
	}
	defer t.q.leave()

	v, ok, err := t.peek()
	if !ok || err != nil {
		return Entry{}, false, err
	}
	e := Entry{Index: rollcycle.MakeIndex(t.cycle, t.pos.Seq), Payload: v.Payload}
	t.consume(v)
	return e, true, nil
}

// Seek positions the tailer at idx and reports whether that entry exists
// now. Seeking beyond the written end is allowed: the entry is returned once
// it is written. If the cycle of idx has no segment, reading continues at
// the start of the next cycle that has one.
func (t *Tailer) Seek(idx rollcycle.Index) (bool, error) {
	if err := t.enter(); err != nil {
		return false, err
	}
	defer t.q.leave()

	t.detach()
	t.cycle = idx.Cycle()
	t.target, t.hasTarget = idx, true

	seg, err := t.q.store.acquire(context.Background(), idx.Cycle(), false)
	if errors.Is(err, ErrSegmentNotFound) {
		_, _, err := t.peek()
		return false, err
	}
	if err != nil {
		return false, err
	}
	t.seg = seg
	t.pos = seg.Locate(idx.Seq())

	_, ok, err := t.peek()
	if err != nil {
		return false, err
	}
	return ok && t.cycle == idx.Cycle() && t.pos.Seq == idx.Seq(), nil
}

// ToStart positions the tailer before the first entry of the queue.
func (t *Tailer) ToStart() error {
	if err := t.enter(); err != nil {
		return err
	}
	defer t.q.leave()

	t.detach()
	t.cycle = 0
	t.hasTarget = false
	return nil
}

// ToEnd positions the tailer after the last complete entry, so it reads
// only entries written from now on.
func (t *Tailer) ToEnd() error {
	if err := t.enter(); err != nil {
		return err
	}
	defer t.q.leave()

	t.detach()
	t.cycle = 0
	t.hasTarget = false

	cycles, err := t.q.store.cycles()
	if err != nil || len(cycles) == 0 {
		return err
	}
	last := cycles[len(cycles)-1]
	seg, err := t.q.store.acquire(context.Background(), last, false)
	if errors.Is(err, ErrSegmentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t.seg, t.cycle = seg, last
	t.pos, _ = seg.End()
	return nil
}

// Index returns the index of the entry the tailer reads next.
func (t *Tailer) Index() rollcycle.Index {
	if t.hasTarget && t.target.Cycle() == t.cycle && t.pos.Seq < t.target.Seq() {
		return t.target
	}
	return rollcycle.MakeIndex(t.cycle, t.pos.Seq)
}

// Cycle returns the cycle the tailer is reading.
func (t *Tailer) Cycle() int { return t.cycle }

// Close releases the tailer's segment. Payloads returned earlier become
// invalid.
func (t *Tailer) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.detach()
	return nil
}

func (t *Tailer) enter() error {
	if t.closed {
		return ErrClosed
	}
	return t.q.enter()
}

// peek finds the next complete data entry, moving past discarded records
// and into later segments on the way.
func (t *Tailer) peek() (segment.View, bool, error) {
	for {
		if t.seg == nil {
			ok, err := t.attach(t.cycle)
			if !ok || err != nil {
				return segment.View{}, false, err
			}
		}

		v, st := t.seg.ReadAt(t.pos.Offset)
		switch st {
		case segment.StatusPresent:
			if t.hasTarget && t.target.Cycle() == t.cycle && t.pos.Seq < t.target.Seq() {
				t.pos.Offset = v.Next
				t.pos.Seq++
				continue
			}
			return v, true, nil
		case segment.StatusSkip:
			t.pos.Offset = v.Next
		case segment.StatusNotVisible:
			return segment.View{}, false, nil
		case segment.StatusEnd:
			ok, err := t.nextSegment()
			if !ok || err != nil {
				return segment.View{}, false, err
			}
		default:
			return segment.View{}, false, fmt.Errorf("%w: cycle %d offset %d", segment.ErrCorrupted, t.cycle, t.pos.Offset)
		}
	}
}

func (t *Tailer) consume(v segment.View) {
	t.pos.Offset = v.Next
	t.pos.Seq++
	if m := t.q.cfg.Metrics; m != nil {
		m.ObserveRead(len(v.Payload))
	}
}

// attach maps the first existing segment at or after cycle from.
func (t *Tailer) attach(from int) (bool, error) {
	c, ok, err := t.q.store.nextCycle(from)
	if !ok || err != nil {
		return false, err
	}
	seg, err := t.q.store.acquire(context.Background(), c, false)
	if errors.Is(err, ErrSegmentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.seg, t.cycle = seg, c
	t.pos = segment.Position{Offset: seg.DataOffset()}
	return true, nil
}

// nextSegment moves from a sealed segment to the next existing one. Unless
// some writer rolled past the current cycle there is nothing to look for.
func (t *Tailer) nextSegment() (bool, error) {
	if h, ok := t.q.meta.highest(); !ok || h <= t.cycle {
		return false, nil
	}
	c, ok, err := t.q.store.nextCycle(t.cycle + 1)
	if !ok || err != nil {
		return false, err
	}
	seg, err := t.q.store.acquire(context.Background(), c, false)
	if errors.Is(err, ErrSegmentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.detach()
	t.seg, t.cycle = seg, c
	t.pos = segment.Position{Offset: seg.DataOffset()}
	return true, nil
}

func (t *Tailer) detach() {
	if t.seg != nil {
		t.q.store.release(t.seg)
		t.seg = nil
	}
	t.pos = segment.Position{}
}
