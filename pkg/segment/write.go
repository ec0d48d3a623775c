package segment

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/marmos91/rollq/pkg/rollcycle"
)

// Position addresses an entry header and the sequence number the entry
// there gets if it is data.
type Position struct {
	Offset int64
	Seq    uint64
}

// PayloadOffset returns where the payload of the entry at p starts.
func (p Position) PayloadOffset() int64 {
	return p.Offset + entryHeaderSize
}

// Reservation is the outcome of a successful Reserve.
type Reservation struct {
	Position
	// Spins counts how often the caller waited on another writer.
	Spins int
}

const yieldSpins = 64

// Reserve claims the end of the segment by moving its header from UNSET to
// WORKING. While another writer holds the end, Reserve waits for it to
// complete. It gives up with ErrTornWrite when the same header stays WORKING
// for longer than timeout (zero means wait forever), with ErrInterrupted
// when stop closes and with the context error when ctx ends.
//
// The returned reservation must be finished with Complete. Once the cycle
// holds MaxSequence entries Reserve fails with ErrFull; the segment can still
// be sealed.
func (s *Segment) Reserve(ctx context.Context, stop <-chan struct{}, timeout time.Duration) (Reservation, error) {
	return s.reserve(ctx, stop, timeout, true)
}

func (s *Segment) reserve(ctx context.Context, stop <-chan struct{}, timeout time.Duration, data bool) (Reservation, error) {
	if s.readOnly {
		return Reservation{}, ErrReadOnly
	}
	if s.closed.Load() {
		return Reservation{}, ErrClosed
	}

	pos := s.Tail()
	spins := 0
	stuckAt := int64(-1)
	var stuckSince time.Time

	for {
		w := atomic.LoadUint32(s.header(pos.Offset))
		state, kind, length := decodeHeader(w)

		switch state {
		case StateUnset:
			// The hint stores the sequence after a data entry, which must
			// still fit in its sequence bits.
			if data && pos.Seq >= rollcycle.MaxSequence {
				return Reservation{}, fmt.Errorf("%w: sequence space of cycle %d exhausted", ErrFull, s.cycle)
			}
			// Room for a zero-length record and the header after it, so the
			// reservation can always be completed as a discarded record.
			if err := s.EnsureExtent(pos.Offset + 2*entryAlign); err != nil {
				return Reservation{}, err
			}
			if s.transition(pos.Offset, w, workingHeader) {
				return Reservation{Position: pos, Spins: spins}, nil
			}

		case StateWorking:
			if pos.Offset != stuckAt {
				stuckAt, stuckSince = pos.Offset, time.Now()
			} else if timeout > 0 && time.Since(stuckSince) > timeout {
				return Reservation{}, fmt.Errorf("%w: offset %d in cycle %d", ErrTornWrite, pos.Offset, s.cycle)
			}
			if err := pause(ctx, stop, spins); err != nil {
				return Reservation{}, err
			}
			spins++

		case StateComplete:
			if kind == KindEOF {
				return Reservation{}, ErrSealed
			}
			if kind == KindData {
				pos.Seq++
			}
			pos.Offset = nextOffset(pos.Offset, length)

		default:
			return Reservation{}, fmt.Errorf("%w: header %#x at offset %d", ErrCorrupted, w, pos.Offset)
		}
	}
}

// pause backs off between two looks at a WORKING header: first by yielding
// the processor, then by sleeping for growing intervals up to a millisecond.
func pause(ctx context.Context, stop <-chan struct{}, spins int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrInterrupted
	default:
	}
	if spins < yieldSpins {
		runtime.Gosched()
		return nil
	}
	d := time.Duration(spins-yieldSpins+1) * 10 * time.Microsecond
	if d > time.Millisecond {
		d = time.Millisecond
	}
	time.Sleep(d)
	return nil
}

// Complete publishes the reserved entry at r with a payload of length bytes.
// The payload must already be written. Data entries are indexed and get the
// sequence number of r.
func (s *Segment) Complete(r Position, length int, kind Kind) error {
	if length < 0 || length > MaxEntrySize {
		return fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, length)
	}
	next := nextOffset(r.Offset, length)
	if err := s.EnsureExtent(next + entryAlign); err != nil {
		return err
	}
	if kind == KindData {
		s.index(r.Seq, r.Offset)
	}
	if !s.transition(r.Offset, workingHeader, encodeHeader(StateComplete, kind, length)) {
		return fmt.Errorf("%w: offset %d in cycle %d", ErrNotReserved, r.Offset, s.cycle)
	}

	seq := r.Seq
	if kind == KindData {
		seq++
	}
	s.advanceHint(next, seq)
	return nil
}

// Discard completes a reservation as a record readers skip. written is the
// number of payload bytes already copied after the header. If the file
// cannot be grown to cover them, they are cleared and an empty record is
// published instead.
func (s *Segment) Discard(r Position, written int) error {
	err := s.Complete(r, written, KindDiscarded)
	if err == nil || written == 0 {
		return err
	}
	s.Zero(r.PayloadOffset(), r.PayloadOffset()+int64(written))
	return s.Complete(r, 0, KindDiscarded)
}

// Seal appends the end-of-segment marker. Writers that find it move on to a
// later cycle; readers that reach it look for the next segment.
func (s *Segment) Seal(ctx context.Context, stop <-chan struct{}, timeout time.Duration) error {
	r, err := s.reserve(ctx, stop, timeout, false)
	if err != nil {
		return err
	}
	return s.Complete(r.Position, 0, KindEOF)
}

// transition moves the header at off from old to new, rejecting any move
// the entry state machine does not allow.
func (s *Segment) transition(off int64, old, new uint32) bool {
	from, _, _ := decodeHeader(old)
	to, _, _ := decodeHeader(new)
	if !from.CanTransition(to) {
		panic(fmt.Sprintf("segment: illegal header transition %s -> %s", from, to))
	}
	return atomic.CompareAndSwapUint32(s.header(off), old, new)
}

// Tail returns the last published end of the segment. Entries may have been
// completed beyond it; it is a starting point for scans, never past the end.
func (s *Segment) Tail() Position {
	off, seq := unpackHint(atomic.LoadUint64(mmapfile64(s, offHint)))
	if off < s.dataOffset {
		off, seq = s.dataOffset, 0
	}
	return Position{Offset: off, Seq: seq}
}

func (s *Segment) advanceHint(off int64, seq uint64) {
	ptr := mmapfile64(s, offHint)
	next := packHint(off, seq)
	for {
		cur := atomic.LoadUint64(ptr)
		if curOff, _ := unpackHint(cur); curOff >= off {
			return
		}
		if atomic.CompareAndSwapUint64(ptr, cur, next) {
			return
		}
	}
}
