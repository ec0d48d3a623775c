package segment

import (
	"fmt"
	"sync/atomic"
)

// Status is the outcome of reading the header at an offset.
type Status int

const (
	// StatusPresent means a complete data entry.
	StatusPresent Status = iota
	// StatusSkip means a complete record without user payload; continue at View.Next.
	StatusSkip
	// StatusNotVisible means the header is UNSET or WORKING.
	StatusNotVisible
	// StatusEnd means the end-of-segment marker.
	StatusEnd
	// StatusCorrupt means the header word is not a valid state.
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusPresent:
		return "present"
	case StatusSkip:
		return "skip"
	case StatusNotVisible:
		return "not-visible"
	case StatusEnd:
		return "end"
	default:
		return "corrupt"
	}
}

// View is a complete record read from a segment. Payload aliases the
// mapping and stays valid until the segment is closed.
type View struct {
	Offset  int64
	Next    int64
	Kind    Kind
	Payload []byte
}

// ReadAt reads the record whose header is at off. off must be the data
// offset or the Next of a previously read record.
func (s *Segment) ReadAt(off int64) (View, Status) {
	w := atomic.LoadUint32(s.header(off))
	state, kind, length := decodeHeader(w)

	switch state {
	case StateUnset, StateWorking:
		return View{Offset: off}, StatusNotVisible
	case StateComplete:
	default:
		return View{Offset: off}, StatusCorrupt
	}

	v := View{Offset: off, Next: nextOffset(off, length), Kind: kind}
	switch kind {
	case KindEOF:
		return v, StatusEnd
	case KindDiscarded:
		return v, StatusSkip
	}
	start := off + entryHeaderSize
	v.Payload = s.data[start : start+int64(length) : start+int64(length)]
	return v, StatusPresent
}

// End walks from the published tail to the first header that is not a
// complete entry and returns its position and status: StatusNotVisible when
// the segment is open for writes, StatusEnd when it is sealed.
func (s *Segment) End() (Position, Status) {
	pos := s.Tail()
	for {
		v, st := s.ReadAt(pos.Offset)
		switch st {
		case StatusPresent:
			pos.Seq++
			pos.Offset = v.Next
		case StatusSkip:
			pos.Offset = v.Next
		default:
			return pos, st
		}
	}
}

// Sealed reports whether the segment ends with the end-of-segment marker.
func (s *Segment) Sealed() bool {
	_, st := s.End()
	return st == StatusEnd
}

// Working reports whether the header at the end of the segment is WORKING:
// an entry is being written, or its writer died and left it torn.
func (s *Segment) Working() bool {
	pos, st := s.End()
	if st != StatusNotVisible {
		return false
	}
	state, _, _ := decodeHeader(atomic.LoadUint32(s.header(pos.Offset)))
	return state == StateWorking
}

// Record is one record reported by a Scanner.
type Record struct {
	Offset  int64
	Seq     uint64 // valid for data records
	State   State
	Kind    Kind
	Length  int
	Payload []byte
}

// Scanner walks a segment record by record from its first entry. It reports
// every complete record, then the WORKING record at the end if there is one.
type Scanner struct {
	seg  *Segment
	pos  Position
	rec  Record
	done bool
	err  error
}

// Scan returns a Scanner positioned at the first entry.
func (s *Segment) Scan() *Scanner {
	return &Scanner{seg: s, pos: Position{Offset: s.dataOffset}}
}

// Next advances to the next record.
func (sc *Scanner) Next() bool {
	if sc.done {
		return false
	}
	s := sc.seg
	if sc.pos.Offset+entryHeaderSize > s.capacity {
		sc.done = true
		return false
	}

	w := atomic.LoadUint32(s.header(sc.pos.Offset))
	state, kind, length := decodeHeader(w)
	sc.rec = Record{Offset: sc.pos.Offset, State: state, Kind: kind, Length: length}

	switch state {
	case StateUnset:
		sc.done = true
		return false
	case StateWorking:
		sc.rec.Length = 0
		sc.done = true
		return true
	case StateComplete:
	default:
		sc.err = fmt.Errorf("%w: header %#x at offset %d", ErrCorrupted, w, sc.pos.Offset)
		sc.done = true
		return false
	}

	switch kind {
	case KindData:
		start := sc.pos.Offset + entryHeaderSize
		sc.rec.Seq = sc.pos.Seq
		sc.rec.Payload = s.data[start : start+int64(length) : start+int64(length)]
		sc.pos.Seq++
	case KindEOF:
		sc.done = true
	}
	sc.pos.Offset = nextOffset(sc.pos.Offset, length)
	return true
}

// Record returns the record Next moved to.
func (sc *Scanner) Record() Record { return sc.rec }

// Err returns the error that stopped the scan, if any.
func (sc *Scanner) Err() error { return sc.err }
