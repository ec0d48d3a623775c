package segment

import (
	"fmt"
	"sync/atomic"

	"github.com/marmos91/rollq/internal/mmapfile"
)

// Pretouch faults in the pages of [from, from+ahead), growing the file to
// cover them first when the segment is writable. It returns the number of
// pages touched.
func (s *Segment) Pretouch(from, ahead int64) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	end := from + ahead
	if end > s.capacity {
		end = s.capacity
	}
	if !s.readOnly {
		if err := s.EnsureExtent(end); err != nil {
			return 0, err
		}
	}
	if ext := s.extent.Load(); end > ext {
		end = ext
	}

	pages := 0
	for p := from &^ (mmapfile.PageSize - 1); p < end; p += mmapfile.PageSize {
		if s.readOnly {
			_ = atomic.LoadUint32(s.header(p))
		} else {
			mmapfile.Touch(s.data, p)
		}
		pages++
	}
	return pages, nil
}

// RepairResult describes what Repair found.
type RepairResult struct {
	// Offset of the first header that is not a complete entry.
	Offset int64
	// State of that header before the repair.
	State State
	// Repaired is set when a torn WORKING header was cleared.
	Repaired bool
	// Zeroed is the number of bytes cleared after the torn header.
	Zeroed int64
}

// Repair clears a torn write: a header left WORKING by a writer that died
// before completing it. The bytes after the header are zeroed and the header
// becomes an empty discarded record, so readers and writers move past it.
//
// Repair must not run while a live writer holds the reservation; the caller
// has to establish that.
func (s *Segment) Repair() (RepairResult, error) {
	if s.readOnly {
		return RepairResult{}, ErrReadOnly
	}
	if s.closed.Load() {
		return RepairResult{}, ErrClosed
	}

	pos, _ := s.End()
	w := atomic.LoadUint32(s.header(pos.Offset))
	state, _, _ := decodeHeader(w)
	res := RepairResult{Offset: pos.Offset, State: state}
	if state != StateWorking {
		return res, nil
	}

	size, err := mmapfile.Size(s.file)
	if err != nil {
		return res, err
	}
	if size > s.capacity {
		size = s.capacity
	}
	from := pos.PayloadOffset()
	if size > from {
		clear(s.data[from:size])
		res.Zeroed = size - from
	}
	if err := s.EnsureExtent(pos.Offset + 2*entryAlign); err != nil {
		return res, err
	}
	if !s.transition(pos.Offset, w, encodeHeader(StateComplete, KindDiscarded, 0)) {
		return res, fmt.Errorf("%w: header at %d changed during repair", ErrNotReserved, pos.Offset)
	}
	s.advanceHint(nextOffset(pos.Offset, 0), pos.Seq)
	res.Repaired = true
	return res, nil
}
