package segment

import (
	"sync/atomic"

	"github.com/marmos91/rollq/internal/mmapfile"
)

func mmapfile64(s *Segment, off int64) *uint64 {
	return mmapfile.Uint64(s.data, off)
}

// index records the offset of every IndexSpacing-th data entry.
func (s *Segment) index(seq uint64, off int64) {
	if seq&uint64(s.spacing-1) != 0 {
		return
	}
	slot := seq / uint64(s.spacing)
	if slot >= uint64(s.slots) {
		return
	}
	atomic.StoreUint64(mmapfile64(s, offIndex+int64(slot)*8), uint64(off))

	count := mmapfile64(s, offIndexCount)
	for {
		cur := atomic.LoadUint64(count)
		if cur >= slot+1 || atomic.CompareAndSwapUint64(count, cur, slot+1) {
			return
		}
	}
}

func (s *Segment) indexCount() uint64 {
	return atomic.LoadUint64(mmapfile64(s, offIndexCount))
}

// Locate returns the closest indexed position at or before seq. Scanning
// forward from it reaches seq, if it exists, without visiting earlier
// indexed entries.
func (s *Segment) Locate(seq uint64) Position {
	slot := seq / uint64(s.spacing)
	if n := s.indexCount(); slot >= n {
		if n == 0 {
			return Position{Offset: s.dataOffset}
		}
		slot = n - 1
	}
	for ; ; slot-- {
		off := int64(atomic.LoadUint64(mmapfile64(s, offIndex+int64(slot)*8)))
		if off >= s.dataOffset {
			return Position{Offset: off, Seq: slot * uint64(s.spacing)}
		}
		if slot == 0 {
			return Position{Offset: s.dataOffset}
		}
	}
}
