package stress

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/rollq/pkg/queue"
)

// checker validates the entries one tailer reads.
//
// In strict mode each counter must be one more than the previous. Double
// buffered writers take their counter before they hold the segment, so
// there only uniqueness is checked, and completeness at the end.
type checker struct {
	copies int
	strict bool

	last  uint64
	count uint64
	seen  map[uint64]struct{}
}

func newChecker(copies int, strict bool) *checker {
	c := &checker{copies: copies, strict: strict}
	if !strict {
		c.seen = make(map[uint64]struct{})
	}
	return c
}

func (c *checker) entry(e queue.Entry) error {
	if want := 8 + 8*c.copies; len(e.Payload) != want {
		return fmt.Errorf("%w: entry %s is %d bytes, want %d", ErrCounterMismatch, e.Index, len(e.Payload), want)
	}
	if binary.LittleEndian.Uint64(e.Payload) == 0 {
		return fmt.Errorf("%w: entry %s has no timestamp", ErrCounterMismatch, e.Index)
	}

	v := binary.LittleEndian.Uint64(e.Payload[8:])
	for i := 1; i < c.copies; i++ {
		if got := binary.LittleEndian.Uint64(e.Payload[8+8*i:]); got != v {
			return fmt.Errorf("%w: entry %s copy %d is %d, copy 0 is %d", ErrCounterMismatch, e.Index, i, got, v)
		}
	}

	if c.strict {
		if v != c.last+1 {
			return fmt.Errorf("%w: expected %d, got %d at entry %s (cycle %d)", ErrCounterMismatch, c.last+1, v, e.Index, e.Index.Cycle())
		}
	} else {
		if _, dup := c.seen[v]; dup {
			return fmt.Errorf("%w: counter %d read twice at entry %s", ErrCounterMismatch, v, e.Index)
		}
		c.seen[v] = struct{}{}
	}

	c.last = v
	c.count++
	return nil
}

// complete checks that counters 1..n were all read.
func (c *checker) complete(n uint64) error {
	if c.count != n {
		return fmt.Errorf("%w: read %d entries, %d were written", ErrCounterMismatch, c.count, n)
	}
	if !c.strict {
		for v := uint64(1); v <= n; v++ {
			if _, ok := c.seen[v]; !ok {
				return fmt.Errorf("%w: counter %d never read", ErrCounterMismatch, v)
			}
		}
	}
	return nil
}
