package rollcycle

import (
	"fmt"
	"strconv"
	"strings"
)

// SequenceBits is the number of low bits of an Index holding the sequence
// number within a cycle.
const SequenceBits = 30

// MaxSequence is the largest sequence number a cycle can hold.
const MaxSequence = 1<<SequenceBits - 1

// Index addresses one entry of a queue: the cycle in the high bits and the
// sequence number of the entry within that cycle in the low SequenceBits.
type Index uint64

// MakeIndex packs cycle and seq.
func MakeIndex(cycle int, seq uint64) Index {
	return Index(uint64(cycle)<<SequenceBits | seq&MaxSequence)
}

// Cycle returns the cycle part.
func (i Index) Cycle() int {
	return int(uint64(i) >> SequenceBits)
}

// Seq returns the sequence part.
func (i Index) Seq() uint64 {
	return uint64(i) & MaxSequence
}

// String formats the index as "cycle:seq".
func (i Index) String() string {
	return fmt.Sprintf("%d:%d", i.Cycle(), i.Seq())
}

// ParseIndex accepts "cycle:seq", a decimal index or a 0x-prefixed hex index.
func ParseIndex(s string) (Index, error) {
	s = strings.TrimSpace(s)
	if c, q, ok := strings.Cut(s, ":"); ok {
		cycle, err := strconv.ParseUint(c, 10, 64-SequenceBits)
		if err != nil {
			return 0, fmt.Errorf("invalid cycle in index %q: %w", s, err)
		}
		seq, err := strconv.ParseUint(q, 10, SequenceBits)
		if err != nil {
			return 0, fmt.Errorf("invalid sequence in index %q: %w", s, err)
		}
		return MakeIndex(int(cycle), seq), nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q: %w", s, err)
	}
	return Index(v), nil
}
