package segment

import "fmt"

// Every entry starts with a 4-byte little-endian header word:
//
//	bits 30-31  state (UNSET, WORKING, COMPLETE)
//	bit  29     metadata: the record carries no user payload
//	bit  28     end of segment (only with the metadata bit)
//	bits 0-27   payload length
//
// The payload follows the header and the next entry starts at the next
// 8-byte boundary.
const (
	entryHeaderSize = 4
	entryAlign      = 8

	stateShift        = 30
	flagMeta   uint32 = 1 << 29
	flagEOF    uint32 = 1 << 28
	lengthMask uint32 = 1<<28 - 1
)

// MaxEntrySize is the largest payload a single entry can carry.
const MaxEntrySize = int(lengthMask)

// State is the lifecycle state of an entry header.
type State uint32

const (
	StateUnset State = iota
	StateWorking
	StateComplete
	stateInvalid
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "UNSET"
	case StateWorking:
		return "WORKING"
	case StateComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("INVALID(%d)", uint32(s))
	}
}

// CanTransition reports whether a header may move from s to next. The only
// legal moves are UNSET to WORKING and WORKING to COMPLETE.
func (s State) CanTransition(next State) bool {
	return (s == StateUnset && next == StateWorking) || (s == StateWorking && next == StateComplete)
}

// Kind classifies a completed record.
type Kind uint8

const (
	// KindData is a user entry with a sequence number.
	KindData Kind = iota
	// KindDiscarded is a record readers skip: a failed write or a repaired torn write.
	KindDiscarded
	// KindEOF marks the end of a segment; nothing is written after it.
	KindEOF
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindDiscarded:
		return "discarded"
	case KindEOF:
		return "eof"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// workingHeader is the word a writer installs when it reserves an entry.
var workingHeader = encodeHeader(StateWorking, KindData, 0)

func encodeHeader(state State, kind Kind, length int) uint32 {
	w := uint32(state)<<stateShift | uint32(length)&lengthMask
	switch kind {
	case KindDiscarded:
		w |= flagMeta
	case KindEOF:
		w |= flagMeta | flagEOF
	}
	return w
}

func decodeHeader(w uint32) (State, Kind, int) {
	state := State(w >> stateShift)
	kind := KindData
	if w&flagMeta != 0 {
		kind = KindDiscarded
		if w&flagEOF != 0 {
			kind = KindEOF
		}
	}
	return state, kind, int(w & lengthMask)
}

// nextOffset returns the offset of the entry following one at off with a
// payload of length bytes.
func nextOffset(off int64, length int) int64 {
	return (off + entryHeaderSize + int64(length) + entryAlign - 1) &^ (entryAlign - 1)
}
