package segment

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Segment file layout:
//
//	Header (128 bytes):
//	  0   magic "RQSG"
//	  4   version uint16
//	  8   cycle int64
//	  16  index spacing uint32
//	  20  index slots uint32
//	  24  data offset int64
//	  32  capacity int64
//	  40  created at, unix nanoseconds int64
//	  64  position hint uint64, updated atomically
//	  72  index count uint64, updated atomically
//
//	Sparse index: index slots * 8 bytes, each the offset of an entry.
//	Entries: from the data offset, 64-byte aligned.
//
// All integers are little endian.
const (
	magic      = "RQSG"
	version    = uint16(1)
	headerSize = 128

	offVersion    = 4
	offCycle      = 8
	offSpacing    = 16
	offSlots      = 20
	offDataOffset = 24
	offCapacity   = 32
	offCreatedAt  = 40
	offHint       = 64
	offIndexCount = 72
	offIndex      = headerSize

	dataAlign = 64

	// The position hint packs the sequence number above a 34-bit
	// offset/8, which bounds segment capacity.
	hintOffsetBits = 34
	MaxCapacity    = int64(1) << (hintOffsetBits + 3)
)

type fileHeader struct {
	Cycle        int64
	IndexSpacing uint32
	IndexSlots   uint32
	DataOffset   int64
	Capacity     int64
	CreatedAt    time.Time
}

func dataOffsetFor(slots uint32) int64 {
	return (offIndex + int64(slots)*8 + dataAlign - 1) &^ (dataAlign - 1)
}

func (h *fileHeader) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf, magic)
	binary.LittleEndian.PutUint16(buf[offVersion:], version)
	binary.LittleEndian.PutUint64(buf[offCycle:], uint64(h.Cycle))
	binary.LittleEndian.PutUint32(buf[offSpacing:], h.IndexSpacing)
	binary.LittleEndian.PutUint32(buf[offSlots:], h.IndexSlots)
	binary.LittleEndian.PutUint64(buf[offDataOffset:], uint64(h.DataOffset))
	binary.LittleEndian.PutUint64(buf[offCapacity:], uint64(h.Capacity))
	binary.LittleEndian.PutUint64(buf[offCreatedAt:], uint64(h.CreatedAt.UnixNano()))
	binary.LittleEndian.PutUint64(buf[offHint:], packHint(h.DataOffset, 0))
	return buf
}

func unmarshalHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupted, len(buf))
	}
	if string(buf[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupted, buf[:4])
	}
	if v := binary.LittleEndian.Uint16(buf[offVersion:]); v != version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, v, version)
	}
	h := &fileHeader{
		Cycle:        int64(binary.LittleEndian.Uint64(buf[offCycle:])),
		IndexSpacing: binary.LittleEndian.Uint32(buf[offSpacing:]),
		IndexSlots:   binary.LittleEndian.Uint32(buf[offSlots:]),
		DataOffset:   int64(binary.LittleEndian.Uint64(buf[offDataOffset:])),
		Capacity:     int64(binary.LittleEndian.Uint64(buf[offCapacity:])),
		CreatedAt:    time.Unix(0, int64(binary.LittleEndian.Uint64(buf[offCreatedAt:]))).UTC(),
	}
	switch {
	case h.IndexSpacing == 0 || h.IndexSpacing&(h.IndexSpacing-1) != 0:
		return nil, fmt.Errorf("%w: index spacing %d", ErrCorrupted, h.IndexSpacing)
	case h.DataOffset != dataOffsetFor(h.IndexSlots):
		return nil, fmt.Errorf("%w: data offset %d for %d slots", ErrCorrupted, h.DataOffset, h.IndexSlots)
	case h.Capacity <= h.DataOffset || h.Capacity > MaxCapacity:
		return nil, fmt.Errorf("%w: capacity %d", ErrCorrupted, h.Capacity)
	}
	return h, nil
}

func packHint(off int64, seq uint64) uint64 {
	return seq<<hintOffsetBits | uint64(off>>3)
}

func unpackHint(h uint64) (int64, uint64) {
	return int64(h&(1<<hintOffsetBits-1)) << 3, h >> hintOffsetBits
}
