// Package segment implements the mapped file holding all entries of one
// roll cycle.
//
// Writers take turns at the end of the segment: the header word at the end
// is moved from UNSET to WORKING with a compare-and-swap, which gives the
// writer exclusive use of the bytes after it until it publishes the entry by
// moving the header to COMPLETE. Readers follow the chain of COMPLETE headers
// and stop at the first one that is not, so entries become visible strictly
// in offset order.
package segment

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/rollq/internal/mmapfile"
)

var (
	ErrCorrupted       = errors.New("segment corrupted")
	ErrVersionMismatch = errors.New("segment version mismatch")
	ErrCycleMismatch   = errors.New("segment holds a different cycle")

	// ErrFull is returned when an entry does not fit in the segment capacity.
	ErrFull = errors.New("segment full")
	// ErrSealed is returned when writing after the end-of-segment marker.
	ErrSealed = errors.New("segment sealed")
	// ErrTornWrite is returned when the header at the end of the segment
	// stayed WORKING for longer than the write timeout. The writer that
	// reserved it is assumed dead; the segment needs Repair.
	ErrTornWrite = errors.New("torn write at end of segment")
	// ErrInterrupted is returned when a reservation is abandoned because
	// its stop channel closed.
	ErrInterrupted = errors.New("reservation interrupted")
	// ErrNotReserved is returned when completing an entry whose header is no
	// longer WORKING, typically because it was repaired underneath the writer.
	ErrNotReserved = errors.New("entry is not reserved")

	ErrEntryTooLarge = errors.New("entry too large")
	ErrReadOnly      = errors.New("segment is read-only")
	ErrClosed        = errors.New("segment closed")
)

// Options control how a segment is created and mapped.
type Options struct {
	// BlockSize is the granularity the file grows by.
	BlockSize int64
	// Capacity is the most bytes the file may grow to. Only used on creation;
	// existing files keep the capacity recorded in their header.
	Capacity int64
	// IndexSpacing and IndexSlots size the sparse index on creation.
	IndexSpacing uint32
	IndexSlots   uint32
	ReadOnly     bool
	Perm         os.FileMode
}

func (o *Options) applyDefaults() {
	if o.BlockSize <= 0 {
		o.BlockSize = 64 << 20
	}
	if o.BlockSize < mmapfile.PageSize {
		o.BlockSize = mmapfile.PageSize
	}
	if o.Capacity <= 0 {
		o.Capacity = 64 << 30
	}
	if o.Capacity > MaxCapacity {
		o.Capacity = MaxCapacity
	}
	if o.IndexSpacing == 0 {
		o.IndexSpacing = 16
	}
	if o.IndexSlots == 0 {
		o.IndexSlots = 8192
	}
	if o.Perm == 0 {
		o.Perm = 0o644
	}
}

// Segment is one mapped cycle file. All methods are safe for concurrent use.
type Segment struct {
	path       string
	cycle      int
	file       *os.File
	data       []byte
	readOnly   bool
	blockSize  int64
	capacity   int64
	dataOffset int64
	spacing    uint32
	slots      uint32
	createdAt  time.Time

	extent atomic.Int64
	growMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
}

// Info describes a segment for tooling.
type Info struct {
	Path         string
	Cycle        int
	Capacity     int64
	Extent       int64
	DataOffset   int64
	IndexSpacing uint32
	IndexSlots   uint32
	IndexCount   uint64
	CreatedAt    time.Time
	ReadOnly     bool
}

// Create creates the segment for cycle at path, or opens it if another
// writer (in this or another process) created it first. created reports
// whether this call made the file.
func Create(path string, cycle int, opts Options) (seg *Segment, created bool, err error) {
	opts.applyDefaults()
	if opts.ReadOnly {
		return nil, false, ErrReadOnly
	}
	if opts.IndexSpacing&(opts.IndexSpacing-1) != 0 {
		return nil, false, fmt.Errorf("index spacing %d is not a power of two", opts.IndexSpacing)
	}

	hdr := &fileHeader{
		Cycle:        int64(cycle),
		IndexSpacing: opts.IndexSpacing,
		IndexSlots:   opts.IndexSlots,
		DataOffset:   dataOffsetFor(opts.IndexSlots),
		Capacity:     opts.Capacity,
		CreatedAt:    time.Now().UTC(),
	}
	if hdr.Capacity < hdr.DataOffset+2*entryAlign {
		return nil, false, fmt.Errorf("capacity %d cannot hold the index and one entry", hdr.Capacity)
	}

	initial := alignUp(hdr.DataOffset+2*entryAlign, opts.BlockSize)
	if initial > hdr.Capacity {
		initial = hdr.Capacity
	}

	created, err = mmapfile.CreateExclusive(path, opts.Perm, func(f *os.File) error {
		if err := mmapfile.Grow(f, initial); err != nil {
			return err
		}
		if _, err := f.WriteAt(hdr.marshal(), 0); err != nil {
			return fmt.Errorf("write segment header: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create segment %s: %w", path, err)
	}

	seg, err = Open(path, opts)
	if err != nil {
		return nil, false, err
	}
	if seg.cycle != cycle {
		seg.Close()
		return nil, false, fmt.Errorf("%w: %s holds cycle %d, want %d", ErrCycleMismatch, path, seg.cycle, cycle)
	}
	return seg, created, nil
}

// Open maps an existing segment file.
func Open(path string, opts Options) (*Segment, error) {
	opts.applyDefaults()

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header of %s: %v", ErrCorrupted, path, err)
	}
	hdr, err := unmarshalHeader(buf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	size, err := mmapfile.Size(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if size < hdr.DataOffset+entryAlign {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, shorter than its data offset", ErrCorrupted, path, size)
	}

	data, err := mmapfile.Map(f, hdr.Capacity, !opts.ReadOnly)
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Segment{
		path:       path,
		cycle:      int(hdr.Cycle),
		file:       f,
		data:       data,
		readOnly:   opts.ReadOnly,
		blockSize:  opts.BlockSize,
		capacity:   hdr.Capacity,
		dataOffset: hdr.DataOffset,
		spacing:    hdr.IndexSpacing,
		slots:      hdr.IndexSlots,
		createdAt:  hdr.CreatedAt,
	}
	s.extent.Store(size)
	return s, nil
}

// Path returns the file path.
func (s *Segment) Path() string { return s.path }

// Cycle returns the cycle the segment holds.
func (s *Segment) Cycle() int { return s.cycle }

// DataOffset returns the offset of the first entry.
func (s *Segment) DataOffset() int64 { return s.dataOffset }

// ReadOnly reports whether the segment is mapped read-only.
func (s *Segment) ReadOnly() bool { return s.readOnly }

// Info returns a snapshot of the segment's layout and growth.
func (s *Segment) Info() Info {
	info := Info{
		Path:         s.path,
		Cycle:        s.cycle,
		Capacity:     s.capacity,
		Extent:       s.extent.Load(),
		DataOffset:   s.dataOffset,
		IndexSpacing: s.spacing,
		IndexSlots:   s.slots,
		CreatedAt:    s.createdAt,
		ReadOnly:     s.readOnly,
	}
	if !s.closed.Load() {
		info.IndexCount = s.indexCount()
		if size, err := mmapfile.Size(s.file); err == nil && size > info.Extent {
			info.Extent = size
		}
	}
	return info
}

// Extent returns the file size this segment last grew the file to or
// observed at open.
func (s *Segment) Extent() int64 { return s.extent.Load() }

// EnsureExtent grows the file so that the first n bytes are backed.
func (s *Segment) EnsureExtent(n int64) error {
	if n <= s.extent.Load() {
		return nil
	}
	if s.readOnly {
		return ErrReadOnly
	}
	if n > s.capacity {
		return fmt.Errorf("%w: need %d bytes, capacity %d", ErrFull, n, s.capacity)
	}

	s.growMu.Lock()
	defer s.growMu.Unlock()
	if n <= s.extent.Load() {
		return nil
	}

	size := alignUp(n, s.blockSize)
	if size > s.capacity {
		size = s.capacity
	}
	if err := mmapfile.Grow(s.file, size); err != nil {
		return fmt.Errorf("grow segment %s: %w", s.path, err)
	}
	s.extent.Store(size)
	return nil
}

// WriteAt copies p into the segment at off, growing the file as needed. The
// caller must own the range through a reservation.
func (s *Segment) WriteAt(off int64, p []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	end := off + int64(len(p))
	if end > s.capacity {
		return fmt.Errorf("%w: write of %d bytes at %d exceeds capacity %d", ErrFull, len(p), off, s.capacity)
	}
	if err := s.EnsureExtent(end); err != nil {
		return err
	}
	copy(s.data[off:end], p)
	return nil
}

// Zero clears [from, to) of the segment. The caller must own the range.
func (s *Segment) Zero(from, to int64) {
	if ext := s.extent.Load(); to > ext {
		to = ext
	}
	if from < to {
		clear(s.data[from:to])
	}
}

// Sync flushes written data to disk.
func (s *Segment) Sync() error {
	if s.readOnly || s.closed.Load() {
		return nil
	}
	return mmapfile.Sync(s.data, s.extent.Load(), false)
}

// Close flushes and unmaps the segment. It is idempotent. Views returned by
// ReadAt become invalid.
func (s *Segment) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if !s.readOnly {
			err = mmapfile.Sync(s.data, s.extent.Load(), false)
		}
		if uerr := mmapfile.Unmap(s.data); uerr != nil && err == nil {
			err = uerr
		}
		s.data = nil
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (s *Segment) header(off int64) *uint32 {
	return mmapfile.Uint32(s.data, off)
}

func alignUp(n, align int64) int64 {
	if r := n % align; r != 0 {
		return n + align - r
	}
	return n
}
