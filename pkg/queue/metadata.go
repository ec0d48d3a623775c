package queue

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/marmos91/rollq/internal/mmapfile"
	"github.com/marmos91/rollq/pkg/rollcycle"
	"github.com/marmos91/rollq/pkg/segment"
)

// MetadataFile is the name of the file describing a queue directory.
const MetadataFile = "metadata.rqm"

// Metadata file layout (little endian):
//
//	0   magic "RQMT"
//	4   version uint16
//	8   cycle length, nanoseconds int64
//	16  epoch, unix nanoseconds int64
//	24  roll cycle name [32]byte
//	56  file name format [32]byte
//	88  index spacing uint32
//	92  index slots uint32
//	96  highest cycle + 1 uint64, updated atomically (0: none yet)
//	104 created at, unix nanoseconds int64
const (
	metaMagic   = "RQMT"
	metaVersion = uint16(1)
	metaSize    = 4096

	moffVersion   = 4
	moffLength    = 8
	moffEpoch     = 16
	moffName      = 24
	moffFormat    = 56
	moffSpacing   = 88
	moffSlots     = 92
	moffHighest   = 96
	moffCreatedAt = 104

	metaStringLen = 32
)

type metadata struct {
	path      string
	file      *os.File
	data      []byte
	rollCycle rollcycle.RollCycle
	epoch     time.Time
	createdAt time.Time
	created   bool
}

// openMetadata opens the queue metadata in dir, creating it from cfg when
// the queue is writable and has none yet.
func openMetadata(dir string, cfg *Config) (*metadata, error) {
	path := filepath.Join(dir, MetadataFile)

	created := false
	if !cfg.ReadOnly {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
		rc := cfg.RollCycle
		if rc.Name == "" && rc.Length == 0 {
			rc = rollcycle.Daily
		}
		if len(rc.Name) > metaStringLen || len(rc.Format) > metaStringLen {
			return nil, fmt.Errorf("roll cycle %q: name or format longer than %d bytes", rc.Name, metaStringLen)
		}
		epoch := cfg.Epoch
		if epoch.IsZero() {
			epoch = time.Unix(0, 0)
		}

		var err error
		created, err = mmapfile.CreateExclusive(path, 0o644, func(f *os.File) error {
			if err := f.Truncate(metaSize); err != nil {
				return err
			}
			_, err := f.WriteAt(marshalMetadata(rc, epoch, time.Now().UTC()), 0)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("create queue metadata: %w", err)
		}
	}

	flag := os.O_RDWR
	if cfg.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoQueue, dir)
		}
		return nil, fmt.Errorf("open queue metadata: %w", err)
	}

	buf := make([]byte, moffCreatedAt+8)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read %s: %v", segment.ErrCorrupted, path, err)
	}
	m, err := unmarshalMetadata(buf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.RollCycle.Length != 0 && cfg.RollCycle.Length != m.rollCycle.Length {
		f.Close()
		return nil, fmt.Errorf("%w: queue rolls %s (%s), configured %s (%s)",
			ErrIncompatible, m.rollCycle.Name, m.rollCycle.Length, cfg.RollCycle.Name, cfg.RollCycle.Length)
	}
	if !cfg.Epoch.IsZero() && !cfg.Epoch.Equal(m.epoch) {
		f.Close()
		return nil, fmt.Errorf("%w: queue epoch %s, configured %s", ErrIncompatible, m.epoch, cfg.Epoch)
	}

	data, err := mmapfile.Map(f, metaSize, !cfg.ReadOnly)
	if err != nil {
		f.Close()
		return nil, err
	}
	m.path = path
	m.file = f
	m.data = data
	m.created = created
	return m, nil
}

func marshalMetadata(rc rollcycle.RollCycle, epoch, createdAt time.Time) []byte {
	buf := make([]byte, moffCreatedAt+8)
	copy(buf, metaMagic)
	binary.LittleEndian.PutUint16(buf[moffVersion:], metaVersion)
	binary.LittleEndian.PutUint64(buf[moffLength:], uint64(rc.Length))
	binary.LittleEndian.PutUint64(buf[moffEpoch:], uint64(epoch.UnixNano()))
	copy(buf[moffName:moffName+metaStringLen], rc.Name)
	copy(buf[moffFormat:moffFormat+metaStringLen], rc.Format)
	binary.LittleEndian.PutUint32(buf[moffSpacing:], rc.IndexSpacing)
	binary.LittleEndian.PutUint32(buf[moffSlots:], rc.IndexSlots)
	binary.LittleEndian.PutUint64(buf[moffCreatedAt:], uint64(createdAt.UnixNano()))
	return buf
}

func unmarshalMetadata(buf []byte) (*metadata, error) {
	if string(buf[:4]) != metaMagic {
		return nil, fmt.Errorf("%w: bad metadata magic %q", segment.ErrCorrupted, buf[:4])
	}
	if v := binary.LittleEndian.Uint16(buf[moffVersion:]); v != metaVersion {
		return nil, fmt.Errorf("%w: metadata version %d, want %d", segment.ErrVersionMismatch, v, metaVersion)
	}

	rc := rollcycle.RollCycle{
		Name:         cString(buf[moffName : moffName+metaStringLen]),
		Length:       time.Duration(binary.LittleEndian.Uint64(buf[moffLength:])),
		Format:       cString(buf[moffFormat : moffFormat+metaStringLen]),
		IndexSpacing: binary.LittleEndian.Uint32(buf[moffSpacing:]),
		IndexSlots:   binary.LittleEndian.Uint32(buf[moffSlots:]),
	}
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", segment.ErrCorrupted, err)
	}

	return &metadata{
		rollCycle: rc,
		epoch:     time.Unix(0, int64(binary.LittleEndian.Uint64(buf[moffEpoch:]))).UTC(),
		createdAt: time.Unix(0, int64(binary.LittleEndian.Uint64(buf[moffCreatedAt:]))).UTC(),
	}, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// highest returns the highest cycle any writer has rolled to.
func (m *metadata) highest() (int, bool) {
	v := atomic.LoadUint64(mmapfile.Uint64(m.data, moffHighest))
	if v == 0 {
		return 0, false
	}
	return int(v - 1), true
}

// raiseHighest moves the highest cycle up to cycle unless it is already
// there or beyond. It reports whether this call moved it.
func (m *metadata) raiseHighest(cycle int) bool {
	ptr := mmapfile.Uint64(m.data, moffHighest)
	next := uint64(cycle) + 1
	for {
		cur := atomic.LoadUint64(ptr)
		if cur >= next {
			return false
		}
		if atomic.CompareAndSwapUint64(ptr, cur, next) {
			return true
		}
	}
}

func (m *metadata) close() error {
	err := mmapfile.Unmap(m.data)
	m.data = nil
	if cerr := m.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
