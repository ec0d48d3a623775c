//go:build unix

// Package mmapfile wraps the system calls behind the queue's mapped files:
// mapping, growing, syncing and exclusive creation.
//
// A mapping is created once for the full capacity a file may reach and the
// file is grown underneath it. Touching a page of the mapping that lies past
// the end of the file raises SIGBUS, so callers must grow the file before
// accessing a range.
package mmapfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// PageSize is the system page size.
var PageSize = int64(os.Getpagesize())

// Map maps length bytes of f shared. The mapping may extend beyond the
// current end of the file.
func Map(f *os.File, length int64, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return data, nil
}

// Unmap releases a mapping returned by Map.
func Unmap(data []byte) error {
	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Sync flushes the first n bytes of a mapping to disk. With async set the
// call only schedules the write-back.
func Sync(data []byte, n int64, async bool) error {
	if n <= 0 {
		return nil
	}
	if n > int64(len(data)) {
		n = int64(len(data))
	}
	flags := unix.MS_SYNC
	if async {
		flags = unix.MS_ASYNC
	}
	if err := unix.Msync(data[:n], flags); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Size returns the current size of f.
func Size(f *os.File) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, fmt.Errorf("fstat %s: %w", f.Name(), err)
	}
	return st.Size, nil
}

// CreateExclusive creates path with content produced by init, such that no
// process ever observes a partially initialised file at path.
//
// The file is built under a temporary name in the same directory and linked
// into place. If path already exists CreateExclusive returns created=false
// and a nil error; the caller should open the existing file.
func CreateExclusive(path string, perm os.FileMode, init func(f *os.File) error) (created bool, err error) {
	dir, base := filepath.Split(path)
	tmp := filepath.Join(dir, "."+base+"."+uuid.NewString()+".tmp")

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp)

	if err := init(f); err != nil {
		f.Close()
		return false, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return false, fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("link %s: %w", path, err)
	}
	return true, nil
}

// Uint32 returns a pointer to the 4-byte word at off for atomic access.
// off must be 4-byte aligned and within data.
func Uint32(data []byte, off int64) *uint32 {
	if off&3 != 0 {
		panic(fmt.Sprintf("mmapfile: unaligned uint32 offset %d", off))
	}
	_ = data[off+3]
	return (*uint32)(unsafe.Pointer(&data[off]))
}

// Uint64 returns a pointer to the 8-byte word at off for atomic access.
// off must be 8-byte aligned and within data.
func Uint64(data []byte, off int64) *uint64 {
	if off&7 != 0 {
		panic(fmt.Sprintf("mmapfile: unaligned uint64 offset %d", off))
	}
	_ = data[off+7]
	return (*uint64)(unsafe.Pointer(&data[off]))
}

// Touch faults in the page containing off by an atomic no-op on its first
// word. It never changes the content of the page.
func Touch(data []byte, off int64) {
	off &^= PageSize - 1
	atomic.CompareAndSwapUint32(Uint32(data, off), 0, 0)
}
