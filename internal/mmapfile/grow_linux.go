//go:build linux

package mmapfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Grow makes f at least size bytes long. It never shrinks the file, even
// when another process grows it concurrently, and reserves the blocks so
// that later page faults cannot fail for lack of space.
func Grow(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.ENOSYS) {
		return fmt.Errorf("fallocate %s to %d: %w", f.Name(), size, err)
	}
	return truncateUp(f, size)
}
