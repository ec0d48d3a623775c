//go:build unix && !linux

package mmapfile

import "os"

// Grow makes f at least size bytes long. It never shrinks the file.
func Grow(f *os.File, size int64) error {
	return truncateUp(f, size)
}
