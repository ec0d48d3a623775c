//go:build unix

package mmapfile

import (
	"fmt"
	"os"
)

// truncateUp extends f to size if it is shorter. Two processes racing here
// can shrink the file between the stat and the truncate.
func truncateUp(f *os.File, size int64) error {
	cur, err := Size(f)
	if err != nil {
		return err
	}
	if cur >= size {
		return nil
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", f.Name(), size, err)
	}
	return nil
}
