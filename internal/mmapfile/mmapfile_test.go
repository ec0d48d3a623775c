//go:build unix

package mmapfile

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateExclusive(t *testing.T) {
	t.Run("OnlyOneWinner", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "seg.rqs")

		var winners atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(id byte) {
				defer wg.Done()
				created, err := CreateExclusive(path, 0o644, func(f *os.File) error {
					_, err := f.Write([]byte{id})
					return err
				})
				assert.NoError(t, err)
				if created {
					winners.Add(1)
				}
			}(byte(i))
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Len(t, data, 1)

		// No temp files left behind.
		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("InitFailureLeavesNothing", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "seg.rqs")
		_, err := CreateExclusive(path, 0o644, func(f *os.File) error {
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestMapAndGrow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grow.dat")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, Grow(f, PageSize))
	data, err := Map(f, 16*PageSize, true)
	require.NoError(t, err)
	defer func() { require.NoError(t, Unmap(data)) }()

	t.Run("GrowExtends", func(t *testing.T) {
		require.NoError(t, Grow(f, 4*PageSize))
		size, err := Size(f)
		require.NoError(t, err)
		assert.Equal(t, 4*PageSize, size)
	})

	t.Run("GrowNeverShrinks", func(t *testing.T) {
		require.NoError(t, Grow(f, PageSize))
		size, err := Size(f)
		require.NoError(t, err)
		assert.Equal(t, 4*PageSize, size)
	})

	t.Run("WritesReachFile", func(t *testing.T) {
		atomic.StoreUint32(Uint32(data, 3*PageSize), 0xCAFE)
		atomic.StoreUint64(Uint64(data, 8), 42)
		require.NoError(t, Sync(data, 4*PageSize, false))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, byte(0xFE), raw[3*PageSize])
		assert.Equal(t, byte(42), raw[8])
	})

	t.Run("TouchKeepsContent", func(t *testing.T) {
		atomic.StoreUint32(Uint32(data, 2*PageSize), 7)
		Touch(data, 2*PageSize+100)
		Touch(data, PageSize+5)
		assert.Equal(t, uint32(7), atomic.LoadUint32(Uint32(data, 2*PageSize)))
		assert.Equal(t, uint32(0), atomic.LoadUint32(Uint32(data, PageSize)))
	})

	t.Run("UnalignedPanics", func(t *testing.T) {
		assert.Panics(t, func() { Uint32(data, 2) })
		assert.Panics(t, func() { Uint64(data, 4) })
	})
}
