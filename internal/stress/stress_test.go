package stress

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/rollq/pkg/queue"
	"github.com/marmos91/rollq/pkg/rollcycle"
)

func shortOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Dir = t.TempDir()
	opts.Messages = 2000
	opts.WriteLatency = 0
	opts.RollEvery = 20 * time.Millisecond
	opts.BlockSize = 256 << 10
	opts.SegmentCapacity = 16 << 20
	opts.Timeout = 30 * time.Second
	return opts
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress run in short mode")
	}

	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"SeparateQueues", func(*Options) {}},
		{"SharedQueue", func(o *Options) { o.SharedQueue = true }},
		{"SharedAppender", func(o *Options) { o.SharedAppender = true }},
		{"ReadOnlyReaders", func(o *Options) { o.ReadOnlyReaders = true }},
		{"Pretouch", func(o *Options) { o.Pretouch = true }},
		{"DoubleBuffer", func(o *Options) { o.DoubleBuffer = true }},
		{"NoRoll", func(o *Options) { o.RollEvery = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := shortOptions(t)
			tt.modify(&opts)

			report, err := Run(context.Background(), opts)
			require.NoError(t, err)

			assert.NotEmpty(t, report.RunID)
			assert.GreaterOrEqual(t, report.Written, uint64(opts.Messages))
			require.Len(t, report.Read, opts.Readers)
			if !opts.DoubleBuffer {
				for _, last := range report.Read {
					assert.Equal(t, report.Written, last)
				}
			}
			assert.GreaterOrEqual(t, report.Cycles, 1)
			if opts.RollEvery == 0 {
				assert.Equal(t, 0, report.Rolls)
				assert.Equal(t, 1, report.Cycles)
			}
			assert.Positive(t, report.WriteRate())
		})
	}
}

func TestRunTempDir(t *testing.T) {
	opts := shortOptions(t)
	opts.Dir = ""
	opts.Messages = 100
	opts.Writers = 1
	opts.Readers = 1

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.NoDirExists(t, report.Dir)
}

func TestRunDump(t *testing.T) {
	var out bytes.Buffer
	opts := shortOptions(t)
	opts.Messages = 10
	opts.Writers = 1
	opts.Readers = 0
	opts.RollEvery = 0
	opts.Dump = true
	opts.DumpTo = &out

	_, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "# ")
	assert.Contains(t, out.String(), "cycle=")
}

func counterPayload(ts, n uint64, copies int) []byte {
	buf := make([]byte, 8+8*copies)
	binary.LittleEndian.PutUint64(buf, ts)
	for c := 0; c < copies; c++ {
		binary.LittleEndian.PutUint64(buf[8+8*c:], n)
	}
	return buf
}

func entry(cycle int, seq, n uint64, copies int) queue.Entry {
	return queue.Entry{
		Index:   rollcycle.MakeIndex(cycle, seq),
		Payload: counterPayload(1, n, copies),
	}
}

func TestChecker(t *testing.T) {
	t.Run("Sequential", func(t *testing.T) {
		c := newChecker(3, true)
		for i := uint64(1); i <= 5; i++ {
			require.NoError(t, c.entry(entry(0, i-1, i, 3)))
		}
		assert.Equal(t, uint64(5), c.last)
		assert.NoError(t, c.complete(5))
		assert.ErrorIs(t, c.complete(6), ErrCounterMismatch)
	})

	t.Run("Gap", func(t *testing.T) {
		c := newChecker(3, true)
		require.NoError(t, c.entry(entry(0, 0, 1, 3)))
		err := c.entry(entry(0, 1, 3, 3))
		assert.ErrorIs(t, err, ErrCounterMismatch)
		assert.Contains(t, err.Error(), "expected 2, got 3")
	})

	t.Run("CopiesDiffer", func(t *testing.T) {
		c := newChecker(3, true)
		e := entry(0, 0, 1, 3)
		binary.LittleEndian.PutUint64(e.Payload[8+16:], 7)
		assert.ErrorIs(t, c.entry(e), ErrCounterMismatch)
	})

	t.Run("WrongLength", func(t *testing.T) {
		c := newChecker(3, true)
		assert.ErrorIs(t, c.entry(entry(0, 0, 1, 2)), ErrCounterMismatch)
	})

	t.Run("MissingTimestamp", func(t *testing.T) {
		c := newChecker(1, true)
		e := queue.Entry{Payload: counterPayload(0, 1, 1)}
		assert.ErrorIs(t, c.entry(e), ErrCounterMismatch)
	})

	t.Run("UnorderedUnique", func(t *testing.T) {
		c := newChecker(2, false)
		for i, n := range []uint64{2, 1, 4, 3} {
			require.NoError(t, c.entry(entry(0, uint64(i), n, 2)))
		}
		assert.NoError(t, c.complete(4))
	})

	t.Run("UnorderedDuplicate", func(t *testing.T) {
		c := newChecker(2, false)
		require.NoError(t, c.entry(entry(0, 0, 1, 2)))
		err := c.entry(entry(0, 1, 1, 2))
		assert.True(t, errors.Is(err, ErrCounterMismatch))
	})

	t.Run("UnorderedMissing", func(t *testing.T) {
		c := newChecker(2, false)
		require.NoError(t, c.entry(entry(0, 0, 1, 2)))
		require.NoError(t, c.entry(entry(0, 1, 3, 2)))
		assert.ErrorIs(t, c.complete(2), ErrCounterMismatch)
	})
}

func TestApplyDefaults(t *testing.T) {
	var opts Options
	opts.applyDefaults()

	assert.Equal(t, rollcycle.TestSecondly.Name, opts.RollCycle.Name)
	assert.Equal(t, 2, opts.Writers)
	assert.Equal(t, 18, opts.Copies)
	assert.NotNil(t, opts.DumpTo)
	assert.Equal(t, time.Minute, opts.Timeout)
}
