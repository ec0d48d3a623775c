package queue

import (
	"fmt"
	"time"

	"github.com/marmos91/rollq/internal/mmapfile"
	"github.com/marmos91/rollq/pkg/rollcycle"
	"github.com/marmos91/rollq/pkg/segment"
)

// Default configuration values.
const (
	DefaultBlockSize        = 64 << 20
	DefaultSegmentCapacity  = 4 << 30
	DefaultWriteTimeout     = 5 * time.Second
	DefaultPretouchInterval = 100 * time.Millisecond
	DefaultPretouchAhead    = 4 << 20
	DefaultCloseGrace       = 2 * time.Second
)

// Config configures a Queue.
type Config struct {
	// RollCycle sets the cycle length and segment file naming. The zero
	// value adopts the cycle recorded by an existing queue, or Daily.
	RollCycle rollcycle.RollCycle

	// Epoch is the time cycle 0 starts at. The zero value adopts the epoch
	// recorded by an existing queue, or the Unix epoch.
	Epoch time.Time

	// TimeProvider supplies the current time. Nil means the system clock.
	TimeProvider rollcycle.TimeProvider

	// BlockSize is the step segment files grow by.
	BlockSize int64

	// SegmentCapacity is the most bytes one segment may hold.
	SegmentCapacity int64

	// IndexSpacing overrides the sparse index spacing of the roll cycle
	// for new segments. Must be a power of two.
	IndexSpacing uint32

	// DoubleBuffer stages entries in a private buffer and takes the end of
	// the segment only to copy them in.
	DoubleBuffer bool

	// ReadOnly opens the queue for tailing only.
	ReadOnly bool

	// WriteTimeout bounds how long a writer waits on a WORKING header at
	// the end of a segment before reporting a torn write.
	WriteTimeout time.Duration

	// PretouchInterval is the delay between two pretoucher passes.
	PretouchInterval time.Duration

	// PretouchAhead is how far past the write position pretouchers grow
	// and fault in the segment.
	PretouchAhead int64

	// CloseGrace bounds how long Close waits for pretouchers to stop.
	CloseGrace time.Duration

	// Metrics receives instrumentation. Nil disables it.
	Metrics Metrics
}

// DefaultConfig returns a Config with the defaults applied.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.SegmentCapacity <= 0 {
		c.SegmentCapacity = DefaultSegmentCapacity
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PretouchInterval <= 0 {
		c.PretouchInterval = DefaultPretouchInterval
	}
	if c.PretouchAhead <= 0 {
		c.PretouchAhead = DefaultPretouchAhead
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.TimeProvider == nil {
		c.TimeProvider = rollcycle.SystemTime{}
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.RollCycle.Name != "" || c.RollCycle.Length != 0 {
		if err := c.RollCycle.Validate(); err != nil {
			return err
		}
	}
	if c.BlockSize < mmapfile.PageSize || c.BlockSize%mmapfile.PageSize != 0 {
		return fmt.Errorf("block size %d is not a multiple of the page size %d", c.BlockSize, mmapfile.PageSize)
	}
	if c.SegmentCapacity < c.BlockSize {
		return fmt.Errorf("segment capacity %d is below the block size %d", c.SegmentCapacity, c.BlockSize)
	}
	if c.SegmentCapacity > segment.MaxCapacity {
		return fmt.Errorf("segment capacity %d exceeds the maximum %d", c.SegmentCapacity, segment.MaxCapacity)
	}
	if c.IndexSpacing&(c.IndexSpacing-1) != 0 {
		return fmt.Errorf("index spacing %d is not a power of two", c.IndexSpacing)
	}
	return nil
}

func (c *Config) segmentOptions(rc rollcycle.RollCycle) segment.Options {
	spacing := rc.IndexSpacing
	if c.IndexSpacing != 0 {
		spacing = c.IndexSpacing
	}
	return segment.Options{
		BlockSize:    c.BlockSize,
		Capacity:     c.SegmentCapacity,
		IndexSpacing: spacing,
		IndexSlots:   rc.IndexSlots,
		ReadOnly:     c.ReadOnly,
	}
}
