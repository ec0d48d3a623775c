package config

import (
	"fmt"
	"time"

	"github.com/marmos91/rollq/internal/bytesize"
	"github.com/marmos91/rollq/pkg/queue"
	"github.com/marmos91/rollq/pkg/rollcycle"
)

// QueueConfig configures the queue the rollq commands operate on.
type QueueConfig struct {
	// Dir is the queue directory
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// RollCycle names a predefined roll cycle (TEST_SECONDLY, MINUTELY,
	// FIVE_MINUTELY, HOURLY, DAILY). Empty adopts the cycle of an existing
	// queue, or DAILY.
	RollCycle string `mapstructure:"roll_cycle" yaml:"roll_cycle"`

	// Epoch is the RFC 3339 time cycle 0 starts at. Empty adopts the epoch
	// of an existing queue, or the Unix epoch.
	Epoch string `mapstructure:"epoch" yaml:"epoch,omitempty"`

	// BlockSize is the step segment files grow by
	// Default: 64Mi
	BlockSize bytesize.ByteSize `mapstructure:"block_size" yaml:"block_size"`

	// SegmentCapacity is the most bytes one segment may hold
	// Default: 4Gi
	SegmentCapacity bytesize.ByteSize `mapstructure:"segment_capacity" yaml:"segment_capacity"`

	// IndexSpacing overrides the sparse index spacing of the roll cycle
	IndexSpacing uint32 `mapstructure:"index_spacing" yaml:"index_spacing,omitempty"`

	// DoubleBuffer stages entries privately before copying them in
	DoubleBuffer bool `mapstructure:"double_buffer" yaml:"double_buffer"`

	// WriteTimeout bounds the wait on another writer's unfinished entry
	// Default: 5s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// CloseGrace bounds how long closing the queue waits for pretouchers
	// Default: 2s
	CloseGrace time.Duration `mapstructure:"close_grace" yaml:"close_grace"`

	// Pretouch configures the background pretoucher
	Pretouch PretouchConfig `mapstructure:"pretouch" yaml:"pretouch"`
}

// PretouchConfig configures the pretoucher run by `rollq pretouch` and
// optionally by `rollq stress`.
type PretouchConfig struct {
	// Enabled runs a pretoucher alongside writers
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval is the delay between two passes
	// Default: 100ms
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// Ahead is how far past the write position pages are faulted in
	// Default: 4Mi
	Ahead bytesize.ByteSize `mapstructure:"ahead" yaml:"ahead"`
}

// Options converts the configuration into queue.Config.
// Metrics and the time provider are left for the caller to set.
func (c *QueueConfig) Options() (queue.Config, error) {
	opts := queue.Config{
		BlockSize:        c.BlockSize.Int64(),
		SegmentCapacity:  c.SegmentCapacity.Int64(),
		IndexSpacing:     c.IndexSpacing,
		DoubleBuffer:     c.DoubleBuffer,
		WriteTimeout:     c.WriteTimeout,
		CloseGrace:       c.CloseGrace,
		PretouchInterval: c.Pretouch.Interval,
		PretouchAhead:    c.Pretouch.Ahead.Int64(),
	}

	if c.RollCycle != "" {
		rc, err := rollcycle.ByName(c.RollCycle)
		if err != nil {
			return queue.Config{}, err
		}
		opts.RollCycle = rc
	}

	if c.Epoch != "" {
		epoch, err := time.Parse(time.RFC3339, c.Epoch)
		if err != nil {
			return queue.Config{}, fmt.Errorf("invalid epoch %q: %w", c.Epoch, err)
		}
		opts.Epoch = epoch
	}

	return opts, nil
}
