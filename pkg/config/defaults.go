package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/rollq/internal/bytesize"
	"github.com/marmos91/rollq/pkg/queue"
)

const (
	defaultStatusPort      = 9090
	defaultHTTPTimeout     = 10 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultRollCycle       = "DAILY"
)

// Mutex profiles show where appenders queue on the roll lock.
var defaultProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines", "mutex_duration"}

// setDefault stores def in *field when the field holds its zero value.
func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// ApplyDefaults fills every zero-valued field with its default and
// normalises the log level. The queue directory, roll cycle and epoch are
// left alone: empty ones adopt those of the existing queue.
func ApplyDefaults(cfg *Config) {
	l := &cfg.Logging
	setDefault(&l.Level, "INFO")
	l.Level = strings.ToUpper(l.Level)
	setDefault(&l.Format, "text")
	setDefault(&l.Output, "stderr")

	t := &cfg.Telemetry
	setDefault(&t.Endpoint, "localhost:4317")
	setDefault(&t.SampleRate, 1.0)
	setDefault(&t.Profiling.Endpoint, "http://localhost:4040")
	if len(t.Profiling.ProfileTypes) == 0 {
		t.Profiling.ProfileTypes = append([]string(nil), defaultProfileTypes...)
	}

	q := &cfg.Queue
	setDefault(&q.BlockSize, bytesize.ByteSize(queue.DefaultBlockSize))
	setDefault(&q.SegmentCapacity, bytesize.ByteSize(queue.DefaultSegmentCapacity))
	setDefault(&q.WriteTimeout, queue.DefaultWriteTimeout)
	setDefault(&q.CloseGrace, queue.DefaultCloseGrace)
	setDefault(&q.Pretouch.Interval, queue.DefaultPretouchInterval)
	setDefault(&q.Pretouch.Ahead, bytesize.ByteSize(queue.DefaultPretouchAhead))

	s := &cfg.Status
	setDefault(&s.Port, defaultStatusPort)
	setDefault(&s.ReadTimeout, defaultHTTPTimeout)
	setDefault(&s.WriteTimeout, defaultHTTPTimeout)

	setDefault(&cfg.ShutdownTimeout, defaultShutdownTimeout)
}

// GetDefaultConfig is the configuration written by 'rollq init': all
// defaults plus a daily queue in the user's data directory.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Queue: QueueConfig{
			Dir:       defaultQueueDir(),
			RollCycle: defaultRollCycle,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// defaultQueueDir is $XDG_DATA_HOME/rollq/queue or its ~/.local/share
// equivalent.
func defaultQueueDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "rollq", "queue")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "rollq-queue")
	}
	return filepath.Join(home, ".local", "share", "rollq", "queue")
}
