// Package config loads the rollq configuration file, applies ROLLQ_*
// environment overrides and defaults, and validates the result.
//
// Precedence, highest first: command-line flags (applied by the caller),
// environment variables, the configuration file, defaults.
package config

import "time"

// Config is the whole rollq configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`

	// Queue configures the queue every command opens.
	Queue QueueConfig `mapstructure:"queue" yaml:"queue"`

	// Status configures the HTTP status server of long-running commands.
	Status StatusConfig `mapstructure:"status" yaml:"status"`

	// ShutdownTimeout bounds the graceful stop of long-running commands.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR; normalised to upper case.
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr or a file path. Commands that stream data to
	// stdout (tail, dump) want stderr here.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls span export to an OTLP/gRPC collector.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling of pretouch and
// stress runs.
type ProfilingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect. Mutex profiles
	// show where appenders queue on the roll lock.
	ProfileTypes []string `mapstructure:"profile_types" validate:"dive,oneof=cpu alloc_objects alloc_space inuse_objects inuse_space goroutines mutex_count mutex_duration block_count block_duration" yaml:"profile_types"`
}

// MetricsConfig controls Prometheus metrics, served by the status server
// under /metrics. Disabled metrics cost nothing on the write path.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type StatusConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Port         int           `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}
