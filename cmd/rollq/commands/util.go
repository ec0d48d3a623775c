package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/cli/output"
	"github.com/marmos91/rollq/internal/logger"
	"github.com/marmos91/rollq/internal/telemetry"
	"github.com/marmos91/rollq/pkg/config"
	"github.com/marmos91/rollq/pkg/queue"
)

// loadConfig loads the configuration named by --config, falling back to
// defaults when no file exists, applies --dir and initializes the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(Flags.ConfigFile)
	if err != nil {
		return nil, err
	}
	if Flags.Dir != "" {
		cfg.Queue.Dir = Flags.Dir
	}
	if Flags.Verbose {
		cfg.Logging.Level = "DEBUG"
	}
	if err := initLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Output:  cfg.Logging.Output,
		NoColor: Flags.NoColor,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// openQueue opens the configured queue. Read-only opens require the queue
// to exist.
func openQueue(ctx context.Context, cfg *config.Config, readOnly bool, m queue.Metrics) (*queue.Queue, error) {
	opts, err := cfg.Queue.Options()
	if err != nil {
		return nil, err
	}
	opts.ReadOnly = readOnly
	opts.Metrics = m

	q, err := queue.Open(ctx, cfg.Queue.Dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue %s: %w", cfg.Queue.Dir, err)
	}
	return q, nil
}

func newPrinter(cmd *cobra.Command) (*output.Printer, error) {
	format, err := output.ParseFormat(Flags.Output)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(cmd.OutOrStdout(), format, !Flags.NoColor), nil
}

// parseCycle resolves a cycle argument: a cycle number, or "first" or
// "last" for the oldest and newest segment.
func parseCycle(q *queue.Queue, arg string) (int, error) {
	var (
		cycle int
		ok    bool
		err   error
	)
	switch strings.ToLower(arg) {
	case "first":
		cycle, ok, err = q.FirstCycle()
	case "last":
		cycle, ok, err = q.LastCycle()
	default:
		cycle, err = strconv.Atoi(arg)
		ok = err == nil
		if err != nil {
			err = fmt.Errorf("invalid cycle %q: expected a number, first or last", arg)
		}
	}
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: queue %s has no segments", queue.ErrSegmentNotFound, q.Dir())
	}
	return cycle, nil
}

// startObservability initializes tracing and profiling for long-running
// commands. The returned function flushes and stops both.
func startObservability(ctx context.Context, cfg *config.Config) (func(), error) {
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "rollq",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "rollq",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
		Tags: map[string]string{
			"queue_dir":  cfg.Queue.Dir,
			"roll_cycle": cfg.Queue.RollCycle,
		},
	})
	if err != nil {
		_ = telemetryShutdown(ctx)
		return nil, fmt.Errorf("failed to initialize profiling: %w", err)
	}

	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	}

	return func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}, nil
}
