package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/cli/output"
	"github.com/marmos91/rollq/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the rollq configuration file.

Checks for syntax errors, missing required fields, and invalid values,
including the queue options (roll cycle, sizes, index spacing).

Examples:
  rollq config validate
  rollq config validate --config /etc/rollq/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.Queue.RollCycle == "" {
		warnings = append(warnings, "queue.roll_cycle not set - new queues use DAILY")
	}
	if cfg.Metrics.Enabled && !cfg.Status.Enabled {
		warnings = append(warnings, "metrics enabled but status server disabled - /metrics is not served")
	}
	if cfg.Queue.Pretouch.Ahead.Int64() > cfg.Queue.BlockSize.Int64() {
		warnings = append(warnings, "queue.pretouch.ahead exceeds queue.block_size")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	rollCycle := cfg.Queue.RollCycle
	if rollCycle == "" {
		rollCycle = "(from queue)"
	}
	_, _ = fmt.Fprintln(out, "\nConfiguration summary:")
	return output.KeyValues(out, [][2]string{
		{"  Queue directory", cfg.Queue.Dir},
		{"  Roll cycle", rollCycle},
		{"  Block size", output.Bytes(cfg.Queue.BlockSize.Int64())},
		{"  Segment capacity", output.Bytes(cfg.Queue.SegmentCapacity.Int64())},
		{"  Write mode", writeMode(cfg.Queue.DoubleBuffer)},
		{"  Log level", cfg.Logging.Level},
	})
}

func writeMode(doubleBuffer bool) string {
	if doubleBuffer {
		return "double buffer"
	}
	return "direct"
}
