package config

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/cli/output"
	"github.com/marmos91/rollq/pkg/config"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective rollq configuration: the file merged with
ROLLQ_* environment overrides and defaults.

Outputs YAML unless --output json is given.

Examples:
  rollq config show
  rollq config show --output json
  rollq config show --config /etc/rollq/config.yaml`,
	RunE: runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	outputFlag, _ := cmd.Flags().GetString("output")

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(outputFlag)
	if err != nil {
		return err
	}
	if format != output.FormatJSON {
		format = output.FormatYAML
	}
	return output.Encode(cmd.OutOrStdout(), format, cfg)
}
