// Package config implements 'rollq config'.
package config

import "github.com/spf13/cobra"

// Cmd groups the configuration subcommands. 'rollq init' writes new files.
var Cmd = &cobra.Command{
	Use:   "config <validate|show|schema>",
	Short: "Inspect the configuration",
	Long: `Inspect the rollq configuration as the other commands see it, after
ROLLQ_* environment overrides and defaults have been applied.

  validate  check a file and summarise the queue it describes
  show      print the effective configuration
  schema    print the JSON schema of the file`,
	Args: cobra.NoArgs,
}

func init() {
	Cmd.AddCommand(validateCmd, showCmd, schemaCmd)
}
