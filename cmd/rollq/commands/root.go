// Package commands implements the rollq command line.
package commands

import (
	"github.com/spf13/cobra"

	configcmd "github.com/marmos91/rollq/cmd/rollq/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Flags holds the global flag values.
var Flags = &GlobalFlags{}

// GlobalFlags holds the values of the persistent root flags.
type GlobalFlags struct {
	ConfigFile string
	Dir        string
	Output     string
	NoColor    bool
	Verbose    bool
}

var rootCmd = &cobra.Command{
	Use:   "rollq",
	Short: "rollq - persistent rolling append-only log",
	Long: `rollq manages a persistent, append-only log stored as memory-mapped
segment files that roll over on a fixed time cycle.

Writers append entries, tailers read them back in order, and a pretoucher
keeps the next pages of the current segment mapped ahead of the writers.

Use "rollq [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&Flags.ConfigFile, "config", "", "config file (default: $XDG_CONFIG_HOME/rollq/config.yaml)")
	pf.StringVarP(&Flags.Dir, "dir", "d", "", "queue directory (overrides queue.dir)")
	pf.StringVarP(&Flags.Output, "output", "o", "table", "output format (table|json|yaml; tail: text|json|hex)")
	pf.BoolVar(&Flags.NoColor, "no-color", false, "disable colored output")
	pf.BoolVarP(&Flags.Verbose, "verbose", "v", false, "enable debug logging")
	registerRootCompletions(rootCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configcmd.Cmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(segmentsCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(pretouchCmd)
	rootCmd.AddCommand(stressCmd)
	rootCmd.AddCommand(completionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
