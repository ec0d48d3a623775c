package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/pkg/config"
)

var (
	initForce     bool
	initRollCycle string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a commented configuration file with every default spelled out.

The file goes to $XDG_CONFIG_HOME/rollq/config.yaml unless --config names
another path. --dir and --roll-cycle set the queue section; without them
the queue lives in the user data directory and rolls daily.

Examples:
  rollq init
  rollq init --dir /var/lib/rollq/orders --roll-cycle HOURLY
  rollq init --config /etc/rollq/config.yaml --force`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
	initCmd.Flags().StringVar(&initRollCycle, "roll-cycle", "", "Roll cycle of the queue (default DAILY)")
	_ = initCmd.RegisterFlagCompletionFunc("roll-cycle", completeRollCycles)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := config.InitConfig(config.InitOptions{
		Path:      Flags.ConfigFile,
		Force:     initForce,
		Dir:       Flags.Dir,
		RollCycle: initRollCycle,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration written to %s\n\n", path)
	_, _ = fmt.Fprintln(out, "Try it:")
	_, _ = fmt.Fprintln(out, "  rollq append hello")
	_, _ = fmt.Fprintln(out, "  rollq tail")
	_, _ = fmt.Fprintln(out, "  rollq segments")
	return nil
}
