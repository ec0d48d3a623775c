package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/pkg/rollcycle"
)

var completionCmd = &cobra.Command{
	Use:   "completion <bash|zsh|fish|powershell>",
	Short: "Print a shell completion script",
	Long: `Print a completion script for the given shell. Besides commands and
flags it completes roll cycle names, output formats and queue directories.

  rollq completion bash > /etc/bash_completion.d/rollq
  rollq completion zsh > "${fpath[1]}/_rollq"
  rollq completion fish > ~/.config/fish/completions/rollq.fish
  rollq completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  runCompletion,
}

func runCompletion(cmd *cobra.Command, args []string) error {
	root, w := cmd.Root(), cmd.OutOrStdout()
	switch args[0] {
	case "zsh":
		return root.GenZshCompletion(w)
	case "fish":
		return root.GenFishCompletion(w, true)
	case "powershell":
		return root.GenPowerShellCompletionWithDesc(w)
	default:
		return root.GenBashCompletionV2(w, true)
	}
}

type completionFunc = func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective)

func fixedCompletion(values ...string) completionFunc {
	return cobra.FixedCompletions(values, cobra.ShellCompDirectiveNoFileComp)
}

func completeRollCycles(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return rollcycle.Names(), cobra.ShellCompDirectiveNoFileComp
}

// registerRootCompletions wires value completion for the persistent flags.
func registerRootCompletions(cmd *cobra.Command) {
	_ = cmd.RegisterFlagCompletionFunc("output", fixedCompletion("table", "json", "yaml", "text", "hex"))
	_ = cmd.MarkPersistentFlagDirname("dir")
	_ = cmd.MarkPersistentFlagFilename("config", "yaml", "yml")
}
