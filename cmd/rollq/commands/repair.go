package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/cli/output"
	"github.com/marmos91/rollq/internal/cli/prompt"
)

var repairYes bool

var repairCmd = &cobra.Command{
	Use:   "repair <cycle|first|last>",
	Short: "Clear a torn write at the end of a segment",
	Long: `Clear the WORKING header left at the end of a segment by a writer that
died mid-entry, so tailers and writers can continue past it. If later
cycles exist the repaired segment is also sealed.

Only repair segments whose writers are known to be gone: writers in other
processes are not detected.

Examples:
  rollq repair last
  rollq repair 20376 --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runRepair,
}

func init() {
	repairCmd.Flags().BoolVarP(&repairYes, "yes", "y", false, "Skip the confirmation prompt")
}

type repairOutput struct {
	Cycle    int    `json:"cycle" yaml:"cycle"`
	Path     string `json:"path" yaml:"path"`
	Offset   int64  `json:"offset" yaml:"offset"`
	State    string `json:"state" yaml:"state"`
	Repaired bool   `json:"repaired" yaml:"repaired"`
	Zeroed   int64  `json:"zeroed" yaml:"zeroed"`
	Sealed   bool   `json:"sealed" yaml:"sealed"`
}

func runRepair(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	printer, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	q, err := openQueue(ctx, cfg, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	cycle, err := parseCycle(q, args[0])
	if err != nil {
		return err
	}

	ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Repair segment %s", q.SegmentPath(cycle)), repairYes)
	if err != nil {
		return err
	}
	if !ok {
		printer.Warning("Repair cancelled")
		return nil
	}

	report, err := q.Repair(ctx, cycle)
	if err != nil {
		return err
	}

	if printer.Structured() {
		return printer.Print(repairOutput{
			Cycle:    report.Cycle,
			Path:     report.Path,
			Offset:   report.Offset,
			State:    report.State.String(),
			Repaired: report.Repaired,
			Zeroed:   report.Zeroed,
			Sealed:   report.Sealed,
		}, "")
	}

	if report.Repaired {
		printer.Success(fmt.Sprintf("Cleared torn write at offset %d of cycle %d (%s zeroed)",
			report.Offset, report.Cycle, output.Bytes(report.Zeroed)))
	} else {
		printer.Success(fmt.Sprintf("Cycle %d has no torn write (end at offset %d, %s)",
			report.Cycle, report.Offset, report.State))
	}
	if report.Sealed {
		printer.Println("Segment sealed: later cycles exist")
	}
	return nil
}
