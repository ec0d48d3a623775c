package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/cli/output"
	"github.com/marmos91/rollq/internal/dump"
)

var (
	dumpLimit      int
	dumpMaxPayload int
)

var dumpCmd = &cobra.Command{
	Use:   "dump [cycle|file...]",
	Short: "Print the records of segments",
	Long: `Scan segments sequentially and print every record: complete entries,
discarded space, an unfinished WORKING header and the end-of-segment
marker. Arguments are cycle numbers, "first", "last" or segment file
paths; with no arguments every segment of the queue is dumped.

Examples:
  rollq dump
  rollq dump last --limit 20
  rollq dump /var/lib/rollq/queue/20261015.rqs --max-payload 0`,
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().IntVarP(&dumpLimit, "limit", "n", 0, "Stop each segment after this many records (0 for no limit)")
	dumpCmd.Flags().IntVar(&dumpMaxPayload, "max-payload", dump.DefaultOptions().MaxPayload, "Bytes of payload to print per entry (0 for none)")
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := dump.Options{MaxPayload: dumpMaxPayload, Limit: dumpLimit}
	out := cmd.OutOrStdout()

	// Arguments naming existing files are dumped directly; the rest are
	// cycles of the configured queue.
	var files, cycles []string
	for _, arg := range args {
		if fi, err := os.Stat(arg); err == nil && !fi.IsDir() {
			files = append(files, arg)
		} else {
			cycles = append(cycles, arg)
		}
	}

	paths := files
	if len(cycles) > 0 || len(args) == 0 {
		q, err := openQueue(cmd.Context(), cfg, true, nil)
		if err != nil {
			return err
		}
		defer func() { _ = q.Close() }()

		if len(args) == 0 {
			all, err := q.Cycles()
			if err != nil {
				return err
			}
			for _, c := range all {
				paths = append(paths, q.SegmentPath(c))
			}
		}
		for _, arg := range cycles {
			c, err := parseCycle(q, arg)
			if err != nil {
				return err
			}
			paths = append(paths, q.SegmentPath(c))
		}
	}

	var total dump.Summary
	for _, path := range paths {
		sum, err := dump.File(out, path, opts)
		if err != nil {
			return fmt.Errorf("dump %s: %w", path, err)
		}
		total.Records += sum.Records
		total.Entries += sum.Entries
		total.Discarded += sum.Discarded
		total.Bytes += sum.Bytes
	}

	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%d segments, %s entries, %s discarded, %s of payload\n",
		len(paths), output.Count(uint64(total.Entries)), output.Count(uint64(total.Discarded)), output.Bytes(total.Bytes))
	return nil
}
