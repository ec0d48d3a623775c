package commands

import (
	"bufio"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/cli/output"
)

// maxStdinEntry bounds one line read from stdin.
const maxStdinEntry = 16 << 20

var appendCmd = &cobra.Command{
	Use:   "append [entry...]",
	Short: "Append entries to the queue",
	Long: `Append one entry per argument, or one entry per line of stdin when no
arguments are given. The queue is created if the directory holds none.

Examples:
  rollq append hello world
  seq 1 1000 | rollq append
  rollq append --dir /var/lib/rollq/orders '{"id":1}' -o json`,
	RunE: runAppend,
}

type appendedEntry struct {
	Index string `json:"index" yaml:"index"`
	Cycle int    `json:"cycle" yaml:"cycle"`
	Seq   uint64 `json:"seq" yaml:"seq"`
	Size  int    `json:"size" yaml:"size"`
}

type appendResult []appendedEntry

func (r appendResult) Headers() []string { return []string{"Index", "Cycle", "Seq", "Size"} }

func (r appendResult) NumericColumns() []int { return []int{1, 2, 3} }

func (r appendResult) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, e := range r {
		rows = append(rows, []string{e.Index, strconv.Itoa(e.Cycle), strconv.FormatUint(e.Seq, 10), output.Bytes(int64(e.Size))})
	}
	return rows
}

func runAppend(cmd *cobra.Command, args []string) error {
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

	app, err := q.Appender()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	var result appendResult
	add := func(p []byte) error {
		idx, err := app.Append(ctx, p)
		if err != nil {
			return fmt.Errorf("append entry %d: %w", len(result)+1, err)
		}
		result = append(result, appendedEntry{
			Index: idx.String(),
			Cycle: idx.Cycle(),
			Seq:   idx.Seq(),
			Size:  len(p),
		})
		return nil
	}

	if len(args) > 0 {
		for _, arg := range args {
			if err := add([]byte(arg)); err != nil {
				return err
			}
		}
	} else {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		scanner.Buffer(make([]byte, 64<<10), maxStdinEntry)
		for scanner.Scan() {
			if err := add(scanner.Bytes()); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	return printer.Print(result, "no entries appended")
}
