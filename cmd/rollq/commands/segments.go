package commands

import (
	"errors"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/api"
	"github.com/marmos91/rollq/internal/cli/output"
	"github.com/marmos91/rollq/pkg/queue"
)

var segmentsCmd = &cobra.Command{
	Use:     "segments",
	Aliases: []string{"ls"},
	Short:   "List the segments of the queue",
	Long: `List every segment of the queue with its entry count, written size,
file extent and state. A segment is "sealed" once its end-of-segment marker
is written, and "working" while its last entry is unfinished; a working
segment with no live writer holds a torn write (see 'rollq repair').

Examples:
  rollq segments
  rollq segments -o json`,
	Args: cobra.NoArgs,
	RunE: runSegments,
}

type segmentList []api.SegmentSummary

func (s segmentList) Headers() []string {
	return []string{"Cycle", "File", "Entries", "Written", "Extent", "State", "Created"}
}

func (s segmentList) NumericColumns() []int { return []int{0, 2, 3, 4} }

func (s segmentList) Rows() [][]string {
	rows := make([][]string, 0, len(s))
	for _, seg := range s {
		rows = append(rows, []string{
			strconv.Itoa(seg.Cycle),
			filepath.Base(seg.Path),
			output.Count(seg.Entries),
			output.Bytes(seg.End),
			output.Bytes(seg.Extent),
			segmentState(seg),
			output.Time(seg.CreatedAt),
		})
	}
	return rows
}

func segmentState(s api.SegmentSummary) string {
	switch {
	case s.Sealed:
		return "sealed"
	case s.Working:
		return "working"
	default:
		return "open"
	}
}

func runSegments(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	printer, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	q, err := openQueue(ctx, cfg, true, nil)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	cycles, err := q.Cycles()
	if err != nil {
		return err
	}

	list := make(segmentList, 0, len(cycles))
	for _, c := range cycles {
		st, err := q.Inspect(ctx, c)
		if errors.Is(err, queue.ErrSegmentNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		list = append(list, api.NewSegmentSummary(st))
	}

	return printer.Print(list, "no segments in "+q.Dir())
}
