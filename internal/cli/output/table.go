package output

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableRenderer is implemented by results that print as a table.
type TableRenderer interface {
	Headers() []string
	Rows() [][]string
}

// NumericColumns may be implemented by a TableRenderer to right-align the
// listed columns (zero-based), such as counts and sizes.
type NumericColumns interface {
	NumericColumns() []int
}

// tableStyle is the borderless layout shared by all rollq tables: columns
// separated by two spaces, no rules and no wrapping.
type tableStyle struct {
	autoHeaders bool
}

func (s tableStyle) writer(w io.Writer) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetBorder(false)
	t.SetHeaderLine(false)
	t.SetCenterSeparator("")
	t.SetRowSeparator("")
	t.SetColumnSeparator("")
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(s.autoHeaders)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

// PrintTable writes data with upper-cased headers.
func PrintTable(w io.Writer, data TableRenderer) error {
	headers := data.Headers()
	t := tableStyle{autoHeaders: true}.writer(w)
	t.SetHeader(headers)
	if nc, ok := data.(NumericColumns); ok {
		t.SetColumnAlignment(alignments(len(headers), nc.NumericColumns()))
	}
	t.AppendBulk(data.Rows())
	t.Render()
	return nil
}

func alignments(n int, numeric []int) []int {
	align := make([]int, n)
	for i := range align {
		align[i] = tablewriter.ALIGN_LEFT
	}
	for _, col := range numeric {
		if col >= 0 && col < n {
			align[col] = tablewriter.ALIGN_RIGHT
		}
	}
	return align
}

// KeyValues writes "key:  value" lines with the values aligned.
func KeyValues(w io.Writer, pairs [][2]string) error {
	t := tableStyle{}.writer(w)
	for _, kv := range pairs {
		t.Append([]string{kv[0] + ":", kv[1]})
	}
	t.Render()
	return nil
}
