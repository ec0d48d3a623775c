// Package output formats rollq command results as tables, JSON or YAML.
package output

import (
	"fmt"
	"io"
	"strings"
)

// Format is a structured output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a --output value. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

func (f Format) String() string {
	return string(f)
}

const (
	ansiRed    = "31"
	ansiGreen  = "32"
	ansiYellow = "33"
)

// Printer writes command results in one format.
type Printer struct {
	out    io.Writer
	format Format
	color  bool
}

// NewPrinter creates a Printer. color enables ANSI colours for status lines.
func NewPrinter(out io.Writer, format Format, color bool) *Printer {
	return &Printer{out: out, format: format, color: color}
}

func (p *Printer) Format() Format { return p.format }
func (p *Printer) Writer() io.Writer { return p.out }
func (p *Printer) ColorEnabled() bool { return p.color }
func (p *Printer) Structured() bool { return p.format != FormatTable }

// Print writes data in the printer's format. In table format data must be
// a TableRenderer; empty tables print emptyMsg instead.
func (p *Printer) Print(data any, emptyMsg string) error {
	switch p.format {
	case FormatJSON, FormatYAML:
		return Encode(p.out, p.format, data)
	case FormatTable:
		r, ok := data.(TableRenderer)
		if !ok {
			return PrintJSON(p.out, data)
		}
		if len(r.Rows()) == 0 && emptyMsg != "" {
			p.Println(emptyMsg)
			return nil
		}
		return PrintTable(p.out, r)
	default:
		return fmt.Errorf("unknown format: %s", p.format)
	}
}

func (p *Printer) Println(args ...any) {
	_, _ = fmt.Fprintln(p.out, args...)
}

func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// Success, Warning and Error print status lines. They are suppressed in
// structured formats so JSON and YAML output stays parseable.
func (p *Printer) Success(msg string) { p.status(ansiGreen, msg) }
func (p *Printer) Warning(msg string) { p.status(ansiYellow, msg) }
func (p *Printer) Error(msg string) { p.status(ansiRed, msg) }

func (p *Printer) status(code, msg string) {
	if p.Structured() {
		return
	}
	if p.color {
		p.Printf("\033[%sm%s\033[0m\n", code, msg)
		return
	}
	p.Println(msg)
}
