// Package dump prints the records of segment files for inspection.
package dump

import (
	"encoding/hex"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/marmos91/rollq/pkg/rollcycle"
	"github.com/marmos91/rollq/pkg/segment"
)

// Options controls how records are printed.
type Options struct {
	// MaxPayload is the most payload bytes printed per record. Zero prints
	// none, a negative value prints all.
	MaxPayload int
	// Limit stops after this many records. Zero means no limit.
	Limit int
}

// DefaultOptions prints up to 64 bytes of each payload.
func DefaultOptions() Options {
	return Options{MaxPayload: 64}
}

// Summary counts what a dump saw.
type Summary struct {
	Records   int
	Entries   int
	Discarded int
	Bytes     int64
	Sealed    bool
	Working   bool
}

// File opens the segment at path read-only and dumps it.
func File(w io.Writer, path string, opts Options) (Summary, error) {
	seg, err := segment.Open(path, segment.Options{ReadOnly: true})
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = seg.Close() }()
	return Segment(w, seg, opts)
}

// Segment writes a header line for seg followed by one line per record.
func Segment(w io.Writer, seg *segment.Segment, opts Options) (Summary, error) {
	info := seg.Info()
	_, _ = fmt.Fprintf(w, "# %s cycle=%d capacity=%s extent=%s created=%s\n",
		info.Path, info.Cycle,
		humanize.IBytes(uint64(info.Capacity)),
		humanize.IBytes(uint64(info.Extent)),
		info.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))

	var sum Summary
	sc := seg.Scan()
	for sc.Next() {
		rec := sc.Record()
		sum.Records++
		sum.Bytes += int64(rec.Length)

		switch {
		case rec.State == segment.StateWorking:
			sum.Working = true
			_, _ = fmt.Fprintf(w, "%10d  WORKING\n", rec.Offset)
			continue
		case rec.Kind == segment.KindEOF:
			sum.Sealed = true
			_, _ = fmt.Fprintf(w, "%10d  EOF\n", rec.Offset)
			continue
		case rec.Kind == segment.KindDiscarded:
			sum.Discarded++
			_, _ = fmt.Fprintf(w, "%10d  discarded %d bytes\n", rec.Offset, rec.Length)
			continue
		}

		sum.Entries++
		_, _ = fmt.Fprintf(w, "%10d  %s  %5d  %s\n",
			rec.Offset, rollcycle.MakeIndex(info.Cycle, rec.Seq), rec.Length, Payload(rec.Payload, opts.MaxPayload))

		if opts.Limit > 0 && sum.Records >= opts.Limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		_, _ = fmt.Fprintf(w, "! %v\n", err)
		return sum, err
	}
	return sum, nil
}

// Payload renders up to max bytes of p: quoted when it is printable UTF-8,
// hex otherwise.
func Payload(p []byte, max int) string {
	if max == 0 {
		return ""
	}
	truncated := false
	if max > 0 && len(p) > max {
		p, truncated = p[:max], true
	}

	var s string
	if utf8.Valid(p) && printable(p) {
		s = fmt.Sprintf("%q", p)
	} else {
		s = hex.EncodeToString(p)
	}
	if truncated {
		s += "..."
	}
	return s
}

func printable(p []byte) bool {
	for _, r := range string(p) {
		if r < 0x20 && r != '\t' {
			return false
		}
	}
	return true
}
