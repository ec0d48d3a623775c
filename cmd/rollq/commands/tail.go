package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/cli/output"
	"github.com/marmos91/rollq/internal/logger"
	"github.com/marmos91/rollq/pkg/queue"
	"github.com/marmos91/rollq/pkg/rollcycle"
)

var (
	tailFrom   string
	tailFollow bool
	tailLimit  int
	tailPoll   time.Duration
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Read entries from the queue",
	Long: `Read entries in order, starting at the beginning of the queue, at its
end, or at an index ("cycle:seq", decimal or 0x-prefixed hex).

The --output flag selects text (default), json (one object per line) or
hex. With --follow, tail keeps waiting for new entries and segments until
interrupted.

Examples:
  rollq tail
  rollq tail --from end --follow
  rollq tail --from 20376:100 --limit 10 -o json`,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().StringVar(&tailFrom, "from", "start", "Start position: start, end or an index")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Keep reading new entries")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 0, "Stop after this many entries (0 for no limit)")
	tailCmd.Flags().DurationVar(&tailPoll, "poll", 100*time.Millisecond, "Poll interval while following")
}

type tailFormat int

const (
	tailText tailFormat = iota
	tailJSON
	tailHex
)

func parseTailFormat(s string) (tailFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "table":
		return tailText, nil
	case "json":
		return tailJSON, nil
	case "hex":
		return tailHex, nil
	default:
		return 0, fmt.Errorf("invalid tail output format: %q (valid: text, json, hex)", s)
	}
}

type tailRecord struct {
	Index   string `json:"index"`
	Cycle   int    `json:"cycle"`
	Seq     uint64 `json:"seq"`
	Size    int    `json:"size"`
	Text    string `json:"text,omitempty"`
	Payload []byte `json:"payload"`
}

func writeEntry(w io.Writer, format tailFormat, e queue.Entry) error {
	switch format {
	case tailJSON:
		rec := tailRecord{
			Index:   e.Index.String(),
			Cycle:   e.Index.Cycle(),
			Seq:     e.Index.Seq(),
			Size:    len(e.Payload),
			Payload: e.Payload,
		}
		if utf8.Valid(e.Payload) {
			rec.Text = string(e.Payload)
		}
		return output.PrintJSONLine(w, rec)
	case tailHex:
		_, err := fmt.Fprintf(w, "%s (%d bytes)\n%s", e.Index, len(e.Payload), hex.Dump(e.Payload))
		return err
	default:
		_, err := fmt.Fprintf(w, "%s\t%s\n", e.Index, e.Payload)
		return err
	}
}

func positionTailer(t *queue.Tailer, from string) error {
	switch strings.ToLower(from) {
	case "", "start":
		return t.ToStart()
	case "end":
		return t.ToEnd()
	}
	idx, err := rollcycle.ParseIndex(from)
	if err != nil {
		return err
	}
	_, err = t.Seek(idx)
	return err
}

func runTail(cmd *cobra.Command, args []string) error {
	format, err := parseTailFormat(Flags.Output)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := openQueue(ctx, cfg, true, nil)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	t, err := q.Tailer()
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	if err := positionTailer(t, tailFrom); err != nil {
		return err
	}

	var watcher *dirWatcher
	if tailFollow {
		if watcher, err = newDirWatcher(q.Dir()); err != nil {
			return err
		}
		defer watcher.Close()
	}

	out := cmd.OutOrStdout()
	read := 0
	for {
		e, ok, err := t.Next()
		if err != nil {
			return err
		}
		if ok {
			if err := writeEntry(out, format, e); err != nil {
				return err
			}
			read++
			if tailLimit > 0 && read >= tailLimit {
				return nil
			}
			continue
		}
		if !tailFollow {
			return nil
		}
		if !watcher.wait(ctx, tailPoll) {
			return nil
		}
	}
}

// dirWatcher wakes a following tailer when the queue directory changes.
// Entries written through a mapping raise no file events, so waits are
// also bounded by a poll interval.
type dirWatcher struct {
	w    *fsnotify.Watcher
	wake chan struct{}
	done chan struct{}
}

func newDirWatcher(dir string) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	d := &dirWatcher{w: w, wake: make(chan struct{}, 1), done: make(chan struct{})}
	go d.run()
	return d, nil
}

func (d *dirWatcher) run() {
	defer close(d.done)
	for {
		select {
		case ev, ok := <-d.w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				select {
				case d.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-d.w.Errors:
			if !ok {
				return
			}
			logger.Debug("Queue directory watch error", logger.Err(err))
		}
	}
}

// wait blocks until the directory changes, poll elapses or ctx ends. It
// reports false when ctx ended.
func (d *dirWatcher) wait(ctx context.Context, poll time.Duration) bool {
	timer := time.NewTimer(poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.wake:
	case <-timer.C:
	}
	return true
}

func (d *dirWatcher) Close() {
	_ = d.w.Close()
	<-d.done
}
