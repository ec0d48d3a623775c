package logger

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// timeLayout is millisecond precision; roll and pretouch events are often
// closer together than a second.
const timeLayout = "2006-01-02T15:04:05.000"

// ColorTextHandler writes one line per record:
//
//	2026-10-15T15:30:00.123 INFO  rolled cycle=29042 prev_cycle=29041
//
// Group names prefix keys with a dot. Values with spaces, quotes, '=' or
// control characters are quoted.
type ColorTextHandler struct {
	opts   slog.HandlerOptions
	w      io.Writer
	mu     *sync.Mutex
	prefix string // pre-rendered WithAttrs output
	group  string // dotted group prefix for keys
	color  bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *ColorTextHandler {
	h := &ColorTextHandler{w: w, mu: &sync.Mutex{}, color: color}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *ColorTextHandler) Enabled(_ context.Context, l slog.Level) bool {
	floor := slog.LevelInfo
	if h.opts.Level != nil {
		floor = h.opts.Level.Level()
	}
	return l >= floor
}

func (h *ColorTextHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	buf = h.paint(buf, ansiGray, t.Format(timeLayout))
	buf = append(buf, ' ')
	buf = h.appendLevel(buf, r.Level)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	buf = append(buf, h.prefix...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.group, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *ColorTextHandler) appendLevel(buf []byte, l slog.Level) []byte {
	name, c := "ERROR", ansiRed
	switch {
	case l < slog.LevelInfo:
		name, c = "DEBUG", ansiGray
	case l < slog.LevelWarn:
		name, c = "INFO ", ansiGreen
	case l < slog.LevelError:
		name, c = "WARN ", ansiYellow
	}
	return h.paint(buf, c, name)
}

func (h *ColorTextHandler) paint(buf []byte, c, s string) []byte {
	if !h.color {
		return append(buf, s...)
	}
	buf = append(buf, c...)
	buf = append(buf, s...)
	return append(buf, ansiReset...)
}

func (h *ColorTextHandler) appendAttr(buf []byte, group string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}

	if a.Value.Kind() == slog.KindGroup {
		g := group
		if a.Key != "" {
			g = group + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = h.appendAttr(buf, g, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = h.paint(buf, ansiCyan, group+a.Key)
	buf = append(buf, '=')
	v := formatValue(a.Value)
	if a.Key == KeyError {
		return h.paint(buf, ansiRed, v)
	}
	return append(buf, v...)
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', 3, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	}
	return quote(v.String())
}

func quote(s string) string {
	if s == "" {
		return `""`
	}
	for _, r := range s {
		if r == ' ' || r == '=' || r == '"' || r < 0x20 || r == utf8.RuneError {
			return strconv.Quote(s)
		}
	}
	return s
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	var b []byte
	for _, a := range attrs {
		b = h.appendAttr(b, h.group, a)
	}
	c.prefix = h.prefix + string(b)
	return &c
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	c := *h
	c.group = h.group + name + "."
	return &c
}
