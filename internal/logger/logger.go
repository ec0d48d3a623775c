// Package logger is the process-wide structured logger used by the queue,
// the CLI and the stress harness.
//
// It wraps log/slog. The level lives in a single slog.LevelVar shared by
// every handler, so SetLevel is a lock-free store and disabled calls cost a
// single atomic load.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Output formats accepted by SetFormat and Config.Format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Level is a log severity. It is a thin name for slog.Level so callers
// never import log/slog just to pick a level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config holds logger configuration
type Config struct {
	Level   string // DEBUG, INFO, WARN, ERROR
	Format  string // text, json
	Output  string // stdout, stderr, or file path
	NoColor bool   // never colour text output, even on a terminal
}

var (
	level = new(slog.LevelVar)

	mu      sync.RWMutex
	format  = FormatText
	output  io.Writer = os.Stderr
	color   bool
	closer  io.Closer
	current *slog.Logger
)

func init() {
	color = colorAllowed(os.Stderr)
	rebuild()
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// colorAllowed reports whether f is a terminal and NO_COLOR is unset.
func colorAllowed(f *os.File) bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	return isTerminal(f.Fd())
}

// rebuild swaps in a handler for the current format, output and colour.
// Callers must not hold mu.
func rebuild() {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == FormatJSON {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = NewColorTextHandler(output, opts, color)
	}
	current = slog.New(h)
}

// Init applies cfg. Output can be "stdout", "stderr", or a file path that is
// opened for append. Empty fields leave the current setting untouched.
func Init(cfg Config) error {
	if cfg.Output != "" {
		var (
			w       io.Writer
			c       io.Closer
			colored bool
		)
		switch strings.ToLower(cfg.Output) {
		case "stdout":
			w, colored = os.Stdout, colorAllowed(os.Stdout)
		case "stderr":
			w, colored = os.Stderr, colorAllowed(os.Stderr)
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
			}
			w, c = f, f
		}

		mu.Lock()
		if closer != nil {
			_ = closer.Close()
		}
		output, closer, color = w, c, colored && !cfg.NoColor
		mu.Unlock()
	} else if cfg.NoColor {
		mu.Lock()
		color = false
		mu.Unlock()
	}

	if cfg.Level != "" {
		lvl, err := ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level.Set(lvl)
	}
	if cfg.Format != "" {
		f := strings.ToLower(cfg.Format)
		if f != FormatText && f != FormatJSON {
			return fmt.Errorf("unknown log format %q", cfg.Format)
		}
		mu.Lock()
		format = f
		mu.Unlock()
	}

	rebuild()
	return nil
}

// InitWithWriter routes logs to w. Tests use it to capture output.
func InitWithWriter(w io.Writer, lvl, f string, enableColor bool) {
	mu.Lock()
	output, closer, color = w, nil, enableColor
	if f = strings.ToLower(f); f == FormatText || f == FormatJSON {
		format = f
	}
	mu.Unlock()

	if l, err := ParseLevel(lvl); err == nil && lvl != "" {
		level.Set(l)
	}
	rebuild()
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(name string) {
	if l, err := ParseLevel(name); err == nil {
		level.Set(l)
	}
}

// CurrentLevel returns the minimum level currently logged.
func CurrentLevel() Level {
	return level.Level()
}

// SetFormat switches between text and json. Unknown formats are ignored.
func SetFormat(f string) {
	f = strings.ToLower(f)
	if f != FormatText && f != FormatJSON {
		return
	}
	mu.Lock()
	format = f
	mu.Unlock()
	rebuild()
}

func get() *slog.Logger {
	mu.RLock()
	l := current
	mu.RUnlock()
	return l
}

func enabled(l Level) bool {
	return l >= level.Level()
}

// Debug logs at debug level. Usage: Debug("msg", "key", value, ...)
func Debug(msg string, args ...any) {
	if enabled(LevelDebug) {
		get().Debug(msg, args...)
	}
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if enabled(LevelInfo) {
		get().Info(msg, args...)
	}
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	if enabled(LevelWarn) {
		get().Warn(msg, args...)
	}
}

// Error logs at error level.
func Error(msg string, args ...any) {
	get().Error(msg, args...)
}

// DebugCtx logs at debug level, prefixed with the LogContext fields in ctx.
func DebugCtx(ctx context.Context, msg string, args ...any) {
	if enabled(LevelDebug) {
		get().Debug(msg, withContext(ctx, args)...)
	}
}

func InfoCtx(ctx context.Context, msg string, args ...any) {
	if enabled(LevelInfo) {
		get().Info(msg, withContext(ctx, args)...)
	}
}

func WarnCtx(ctx context.Context, msg string, args ...any) {
	if enabled(LevelWarn) {
		get().Warn(msg, withContext(ctx, args)...)
	}
}

func ErrorCtx(ctx context.Context, msg string, args ...any) {
	get().Error(msg, withContext(ctx, args)...)
}

// withContext prepends the LogContext fields carried by ctx.
func withContext(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	return append(lc.attrs(), args...)
}

// With returns a logger with the given attributes bound.
func With(args ...any) *slog.Logger {
	return get().With(args...)
}

// Since returns the time elapsed since start, in milliseconds.
func Since(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
