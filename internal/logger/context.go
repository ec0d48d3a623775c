package logger

import (
	"context"
	"time"
)

type contextKey struct{}

// LogContext holds the fields every log line of one queue operation carries.
//
// Cycle is -1 when the operation is not bound to a single cycle.
type LogContext struct {
	TraceID   string
	SpanID    string
	Operation string // append, roll, tail, pretouch, repair, ...
	QueueDir  string
	Cycle     int
	StartTime time.Time
}

// WithContext returns a copy of ctx carrying lc.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, contextKey{}, lc)
}

// FromContext returns the LogContext in ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(contextKey{}).(*LogContext)
	return lc
}

// NewLogContext starts a LogContext for operation on the queue in dir.
func NewLogContext(operation, dir string) *LogContext {
	return &LogContext{
		Operation: operation,
		QueueDir:  dir,
		Cycle:     -1,
		StartTime: time.Now(),
	}
}

// Clone returns a shallow copy; nil stays nil.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithCycle returns a copy bound to cycle.
func (lc *LogContext) WithCycle(cycle int) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Cycle = cycle
	}
	return c
}

func (lc *LogContext) WithOperation(operation string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Operation = operation
	}
	return c
}

func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.TraceID, c.SpanID = traceID, spanID
	}
	return c
}

// DurationMs returns the milliseconds elapsed since StartTime.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return Since(lc.StartTime)
}

// attrs renders the non-empty fields as slog key/value pairs.
func (lc *LogContext) attrs() []any {
	a := make([]any, 0, 10)
	if lc.TraceID != "" {
		a = append(a, TraceID(lc.TraceID))
	}
	if lc.SpanID != "" {
		a = append(a, SpanID(lc.SpanID))
	}
	if lc.Operation != "" {
		a = append(a, Operation(lc.Operation))
	}
	if lc.QueueDir != "" {
		a = append(a, QueueDir(lc.QueueDir))
	}
	if lc.Cycle >= 0 {
		a = append(a, Cycle(lc.Cycle))
	}
	return a
}
