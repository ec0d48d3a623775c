package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer lets concurrent tests share one capture buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Reset() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
}

// capture routes logs into a buffer at lvl in text format and restores
// stderr at INFO when the test ends.
func capture(t *testing.T, lvl string) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	InitWithWriter(buf, lvl, FormatText, false)
	t.Cleanup(func() {
		InitWithWriter(os.Stderr, "INFO", FormatText, false)
	})
	return buf
}

func jsonLine(t *testing.T, s string) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(s)), &entry), "not JSON: %s", s)
	return entry
}

func TestLevelFiltering(t *testing.T) {
	cases := []struct {
		level string
		shown []string
		gone  []string
	}{
		{"DEBUG", []string{"debug msg", "info msg", "warn msg", "error msg"}, nil},
		{"INFO", []string{"info msg", "warn msg", "error msg"}, []string{"debug msg"}},
		{"WARN", []string{"warn msg", "error msg"}, []string{"debug msg", "info msg"}},
		{"ERROR", []string{"error msg"}, []string{"debug msg", "info msg", "warn msg"}},
	}
	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			buf := capture(t, tc.level)

			Debug("debug msg")
			Info("info msg")
			Warn("warn msg")
			Error("error msg")

			out := buf.String()
			for _, s := range tc.shown {
				assert.Contains(t, out, s)
			}
			for _, s := range tc.gone {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Run("TakesEffectImmediately", func(t *testing.T) {
		buf := capture(t, "ERROR")
		Info("hidden")
		SetLevel("info")
		Info("visible")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "visible")
		assert.Equal(t, LevelInfo, CurrentLevel())
	})

	t.Run("IgnoresUnknownNames", func(t *testing.T) {
		capture(t, "WARN")
		SetLevel("chatty")
		assert.Equal(t, LevelWarn, CurrentLevel())
	})
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"Warning": LevelWarn,
		"ERROR":   LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("TRACE")
	assert.Error(t, err)
}

func TestTextFormat(t *testing.T) {
	t.Run("Layout", func(t *testing.T) {
		buf := capture(t, "DEBUG")
		Info("rolled", Cycle(29042), PrevCycle(29041))

		line := buf.String()
		assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3} INFO  rolled cycle=29042 prev_cycle=29041\n$`, line)
	})

	t.Run("LevelNames", func(t *testing.T) {
		buf := capture(t, "DEBUG")
		Debug("a")
		Info("b")
		Warn("c")
		Error("d")

		out := buf.String()
		for _, l := range []string{" DEBUG a", " INFO  b", " WARN  c", " ERROR d"} {
			assert.Contains(t, out, l)
		}
	})

	t.Run("QuotesAwkwardValues", func(t *testing.T) {
		buf := capture(t, "INFO")
		Info("m", "plain", "x", "spaced", "two words", "eq", "a=b", "empty", "")

		out := buf.String()
		assert.Contains(t, out, " plain=x")
		assert.Contains(t, out, ` spaced="two words"`)
		assert.Contains(t, out, ` eq="a=b"`)
		assert.Contains(t, out, ` empty=""`)
	})

	t.Run("GroupsAndBoundAttrs", func(t *testing.T) {
		buf := capture(t, "INFO")
		With(QueueDir("/q")).WithGroup("seg").Info("m", Offset(128), slog.Group("hint", Seq(3)))

		out := buf.String()
		assert.Contains(t, out, " queue_dir=/q")
		assert.Contains(t, out, " seg.offset=128")
		assert.Contains(t, out, " seg.hint.seq=3")
	})

	t.Run("NilErrorDropped", func(t *testing.T) {
		buf := capture(t, "INFO")
		Info("m", Err(nil))
		assert.NotContains(t, buf.String(), KeyError)
	})

	t.Run("ColorWrapsLevel", func(t *testing.T) {
		var b bytes.Buffer
		h := NewColorTextHandler(&b, nil, true)
		slog.New(h).Warn("m", Err(assert.AnError))

		assert.Contains(t, b.String(), ansiYellow+"WARN "+ansiReset)
		assert.Contains(t, b.String(), ansiRed)
	})
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t, "INFO")
	SetFormat(FormatJSON)

	Info("segment created", Path("/q/20261015-1530.rqs"), Created(true), Count(2))

	entry := jsonLine(t, buf.String())
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "segment created", entry["msg"])
	assert.Equal(t, "/q/20261015-1530.rqs", entry["path"])
	assert.Equal(t, true, entry["created"])
	assert.Equal(t, float64(2), entry["count"])
	assert.Contains(t, entry, "time")

	t.Run("UnknownFormatIgnored", func(t *testing.T) {
		buf.Reset()
		SetFormat("xml")
		Info("still json")
		assert.True(t, json.Valid([]byte(strings.TrimSpace(buf.String()))))
	})
}

func TestContextLogging(t *testing.T) {
	t.Run("InjectsFields", func(t *testing.T) {
		buf := capture(t, "INFO")
		SetFormat(FormatJSON)

		ctx := WithContext(context.Background(), &LogContext{
			TraceID:   "abc123",
			SpanID:    "xyz789",
			Operation: "roll",
			QueueDir:  "/var/lib/rollq/orders",
			Cycle:     29042,
		})
		InfoCtx(ctx, "rolled to new cycle", "extra", "value")

		entry := jsonLine(t, buf.String())
		assert.Equal(t, "abc123", entry[KeyTraceID])
		assert.Equal(t, "xyz789", entry[KeySpanID])
		assert.Equal(t, "roll", entry[KeyOperation])
		assert.Equal(t, "/var/lib/rollq/orders", entry[KeyQueueDir])
		assert.Equal(t, float64(29042), entry[KeyCycle])
		assert.Equal(t, "value", entry["extra"])
	})

	t.Run("UnboundCycleOmitted", func(t *testing.T) {
		buf := capture(t, "INFO")
		SetFormat(FormatJSON)

		InfoCtx(WithContext(context.Background(), NewLogContext("tail", "/q")), "tailer opened")

		entry := jsonLine(t, buf.String())
		assert.NotContains(t, entry, KeyCycle)
		assert.Equal(t, "tail", entry[KeyOperation])
	})

	t.Run("WithoutLogContext", func(t *testing.T) {
		buf := capture(t, "DEBUG")
		require.NotPanics(t, func() {
			DebugCtx(context.Background(), "plain")
			WarnCtx(nil, "nil ctx") //nolint:staticcheck
		})
		assert.Contains(t, buf.String(), "plain")
		assert.Contains(t, buf.String(), "nil ctx")
	})
}

func TestLogContext(t *testing.T) {
	lc := NewLogContext("append", "/q")
	assert.Equal(t, -1, lc.Cycle)
	assert.False(t, lc.StartTime.IsZero())
	assert.GreaterOrEqual(t, lc.DurationMs(), 0.0)

	bound := lc.WithCycle(12).WithOperation("roll").WithTrace("t", "s")
	assert.Equal(t, 12, bound.Cycle)
	assert.Equal(t, "roll", bound.Operation)
	assert.Equal(t, "t", bound.TraceID)
	assert.Equal(t, "s", bound.SpanID)

	assert.Equal(t, -1, lc.Cycle, "original is untouched")
	assert.Equal(t, "append", lc.Operation)

	var none *LogContext
	assert.Nil(t, none.Clone())
	assert.Nil(t, none.WithCycle(1))
	assert.Zero(t, none.DurationMs())
}

type fakeIndex string

func (f fakeIndex) String() string { return string(f) }

func TestFieldHelpers(t *testing.T) {
	attr := Index(fakeIndex("29042:17"))
	assert.Equal(t, KeyIndex, attr.Key)
	assert.Equal(t, "29042:17", attr.Value.String())

	assert.Equal(t, int64(3), Cycle(3).Value.Int64())
	assert.Equal(t, int64(4096), Offset(4096).Value.Int64())
	assert.Equal(t, "", Err(nil).Key)
	assert.Contains(t, Err(assert.AnError).Value.String(), "assert.AnError")
	assert.InDelta(t, 1.5, DurationMs(1500*time.Microsecond).Value.Float64(), 0.0001)
}

func TestConcurrentLogging(t *testing.T) {
	buf := capture(t, "INFO")

	const goroutines, perG = 10, 100
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				Info("append", "writer", id, Seq(uint64(j)))
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, goroutines*perG)

	t.Run("LevelChangesDoNotRace", func(t *testing.T) {
		InitWithWriter(io.Discard, "DEBUG", FormatText, false)
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					if j%2 == 0 {
						SetLevel("DEBUG")
					} else {
						SetLevel("ERROR")
					}
				}
			}()
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					Debug("d")
					Error("e")
				}
			}()
		}
		wg.Wait()
	})
}

func TestInit(t *testing.T) {
	t.Cleanup(func() { InitWithWriter(os.Stderr, "INFO", FormatText, false) })

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rollq.log")
		require.NoError(t, Init(Config{Level: "DEBUG", Format: "json", Output: path}))

		Debug("to file", Cycle(1))
		require.NoError(t, Init(Config{Output: "stderr"}))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		entry := jsonLine(t, string(data))
		assert.Equal(t, "to file", entry["msg"])
	})

	t.Run("Empty", func(t *testing.T) {
		assert.NoError(t, Init(Config{}))
	})

	t.Run("Invalid", func(t *testing.T) {
		assert.Error(t, Init(Config{Level: "LOUD"}))
		assert.Error(t, Init(Config{Format: "xml"}))
		assert.Error(t, Init(Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")}))
	})
}

func BenchmarkLogDisabled(b *testing.B) {
	InitWithWriter(io.Discard, "ERROR", FormatText, false)
	for i := 0; i < b.N; i++ {
		Debug("m", "k", "v")
	}
}

func BenchmarkLogText(b *testing.B) {
	InitWithWriter(io.Discard, "DEBUG", FormatText, false)
	for i := 0; i < b.N; i++ {
		Info("m", Cycle(i), Offset(int64(i)))
	}
}

func BenchmarkLogCtx(b *testing.B) {
	InitWithWriter(io.Discard, "DEBUG", FormatJSON, false)
	ctx := WithContext(context.Background(), NewLogContext("append", "/q"))
	for i := 0; i < b.N; i++ {
		InfoCtx(ctx, "m", Seq(uint64(i)))
	}
}
