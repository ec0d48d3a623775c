package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/rollq/internal/mmapfile"
	"github.com/marmos91/rollq/pkg/rollcycle"
	"github.com/marmos91/rollq/pkg/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Helpers
// ============================================================================

var (
	testCycle = rollcycle.RollCycle{
		Name:         "TEST_MINUTELY",
		Length:       time.Minute,
		Format:       "20060102-1504",
		IndexSpacing: 4,
		IndexSlots:   256,
	}
	testEpoch = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	testStart = testEpoch.Add(10*time.Hour + 30*time.Minute + 15*time.Second)
)

// startCycle is the cycle testStart falls in.
const startCycle = 630

func testConfig(clock rollcycle.TimeProvider) Config {
	return Config{
		RollCycle:        testCycle,
		Epoch:            testEpoch,
		TimeProvider:     clock,
		BlockSize:        mmapfile.PageSize,
		SegmentCapacity:  16 << 20,
		WriteTimeout:     2 * time.Second,
		PretouchInterval: 5 * time.Millisecond,
		PretouchAhead:    8 * mmapfile.PageSize,
		CloseGrace:       time.Second,
	}
}

func openTestQueue(t *testing.T, dir string, cfg Config) *Queue {
	t.Helper()
	q, err := Open(context.Background(), dir, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newTestQueue(t *testing.T) (*Queue, *rollcycle.SetTime) {
	t.Helper()
	clock := rollcycle.NewSetTime(testStart)
	return openTestQueue(t, t.TempDir(), testConfig(clock)), clock
}

func newAppender(t *testing.T, q *Queue) *Appender {
	t.Helper()
	app, err := q.Appender()
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func newTailer(t *testing.T, q *Queue) *Tailer {
	t.Helper()
	tl, err := q.Tailer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tl.Close() })
	return tl
}

func appendStrings(t *testing.T, app *Appender, values ...string) []rollcycle.Index {
	t.Helper()
	idxs := make([]rollcycle.Index, 0, len(values))
	for _, v := range values {
		idx, err := app.Append(context.Background(), []byte(v))
		require.NoError(t, err)
		idxs = append(idxs, idx)
	}
	return idxs
}

type readEntry struct {
	Index   rollcycle.Index
	Payload string
}

// drain reads every entry currently present.
func drain(t *testing.T, tl *Tailer) []readEntry {
	t.Helper()
	var out []readEntry
	for {
		e, ok, err := tl.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, readEntry{Index: e.Index, Payload: string(e.Payload)})
	}
}

func payloads(entries []readEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Payload
	}
	return out
}

type recordingMetrics struct {
	mu         sync.Mutex
	appends    int
	buffered   int
	reads      int
	rolls      [][2]int
	torn       int
	errors     map[string]int
	opens      int
	created    int
	open       int
	pretouches int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{errors: make(map[string]int)}
}

func (m *recordingMetrics) ObserveAppend(_ int, _ time.Duration, buffered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if buffered {
		m.buffered++
	}
}

func (m *recordingMetrics) RecordAppendError(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[reason]++
}

func (m *recordingMetrics) ObserveRead(int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
}

func (m *recordingMetrics) RecordRoll(from, to int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolls = append(m.rolls, [2]int{from, to})
}

func (m *recordingMetrics) RecordSegmentOpen(created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if created {
		m.created++
	}
}

func (m *recordingMetrics) SetOpenSegments(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = n
}

func (m *recordingMetrics) ObserveContention(int) {}

func (m *recordingMetrics) RecordTornWrite() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.torn++
}

func (m *recordingMetrics) ObservePretouch(int, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pretouches++
}

// ============================================================================
// Open Tests
// ============================================================================

func TestOpen(t *testing.T) {
	t.Run("CreatesMetadata", func(t *testing.T) {
		q, _ := newTestQueue(t)

		_, err := os.Stat(filepath.Join(q.Dir(), MetadataFile))
		require.NoError(t, err)
		assert.Equal(t, testCycle.Name, q.RollCycle().Name)
		assert.True(t, q.Clock().Epoch().Equal(testEpoch))
		assert.Equal(t, startCycle, q.Clock().CurrentCycle())

		_, ok, err := q.HighestCycle()
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ReopenAdoptsRecordedCycle", func(t *testing.T) {
		dir := t.TempDir()
		clock := rollcycle.NewSetTime(testStart)
		q := openTestQueue(t, dir, testConfig(clock))
		appendStrings(t, newAppender(t, q), "a")
		require.NoError(t, q.Close())

		cfg := testConfig(clock)
		cfg.RollCycle = rollcycle.RollCycle{}
		cfg.Epoch = time.Time{}
		q2 := openTestQueue(t, dir, cfg)
		assert.Equal(t, testCycle, q2.RollCycle())
		assert.True(t, q2.Clock().Epoch().Equal(testEpoch))

		h, ok, err := q2.HighestCycle()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, startCycle, h)
	})

	t.Run("IncompatibleRollCycle", func(t *testing.T) {
		dir := t.TempDir()
		clock := rollcycle.NewSetTime(testStart)
		openTestQueue(t, dir, testConfig(clock))

		cfg := testConfig(clock)
		cfg.RollCycle = rollcycle.Hourly
		_, err := Open(context.Background(), dir, cfg)
		assert.ErrorIs(t, err, ErrIncompatible)
	})

	t.Run("IncompatibleEpoch", func(t *testing.T) {
		dir := t.TempDir()
		clock := rollcycle.NewSetTime(testStart)
		openTestQueue(t, dir, testConfig(clock))

		cfg := testConfig(clock)
		cfg.Epoch = testEpoch.Add(time.Hour)
		_, err := Open(context.Background(), dir, cfg)
		assert.ErrorIs(t, err, ErrIncompatible)
	})

	t.Run("ReadOnlyWithoutQueue", func(t *testing.T) {
		cfg := testConfig(nil)
		cfg.ReadOnly = true
		_, err := Open(context.Background(), t.TempDir(), cfg)
		assert.ErrorIs(t, err, ErrNoQueue)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := testConfig(nil)
		cfg.BlockSize = mmapfile.PageSize + 1
		_, err := Open(context.Background(), t.TempDir(), cfg)
		assert.Error(t, err)

		cfg = testConfig(nil)
		cfg.IndexSpacing = 3
		_, err = Open(context.Background(), t.TempDir(), cfg)
		assert.Error(t, err)
	})

	t.Run("BeforeEpoch", func(t *testing.T) {
		clock := rollcycle.NewSetTime(testEpoch.Add(-time.Hour))
		q := openTestQueue(t, t.TempDir(), testConfig(clock))

		_, err := newAppender(t, q).Append(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, ErrBeforeEpoch)
	})
}

// ============================================================================
// Append / Tail Tests
// ============================================================================

func TestAppendAndTail(t *testing.T) {
	t.Run("ReadsInWriteOrder", func(t *testing.T) {
		q, _ := newTestQueue(t)
		app := newAppender(t, q)

		idxs := appendStrings(t, app, "one", "two", "three")
		for i, idx := range idxs {
			assert.Equal(t, startCycle, idx.Cycle())
			assert.Equal(t, uint64(i), idx.Seq())
		}
		last, ok := app.LastIndex()
		require.True(t, ok)
		assert.Equal(t, idxs[2], last)
		assert.Equal(t, startCycle, app.Cycle())

		entries := drain(t, newTailer(t, q))
		assert.Equal(t, []string{"one", "two", "three"}, payloads(entries))
		for i, e := range entries {
			assert.Equal(t, idxs[i], e.Index)
		}

		_, err := os.Stat(filepath.Join(q.Dir(), "20261015-1030.rqs"))
		assert.NoError(t, err)
	})

	t.Run("LateTailerReadsEverything", func(t *testing.T) {
		q, _ := newTestQueue(t)
		app := newAppender(t, q)

		const n = 250
		for i := 0; i < n; i++ {
			appendStrings(t, app, fmt.Sprintf("entry-%03d", i))
		}

		entries := drain(t, newTailer(t, q))
		require.Len(t, entries, n)
		for i, e := range entries {
			assert.Equal(t, fmt.Sprintf("entry-%03d", i), e.Payload)
		}
	})

	t.Run("PollDoesNotConsume", func(t *testing.T) {
		q, _ := newTestQueue(t)
		appendStrings(t, newAppender(t, q), "a", "b")
		tl := newTailer(t, q)

		for i := 0; i < 3; i++ {
			e, ok, err := tl.Poll()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a", string(e.Payload))
		}

		ok, err := tl.Advance()
		require.NoError(t, err)
		require.True(t, ok)

		e, ok, err := tl.Poll()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", string(e.Payload))
		assert.Equal(t, e.Index, tl.Index())
	})

	t.Run("EmptyQueueIsNotPresent", func(t *testing.T) {
		q, _ := newTestQueue(t)
		tl := newTailer(t, q)

		_, ok, err := tl.Poll()
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tl.Advance()
		require.NoError(t, err)
		assert.False(t, ok)

		appendStrings(t, newAppender(t, q), "first")
		assert.Equal(t, []string{"first"}, payloads(drain(t, tl)))
	})

	t.Run("HandleWritesInPieces", func(t *testing.T) {
		q, _ := newTestQueue(t)
		app := newAppender(t, q)

		h, err := app.BeginWrite(context.Background())
		require.NoError(t, err)
		want, ok := h.Index()
		require.True(t, ok)

		_, err = h.Write([]byte("hello "))
		require.NoError(t, err)
		_, err = fmt.Fprintf(h, "world %d", 42)
		require.NoError(t, err)

		idx, err := h.Finish()
		require.NoError(t, err)
		assert.Equal(t, want, idx)

		_, err = h.Finish()
		assert.ErrorIs(t, err, ErrHandleFinished)
		_, err = h.Write([]byte("late"))
		assert.ErrorIs(t, err, ErrHandleFinished)
		assert.NoError(t, h.Close())

		assert.Equal(t, []string{"hello world 42"}, payloads(drain(t, newTailer(t, q))))
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		q, _ := newTestQueue(t)
		appendStrings(t, newAppender(t, q), "", "x", "")

		assert.Equal(t, []string{"", "x", ""}, payloads(drain(t, newTailer(t, q))))
	})

	t.Run("UnfinishedEntryHidesLaterOnes", func(t *testing.T) {
		q, _ := newTestQueue(t)
		app := newAppender(t, q)
		appendStrings(t, app, "before")

		h, err := app.BeginWrite(context.Background())
		require.NoError(t, err)
		_, err = h.Write([]byte("pending"))
		require.NoError(t, err)

		tl := newTailer(t, q)
		assert.Equal(t, []string{"before"}, payloads(drain(t, tl)))

		_, err = h.Finish()
		require.NoError(t, err)
		assert.Equal(t, []string{"pending"}, payloads(drain(t, tl)))
	})
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentWritersAndTailers(t *testing.T) {
	for _, shared := range []bool{false, true} {
		t.Run(fmt.Sprintf("SharedAppender=%t", shared), func(t *testing.T) {
			q, _ := newTestQueue(t)

			const writers, readers, perWriter = 4, 3, 300
			total := writers * perWriter

			var sharedApp *Appender
			if shared {
				sharedApp = newAppender(t, q)
			}

			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					app := sharedApp
					if app == nil {
						var err error
						app, err = q.Appender()
						if !assert.NoError(t, err) {
							return
						}
						defer app.Close()
					}
					buf := make([]byte, 8)
					for i := 0; i < perWriter; i++ {
						binary.LittleEndian.PutUint32(buf, uint32(w))
						binary.LittleEndian.PutUint32(buf[4:], uint32(i))
						if _, err := app.Append(context.Background(), buf); !assert.NoError(t, err) {
							return
						}
					}
				}(w)
			}

			for r := 0; r < readers; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					tl, err := q.Tailer()
					if !assert.NoError(t, err) {
						return
					}
					defer tl.Close()

					next := make([]uint32, writers)
					deadline := time.Now().Add(20 * time.Second)
					for seen := 0; seen < total; {
						e, ok, err := tl.Next()
						if !assert.NoError(t, err) {
							return
						}
						if !ok {
							if time.Now().After(deadline) {
								t.Errorf("tailer saw %d of %d entries", seen, total)
								return
							}
							runtime.Gosched()
							continue
						}
						w := binary.LittleEndian.Uint32(e.Payload)
						i := binary.LittleEndian.Uint32(e.Payload[4:])
						if !assert.Equal(t, next[w], i, "writer %d out of order", w) {
							return
						}
						next[w]++
						seen++
					}
				}()
			}

			wg.Wait()
			assert.Equal(t, total, len(drain(t, newTailer(t, q))))
		})
	}
}

// writeCounterEntries runs writers that each write perWriter entries of a
// timestamp followed by copies of a counter shared by all writers. The
// counter is taken while the entry holds the end of the segment, so the
// entries carry it in queue order.
func writeCounterEntries(t *testing.T, q *Queue, clock *rollcycle.SetTime, writers, perWriter, copies int, rollEvery int) {
	t.Helper()

	var counter atomic.Uint64
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			app, err := q.Appender()
			if !assert.NoError(t, err) {
				return
			}
			defer app.Close()

			buf := make([]byte, 8+8*copies)
			for i := 0; i < perWriter; i++ {
				if rollEvery > 0 && w == 0 && i > 0 && i%rollEvery == 0 {
					clock.Advance(q.Clock().CycleLength())
				}
				h, err := app.BeginWrite(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				n := counter.Add(1)
				binary.LittleEndian.PutUint64(buf, uint64(clock.Now().UnixNano()))
				for c := 0; c < copies; c++ {
					binary.LittleEndian.PutUint64(buf[8+8*c:], n)
				}
				if _, err := h.Write(buf); !assert.NoError(t, err) {
					return
				}
				if _, err := h.Finish(); !assert.NoError(t, err) {
					return
				}
			}
		}(w)
	}
	wg.Wait()
}

func TestGlobalCounterIncreasesByOne(t *testing.T) {
	const writers, perWriter, copies = 4, 400, 18

	for _, tc := range []struct {
		name      string
		rollEvery int
	}{
		{name: "SingleCycle"},
		{name: "Rolling", rollEvery: 75},
	} {
		t.Run(tc.name, func(t *testing.T) {
			q, clock := newTestQueue(t)
			writeCounterEntries(t, q, clock, writers, perWriter, copies, tc.rollEvery)

			tl := newTailer(t, q)
			expect := uint64(1)
			prevCycle := -1
			for {
				e, ok, err := tl.Next()
				require.NoError(t, err)
				if !ok {
					break
				}
				require.Len(t, e.Payload, 8+8*copies)
				for c := 0; c < copies; c++ {
					require.Equal(t, expect, binary.LittleEndian.Uint64(e.Payload[8+8*c:]), "entry %s copy %d", e.Index, c)
				}
				require.GreaterOrEqual(t, e.Index.Cycle(), prevCycle)
				prevCycle = e.Index.Cycle()
				expect++
			}
			assert.Equal(t, uint64(writers*perWriter+1), expect)

			cycles, err := q.Cycles()
			require.NoError(t, err)
			if tc.rollEvery > 0 {
				assert.Greater(t, len(cycles), 1)
				for _, c := range cycles[:len(cycles)-1] {
					st, err := q.Inspect(context.Background(), c)
					require.NoError(t, err)
					assert.True(t, st.Sealed, "cycle %d", c)
				}
			} else {
				assert.Len(t, cycles, 1)
			}
			// Only the tailer still holds a segment.
			assert.Equal(t, 1, q.OutstandingRefs())
		})
	}
}

// ============================================================================
// Roll Tests
// ============================================================================

func TestRoll(t *testing.T) {
	t.Run("ClockMovesWritesToNewSegment", func(t *testing.T) {
		clock := rollcycle.NewSetTime(testStart)
		cfg := testConfig(clock)
		m := newRecordingMetrics()
		cfg.Metrics = m
		q := openTestQueue(t, t.TempDir(), cfg)
		app := newAppender(t, q)

		tl := newTailer(t, q)
		appendStrings(t, app, "a", "b")
		assert.Equal(t, []string{"a", "b"}, payloads(drain(t, tl)))

		clock.Advance(time.Minute)
		idxs := appendStrings(t, app, "c")
		assert.Equal(t, rollcycle.MakeIndex(startCycle+1, 0), idxs[0])
		assert.Equal(t, startCycle+1, app.Cycle())

		cycles, err := q.Cycles()
		require.NoError(t, err)
		assert.Equal(t, []int{startCycle, startCycle + 1}, cycles)

		old, err := q.Inspect(context.Background(), startCycle)
		require.NoError(t, err)
		assert.True(t, old.Sealed)
		assert.Equal(t, uint64(2), old.Entries)

		cur, err := q.Inspect(context.Background(), startCycle+1)
		require.NoError(t, err)
		assert.False(t, cur.Sealed)
		assert.Equal(t, uint64(1), cur.Entries)

		// The tailer crosses the end-of-segment marker.
		entries := drain(t, tl)
		assert.Equal(t, []string{"c"}, payloads(entries))
		assert.Equal(t, startCycle+1, tl.Cycle())

		// The old segment stays readable from its start.
		all := drain(t, newTailer(t, q))
		assert.Equal(t, []string{"a", "b", "c"}, payloads(all))

		m.mu.Lock()
		defer m.mu.Unlock()
		assert.Equal(t, [][2]int{{-1, startCycle}, {startCycle, startCycle + 1}}, m.rolls)
		assert.Equal(t, 3, m.appends)
	})

	t.Run("SkippedCycles", func(t *testing.T) {
		q, clock := newTestQueue(t)
		app := newAppender(t, q)
		appendStrings(t, app, "a")

		clock.Advance(5 * time.Minute)
		appendStrings(t, app, "b")

		cycles, err := q.Cycles()
		require.NoError(t, err)
		assert.Equal(t, []int{startCycle, startCycle + 5}, cycles)
		assert.Equal(t, []string{"a", "b"}, payloads(drain(t, newTailer(t, q))))
	})

	t.Run("ClockGoingBackKeepsHighestCycle", func(t *testing.T) {
		q, clock := newTestQueue(t)
		app := newAppender(t, q)
		appendStrings(t, app, "a")
		clock.Advance(time.Minute)
		appendStrings(t, app, "b")

		clock.Set(testStart)
		idxs := appendStrings(t, app, "c")
		assert.Equal(t, startCycle+1, idxs[0].Cycle())
	})

	t.Run("RaceBetweenQueuesCreatesOneFile", func(t *testing.T) {
		dir := t.TempDir()
		clock1 := rollcycle.NewSetTime(testStart)
		clock2 := rollcycle.NewSetTime(testStart)
		q1 := openTestQueue(t, dir, testConfig(clock1))
		q2 := openTestQueue(t, dir, testConfig(clock2))
		app1 := newAppender(t, q1)
		app2 := newAppender(t, q2)

		appendStrings(t, app1, "start")

		const rounds = 20
		for r := 1; r <= rounds; r++ {
			clock1.Advance(time.Minute)
			clock2.Advance(time.Minute)

			var wg sync.WaitGroup
			ready := make(chan struct{})
			for i, app := range []*Appender{app1, app2} {
				wg.Add(1)
				go func(i int, app *Appender) {
					defer wg.Done()
					<-ready
					_, err := app.Append(context.Background(), []byte(fmt.Sprintf("r%d-w%d", r, i)))
					assert.NoError(t, err)
				}(i, app)
			}
			close(ready)
			wg.Wait()
		}

		cycles, err := q1.Cycles()
		require.NoError(t, err)
		require.Len(t, cycles, rounds+1)
		for i, c := range cycles {
			assert.Equal(t, startCycle+i, c)
			st, err := q1.Inspect(context.Background(), c)
			require.NoError(t, err)
			if i == 0 {
				assert.Equal(t, uint64(1), st.Entries)
			} else {
				assert.Equal(t, uint64(2), st.Entries, "cycle %d", c)
			}
			assert.Equal(t, i < rounds, st.Sealed, "cycle %d", c)
		}

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, rounds+2, "segments plus metadata, no temp files left")

		assert.Len(t, drain(t, newTailer(t, q2)), 2*rounds+1)
	})
}

// ============================================================================
// Seek Tests
// ============================================================================

func TestSeek(t *testing.T) {
	q, clock := newTestQueue(t)
	app := newAppender(t, q)

	var idxs []rollcycle.Index
	for i := 0; i < 40; i++ {
		idxs = append(idxs, appendStrings(t, app, fmt.Sprintf("payload-%d-%s", i, bytes.Repeat([]byte{'x'}, i)))...)
	}

	t.Run("ExistingEntries", func(t *testing.T) {
		tl := newTailer(t, q)
		for _, i := range []int{0, 1, 5, 17, 39, 3} {
			ok, err := tl.Seek(idxs[i])
			require.NoError(t, err)
			require.True(t, ok, "index %s", idxs[i])

			e, ok, err := tl.Poll()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, idxs[i], e.Index)
			assert.Equal(t, fmt.Sprintf("payload-%d-%s", i, bytes.Repeat([]byte{'x'}, i)), string(e.Payload))
		}
	})

	t.Run("BeyondTheEnd", func(t *testing.T) {
		tl := newTailer(t, q)
		target := rollcycle.MakeIndex(startCycle, 45)

		ok, err := tl.Seek(target)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, target, tl.Index())

		_, ok, err = tl.Poll()
		require.NoError(t, err)
		assert.False(t, ok)

		for i := 40; i < 46; i++ {
			appendStrings(t, app, fmt.Sprintf("more-%d", i))
		}
		e, ok, err := tl.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, target, e.Index)
		assert.Equal(t, "more-45", string(e.Payload))
	})

	t.Run("MissingCycleContinuesAtNext", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		later := appendStrings(t, app, "later")[0]
		require.Equal(t, startCycle+2, later.Cycle())

		tl := newTailer(t, q)
		ok, err := tl.Seek(rollcycle.MakeIndex(startCycle+1, 0))
		require.NoError(t, err)
		assert.False(t, ok)

		e, ok, err := tl.Poll()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, later, e.Index)
	})

	t.Run("ToStartAndToEnd", func(t *testing.T) {
		tl := newTailer(t, q)
		require.NoError(t, tl.ToEnd())
		_, ok, err := tl.Poll()
		require.NoError(t, err)
		assert.False(t, ok)

		appendStrings(t, app, "tail")
		assert.Equal(t, []string{"tail"}, payloads(drain(t, tl)))

		require.NoError(t, tl.ToStart())
		e, ok, err := tl.Poll()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, idxs[0], e.Index)
	})
}

// ============================================================================
// Double Buffer Tests
// ============================================================================

func TestDoubleBuffer(t *testing.T) {
	write := func(t *testing.T, doubleBuffer bool) (*Queue, []rollcycle.Index) {
		clock := rollcycle.NewSetTime(testStart)
		cfg := testConfig(clock)
		cfg.DoubleBuffer = doubleBuffer
		q := openTestQueue(t, t.TempDir(), cfg)
		app := newAppender(t, q)

		var idxs []rollcycle.Index
		for i := 0; i < 60; i++ {
			payload := bytes.Repeat([]byte{byte(i)}, (i*97)%3000)
			if i%3 == 0 {
				h, err := app.BeginWrite(context.Background())
				require.NoError(t, err)
				half := len(payload) / 2
				_, err = h.Write(payload[:half])
				require.NoError(t, err)
				_, err = h.Write(payload[half:])
				require.NoError(t, err)
				idx, err := h.Finish()
				require.NoError(t, err)
				got, ok := h.Index()
				require.True(t, ok)
				assert.Equal(t, idx, got)
				idxs = append(idxs, idx)
				continue
			}
			idx, err := app.Append(context.Background(), payload)
			require.NoError(t, err)
			idxs = append(idxs, idx)
		}
		return q, idxs
	}

	dataArea := func(t *testing.T, q *Queue) []byte {
		st, err := q.Inspect(context.Background(), startCycle)
		require.NoError(t, err)
		raw, err := os.ReadFile(q.SegmentPath(startCycle))
		require.NoError(t, err)
		return raw[st.DataOffset:st.End]
	}

	direct, directIdxs := write(t, false)
	buffered, bufferedIdxs := write(t, true)

	assert.Equal(t, directIdxs, bufferedIdxs)
	assert.Equal(t, dataArea(t, direct), dataArea(t, buffered))
	assert.Equal(t, drain(t, newTailer(t, direct)), drain(t, newTailer(t, buffered)))

	t.Run("IndexUnknownBeforeFinish", func(t *testing.T) {
		h, err := newAppender(t, buffered).BeginWrite(context.Background())
		require.NoError(t, err)
		_, ok := h.Index()
		assert.False(t, ok)
		require.NoError(t, h.Close())

		// Abandoning a buffered handle leaves no trace.
		st, err := buffered.Inspect(context.Background(), startCycle)
		require.NoError(t, err)
		assert.False(t, st.Working)
	})
}

// ============================================================================
// Failure Tests
// ============================================================================

func TestTornWrite(t *testing.T) {
	clock := rollcycle.NewSetTime(testStart)
	cfg := testConfig(clock)
	cfg.WriteTimeout = 50 * time.Millisecond
	m := newRecordingMetrics()
	cfg.Metrics = m
	q := openTestQueue(t, t.TempDir(), cfg)
	app := newAppender(t, q)
	appendStrings(t, app, "first")

	h, err := app.BeginWrite(context.Background())
	require.NoError(t, err)
	_, err = h.Write([]byte("never finished"))
	require.NoError(t, err)

	_, err = q.Repair(context.Background(), startCycle)
	assert.ErrorIs(t, err, ErrSegmentBusy)

	require.NoError(t, h.Close())

	tl := newTailer(t, q)
	assert.Equal(t, []string{"first"}, payloads(drain(t, tl)))

	_, err = newAppender(t, q).Append(context.Background(), []byte("blocked"))
	assert.ErrorIs(t, err, segment.ErrTornWrite)

	st, err := q.Inspect(context.Background(), startCycle)
	require.NoError(t, err)
	assert.True(t, st.Working)

	report, err := q.Repair(context.Background(), startCycle)
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.False(t, report.Sealed)
	assert.Equal(t, segment.StateWorking, report.State)

	idx := appendStrings(t, app, "second")[0]
	assert.Equal(t, rollcycle.MakeIndex(startCycle, 1), idx)
	assert.Equal(t, []string{"second"}, payloads(drain(t, tl)))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.torn)
	assert.Equal(t, 1, m.errors["torn"])
}

func TestSlowWriterAcrossRoll(t *testing.T) {
	clock := rollcycle.NewSetTime(testStart)
	cfg := testConfig(clock)
	cfg.WriteTimeout = 50 * time.Millisecond
	q := openTestQueue(t, t.TempDir(), cfg)
	slow, err := q.Appender()
	require.NoError(t, err)
	fast, err := q.Appender()
	require.NoError(t, err)

	appendStrings(t, slow, "a")
	h, err := slow.BeginWrite(context.Background())
	require.NoError(t, err)

	// The roll gives up sealing the old cycle behind the open entry.
	clock.Advance(time.Minute)
	appendStrings(t, fast, "b")
	st, err := q.Inspect(context.Background(), startCycle)
	require.NoError(t, err)
	assert.False(t, st.Sealed)
	assert.True(t, st.Working)

	_, err = h.Write([]byte("slow"))
	require.NoError(t, err)
	idx, err := h.Finish()
	require.NoError(t, err)
	assert.Equal(t, rollcycle.MakeIndex(startCycle, 1), idx)

	// Finishing behind the roll seals the old cycle.
	st, err = q.Inspect(context.Background(), startCycle)
	require.NoError(t, err)
	assert.True(t, st.Sealed)
	assert.Equal(t, uint64(2), st.Entries)

	tl, err := q.Tailer()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "slow", "b"}, payloads(drain(t, tl)))

	clock.Advance(time.Minute)
	appendStrings(t, fast, "c")
	assert.Equal(t, []string{"c"}, payloads(drain(t, tl)))

	fresh, err := q.Tailer()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "slow", "b", "c"}, payloads(drain(t, fresh)))

	require.NoError(t, slow.Close())
	require.NoError(t, fast.Close())
	require.NoError(t, tl.Close())
	require.NoError(t, fresh.Close())
	assert.Zero(t, q.OutstandingRefs())
}

func TestRollSealsEveryOlderCycle(t *testing.T) {
	clock := rollcycle.NewSetTime(testStart)
	cfg := testConfig(clock)
	cfg.WriteTimeout = 50 * time.Millisecond
	q := openTestQueue(t, t.TempDir(), cfg)
	app := newAppender(t, q)
	appendStrings(t, app, "a")

	clock.Advance(3 * time.Minute)
	appendStrings(t, app, "b")

	// An unsealed segment behind the highest cycle, which the last roll
	// never saw.
	seg, err := q.store.acquire(context.Background(), startCycle+1, true)
	require.NoError(t, err)
	q.store.release(seg)

	tl := newTailer(t, q)
	assert.Equal(t, []string{"a"}, payloads(drain(t, tl)))

	clock.Advance(time.Minute)
	appendStrings(t, app, "c")

	for _, c := range []int{startCycle, startCycle + 1, startCycle + 3} {
		st, err := q.Inspect(context.Background(), c)
		require.NoError(t, err)
		assert.True(t, st.Sealed, "cycle %d", c)
	}
	assert.Equal(t, []string{"b", "c"}, payloads(drain(t, tl)))
	assert.Equal(t, []string{"a", "b", "c"}, payloads(drain(t, newTailer(t, q))))
}

func TestRepairSealsOlderCycle(t *testing.T) {
	clock := rollcycle.NewSetTime(testStart)
	cfg := testConfig(clock)
	cfg.WriteTimeout = 50 * time.Millisecond
	q := openTestQueue(t, t.TempDir(), cfg)
	app := newAppender(t, q)
	appendStrings(t, app, "a")

	h, err := app.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	// The roll cannot seal the torn segment and moves on regardless.
	clock.Advance(time.Minute)
	appendStrings(t, app, "b")

	tl := newTailer(t, q)
	assert.Equal(t, []string{"a"}, payloads(drain(t, tl)))

	report, err := q.Repair(context.Background(), startCycle)
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.True(t, report.Sealed)

	assert.Equal(t, []string{"b"}, payloads(drain(t, tl)))
}

func TestEntryLargerThanSegment(t *testing.T) {
	clock := rollcycle.NewSetTime(testStart)
	cfg := testConfig(clock)
	cfg.RollCycle.IndexSlots = 16
	cfg.SegmentCapacity = 2 * mmapfile.PageSize
	q := openTestQueue(t, t.TempDir(), cfg)
	app := newAppender(t, q)

	_, err := app.Append(context.Background(), make([]byte, 3*mmapfile.PageSize))
	assert.ErrorIs(t, err, segment.ErrFull)

	// The failed entry became a discarded record; writing goes on.
	appendStrings(t, app, "fits")
	assert.Equal(t, []string{"fits"}, payloads(drain(t, newTailer(t, q))))
}

// ============================================================================
// Read-Only Tests
// ============================================================================

func TestReadOnly(t *testing.T) {
	dir := t.TempDir()
	clock := rollcycle.NewSetTime(testStart)
	writer := openTestQueue(t, dir, testConfig(clock))
	appendStrings(t, newAppender(t, writer), "a", "b")

	cfg := testConfig(clock)
	cfg.ReadOnly = true
	reader := openTestQueue(t, dir, cfg)
	assert.True(t, reader.ReadOnly())

	_, err := reader.Appender()
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = reader.Pretoucher()
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = reader.Repair(context.Background(), startCycle)
	assert.ErrorIs(t, err, ErrReadOnly)

	tl := newTailer(t, reader)
	assert.Equal(t, []string{"a", "b"}, payloads(drain(t, tl)))

	// Entries written through the other instance become visible.
	appendStrings(t, newAppender(t, writer), "c")
	assert.Equal(t, []string{"c"}, payloads(drain(t, tl)))
}

// ============================================================================
// Pretoucher Tests
// ============================================================================

func TestPretoucher(t *testing.T) {
	t.Run("ExecuteGrowsAhead", func(t *testing.T) {
		q, _ := newTestQueue(t)
		p, err := q.Pretoucher()
		require.NoError(t, err)
		defer p.Close()

		pages, err := p.Execute()
		require.NoError(t, err)
		assert.Positive(t, pages)

		st, err := q.Inspect(context.Background(), startCycle)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, st.Extent, st.DataOffset+q.Config().PretouchAhead)

		// Pretouching does not roll the queue.
		_, ok, err := q.HighestCycle()
		require.NoError(t, err)
		assert.False(t, ok)

		stats := p.Stats()
		assert.Equal(t, uint64(1), stats.Passes)
		assert.Equal(t, startCycle, stats.Cycle)
	})

	t.Run("FollowsTheWriteCycle", func(t *testing.T) {
		q, clock := newTestQueue(t)
		p, err := q.Pretoucher()
		require.NoError(t, err)
		defer p.Close()

		_, err = p.Execute()
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = p.Execute()
		require.NoError(t, err)

		assert.Equal(t, startCycle+1, p.Stats().Cycle)
		assert.False(t, q.SegmentInUse(startCycle))
		assert.True(t, q.SegmentInUse(startCycle+1))
	})

	t.Run("StartTwice", func(t *testing.T) {
		q, _ := newTestQueue(t)
		p, err := q.Pretoucher()
		require.NoError(t, err)
		defer p.Close()

		require.NoError(t, p.Start(context.Background()))
		assert.ErrorIs(t, p.Start(context.Background()), ErrPretoucherRunning)
		p.Stop()
		require.NoError(t, p.Start(context.Background()))
	})

	t.Run("QueueCloseStopsIt", func(t *testing.T) {
		q, _ := newTestQueue(t)
		p, err := q.Pretoucher()
		require.NoError(t, err)
		require.NoError(t, p.Start(context.Background()))

		require.Eventually(t, func() bool { return p.Stats().Passes >= 3 }, 5*time.Second, time.Millisecond)

		start := time.Now()
		require.NoError(t, q.Close())
		assert.Less(t, time.Since(start), q.Config().CloseGrace)
		assert.Zero(t, q.OutstandingRefs())

		_, err = p.Execute()
		assert.ErrorIs(t, err, ErrClosed)
		assert.NoError(t, p.Close())
	})
	t.Run("QueueCloseReleasesExecuteSegment", func(t *testing.T) {
		q, _ := newTestQueue(t)
		p, err := q.Pretoucher()
		require.NoError(t, err)

		_, err = p.Execute()
		require.NoError(t, err)
		assert.True(t, q.SegmentInUse(startCycle))

		require.NoError(t, q.Close())
		assert.Zero(t, q.OutstandingRefs())
		assert.NoError(t, p.Close())
	})
}

// ============================================================================
// Close Tests
// ============================================================================

func TestClose(t *testing.T) {
	t.Run("Idempotent", func(t *testing.T) {
		q, _ := newTestQueue(t)
		require.NoError(t, q.Close())
		require.NoError(t, q.Close())
		assert.True(t, q.IsClosed())
	})

	t.Run("OperationsFailAfterClose", func(t *testing.T) {
		q, _ := newTestQueue(t)
		app := newAppender(t, q)
		appendStrings(t, app, "a")
		tl := newTailer(t, q)
		require.NoError(t, q.Close())

		_, err := app.Append(context.Background(), []byte("b"))
		assert.ErrorIs(t, err, ErrClosed)
		_, err = app.BeginWrite(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
		_, _, err = tl.Poll()
		assert.ErrorIs(t, err, ErrClosed)
		_, err = q.Tailer()
		assert.ErrorIs(t, err, ErrClosed)
		_, err = q.Appender()
		assert.ErrorIs(t, err, ErrClosed)
		_, err = q.Pretoucher()
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("WakesWaitingWriterAndLetsHandleFinish", func(t *testing.T) {
		q, _ := newTestQueue(t)
		app := newAppender(t, q)

		h, err := app.BeginWrite(context.Background())
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() {
			_, err := app.Append(context.Background(), []byte("waiting"))
			errCh <- err
		}()
		time.Sleep(20 * time.Millisecond)

		require.NoError(t, q.Close())
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("waiting writer not released by Close")
		}

		_, err = h.Write([]byte("late"))
		require.NoError(t, err)
		_, err = h.Finish()
		require.NoError(t, err)

		require.NoError(t, app.Close())
		assert.Zero(t, q.OutstandingRefs())
	})

	t.Run("NoOutstandingRefsAfterHandlesClose", func(t *testing.T) {
		q, clock := newTestQueue(t)
		app, err := q.Appender()
		require.NoError(t, err)
		appendStrings(t, app, "a")
		clock.Advance(time.Minute)
		appendStrings(t, app, "b")

		tl, err := q.Tailer()
		require.NoError(t, err)
		drain(t, tl)
		assert.Equal(t, 2, q.SegmentRefs(startCycle+1))
		assert.False(t, q.SegmentInUse(startCycle))

		require.NoError(t, app.Close())
		require.NoError(t, tl.Close())
		assert.Zero(t, q.OutstandingRefs())
	})
}

// ============================================================================
// Store Tests
// ============================================================================

func TestCyclesIgnoresForeignFiles(t *testing.T) {
	q, _ := newTestQueue(t)
	appendStrings(t, newAppender(t, q), "a")

	for _, name := range []string{"notes.txt", "junk.rqs", "20261015-1031.rqs.bak", ".20261015-1032.rqs.1234.tmp"} {
		require.NoError(t, os.WriteFile(filepath.Join(q.Dir(), name), []byte("x"), 0o644))
	}

	cycles, err := q.Cycles()
	require.NoError(t, err)
	assert.Equal(t, []int{startCycle}, cycles)

	first, ok, err := q.FirstCycle()
	require.NoError(t, err)
	require.True(t, ok)
	last, ok, err := q.LastCycle()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, last)

	_, err = q.Inspect(context.Background(), startCycle+7)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}


func TestStoreSharesOneMapping(t *testing.T) {
	q, _ := newTestQueue(t)
	const callers = 16

	segs := make([]*segment.Segment, callers)
	var wg sync.WaitGroup
	ready := make(chan struct{})
	for i := range segs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			seg, err := q.store.acquire(context.Background(), startCycle, true)
			assert.NoError(t, err)
			segs[i] = seg
		}(i)
	}
	close(ready)
	wg.Wait()

	for _, seg := range segs {
		require.NotNil(t, seg)
		assert.Same(t, segs[0], seg)
	}
	assert.Equal(t, callers, q.SegmentRefs(startCycle))

	for _, seg := range segs {
		q.store.release(seg)
	}
	assert.Zero(t, q.OutstandingRefs())

	cycles, err := q.Cycles()
	require.NoError(t, err)
	assert.Equal(t, []int{startCycle}, cycles)
}
