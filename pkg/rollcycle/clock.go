package rollcycle

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// TimeProvider is the source of time for every component of a queue.
type TimeProvider interface {
	Now() time.Time
}

// SystemTime reads the wall clock.
type SystemTime struct{}

// Now returns time.Now().
func (SystemTime) Now() time.Time { return time.Now() }

// SetTime is a manually driven TimeProvider. It is safe for concurrent use,
// so one instance can be shared by writers that advance it and readers that
// observe it.
type SetTime struct {
	nanos atomic.Int64
}

// NewSetTime returns a SetTime starting at t.
func NewSetTime(t time.Time) *SetTime {
	st := &SetTime{}
	st.Set(t)
	return st
}

// Now returns the current value.
func (s *SetTime) Now() time.Time {
	return time.Unix(0, s.nanos.Load()).UTC()
}

// Set moves the clock to t.
func (s *SetTime) Set(t time.Time) {
	s.nanos.Store(t.UnixNano())
}

// Advance moves the clock forward by d and returns the new time.
func (s *SetTime) Advance(d time.Duration) time.Time {
	return time.Unix(0, s.nanos.Add(int64(d))).UTC()
}

// Clock maps times from a TimeProvider onto cycles of a RollCycle counted
// from an epoch.
type Clock struct {
	rc       RollCycle
	epoch    time.Time
	provider TimeProvider
}

// NewClock creates a clock. A nil provider means SystemTime.
func NewClock(rc RollCycle, epoch time.Time, provider TimeProvider) *Clock {
	if provider == nil {
		provider = SystemTime{}
	}
	return &Clock{rc: rc, epoch: epoch.UTC(), provider: provider}
}

// RollCycle returns the clock's roll cycle.
func (c *Clock) RollCycle() RollCycle { return c.rc }

// Epoch returns the start of cycle 0.
func (c *Clock) Epoch() time.Time { return c.epoch }

// Provider returns the injected time source.
func (c *Clock) Provider() TimeProvider { return c.provider }

// CycleLength returns the length of one cycle.
func (c *Clock) CycleLength() time.Duration { return c.rc.Length }

// CurrentCycle returns the cycle the provider's current time falls in.
func (c *Clock) CurrentCycle() int {
	return c.CycleOf(c.provider.Now())
}

// CycleOf returns the cycle t falls in. Times before the epoch map to
// negative cycles, which queues refuse to write.
func (c *Clock) CycleOf(t time.Time) int {
	return int(floorDiv(t.Sub(c.epoch).Nanoseconds(), c.rc.Length.Nanoseconds()))
}

// CycleStart returns the first instant of cycle.
func (c *Clock) CycleStart(cycle int) time.Time {
	return c.epoch.Add(time.Duration(cycle) * c.rc.Length)
}

// FileName returns the segment file name of cycle.
func (c *Clock) FileName(cycle int) string {
	return c.CycleStart(cycle).UTC().Format(c.rc.Format) + FileSuffix
}

// ParseFileName returns the cycle encoded in a segment file name. Any
// directory part is ignored.
func (c *Clock) ParseFileName(name string) (int, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, FileSuffix) {
		return 0, fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	t, err := time.ParseInLocation(c.rc.Format, strings.TrimSuffix(base, FileSuffix), time.UTC)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadFileName, name, err)
	}
	// The layout truncates the cycle start when the epoch is not aligned
	// to it, so round up.
	d := t.Sub(c.epoch).Nanoseconds()
	return int(-floorDiv(-d, c.rc.Length.Nanoseconds())), nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
