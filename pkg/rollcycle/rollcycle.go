// Package rollcycle maps timestamps onto the time-bounded cycles a queue is
// partitioned into, names the per-cycle segment files and packs the global
// (cycle, sequence) index.
package rollcycle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FileSuffix is the extension of segment files.
const FileSuffix = ".rqs"

var (
	// ErrUnknownRollCycle is returned by ByName for names that match no predefined cycle.
	ErrUnknownRollCycle = errors.New("unknown roll cycle")

	// ErrBadFileName is returned when a file name does not encode a cycle.
	ErrBadFileName = errors.New("not a segment file name")
)

// RollCycle describes how long a cycle lasts and how its segment file is named.
//
// Format is a time layout applied to the cycle start in UTC. Its granularity
// must not be coarser than Length so that file names map back to exactly one
// cycle.
type RollCycle struct {
	Name   string
	Length time.Duration
	Format string

	// IndexSpacing is the number of entries between two sparse index slots.
	IndexSpacing uint32
	// IndexSlots is the number of sparse index slots reserved per segment.
	IndexSlots uint32
}

// Predefined roll cycles.
var (
	TestSecondly = RollCycle{Name: "TEST_SECONDLY", Length: time.Second, Format: "20060102-150405", IndexSpacing: 4, IndexSlots: 4096}
	Minutely     = RollCycle{Name: "MINUTELY", Length: time.Minute, Format: "20060102-1504", IndexSpacing: 16, IndexSlots: 8192}
	FiveMinutely = RollCycle{Name: "FIVE_MINUTELY", Length: 5 * time.Minute, Format: "20060102-1504", IndexSpacing: 16, IndexSlots: 16384}
	Hourly       = RollCycle{Name: "HOURLY", Length: time.Hour, Format: "20060102-15", IndexSpacing: 64, IndexSlots: 16384}
	Daily        = RollCycle{Name: "DAILY", Length: 24 * time.Hour, Format: "20060102", IndexSpacing: 64, IndexSlots: 65536}
)

// All lists the predefined roll cycles, shortest first.
func All() []RollCycle {
	return []RollCycle{TestSecondly, Minutely, FiveMinutely, Hourly, Daily}
}

// ByName returns the predefined roll cycle with the given name (case-insensitive).
func ByName(name string) (RollCycle, error) {
	for _, rc := range All() {
		if strings.EqualFold(rc.Name, name) {
			return rc, nil
		}
	}
	return RollCycle{}, fmt.Errorf("%w: %q", ErrUnknownRollCycle, name)
}

// Names returns the names of the predefined roll cycles.
func Names() []string {
	all := All()
	names := make([]string, len(all))
	for i, rc := range all {
		names[i] = rc.Name
	}
	return names
}

func (rc RollCycle) String() string {
	return rc.Name
}

// Validate checks that the roll cycle is usable.
func (rc RollCycle) Validate() error {
	if rc.Length < time.Millisecond {
		return fmt.Errorf("roll cycle %q: length %s is below 1ms", rc.Name, rc.Length)
	}
	if rc.Format == "" {
		return fmt.Errorf("roll cycle %q: empty file name format", rc.Name)
	}
	if rc.IndexSpacing == 0 || rc.IndexSpacing&(rc.IndexSpacing-1) != 0 {
		return fmt.Errorf("roll cycle %q: index spacing %d is not a power of two", rc.Name, rc.IndexSpacing)
	}
	if rc.IndexSlots == 0 {
		return fmt.Errorf("roll cycle %q: no index slots", rc.Name)
	}
	return nil
}
