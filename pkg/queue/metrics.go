package queue

import (
	"errors"
	"time"

	"github.com/marmos91/rollq/pkg/segment"
)

// Metrics receives queue instrumentation. A nil Metrics disables it.
//
// Implementations must be safe for concurrent use.
type Metrics interface {
	// ObserveAppend records a published entry.
	ObserveAppend(bytes int, duration time.Duration, buffered bool)

	// RecordAppendError records a failed append by reason ("torn", "full",
	// "storage", ...).
	RecordAppendError(reason string)

	// ObserveRead records an entry returned to a tailer.
	ObserveRead(bytes int)

	// RecordRoll records the write cycle moving from one cycle to another.
	RecordRoll(from, to int)

	// RecordSegmentOpen records a segment mapping, created or attached.
	RecordSegmentOpen(created bool)

	// SetOpenSegments records the number of mapped segments.
	SetOpenSegments(n int)

	// ObserveContention records how often a writer waited for the end of
	// the segment.
	ObserveContention(spins int)

	// RecordTornWrite records a writer giving up on a torn end header.
	RecordTornWrite()

	// ObservePretouch records one pretoucher pass.
	ObservePretouch(pages int, duration time.Duration, err error)
}

func appendErrorReason(err error) string {
	switch {
	case errors.Is(err, segment.ErrTornWrite):
		return "torn"
	case errors.Is(err, segment.ErrFull):
		return "full"
	case errors.Is(err, segment.ErrEntryTooLarge):
		return "too_large"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "storage"
	}
}
