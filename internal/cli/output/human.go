package output

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// TimeFormat is used for absolute times in tables.
const TimeFormat = "2006-01-02 15:04:05"

// Bytes formats a size in IEC units, "64 MiB".
func Bytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

// Count formats an integer with thousands separators.
func Count(n uint64) string {
	return humanize.Comma(int64(n))
}

// Rate formats a per-second rate.
func Rate(perSecond float64) string {
	return humanize.CommafWithDigits(perSecond, 0) + "/s"
}

// Time formats t in local time followed by its age, "2026-10-15 10:30:00 (3 minutes ago)".
func Time(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format(TimeFormat), humanize.Time(t))
}

// Duration formats d as "3d 0h 30m 15s", dropping leading zero units.
// Durations under a second keep millisecond precision.
func Duration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}
