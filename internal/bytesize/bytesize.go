// Package bytesize parses and prints the human sizes used for segment
// capacity, block size and pretouch look-ahead: "64Mi", "4GiB", "256KB" or a
// plain byte count.
package bytesize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes. Binary suffixes (Ki, Mi, Gi, Ti, with or
// without a trailing B) multiply by 1024; decimal ones (K, M, G, T, KB, ...)
// by 1000. Suffixes are case-insensitive.
type ByteSize uint64

const (
	B  ByteSize = 1
	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
	TiB ByteSize = 1024 * GiB
)

var units = map[string]ByteSize{
	"": B, "b": B,
	"k": KB, "kb": KB, "m": MB, "mb": MB, "g": GB, "gb": GB, "t": TB, "tb": TB,
	"ki": KiB, "kib": KiB, "mi": MiB, "mib": MiB, "gi": GiB, "gib": GiB, "ti": TiB, "tib": TiB,
}

// ParseByteSize parses s. Fractions are allowed with a unit ("1.5Gi") and
// truncated to whole bytes.
func ParseByteSize(s string) (ByteSize, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	i := strings.IndexFunc(t, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if i == -1 {
		i = len(t)
	}
	num, suffix := t[:i], strings.ToLower(strings.TrimSpace(t[i:]))
	if num == "" {
		return 0, fmt.Errorf("invalid byte size %q: missing number", s)
	}
	unit, ok := units[suffix]
	if !ok {
		return 0, fmt.Errorf("invalid byte size %q: unknown unit %q", s, t[i:])
	}

	if !strings.Contains(num, ".") {
		n, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
		}
		if n > math.MaxUint64/uint64(unit) {
			return 0, fmt.Errorf("invalid byte size %q: overflows 64 bits", s)
		}
		return ByteSize(n) * unit, nil
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	v := f * float64(unit)
	if v >= math.MaxUint64 {
		return 0, fmt.Errorf("invalid byte size %q: overflows 64 bits", s)
	}
	return ByteSize(v), nil
}

// MustParse is ParseByteSize for constants; it panics on error.
func MustParse(s string) ByteSize {
	b, err := ParseByteSize(s)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalText writes the short form so saved config files stay readable.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Set and Type make *ByteSize usable as a command-line flag value.
func (b *ByteSize) Set(s string) error { return b.UnmarshalText([]byte(s)) }
func (b *ByteSize) Type() string { return "bytesize" }

// String prints exact binary multiples in the form ParseByteSize accepts
// ("64Mi") and anything else rounded to two decimals ("1.50KiB").
func (b ByteSize) String() string {
	steps := []struct {
		size   ByteSize
		suffix string
	}{{TiB, "Ti"}, {GiB, "Gi"}, {MiB, "Mi"}, {KiB, "Ki"}}

	for _, u := range steps {
		if b >= u.size && b%u.size == 0 {
			return strconv.FormatUint(uint64(b/u.size), 10) + u.suffix
		}
	}
	for _, u := range steps {
		if b >= u.size {
			return fmt.Sprintf("%.2f%siB", float64(b)/float64(u.size), u.suffix[:1])
		}
	}
	return strconv.FormatUint(uint64(b), 10) + "B"
}

// Int64 converts to the signed sizes the queue options use. Values above
// math.MaxInt64 saturate.
func (b ByteSize) Int64() int64 {
	if uint64(b) > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(b)
}
