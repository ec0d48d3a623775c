// Package bufpool provides tiered staging buffers for queue entries.
//
// Double-buffered appenders assemble each entry in a private buffer before
// they take the end of the segment, so the time spent holding it is a single
// copy. Buffers come from a small number of size classes (1Ki, 64Ki and 1Mi
// by default). Anything larger is allocated directly and never pooled.
//
//	buf := bufpool.Get(0)
//	buf = bufpool.Append(buf, header)
//	buf = bufpool.Append(buf, body)
//	// ... copy buf into the segment ...
//	bufpool.Put(buf)
package bufpool

import (
	"sort"
	"sync"
)

// Default buffer size classes.
const (
	DefaultSmallSize  = 1 << 10
	DefaultMediumSize = 64 << 10
	DefaultLargeSize  = 1 << 20
)

// Config overrides the class sizes. Zero fields keep their default.
type Config struct {
	SmallSize  int
	MediumSize int
	LargeSize  int
}

func DefaultConfig() Config {
	return Config{
		SmallSize:  DefaultSmallSize,
		MediumSize: DefaultMediumSize,
		LargeSize:  DefaultLargeSize,
	}
}

type class struct {
	size int
	pool sync.Pool
}

// Pool hands out byte slices from fixed-capacity classes, smallest first.
type Pool struct {
	classes []*class
}

// NewPool creates a buffer pool. A nil config uses the defaults.
func NewPool(cfg *Config) *Pool {
	c := DefaultConfig()
	if cfg != nil {
		c.SmallSize = orDefault(cfg.SmallSize, c.SmallSize)
		c.MediumSize = orDefault(cfg.MediumSize, c.MediumSize)
		c.LargeSize = orDefault(cfg.LargeSize, c.LargeSize)
	}

	sizes := []int{c.SmallSize, c.MediumSize, c.LargeSize}
	sort.Ints(sizes)

	p := &Pool{}
	for _, size := range sizes {
		if n := len(p.classes); n > 0 && p.classes[n-1].size == size {
			continue
		}
		cl := &class{size: size}
		cl.pool.New = func() any {
			b := make([]byte, cl.size)
			return &b
		}
		p.classes = append(p.classes, cl)
	}
	return p
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (p *Pool) classFor(size int) *class {
	for _, cl := range p.classes {
		if size <= cl.size {
			return cl
		}
	}
	return nil
}

// Get returns a slice of length size backed by the smallest class that fits.
// The caller should Put it back when done.
func (p *Pool) Get(size int) []byte {
	cl := p.classFor(size)
	if cl == nil {
		return make([]byte, size)
	}
	b := cl.pool.Get().(*[]byte)
	return (*b)[:size]
}

// Put recycles a buffer obtained from Get or Append. Buffers whose capacity
// matches no class are left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	c := cap(buf)
	for _, cl := range p.classes {
		if cl.size == c {
			full := buf[:c]
			cl.pool.Put(&full)
			return
		}
	}
}

// Append appends data to buf. When buf runs out of capacity its content
// moves to a buffer of the next class that fits and the old one is recycled.
func (p *Pool) Append(buf, data []byte) []byte {
	n := len(buf) + len(data)
	if n <= cap(buf) {
		return append(buf, data...)
	}
	grown := p.Get(n)
	copy(grown[copy(grown, buf):], data)
	p.Put(buf)
	return grown
}

var global = NewPool(nil)

// Get, Put and Append use the process-wide pool.
func Get(size int) []byte { return global.Get(size) }
func Put(buf []byte) { global.Put(buf) }
func Append(buf, data []byte) []byte { return global.Append(buf, data) }
