package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/marmos91/rollq/internal/logger"
	"github.com/marmos91/rollq/internal/telemetry"
	"github.com/marmos91/rollq/pkg/rollcycle"
	"github.com/marmos91/rollq/pkg/segment"
)

// storeEntry is one mapped segment shared by every handle of this process.
type storeEntry struct {
	seg     *segment.Segment
	refs    int
	writers int
}

// store maps segments on demand and unmaps them when the last reference is
// released. Handles in one process share one mapping per cycle.
type store struct {
	dir     string
	clock   *rollcycle.Clock
	opts    segment.Options
	metrics Metrics

	mu   sync.Mutex
	segs map[int]*storeEntry
}

func newStore(dir string, clock *rollcycle.Clock, opts segment.Options, m Metrics) *store {
	return &store{
		dir:     dir,
		clock:   clock,
		opts:    opts,
		metrics: m,
		segs:    make(map[int]*storeEntry),
	}
}

func (st *store) path(cycle int) string {
	return filepath.Join(st.dir, st.clock.FileName(cycle))
}

// acquire returns the segment of cycle with one reference taken. With create
// set a missing segment is created; otherwise ErrSegmentNotFound is returned.
//
// The file is created or mapped without holding the lock. When two callers
// race to map the same cycle the first to register wins and the other
// unmaps its copy.
func (st *store) acquire(ctx context.Context, cycle int, create bool) (*segment.Segment, error) {
	if seg := st.shared(cycle); seg != nil {
		return seg, nil
	}

	path := st.path(cycle)
	var (
		seg     *segment.Segment
		created bool
		err     error
	)
	if create && !st.opts.ReadOnly {
		seg, created, err = st.create(ctx, cycle, path)
	} else {
		seg, err = segment.Open(path, st.opts)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: cycle %d (%s)", ErrSegmentNotFound, cycle, path)
		}
	}
	if err != nil {
		return nil, err
	}
	if seg.Cycle() != cycle {
		seg.Close()
		return nil, fmt.Errorf("%w: %s holds cycle %d, want %d", segment.ErrCycleMismatch, path, seg.Cycle(), cycle)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.segs[cycle]; ok {
		e.refs++
		if err := seg.Close(); err != nil {
			logger.Warn("Failed to close duplicate mapping", logger.Cycle(cycle), logger.Err(err))
		}
		return e.seg, nil
	}
	st.segs[cycle] = &storeEntry{seg: seg, refs: 1}
	if st.metrics != nil {
		st.metrics.RecordSegmentOpen(created)
		st.metrics.SetOpenSegments(len(st.segs))
	}
	return seg, nil
}

// shared takes a reference on the mapping of cycle if this process has one.
func (st *store) shared(cycle int) *segment.Segment {
	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.segs[cycle]; ok {
		e.refs++
		return e.seg
	}
	return nil
}

func (st *store) create(ctx context.Context, cycle int, path string) (*segment.Segment, bool, error) {
	ctx, span := telemetry.StartSegmentSpan(ctx, telemetry.SpanSegmentCreate, cycle, path)
	defer span.End()

	seg, created, err := segment.Create(path, cycle, st.opts)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, false, err
	}
	span.SetAttributes(telemetry.Created(created))
	if created {
		logger.InfoCtx(ctx, "Segment created", logger.Cycle(cycle), logger.Path(path))
	} else {
		logger.DebugCtx(ctx, "Segment attached", logger.Cycle(cycle), logger.Path(path))
	}
	return seg, created, nil
}

// retain takes another reference on a segment returned by acquire.
func (st *store) retain(seg *segment.Segment) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.segs[seg.Cycle()].refs++
}

// release drops a reference. The last one syncs and unmaps the segment.
func (st *store) release(seg *segment.Segment) {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.segs[seg.Cycle()]
	if !ok || e.seg != seg {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(st.segs, seg.Cycle())
	if err := seg.Close(); err != nil {
		logger.Warn("Failed to close segment", logger.Cycle(seg.Cycle()), logger.Err(err))
	}
	if st.metrics != nil {
		st.metrics.SetOpenSegments(len(st.segs))
	}
}

func (st *store) beginWrite(seg *segment.Segment) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.segs[seg.Cycle()]; ok {
		e.writers++
	}
}

func (st *store) endWrite(seg *segment.Segment) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.segs[seg.Cycle()]; ok && e.writers > 0 {
		e.writers--
	}
}

func (st *store) writers(cycle int) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.segs[cycle]; ok {
		return e.writers
	}
	return 0
}

func (st *store) refs(cycle int) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.segs[cycle]; ok {
		return e.refs
	}
	return 0
}

func (st *store) outstanding() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, e := range st.segs {
		n += e.refs
	}
	return n
}

// cycles lists the cycles with a segment file in the directory, ascending.
func (st *store) cycles() ([]int, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue directory: %w", err)
	}
	var cycles []int
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != rollcycle.FileSuffix {
			continue
		}
		c, err := st.clock.ParseFileName(e.Name())
		if err != nil || c < 0 || st.clock.FileName(c) != e.Name() {
			continue
		}
		cycles = append(cycles, c)
	}
	slices.Sort(cycles)
	return cycles, nil
}

// nextCycle returns the first existing cycle at or after from.
func (st *store) nextCycle(from int) (int, bool, error) {
	cycles, err := st.cycles()
	if err != nil {
		return 0, false, err
	}
	i, _ := slices.BinarySearch(cycles, from)
	if i == len(cycles) {
		return 0, false, nil
	}
	return cycles[i], true, nil
}
