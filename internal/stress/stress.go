// Package stress runs concurrent writers and tailers against one queue
// while a shared clock forces frequent rolls, and checks that every tailer
// sees every entry exactly once and in order.
//
// Each entry carries the writer's timestamp followed by Copies copies of a
// global counter taken while the writer holds the end of the segment. The
// log order therefore matches counter order, so tailers expect each entry's
// counter to be exactly one more than the previous one.
package stress

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/rollq/internal/dump"
	"github.com/marmos91/rollq/internal/logger"
	"github.com/marmos91/rollq/internal/telemetry"
	"github.com/marmos91/rollq/pkg/queue"
	"github.com/marmos91/rollq/pkg/rollcycle"
)

var (
	// ErrCounterMismatch is returned when a tailer reads an entry whose
	// counter breaks the expected sequence.
	ErrCounterMismatch = errors.New("counter mismatch")

	// ErrReaderStuck is returned when a tailer stops making progress
	// before it has read every entry.
	ErrReaderStuck = errors.New("reader stuck")

	// ErrIncomplete is returned when the writers did not finish in time.
	ErrIncomplete = errors.New("writers did not finish")
)

// Options configures a run.
type Options struct {
	// Dir is the queue directory. Empty runs in a temporary directory
	// that is removed afterwards.
	Dir string

	// RollCycle of the queue. Default TEST_SECONDLY.
	RollCycle rollcycle.RollCycle

	Writers int
	Readers int

	// Messages is the number of entries to write across all writers.
	Messages int

	// Copies is the number of counter copies per entry. Default 18.
	Copies int

	// WriteLatency paces each writer to one entry per interval.
	WriteLatency time.Duration

	// RollEvery advances the shared clock by one cycle at this wall-clock
	// interval. Zero never rolls.
	RollEvery time.Duration

	// SharedQueue makes every writer use one queue instance. Otherwise
	// each writer, reader and the pretoucher open their own.
	SharedQueue bool

	// SharedAppender makes every writer use one appender.
	SharedAppender bool

	DoubleBuffer    bool
	Pretouch        bool
	ReadOnlyReaders bool

	// StallTimeout fails a reader that reads nothing for this long.
	StallTimeout time.Duration

	// Timeout bounds the whole run.
	Timeout time.Duration

	BlockSize       int64
	SegmentCapacity int64

	// Dump writes every segment to DumpTo after the run.
	Dump   bool
	DumpTo io.Writer

	Metrics queue.Metrics
}

// DefaultOptions returns the options of a short run.
func DefaultOptions() Options {
	return Options{
		RollCycle:    rollcycle.TestSecondly,
		Writers:      2,
		Readers:      2,
		Messages:     20000,
		Copies:       18,
		WriteLatency: 30 * time.Microsecond,
		RollEvery:    300 * time.Millisecond,
		StallTimeout: 5 * time.Second,
		Timeout:      time.Minute,

		BlockSize:       256 << 10,
		SegmentCapacity: 64 << 20,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.RollCycle.Name == "" {
		o.RollCycle = def.RollCycle
	}
	if o.Writers <= 0 {
		o.Writers = def.Writers
	}
	if o.Readers < 0 {
		o.Readers = 0
	}
	if o.Messages <= 0 {
		o.Messages = def.Messages
	}
	if o.Copies <= 0 {
		o.Copies = def.Copies
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = def.StallTimeout
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.BlockSize <= 0 {
		o.BlockSize = def.BlockSize
	}
	if o.SegmentCapacity <= 0 {
		o.SegmentCapacity = def.SegmentCapacity
	}
	if o.DumpTo == nil {
		o.DumpTo = os.Stdout
	}
}

// Report summarizes a run.
type Report struct {
	RunID    string
	Dir      string
	Writers  int
	Readers  int
	Written  uint64
	Read     []uint64
	Cycles   int
	Rolls    int
	Duration time.Duration
	Pretouch queue.PretouchStats
}

// WriteRate returns entries written per second.
func (r Report) WriteRate() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Written) / r.Duration.Seconds()
}

type run struct {
	opts  Options
	dir   string
	clock *rollcycle.SetTime

	counter  atomic.Uint64
	shared   *queue.Queue
	appender *queue.Appender

	mu     sync.Mutex
	queues []*queue.Queue
}

// Run executes a stress run and reports what happened. It returns the
// first failure, with the report filled in as far as the run got.
func Run(ctx context.Context, opts Options) (report Report, err error) {
	opts.applyDefaults()

	report = Report{
		RunID:   uuid.NewString(),
		Writers: opts.Writers,
		Readers: opts.Readers,
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanStressRun,
		append(telemetry.StressRun(report.RunID, opts.Writers, opts.Readers, opts.Messages),
			telemetry.RollCycle(opts.RollCycle.Name))...)
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		span.End()
	}()

	dir := opts.Dir
	if dir == "" {
		dir, err = os.MkdirTemp("", "rollq-stress-"+report.RunID[:8]+"-")
		if err != nil {
			return report, fmt.Errorf("failed to create stress directory: %w", err)
		}
		defer func() { _ = os.RemoveAll(dir) }()
	}
	report.Dir = dir

	r := &run{
		opts:  opts,
		dir:   dir,
		clock: rollcycle.NewSetTime(time.Now().UTC()),
	}
	defer r.closeQueues()

	// Create the queue up front so read-only readers find it.
	if r.shared, err = r.open(ctx, false); err != nil {
		return report, err
	}
	if opts.SharedAppender {
		if r.appender, err = r.shared.Appender(); err != nil {
			return report, err
		}
	}

	logger.InfoCtx(ctx, "Stress run started",
		"run_id", report.RunID,
		logger.QueueDir(dir),
		logger.RollCycle(opts.RollCycle.Name),
		"writers", opts.Writers,
		"readers", opts.Readers,
		"messages", opts.Messages,
		"double_buffer", opts.DoubleBuffer)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	var pretoucher *queue.Pretoucher
	if opts.Pretouch {
		if pretoucher, err = r.startPretoucher(ctx); err != nil {
			return report, err
		}
	}

	writersDone := make(chan struct{})
	readErrs := make(chan error, opts.Readers)
	lastRead := make([]atomic.Uint64, opts.Readers)

	var readers sync.WaitGroup
	for i := 0; i < opts.Readers; i++ {
		readers.Add(1)
		go func(i int) {
			defer readers.Done()
			if err := r.read(ctx, &lastRead[i], writersDone); err != nil {
				readErrs <- fmt.Errorf("reader %d: %w", i, err)
				cancel()
			}
		}(i)
	}

	rollStop := make(chan struct{})
	rolls := make(chan int, 1)
	go func() { rolls <- r.roll(rollStop) }()

	writeErr := r.write(ctx)
	close(writersDone)
	close(rollStop)
	report.Rolls = <-rolls
	report.Written = r.counter.Load()

	readers.Wait()
	close(readErrs)
	report.Duration = time.Since(start)

	for i := range lastRead {
		report.Read = append(report.Read, lastRead[i].Load())
	}
	if pretoucher != nil {
		pretoucher.Stop()
		report.Pretouch = pretoucher.Stats()
	}
	if r.appender != nil {
		_ = r.appender.Close()
	}
	if cycles, cerr := r.shared.Cycles(); cerr == nil {
		report.Cycles = len(cycles)
	}

	if opts.Dump {
		r.dump()
	}

	// A reader failure cancels the writers, so report it first.
	if rerr, ok := <-readErrs; ok {
		return report, rerr
	}
	if writeErr != nil {
		return report, writeErr
	}

	logger.InfoCtx(ctx, "Stress run finished",
		"run_id", report.RunID,
		"written", report.Written,
		"cycles", report.Cycles,
		"rolls", report.Rolls,
		logger.DurationMs(report.Duration))
	return report, nil
}

func (r *run) queueConfig(readOnly bool) queue.Config {
	return queue.Config{
		RollCycle:       r.opts.RollCycle,
		TimeProvider:    r.clock,
		BlockSize:       r.opts.BlockSize,
		SegmentCapacity: r.opts.SegmentCapacity,
		DoubleBuffer:    r.opts.DoubleBuffer,
		ReadOnly:        readOnly,
		Metrics:         r.opts.Metrics,
	}
}

func (r *run) open(ctx context.Context, readOnly bool) (*queue.Queue, error) {
	q, err := queue.Open(ctx, r.dir, r.queueConfig(readOnly))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.queues = append(r.queues, q)
	r.mu.Unlock()
	return q, nil
}

func (r *run) closeQueues() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		_ = q.Close()
	}
	r.queues = nil
}

// writerQueue returns the queue a writer appends through.
func (r *run) writerQueue(ctx context.Context) (*queue.Queue, error) {
	if r.opts.SharedQueue || r.opts.SharedAppender {
		return r.shared, nil
	}
	return r.open(ctx, false)
}

// roll advances the shared clock one cycle every RollEvery until stop
// closes, and returns how often it did.
func (r *run) roll(stop <-chan struct{}) int {
	if r.opts.RollEvery <= 0 {
		return 0
	}
	ticker := time.NewTicker(r.opts.RollEvery)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-stop:
			return n
		case <-ticker.C:
			r.clock.Advance(r.opts.RollCycle.Length)
			n++
		}
	}
}

func (r *run) startPretoucher(ctx context.Context) (*queue.Pretoucher, error) {
	q := r.shared
	if !r.opts.SharedQueue {
		var err error
		if q, err = r.open(ctx, false); err != nil {
			return nil, err
		}
	}
	p, err := q.Pretoucher()
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// write runs the writers until Messages entries are written.
func (r *run) write(ctx context.Context) error {
	errs := make(chan error, r.opts.Writers)
	var wg sync.WaitGroup
	for i := 0; i < r.opts.Writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.writer(ctx); err != nil {
				errs <- fmt.Errorf("writer %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return err
	}
	if n := r.counter.Load(); n < uint64(r.opts.Messages) {
		return fmt.Errorf("%w: wrote %d of %d", ErrIncomplete, n, r.opts.Messages)
	}
	return nil
}

func (r *run) writer(ctx context.Context) error {
	app := r.appender
	if app == nil {
		q, err := r.writerQueue(ctx)
		if err != nil {
			return err
		}
		if app, err = q.Appender(); err != nil {
			return err
		}
		defer func() { _ = app.Close() }()
	}

	buf := make([]byte, 8+8*r.opts.Copies)
	start := time.Now()
	for i := 1; ; i++ {
		n, err := r.writeOne(ctx, app, buf)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if r.counter.Load() >= uint64(r.opts.Messages) {
					return nil
				}
				return fmt.Errorf("%w: %v", ErrIncomplete, err)
			}
			return err
		}
		if n >= uint64(r.opts.Messages) {
			return nil
		}
		if r.opts.WriteLatency > 0 {
			if d := time.Until(start.Add(time.Duration(i) * r.opts.WriteLatency)); d > 0 {
				time.Sleep(d)
			}
		}
	}
}

// writeOne appends one entry. The counter is taken after the write has
// started so that, in direct mode, counter order is log order.
func (r *run) writeOne(ctx context.Context, app *queue.Appender, buf []byte) (uint64, error) {
	h, err := app.BeginWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = h.Close() }()

	n := r.counter.Add(1)
	binary.LittleEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
	for c := 0; c < r.opts.Copies; c++ {
		binary.LittleEndian.PutUint64(buf[8+8*c:], n)
	}
	if _, err := h.Write(buf); err != nil {
		return 0, err
	}
	if _, err := h.Finish(); err != nil {
		return 0, err
	}
	return n, nil
}

// read tails the queue from the start and checks every entry until it has
// read everything the writers wrote.
func (r *run) read(ctx context.Context, last *atomic.Uint64, writersDone <-chan struct{}) error {
	q, err := r.open(ctx, r.opts.ReadOnlyReaders)
	if err != nil {
		return err
	}
	t, err := q.Tailer()
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	check := newChecker(r.opts.Copies, !r.opts.DoubleBuffer)
	lastProgress := time.Now()
	for {
		e, ok, err := t.Next()
		if err != nil {
			return err
		}
		if ok {
			if err := check.entry(e); err != nil {
				return err
			}
			last.Store(check.last)
			lastProgress = time.Now()
			continue
		}

		select {
		case <-writersDone:
			if check.count >= r.counter.Load() {
				return check.complete(r.counter.Load())
			}
		default:
		}
		if time.Since(lastProgress) > r.opts.StallTimeout {
			return fmt.Errorf("%w: last read %d after %s", ErrReaderStuck, check.last, r.opts.StallTimeout)
		}
		select {
		case <-ctx.Done():
			if check.count >= r.counter.Load() {
				return nil
			}
			return fmt.Errorf("%w: read %d of %d: %v", ErrReaderStuck, check.count, r.counter.Load(), ctx.Err())
		case <-time.After(50 * time.Microsecond):
		}
	}
}

func (r *run) dump() {
	cycles, err := r.shared.Cycles()
	if err != nil {
		logger.Warn("Stress dump failed", logger.Err(err))
		return
	}
	for _, c := range cycles {
		if _, err := dump.File(r.opts.DumpTo, filepath.Clean(r.shared.SegmentPath(c)), dump.DefaultOptions()); err != nil {
			logger.Warn("Stress dump failed", logger.Cycle(c), logger.Err(err))
		}
	}
}
