package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/rollq/internal/logger"
	"github.com/marmos91/rollq/pkg/segment"
)

// Pretoucher keeps the pages just ahead of the write position allocated
// and resident, so appenders do not stall on page faults or file growth.
// Each pass grows the current write segment to PretouchAhead bytes past
// its end and touches one word per page.
//
// Passes run on a ticker after Start, or on demand through Execute.
type Pretoucher struct {
	q *Queue

	mu    sync.Mutex // serialises passes
	seg   *segment.Segment
	cycle int

	lifeMu  sync.Mutex // guards cancel
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	passes atomic.Uint64
	pages  atomic.Uint64
	errs   atomic.Uint64
}

// PretouchStats summarises a pretoucher's work so far.
type PretouchStats struct {
	Passes uint64
	Pages  uint64
	Errors uint64
	Cycle  int
}

// Pretoucher returns a new pretoucher. Queue.Close stops it.
func (q *Queue) Pretoucher() (*Pretoucher, error) {
	if q.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return nil, ErrClosed
	}
	p := &Pretoucher{q: q, cycle: -1}
	q.pretouchers[p] = struct{}{}
	return p, nil
}

// Start runs passes every PretouchInterval until Stop, Close, the queue
// closing or ctx ending.
func (p *Pretoucher) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.q.closed.Load() {
		return ErrClosed
	}
	if !p.running.CompareAndSwap(false, true) {
		return ErrPretoucherRunning
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	logger.Info("Pretoucher started",
		logger.QueueDir(p.q.dir),
		logger.Interval(p.q.cfg.PretouchInterval),
		logger.Ahead(p.q.cfg.PretouchAhead))

	p.wg.Add(1)
	go p.run()
	return nil
}

// Stop ends the loop started by Start and waits for it to exit.
func (p *Pretoucher) Stop() {
	p.signalStop()
	p.wg.Wait()
}

func (p *Pretoucher) signalStop() {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// stopWithin stops the loop, waiting at most grace for it.
func (p *Pretoucher) stopWithin(grace time.Duration) {
	p.signalStop()

	exited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(grace):
		logger.Warn("Pretoucher did not stop within the close grace period",
			logger.QueueDir(p.q.dir), logger.DurationMs(grace))
	}
}

// Close stops the pretoucher and releases its segment.
func (p *Pretoucher) Close() error {
	p.Stop()

	p.q.mu.Lock()
	delete(p.q.pretouchers, p)
	p.q.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropSegment()
	return nil
}

// Stats returns the work done so far.
func (p *Pretoucher) Stats() PretouchStats {
	p.mu.Lock()
	cycle := p.cycle
	p.mu.Unlock()
	return PretouchStats{
		Passes: p.passes.Load(),
		Pages:  p.pages.Load(),
		Errors: p.errs.Load(),
		Cycle:  cycle,
	}
}

func (p *Pretoucher) run() {
	defer p.wg.Done()
	defer p.running.Store(false)
	defer func() {
		p.mu.Lock()
		p.dropSegment()
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.q.cfg.PretouchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.q.done:
			return
		case <-ticker.C:
			if _, err := p.Execute(); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				logger.Warn("Pretouch pass failed", logger.QueueDir(p.q.dir), logger.Err(err))
			}
		}
	}
}

// Execute runs one pass and returns the number of pages touched. It creates
// the segment of the current write cycle if it does not exist yet; the
// queue only rolls to it once a writer does.
func (p *Pretoucher) Execute() (int, error) {
	q := p.q
	if err := q.enter(); err != nil {
		return 0, err
	}
	defer q.leave()

	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	pages, err := p.pass()
	p.passes.Add(1)
	if err != nil {
		p.errs.Add(1)
	} else {
		p.pages.Add(uint64(pages))
	}
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.ObservePretouch(pages, time.Since(start), err)
	}
	return pages, err
}

func (p *Pretoucher) pass() (int, error) {
	cycle, err := p.q.writeCycle()
	if err != nil {
		return 0, err
	}
	if p.seg == nil || p.cycle != cycle {
		seg, err := p.q.store.acquire(context.Background(), cycle, true)
		if err != nil {
			return 0, err
		}
		p.dropSegment()
		p.seg, p.cycle = seg, cycle
		logger.Debug("Pretoucher moved to cycle", logger.Cycle(cycle))
	}

	from := p.seg.Tail().Offset
	pages, err := p.seg.Pretouch(from, p.q.cfg.PretouchAhead)
	if errors.Is(err, segment.ErrClosed) {
		return pages, ErrClosed
	}
	if err != nil {
		return pages, err
	}
	logger.Debug("Pretouch pass", logger.Cycle(cycle), logger.Offset(from), logger.Pages(pages))
	return pages, nil
}

func (p *Pretoucher) dropSegment() {
	if p.seg != nil {
		p.q.store.release(p.seg)
		p.seg = nil
	}
}
