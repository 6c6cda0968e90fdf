package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/logger"
)

// DefaultWorkers leaves one CPU for the controlling goroutine.
func DefaultWorkers() int {
	return max(runtime.NumCPU()-1, 1)
}

// Pool is a fixed set of worker goroutines that run pure evaluations. Work
// is submitted in batches through Map; Close stops the workers and waits
// for them.
type Pool struct {
	size int
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan task
	g      *errgroup.Group
}

type task struct {
	ctx context.Context
	b   *batch
	i   int
}

type batch struct {
	fn   func(i int) error
	errs []error
	wg   sync.WaitGroup
}

// OpenPool starts size workers; size < 1 means DefaultWorkers.
func OpenPool(size int, l *slog.Logger) *Pool {
	if size < 1 {
		size = DefaultWorkers()
	}
	p := &Pool{
		size: size,
		log:  logger.Or(l),
		jobs: make(chan task),
		g:    new(errgroup.Group),
	}
	for w := 0; w < size; w++ {
		p.g.Go(p.work)
	}
	p.log.Info("sampler.pool.open", "workers", size)
	return p
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) work() error {
	for t := range p.jobs {
		t.b.run(t)
	}
	return nil
}

func (b *batch) run(t task) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.errs[t.i] = fiterr.Newf("sampler.Pool", fiterr.KindResource, "worker panic: %v", r)
		}
	}()
	if err := t.ctx.Err(); err != nil {
		b.errs[t.i] = err
		return
	}
	b.errs[t.i] = b.fn(t.i)
}

// Map calls fn(i) for i in [0, n) on the workers and waits for all of
// them. The first error by index is returned; results written by fn for
// other indices are the caller's to discard.
func (p *Pool) Map(ctx context.Context, n int, fn func(i int) error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fiterr.New("sampler.Pool", fiterr.KindResource, fiterr.ErrPoolClosed)
	}
	b := &batch{fn: fn, errs: make([]error, n)}
	b.wg.Add(n)
	sent := 0
submit:
	for ; sent < n; sent++ {
		select {
		case p.jobs <- task{ctx: ctx, b: b, i: sent}:
		case <-ctx.Done():
			break submit
		}
	}
	p.mu.RUnlock()
	for i := sent; i < n; i++ {
		b.errs[i] = ctx.Err()
		b.wg.Done()
	}
	b.wg.Wait()

	for i, err := range b.errs {
		if err == nil {
			continue
		}
		if fiterr.KindOf(err) != "" {
			return err
		}
		return fiterr.Newf("sampler.Pool", fiterr.KindResource, "task %d: %w", i, err)
	}
	return nil
}

// Close stops accepting work and joins the workers. It is safe to call
// more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	if err := p.g.Wait(); err != nil {
		return fmt.Errorf("sampler: joining pool: %w", err)
	}
	p.log.Info("sampler.pool.close", "workers", p.size)
	return nil
}
