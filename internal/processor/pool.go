package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/MikeSquared-Agency/tally/internal/session"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Pool runs jobs with at most N in flight across all callers. Submit never
// blocks; queued jobs wait for a slot.
type Pool struct {
	sem    *semaphore.Weighted
	run    func(ctx context.Context, job session.Job)
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(workers int, run func(ctx context.Context, job session.Job), logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		run:    run,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Pool) Submit(_ context.Context, job session.Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.logger.Warn("job dropped at shutdown", "document_id", job.DocumentID)
			return
		}
		defer p.sem.Release(1)
		p.run(p.ctx, job)
	}()
	return nil
}

// Shutdown stops accepting jobs and waits for queued and running ones. When
// ctx ends first, the remaining jobs are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
