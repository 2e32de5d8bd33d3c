// Package worker runs post-commit side effects in the background without
// blocking the request that triggered them.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"inbox-service/queue"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("worker: pool closed")

// Pool spawns background tasks, bounds how many run at once and logs the
// outcome of every task.
type Pool struct {
	limiter *queue.Queue
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(concurrency int, log zerolog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		limiter: queue.New(concurrency),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go schedules fn and returns immediately.
func (p *Pool) Go(name string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Warn().Str("task", name).Msg("task rejected, pool closed")
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		started := time.Now()
		err := p.limiter.Submit(func() error { return fn(p.ctx) })
		if err != nil {
			p.log.Error().Err(err).Str("task", name).Dur("took", time.Since(started)).Msg("background task failed")
			return
		}
		p.log.Debug().Str("task", name).Dur("took", time.Since(started)).Msg("background task done")
	}()
	return nil
}

// Wait blocks until every scheduled task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) Stats() queue.Stats {
	return p.limiter.Stats()
}

// Close stops accepting tasks and waits for running ones. When ctx expires
// first, the context handed to tasks is cancelled and ctx.Err is returned.
func (p *Pool) Close(ctx context.Context) error {
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
		return ctx.Err()
	}
}
