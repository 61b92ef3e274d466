// Package worker runs fire-and-forget side effects outside the request that
// triggered them.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTaskTimeout = 30 * time.Second

// Pool is a bounded executor. Tasks never see the caller's context, so a
// finished HTTP response does not cancel them.
type Pool struct {
	group       *errgroup.Group
	ctx         context.Context
	cancel      context.CancelFunc
	taskTimeout time.Duration
	dropped     atomic.Int64

	// mu orders TryGo against Shutdown's Wait.
	mu     sync.RWMutex
	closed bool
}

func New(concurrency int, taskTimeout time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{group: g, ctx: ctx, cancel: cancel, taskTimeout: taskTimeout}
}

// Submit schedules fn and reports whether it was accepted. A saturated or
// shut down pool drops the task and logs it.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		slog.Warn("worker: task dropped after shutdown", "task", name)
		return false
	}

	accepted := p.group.TryGo(func() error {
		ctx, cancel := context.WithTimeout(p.ctx, p.taskTimeout)
		defer cancel()

		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("worker: task panicked", "task", name, "panic", r)
			}
		}()

		if err := fn(ctx); err != nil {
			slog.Error("worker: task failed", "task", name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
			return nil
		}
		slog.Debug("worker: task finished", "task", name, "duration_ms", time.Since(start).Milliseconds())
		return nil
	})
	if !accepted {
		p.dropped.Add(1)
		slog.Warn("worker: pool saturated, task dropped", "task", name)
	}
	return accepted
}

// Dropped returns how many tasks were rejected because the pool was full.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Shutdown stops accepting tasks and waits for in-flight ones. When ctx
// expires first the remaining tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return errors.Join(errors.New("worker pool shutdown timed out"), ctx.Err())
	}
}
