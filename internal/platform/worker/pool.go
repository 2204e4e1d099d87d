// Package worker runs fire-and-forget tasks with optional concurrency bounds.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Go after Shutdown has started.
var ErrClosed = errors.New("worker pool is closed")

// Pool schedules tasks on their own goroutines. Submitting never blocks the
// caller: when the pool is bounded, tasks wait for a slot on their goroutine.
type Pool struct {
	sem *semaphore.Weighted // nil when unbounded
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool returns a pool running at most size tasks at once.
// size <= 0 means unbounded.
func NewPool(size int, log *slog.Logger) *Pool {
	p := &Pool{log: log}
	if size > 0 {
		p.sem = semaphore.NewWeighted(int64(size))
	}
	return p
}

// Go schedules task. A panic inside task is recovered and logged so it never
// takes down the process.
func (p *Pool) Go(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if p.sem != nil {
			// Acquire only fails on context cancellation.
			_ = p.sem.Acquire(context.Background(), 1)
			defer p.sem.Release(1)
		}
		p.run(task)
	}()
	return nil
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil && p.log != nil {
			p.log.Error("worker task panicked",
				slog.String("error", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	task()
}

// Wait blocks until every scheduled task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones until ctx is done.
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
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
