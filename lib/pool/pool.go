// Package pool runs jobs on a fixed number of goroutines.
package pool

import (
	"context"
	"log"
	"sync"
)

// Pool is a fixed-size goroutine pool with a bounded input queue.
type Pool[T any] struct {
	name    string
	queue   chan T
	process func(ctx context.Context, t T) error
	wg      sync.WaitGroup

	mu     sync.Mutex
	failed int
}

// New creates and starts a pool with n goroutines and a queue of n jobs. Errors returned by fn are logged and
// counted.
func New[T any](ctx context.Context, name string, n int, fn func(context.Context, T) error) *Pool[T] {
	if n <= 0 {
		n = 1
	}

	p := &Pool[T]{name: name, queue: make(chan T, n), process: fn}

	for i := 0; i < n; i++ {
		p.wg.Add(1)

		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}

	return p
}

func (p *Pool[T]) run(ctx context.Context) {
	for t := range p.queue {
		if ctx.Err() != nil {
			continue // drain the queue
		}

		if err := p.process(ctx, t); err != nil {
			log.Printf("[%s] job %v failed: %v", p.name, t, err)

			p.mu.Lock()
			p.failed++
			p.mu.Unlock()
		}
	}
}

// Submit enqueues a job, blocking while the queue is full. It returns false when ctx is done.
func (p *Pool[T]) Submit(ctx context.Context, t T) bool {
	select {
	case p.queue <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// Wait closes the queue, waits for all workers to finish and returns the number of failed jobs. The pool can't
// be used afterwards.
func (p *Pool[T]) Wait() int {
	close(p.queue)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.failed
}

// Each runs fn for every item on n goroutines and returns the number of failures.
func Each[T any](ctx context.Context, name string, n int, items []T, fn func(context.Context, T) error) int {
	p := New(ctx, name, n, fn)

	for _, t := range items {
		if !p.Submit(ctx, t) {
			break
		}
	}

	return p.Wait()
}
