// Package worker serializes work per key while letting keys run
// concurrently. The bot uses it to process one chat's updates in order;
// a shared semaphore bounds how many chats execute at once.
package worker

import (
	"context"
	"sync"
)

type Pool[J any] struct {
	ctx    context.Context
	sem    chan struct{}
	handle func(context.Context, J)

	mu      sync.Mutex
	workers map[int64]chan J
	buffer  int
}

// NewPool starts an empty pool. maxConcurrent bounds simultaneously running
// handlers across all keys; buffer is the per-key job queue depth.
func NewPool[J any](ctx context.Context, maxConcurrent, buffer int, handle func(context.Context, J)) *Pool[J] {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if buffer <= 0 {
		buffer = 16
	}
	return &Pool[J]{
		ctx:     ctx,
		sem:     make(chan struct{}, maxConcurrent),
		handle:  handle,
		workers: make(map[int64]chan J),
		buffer:  buffer,
	}
}

// Enqueue routes the job to the key's worker goroutine, starting one on
// first use. Blocks while the key's queue is full; returns the context error
// once the pool or caller context is done.
func (p *Pool[J]) Enqueue(ctx context.Context, key int64, job J) error {
	if ctx == nil {
		ctx = p.ctx
	}
	jobs := p.workerFor(key)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	case jobs <- job:
		return nil
	}
}

func (p *Pool[J]) workerFor(key int64) chan J {
	p.mu.Lock()
	defer p.mu.Unlock()
	if jobs, ok := p.workers[key]; ok {
		return jobs
	}
	jobs := make(chan J, p.buffer)
	p.workers[key] = jobs
	go p.run(jobs)
	return jobs
}

func (p *Pool[J]) run(jobs <-chan J) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			select {
			case p.sem <- struct{}{}:
			case <-p.ctx.Done():
				return
			}
			func() {
				defer func() { <-p.sem }()
				p.handle(p.ctx, job)
			}()
		}
	}
}
