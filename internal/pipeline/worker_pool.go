package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkerPoolSize bounds concurrent inference and tracking work
const DefaultWorkerPoolSize = 4

// WorkerPool bounds how many processing steps run at once, across all
// cameras
type WorkerPool struct {
	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
}

// NewWorkerPool creates a pool running at most size steps concurrently
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkerPoolSize
	}
	return &WorkerPool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Do waits for a free slot and runs fn in the caller's goroutine. It
// returns ctx.Err() without running fn if ctx ends first.
func (p *WorkerPool) Do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	fn()
	return nil
}

// Size returns the pool capacity
func (p *WorkerPool) Size() int {
	return p.size
}

// InFlight returns the number of steps currently running
func (p *WorkerPool) InFlight() int {
	return int(p.inFlight.Load())
}
