// Package gate provides named admission gates that bound how many tasks may
// occupy a pipeline phase at once. Waiters are admitted in FIFO order.
package gate

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate bounds concurrent holders of a named resource class.
type Gate struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
}

// New constructs a gate admitting at most capacity concurrent holders.
// A capacity below one is treated as one.
func New(name string, capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// Name returns the gate's label for logging.
func (g *Gate) Name() string {
	return g.name
}

// Capacity returns the maximum number of concurrent holders.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}

// Acquire blocks until a slot is free or ctx is done. Waiters queue in
// arrival order so a burst of tasks cannot starve earlier ones.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire claims a slot without blocking.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release frees a slot claimed by Acquire or TryAcquire.
func (g *Gate) Release() {
	g.sem.Release(1)
}
