// Package admission implements the process-wide backpressure gate
// bounding concurrent file transfers and their aggregate in-flight
// byte budget.
//
// The policy is deliberately simple: no priority and no per-block
// budgeting. A transfer is admitted while fewer than the maximum
// transfers are active AND the reserved bytes are below the budget, so
// a single transfer larger than the whole budget is still admitted
// when the queue is otherwise idle.
package admission

import (
	"context"
	"sync"

	"github.com/ProtonDriveApps/sdk-sub001/constants"
	"github.com/ProtonDriveApps/sdk-sub001/sdkerrors"
)

// Queue is the admission gate. The zero value is not usable; use
// NewQueue.
type Queue struct {
	mu            sync.Mutex
	maxTransfers  int
	maxBytes      int64
	active        int
	inFlightBytes int64
	waiters       []chan struct{}
}

// NewQueue creates a gate admitting up to maxTransfers concurrent
// transfers and maxBytes aggregate declared size. Non-positive values
// fall back to the defaults.
func NewQueue(maxTransfers int, maxBytes int64) *Queue {
	if maxTransfers <= 0 {
		maxTransfers = constants.MaxConcurrentTransfers
	}
	if maxBytes <= 0 {
		maxBytes = constants.MaxInFlightBytes
	}
	return &Queue{maxTransfers: maxTransfers, maxBytes: maxBytes}
}

// Acquire blocks until capacity is available, then reserves it and
// returns the reservation. If ctx fires while waiting, Acquire returns
// a Cancelled error and nothing is reserved.
func (q *Queue) Acquire(ctx context.Context, expectedBytes int64) (*Reservation, error) {
	for {
		q.mu.Lock()
		if q.active < q.maxTransfers && q.inFlightBytes < q.maxBytes {
			q.active++
			q.inFlightBytes += expectedBytes
			q.mu.Unlock()
			return &Reservation{queue: q, bytes: expectedBytes}, nil
		}

		wake := make(chan struct{})
		q.waiters = append(q.waiters, wake)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.removeWaiter(wake)
			return nil, sdkerrors.NewCancelled("acquire transfer slot", ctx.Err())
		case <-wake:
		}
	}
}

// release restores capacity and wakes every waiter; each re-checks the
// admission predicate under the lock.
func (q *Queue) release(bytes int64) {
	q.mu.Lock()
	q.active--
	q.inFlightBytes -= bytes
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

func (q *Queue) removeWaiter(wake chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == wake {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Stats reports current occupancy, useful for diagnostics.
type Stats struct {
	ActiveTransfers int
	InFlightBytes   int64
	PendingAcquires int
}

// GetStats returns a snapshot of the queue state.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		ActiveTransfers: q.active,
		InFlightBytes:   q.inFlightBytes,
		PendingAcquires: len(q.waiters),
	}
}

// Reservation is the capacity held by one admitted transfer. Its
// lifetime is tied 1:1 to the transfer; Release is idempotent so
// cleanup paths may call it unconditionally without leaking capacity
// across transfers.
type Reservation struct {
	queue *Queue
	bytes int64
	once  sync.Once
}

// Release returns the reserved capacity. Safe to call more than once.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.queue.release(r.bytes)
	})
}
