// Package sessionq serializes asynchronous work per key. Tasks enqueued
// under the same key run in order and never overlap; across keys there is
// no limit on concurrency.
package sessionq

import (
	"context"
	"sync"
)

// Queue is a per-key FIFO executor.
type Queue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{tails: make(map[string]chan struct{})}
}

// Enqueue runs fn after all previously enqueued work for key has finished
// and returns fn's result. A failing fn is surfaced to its caller only;
// later tasks on the same key still run. ctx cancellation abandons the wait
// for a turn, but the slot is released only once the predecessor finishes,
// so ordering for later tasks is preserved.
func (q *Queue) Enqueue(ctx context.Context, key string, fn func(ctx context.Context) (string, error)) (string, error) {
	done := make(chan struct{})

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = done
	q.mu.Unlock()

	release := func() {
		close(done)
		q.mu.Lock()
		// Clear the tail only if we are still it, so the map does not grow
		// without bound on idle keys.
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Give up our turn without breaking the chain: successors may
			// only start once the predecessor has finished.
			go func() {
				<-prev
				release()
			}()
			return "", ctx.Err()
		}
	}

	defer release()
	return fn(ctx)
}

// Do is Enqueue for work without a string result.
func (q *Queue) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	_, err := q.Enqueue(ctx, key, func(ctx context.Context) (string, error) {
		return "", fn(ctx)
	})
	return err
}
