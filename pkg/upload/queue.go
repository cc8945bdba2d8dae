package upload

import (
	"context"
	"sync"

	"github.com/ethpandaops/cloudarchive/pkg/status"
)

// Queue is an unbounded FIFO of tasks. Push never blocks; Pop blocks until a
// task is available or the context ends.
type Queue struct {
	mu       sync.Mutex
	items    []Task
	signal   chan struct{}
	registry *status.Registry
}

// NewQueue creates an empty queue that reports enqueue and dequeue counts to
// registry.
func NewQueue(registry *status.Registry) *Queue {
	return &Queue{
		signal:   make(chan struct{}, 1),
		registry: registry,
	}
}

// Push appends task and counts it in the registry.
func (q *Queue) Push(task Task) {
	q.mu.Lock()
	q.items = append(q.items, task)
	// Counted under the queue lock so a concurrent Pop cannot start the
	// task before it is counted.
	q.registry.TaskEnqueued()
	q.mu.Unlock()

	q.notify()
}

// Pop removes and returns the oldest task.
func (q *Queue) Pop(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = Task{}
			q.items = q.items[1:]
			q.registry.TaskStarted()
			remaining := len(q.items)
			q.mu.Unlock()

			// Wake another waiter when work is left.
			if remaining > 0 {
				q.notify()
			}

			return task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// size returns the number of queued tasks.
func (q *Queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
