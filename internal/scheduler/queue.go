package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop and Push after Close
var ErrQueueClosed = errors.New("task queue closed")

// Task is one game waiting for a worker
type Task struct {
	GameID int64
	JobID  *int64 // nil for standalone requests
}

// TaskQueue is an unbounded FIFO of tasks. It only caches what the store
// already records as in_progress, so losing it loses nothing.
type TaskQueue struct {
	mu     sync.Mutex
	items  []Task
	signal chan struct{}
	closed bool
}

// NewTaskQueue creates an empty queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{signal: make(chan struct{}, 1)}
}

// Push appends tasks and wakes a waiting worker
func (q *TaskQueue) Push(tasks ...Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, tasks...)
	q.wake()
	return nil
}

// Pop blocks until a task is available, ctx ends or the queue is closed
func (q *TaskQueue) Pop(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = Task{}
			q.items = q.items[1:]
			if len(q.items) > 0 {
				// Pass the wakeup on to the next waiter
				q.wake()
			}
			q.mu.Unlock()
			return t, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Task{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return Task{}, ctx.Err()
		}
	}
}

// Len returns the number of queued tasks
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every waiter. Queued tasks can still be popped.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.signal)
	}
}

// wake must be called with mu held
func (q *TaskQueue) wake() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
