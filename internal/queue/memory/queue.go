// Package memory provides the bounded in-process job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// Queue is a bounded FIFO of job ids. Enqueue never blocks.
type Queue struct {
	ch     chan extract.QueueItem
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a queue holding at most capacity pending jobs.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan extract.QueueItem, capacity)}
}

// Enqueue adds item or fails immediately with extract.ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, item extract.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return extract.ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return extract.ErrQueueFull
	}
}

// Dequeue waits for the next item or for ctx to end.
func (q *Queue) Dequeue(ctx context.Context) (extract.QueueItem, error) {
	select {
	case <-ctx.Done():
		return extract.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return extract.QueueItem{}, extract.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops intake. Pending items can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
