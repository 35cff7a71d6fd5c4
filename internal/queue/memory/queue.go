// Package memory provides the bounded in-process work queue for harvest runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.WorkItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan crawler.WorkItem, capacity),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
// Enqueue must not race with Close.
func (q *Queue) Enqueue(ctx context.Context, item crawler.WorkItem) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return crawler.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Once the
// queue is closed and drained it returns crawler.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.WorkItem, error) {
	select {
	case <-ctx.Done():
		return crawler.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return crawler.WorkItem{}, crawler.ErrQueueClosed
		}
		return item, nil
	}
}

// Close closes the underlying channel. Items already queued stay readable.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
