// Package memory provides the in-process run queue feeding crawl workers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/metrics"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = crawler.ErrQueueClosed

// Queue is a bounded FIFO of crawl runs. Closing it unblocks every waiting
// producer; consumers drain what is buffered and then get ErrClosed.
type Queue struct {
	ch     chan crawler.QueueItem
	closed chan struct{}
	once   sync.Once
}

// NewQueue constructs a queue holding up to capacity runs.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:     make(chan crawler.QueueItem, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue adds a run, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.closed:
		return ErrClosed
	case q.ch <- item:
		metrics.SetQueueDepth(len(q.ch))
		return nil
	}
}

// Dequeue pops the next run, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		metrics.SetQueueDepth(len(q.ch))
		return item, nil
	case <-q.closed:
		select {
		case item := <-q.ch:
			metrics.SetQueueDepth(len(q.ch))
			return item, nil
		default:
			return crawler.QueueItem{}, ErrClosed
		}
	}
}

// Len reports the number of buffered runs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. It is safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}
