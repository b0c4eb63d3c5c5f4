// Package writequeue implements the bounded, single-consumer channel
// that decouples ingestion from disk. The producer is the ingestion
// façade; the consumer is the batchwriter package.
package writequeue

import (
	"sync"

	"iris/internal/models"
)

const defaultCapacity = 1000

// Queue is a bounded multi-producer single-consumer channel of
// MetricsReport values. Enqueue never blocks: when the channel is
// full the caller is told to drop, never stalled.
type Queue struct {
	ch        chan models.MetricsReport
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New builds a Queue with the given capacity. A non-positive capacity
// falls back to the default of 1000.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{ch: make(chan models.MetricsReport, capacity)}
}

// TryEnqueue attempts a non-blocking send. It reports false if the
// queue was full, already closed, and the report was dropped.
func (q *Queue) TryEnqueue(report models.MetricsReport) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- report:
		return true
	default:
		return false
	}
}

// Receive exposes the consumer side for the BatchWriter.
func (q *Queue) Receive() <-chan models.MetricsReport {
	return q.ch
}

// Close closes the channel, signalling the consumer that no further
// reports will be enqueued. Safe to call more than once; later calls
// are no-ops, matching the BatchWriter shutdown path's idempotence
// requirement.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeOnce.Do(func() {
		q.closed = true
		close(q.ch)
	})
}

// Len reports the number of reports currently buffered, for logging
// queue depth on overload.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue's configured capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
