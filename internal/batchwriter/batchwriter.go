// Package batchwriter drains the write queue and turns it into
// batched, transactional writes against the persistence layer. It is
// the sole writer of the on-disk store, run as a single goroutine so
// that bbolt's single-writer model is never contended.
package batchwriter

import (
	"context"
	"log/slog"
	"time"

	"iris/internal/models"
	"iris/internal/persist"
	"iris/internal/writequeue"
)

// Writer accumulates reports off a writequeue.Queue and flushes them
// to a persist.Layer in batches, triggered by whichever of batch size
// or batch timeout (counted from the batch's first report) is reached
// first.
type Writer struct {
	queue   *writequeue.Queue
	layer   *persist.Layer
	log     *slog.Logger
	size    int
	timeout time.Duration

	done chan struct{}
}

// New builds a Writer. batchSize and batchTimeout come straight from
// process configuration; non-positive values fall back to the
// defaults of 50 reports / 5 seconds.
func New(queue *writequeue.Queue, layer *persist.Layer, log *slog.Logger, batchSize int, batchTimeout time.Duration) *Writer {
	if batchSize <= 0 {
		batchSize = 50
	}
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	return &Writer{
		queue:   queue,
		layer:   layer,
		log:     log.With("module", "batchwriter"),
		size:    batchSize,
		timeout: batchTimeout,
		done:    make(chan struct{}),
	}
}

// Run drains the queue until it is closed or ctx is cancelled,
// flushing whenever the batch reaches size or the timeout fires,
// whichever comes first. It flushes any partial batch before
// returning, then closes done.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	batch := make([]models.MetricsReport, 0, w.size)
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.layer.WriteBatch(batch); err != nil {
			w.log.Error("batch commit failed, batch dropped", "count", len(batch), "error", err)
		} else {
			w.log.Info("batch committed", "count", len(batch), "elapsed", time.Since(start))
		}
		batch = make([]models.MetricsReport, 0, w.size)
	}

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.timeout)
	}

	for {
		select {
		case <-ctx.Done():
			w.drainRemaining(&batch)
			flush()
			return
		case report, ok := <-w.queue.Receive():
			if !ok {
				flush()
				return
			}
			if len(batch) == 0 {
				// the timeout counts from the first report of a batch
				resetTimer()
			}
			batch = append(batch, report)
			if len(batch) >= w.size {
				flush()
				resetTimer()
			}
		case <-timer.C:
			flush()
			timer.Reset(w.timeout)
		}
	}
}

// drainRemaining collects whatever is already buffered in the queue,
// without blocking, so shutdown flushes a maximally complete partial
// batch.
func (w *Writer) drainRemaining(batch *[]models.MetricsReport) {
	for {
		select {
		case report, ok := <-w.queue.Receive():
			if !ok {
				return
			}
			*batch = append(*batch, report)
		default:
			return
		}
	}
}

// Wait blocks until Run has returned, for orderly shutdown sequencing.
func (w *Writer) Wait() {
	<-w.done
}
