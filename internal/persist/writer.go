// Package persist writes query results to the persistent store in the
// background so a query never waits on, or fails because of, the store.
package persist

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kalambet/feedbackd/internal/feedback"
)

const (
	DefaultQueueSize = 64
	// writeTimeout bounds a single UpsertMany call.
	writeTimeout = 30 * time.Second
)

var (
	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackd_persist_batches_total",
			Help: "Background upsert batches by outcome.",
		},
		[]string{"outcome"},
	)
	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackd_persist_records_total",
			Help: "Records handled by the background writer by outcome.",
		},
		[]string{"outcome"},
	)
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedbackd_persist_queue_depth",
		Help: "Batches waiting to be written.",
	})
)

// Upserter is the write side of the persistent store.
type Upserter interface {
	UpsertMany(ctx context.Context, records []feedback.Record) (succeeded, failed int, err error)
}

// Writer drains a bounded queue of record batches into the store.
type Writer struct {
	store  Upserter
	queue  chan []feedback.Record
	done   chan struct{}
	logger *slog.Logger
}

// NewWriter creates a Writer. If queueSize is <= 0, it defaults to 64 batches.
func NewWriter(store Upserter, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{
		store:  store,
		queue:  make(chan []feedback.Record, queueSize),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
}

// Submit enqueues a copy of records without blocking. It returns false and
// drops the batch when the queue is full.
func (w *Writer) Submit(records []feedback.Record) bool {
	if len(records) == 0 {
		return true
	}
	select {
	case w.queue <- feedback.CloneAll(records):
		queueDepth.Inc()
		return true
	default:
		batchesTotal.WithLabelValues("dropped").Inc()
		recordsTotal.WithLabelValues("dropped").Add(float64(len(records)))
		w.logger.Warn("persistence queue full, dropping batch", "records", len(records))
		return false
	}
}

// Pending returns the number of queued batches.
func (w *Writer) Pending() int {
	return len(w.queue)
}

// Done is closed when Run has returned and the queue is drained.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Run writes batches until ctx is cancelled, then drains what is already
// queued before returning.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drain(context.WithoutCancel(ctx))
			return
		case records := <-w.queue:
			queueDepth.Dec()
			w.write(ctx, records)
		}
	}
}

// RunOnce writes one queued batch if there is one. Returns true if a batch
// was processed (regardless of success/failure).
func (w *Writer) RunOnce(ctx context.Context) bool {
	select {
	case records := <-w.queue:
		queueDepth.Dec()
		w.write(ctx, records)
		return true
	default:
		return false
	}
}

func (w *Writer) drain(ctx context.Context) {
	n := 0
	for w.RunOnce(ctx) {
		n++
	}
	if n > 0 {
		w.logger.Info("persistence queue drained", "batches", n)
	}
}

func (w *Writer) write(ctx context.Context, records []feedback.Record) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	start := time.Now()
	ok, failed, err := w.store.UpsertMany(ctx, records)
	recordsTotal.WithLabelValues("ok").Add(float64(ok))
	recordsTotal.WithLabelValues("failed").Add(float64(failed))
	if err != nil {
		batchesTotal.WithLabelValues("failed").Inc()
		w.logger.Error("background upsert failed", "records", len(records), "failed", failed, "error", err)
		return
	}
	batchesTotal.WithLabelValues("ok").Inc()
	w.logger.Debug("background upsert complete", "records", ok, "duration", time.Since(start))
}
