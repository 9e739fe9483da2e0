package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/spoke-iam/pkg/async"
	"github.com/platinummonkey/spoke-iam/pkg/observability"
)

// WriterConfig configures the asynchronous audit writer
type WriterConfig struct {
	// QueueSize bounds the records waiting to be appended
	QueueSize int
	// AppendTimeout bounds a single Sink.Append
	AppendTimeout time.Duration
}

// DefaultWriterConfig returns a 1024 record queue and a 5s append timeout
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{QueueSize: 1024, AppendTimeout: 5 * time.Second}
}

// Writer consumes audit records on a single background goroutine. Emit never
// blocks: when the queue is full the record is dropped, logged and counted.
type Writer struct {
	sink    Sink
	config  WriterConfig
	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time

	queue     chan Record
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewWriter starts a writer appending to sink
func NewWriter(sink Sink, config WriterConfig, logger *logrus.Logger, metrics *observability.Metrics) *Writer {
	if logger == nil {
		logger = logrus.New()
	}
	defaults := DefaultWriterConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.AppendTimeout <= 0 {
		config.AppendTimeout = defaults.AppendTimeout
	}

	w := &Writer{
		sink:    sink,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		queue:   make(chan Record, config.QueueSize),
		done:    make(chan struct{}),
	}
	async.Go(logger, "audit writer", w.run)
	return w
}

// Emit queues rec for appending
func (w *Writer) Emit(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.now()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(rec, "writer closed")
		return
	}

	select {
	case w.queue <- rec:
	default:
		w.drop(rec, "queue full")
	}
}

// Close stops accepting records and waits for queued ones to be appended
// until ctx is done
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.WithField("pending", len(w.queue)).Warn("Audit writer closed before draining")
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.queue {
		w.write(rec)
	}
}

func (w *Writer) write(rec Record) {
	defer async.Recover(w.logger, "audit append")

	ctx, cancel := context.WithTimeout(context.Background(), w.config.AppendTimeout)
	defer cancel()

	if err := w.sink.Append(ctx, rec); err != nil {
		w.metrics.AuditRecord("failed")
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action_type":  string(rec.ActionType),
			"performed_by": rec.PerformedBy,
		}).Error("Failed to append audit record")
		return
	}
	w.metrics.AuditRecord("written")
}

func (w *Writer) drop(rec Record, reason string) {
	w.metrics.AuditRecord("dropped")
	w.logger.WithFields(logrus.Fields{
		"action_type":  string(rec.ActionType),
		"performed_by": rec.PerformedBy,
		"reason":       reason,
	}).Warn("Dropped audit record")
}
