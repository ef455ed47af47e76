package audit

import (
	"context"
	"sync"
	"time"

	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/internal/store"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/retry"
)

// terminalEvents must be durably recorded before the triggering
// delivery is acked; they are never dropped under store degradation.
var terminalEvents = map[string]bool{
	constants.EventCompleted:  true,
	constants.EventDeadLetter: true,
}

// Sink is the slice of the event store the writer needs.
type Sink interface {
	AppendEvents(ctx context.Context, events []models.MessageEventRecord) error
	UpsertMessage(ctx context.Context, rec models.MessageRecord) error
	InsertDLQ(ctx context.Context, rec models.DLQRecord) error
}

var _ Sink = (*store.Store)(nil)

// Writer batches lifecycle events to the event store. A batch flushes
// when it reaches the size threshold or the flush interval elapses,
// whichever comes first; batches are transactional and never
// reordered.
type Writer struct {
	store    Sink
	logger   logger.Logger
	redactor *Redactor

	flushSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []models.MessageEventRecord

	wake chan struct{}
	done chan struct{}
}

func NewWriter(st Sink, cfg config.AuditConfig, log logger.Logger) *Writer {
	flushSize := cfg.FlushSize
	if flushSize <= 0 {
		flushSize = constants.AuditFlushSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = constants.AuditFlushInterval
	}

	return &Writer{
		store:         st,
		logger:        log,
		redactor:      NewRedactor(RedactionLevel(cfg.RedactionLevel)),
		flushSize:     flushSize,
		flushInterval: flushInterval,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Emit queues one event for the next batch. Redaction happens here,
// before the event leaves the producing component.
func (w *Writer) Emit(ev models.MessageEventRecord) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Details = w.redactor.Details(ev.Details)

	w.mu.Lock()
	w.pending = append(w.pending, ev)
	full := len(w.pending) >= w.flushSize
	w.mu.Unlock()

	if full {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// EmitEvent is shorthand for the common message/org/type triple.
func (w *Writer) EmitEvent(messageID, orgID, eventType string, details map[string]interface{}) {
	w.Emit(models.MessageEventRecord{
		MessageID: messageID,
		OrgID:     orgID,
		EventType: eventType,
		Details:   details,
	})
}

// EmitTerminal records a terminal event synchronously, flushing any
// queued events first so ordering is preserved.
func (w *Writer) EmitTerminal(ctx context.Context, ev models.MessageEventRecord) error {
	w.Emit(ev)
	return w.FlushNow(ctx)
}

// UpsertStatus writes the message status snapshot directly; snapshots
// are idempotent by message_id so they bypass the batch.
func (w *Writer) UpsertStatus(ctx context.Context, rec models.MessageRecord) error {
	rec.Payload = w.redactor.Payload(rec.Payload)
	return w.store.UpsertMessage(ctx, rec)
}

// Run drives the flush loop until the context ends, then drains.
func (w *Writer) Run(ctx context.Context) error {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			err := w.FlushNow(drainCtx)
			cancel()
			if err != nil {
				w.logger.Errorw("Audit drain failed on shutdown", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			w.flushWithRetry(ctx)
		case <-w.wake:
			w.flushWithRetry(ctx)
		}
	}
}

// FlushNow flushes synchronously without retry, for callers that need
// the durability guarantee before proceeding.
func (w *Writer) FlushNow(ctx context.Context) error {
	batch := w.take()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := w.store.AppendEvents(ctx, batch); err != nil {
		w.requeue(batch)
		return err
	}
	metrics.AuditFlushSize.Observe(float64(len(batch)))
	metrics.AuditFlushDuration.Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

func (w *Writer) flushWithRetry(ctx context.Context) {
	batch := w.take()
	if len(batch) == 0 {
		return
	}

	policy := retry.Policy{
		MaxAttempts:     4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
	}

	start := time.Now()
	err := retry.Retry(ctx, policy, func() error {
		return w.store.AppendEvents(ctx, batch)
	})
	if err != nil {
		// Store outage: keep terminal events for the next pass, shed
		// the rest so the buffer cannot grow without bound.
		kept := batch[:0]
		for _, ev := range batch {
			if terminalEvents[ev.EventType] {
				kept = append(kept, ev)
			} else {
				metrics.AuditDroppedTotal.WithLabelValues(ev.EventType).Inc()
			}
		}
		w.requeue(kept)
		w.logger.Errorw("Audit flush failed, degraded to terminal events only",
			"batch_size", len(batch),
			"kept", len(kept),
			"error", err,
		)
		return
	}

	metrics.AuditFlushSize.Observe(float64(len(batch)))
	metrics.AuditFlushDuration.Observe(float64(time.Since(start).Milliseconds()))
}

func (w *Writer) take() []models.MessageEventRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch := w.pending
	w.pending = nil
	return batch
}

// requeue puts a failed batch back at the front so order holds across
// retries.
func (w *Writer) requeue(batch []models.MessageEventRecord) {
	if len(batch) == 0 {
		return
	}
	w.mu.Lock()
	w.pending = append(append([]models.MessageEventRecord{}, batch...), w.pending...)
	w.mu.Unlock()
}

// PendingCount reports buffered events, used by tests and shutdown
// checks.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
