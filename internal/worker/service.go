package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"courier/internal/audit"
	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/internal/poison"
	"courier/internal/store"
	apperrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/retry"
	"courier/pkg/tracing"
)

const errorHistoryKey = "error_history"

// Publisher is the slice of the broker publisher the worker needs.
type Publisher interface {
	ResponsePublisher
	ScheduleRetry(ctx context.Context, msg *models.Message, delayMS int) error
	PublishToDLQ(ctx context.Context, orgID string, msg *models.Message, reason string) error
}

var _ Publisher = (*broker.Publisher)(nil)

// Service consumes one org request queue. Concurrency is bounded twice:
// broker-side by prefetch and in-process by a counting semaphore, so
// effective parallelism is min(prefetch, concurrency). Messages from
// different agents run in parallel; ordering across agents is
// best-effort.
type Service struct {
	orgID    string
	workerID string
	cfg      config.WorkerConfig

	consumer  *broker.Consumer
	publisher Publisher
	registry  *Registry
	audit     *audit.Writer
	poison    *poison.Service
	store     *store.Store
	logger    logger.Logger

	retryDelaysMS []int
	sem           *semaphore.Weighted
	inflight      sync.WaitGroup
}

func NewService(
	orgID, workerID string,
	cfg config.WorkerConfig,
	consumer *broker.Consumer,
	publisher Publisher,
	registry *Registry,
	auditWriter *audit.Writer,
	poisonSvc *poison.Service,
	st *store.Store,
	retryDelaysMS []int,
	log logger.Logger,
) *Service {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = constants.DefaultConcurrency
	}
	return &Service{
		orgID:         orgID,
		workerID:      workerID,
		cfg:           cfg,
		consumer:      consumer,
		publisher:     publisher,
		registry:      registry,
		audit:         auditWriter,
		poison:        poisonSvc,
		store:         st,
		logger:        log,
		retryDelaysMS: retryDelaysMS,
		sem:           semaphore.NewWeighted(int64(concurrency)),
	}
}

// Run consumes until the context ends, then drains in-flight handlers
// for the shutdown grace period.
func (s *Service) Run(ctx context.Context) error {
	deliveries, err := s.consumer.Consume(ctx, constants.OrgRequestQueue(s.orgID), s.workerID)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case d, ok := <-deliveries:
			if !ok {
				s.inflight.Wait()
				return fmt.Errorf("delivery channel closed for org %s", s.orgID)
			}
			if err := s.sem.Acquire(ctx, 1); err != nil {
				_ = d.Nack(false, true)
				return s.shutdown()
			}
			s.inflight.Add(1)
			go func(d amqp.Delivery) {
				defer s.inflight.Done()
				defer s.sem.Release(1)
				s.handleDelivery(d)
			}(d)
		}
	}
}

func (s *Service) shutdown() error {
	_ = s.consumer.Cancel()

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warnw("Shutdown grace expired with handlers in flight", "org_id", s.orgID)
	}
	return nil
}

func (s *Service) handleDelivery(d amqp.Delivery) {
	start := time.Now()

	base := context.Background()
	base = tracing.ExtractTraceContext(base, d.Headers)
	base = logging.WithServiceName(logging.WithOrgID(base, s.orgID), "worker")

	msg, err := models.MessageFromJSON(d.Body)
	if err != nil || msg.MessageID == "" {
		s.logger.ErrorwCtx(base, "Dropping undecodable delivery", "error", err)
		_ = d.Ack(false)
		return
	}

	ctx := logging.WithMessageID(base, msg.MessageID)
	if msg.AgentID != "" {
		ctx = logging.WithAgentID(ctx, msg.AgentID)
	}

	metrics.DequeueTotal.WithLabelValues(s.orgID, string(msg.Type)).Inc()

	if err := s.audit.RecordDequeuedProcessing(ctx, msg, s.workerID); err != nil {
		s.logger.WarnwCtx(ctx, "Audit write failed on dequeue", "error", err)
	}

	if msg.Expired(time.Now()) {
		s.deadLetter(ctx, d, msg, "expired", apperrors.ErrPermanentUpstream.Code, "message expired before processing")
		return
	}

	// Redeliveries of already-completed work collapse here; the status
	// row is the arbiter for replays caused by a lost ack.
	if d.Redelivered {
		if status, err := s.store.GetMessageStatus(ctx, msg.MessageID); err == nil && status == constants.StatusCompleted {
			if err := s.audit.RecordDuplicateSkipped(ctx, msg, msg.EffectiveDedupKey()); err != nil {
				s.logger.WarnwCtx(ctx, "Audit write failed on duplicate skip", "error", err)
			}
			_ = d.Ack(false)
			return
		}
	}

	// The counter is bumped before the handler runs so repeated
	// crash-before-ack deliveries accumulate; threshold crossers are
	// quarantined without invoking the handler.
	dedupKey := msg.EffectiveDedupKey()
	failCount, quarantine := s.poison.Record(ctx, s.orgID, dedupKey)
	if quarantine {
		s.quarantine(ctx, d, msg, failCount)
		return
	}

	em := newEmitter(s.publisher, s.orgID, msg)
	if err := em.EmitAck(ctx, "processing"); err != nil {
		s.logger.WarnwCtx(ctx, "Acknowledgment frame failed", "error", err)
	}

	result, handlerErr := s.invokeHandler(ctx, msg, em)

	if handlerErr == nil {
		s.complete(ctx, d, msg, em, result, start)
		return
	}

	s.fail(ctx, d, msg, em, handlerErr, start)
}

func (s *Service) invokeHandler(ctx context.Context, msg *models.Message, em *emitter) (result json.RawMessage, err error) {
	timeout := s.cfg.HandlerTimeout
	if msg.ResourceLimits != nil && msg.ResourceLimits.TimeoutMS > 0 {
		timeout = time.Duration(msg.ResourceLimits.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Long-running handlers get a liveness frame on a fixed cadence
	// until they finish or emit their own progress.
	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(constants.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-progressDone:
				return
			case <-ticker.C:
				if !em.Terminated() {
					_ = em.EmitProgress(handlerCtx, -1, "in_progress")
				}
			}
		}
	}()
	defer close(progressDone)

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
			s.logger.ErrorwCtx(ctx, "Panic recovered in handler", "error", err)
		}
	}()

	handler := s.registry.Lookup(msg.Type)
	result, err = handler.Handle(handlerCtx, msg, func(resp models.Response) error {
		return em.Emit(handlerCtx, resp)
	})
	if err == nil && handlerCtx.Err() != nil {
		err = handlerCtx.Err()
	}
	return result, err
}

func (s *Service) complete(ctx context.Context, d amqp.Delivery, msg *models.Message, em *emitter, result json.RawMessage, start time.Time) {
	if !em.Terminated() {
		if result == nil {
			result = json.RawMessage("null")
		}
		if err := em.EmitResult(ctx, result); err != nil {
			s.logger.ErrorwCtx(ctx, "Result frame failed", "error", err)
			s.fail(ctx, d, msg, em, apperrors.Wrap(err, apperrors.ErrTransientIO), start)
			return
		}
	}

	if err := s.audit.RecordCompleted(ctx, msg, s.workerID); err != nil {
		// Terminal events must be durable before the ack; leave the
		// message unacked so the broker redelivers it.
		s.logger.ErrorwCtx(ctx, "Completed event not durable, leaving delivery unacked", "error", err)
		_ = d.Nack(false, true)
		return
	}

	s.poison.Clear(ctx, s.orgID, msg.EffectiveDedupKey())
	_ = d.Ack(false)
	metrics.ObserveHandler(string(msg.Type), "success", time.Since(start))
	s.logger.InfowCtx(ctx, "Message completed", "type", msg.Type)
}

func (s *Service) fail(ctx context.Context, d amqp.Delivery, msg *models.Message, em *emitter, handlerErr error, start time.Time) {
	kind := ClassifyHandlerError(handlerErr)
	policy := retry.PolicyForKind(kind)

	appendFailure(msg, models.FailureEntry{
		Kind:       kind,
		Detail:     handlerErr.Error(),
		RetryCount: msg.RetryCount,
		Worker:     s.workerID,
		OccurredAt: time.Now().UTC(),
	})

	maxRetries := s.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = constants.DefaultMaxRetries
	}
	decision := retry.Decide(kind, msg.Priority, msg.RetryCount, msg.EffectiveMaxRetries(maxRetries), msg.NoDemote, s.retryDelaysMS)

	if !decision.ShouldRetry {
		if !em.Terminated() {
			_ = em.EmitError(ctx, kind, handlerErr.Error(), false)
		}
		s.deadLetter(ctx, d, msg, constants.DLQReasonMaxRetries, kind, handlerErr.Error())
		metrics.ObserveHandler(string(msg.Type), "dead_letter", time.Since(start))
		return
	}

	fromPriority := msg.Priority
	msg.Priority = decision.NextPriority
	msg.RetryCount = decision.NextRetryCount

	if err := s.publisher.ScheduleRetry(ctx, msg, decision.DelayMS); err != nil {
		s.logger.ErrorwCtx(ctx, "Retry scheduling failed, leaving delivery unacked", "error", err)
		msg.Priority = fromPriority
		msg.RetryCount = decision.NextRetryCount - 1
		_ = d.Nack(false, true)
		return
	}

	if err := s.audit.RecordFailedThenRetry(ctx, msg, kind, handlerErr.Error(), decision.DelayMS, fromPriority); err != nil {
		s.logger.WarnwCtx(ctx, "Audit write failed on retry", "error", err)
	}

	metrics.RetryTotal.WithLabelValues(kind, string(policy.Strategy)).Inc()
	if msg.Priority != fromPriority {
		metrics.IncDemotion(fromPriority, msg.Priority)
	}
	metrics.ObserveHandler(string(msg.Type), "retry", time.Since(start))

	_ = d.Ack(false)
	s.logger.InfowCtx(ctx, "Retry scheduled",
		"error_kind", kind,
		"delay_ms", decision.DelayMS,
		"retry_count", msg.RetryCount,
		"priority", msg.Priority,
	)
}

func (s *Service) deadLetter(ctx context.Context, d amqp.Delivery, msg *models.Message, reason, kind, detail string) {
	if err := s.publisher.PublishToDLQ(ctx, s.orgID, msg, reason); err != nil {
		s.logger.ErrorwCtx(ctx, "DLQ publish failed, leaving delivery unacked", "error", err)
		_ = d.Nack(false, true)
		return
	}

	history := failureHistory(msg)
	if len(history) == 0 {
		history = []models.FailureEntry{{
			Kind:       kind,
			Detail:     detail,
			RetryCount: msg.RetryCount,
			Worker:     s.workerID,
			OccurredAt: time.Now().UTC(),
		}}
	}

	if err := s.audit.RecordDeadLetter(ctx, msg, reason, history); err != nil {
		s.logger.ErrorwCtx(ctx, "Dead letter event not durable, leaving delivery unacked", "error", err)
		_ = d.Nack(false, true)
		return
	}

	metrics.DLQInsertsTotal.WithLabelValues(s.orgID, reason).Inc()
	_ = d.Ack(false)
	s.logger.WarnwCtx(ctx, "Message dead-lettered", "reason", reason, "error_kind", kind)
}

func (s *Service) quarantine(ctx context.Context, d amqp.Delivery, msg *models.Message, failCount int) {
	if err := s.publisher.PublishToDLQ(ctx, s.orgID, msg, constants.DLQReasonPoison); err != nil {
		s.logger.ErrorwCtx(ctx, "Poison DLQ publish failed, leaving delivery unacked", "error", err)
		_ = d.Nack(false, true)
		return
	}

	if err := s.audit.RecordQuarantined(ctx, msg, failCount, failureHistory(msg)); err != nil {
		s.logger.ErrorwCtx(ctx, "Quarantine event not durable, leaving delivery unacked", "error", err)
		_ = d.Nack(false, true)
		return
	}

	metrics.PoisonQuarantinedTotal.WithLabelValues(string(msg.Type)).Inc()
	metrics.DLQInsertsTotal.WithLabelValues(s.orgID, constants.DLQReasonPoison).Inc()
	_ = d.Ack(false)
	s.logger.ErrorwCtx(ctx, "Poison message quarantined",
		"dedup_key", msg.EffectiveDedupKey(),
		"fail_count", failCount,
	)
}

// appendFailure accumulates the attempt history inside the message
// context so it survives broker round-trips to retry queues.
func appendFailure(msg *models.Message, entry models.FailureEntry) {
	if msg.Context == nil {
		msg.Context = make(map[string]interface{})
	}
	raw, _ := json.Marshal(entry)
	var generic map[string]interface{}
	_ = json.Unmarshal(raw, &generic)

	history, _ := msg.Context[errorHistoryKey].([]interface{})
	msg.Context[errorHistoryKey] = append(history, generic)
}

func failureHistory(msg *models.Message) []models.FailureEntry {
	if msg.Context == nil {
		return nil
	}
	raw, err := json.Marshal(msg.Context[errorHistoryKey])
	if err != nil {
		return nil
	}
	var history []models.FailureEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil
	}
	return history
}
