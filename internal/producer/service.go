package producer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"courier/internal/audit"
	"courier/internal/backpressure"
	"courier/internal/broker"
	"courier/internal/constants"
	"courier/internal/idempotency"
	"courier/internal/logger"
	apperrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/ratelimit"
)

// PublishResult is the synchronous outcome of a publish call.
type PublishResult struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// RequestPublisher is the slice of the broker publisher the producer
// needs.
type RequestPublisher interface {
	PublishRequestWithTTL(ctx context.Context, msg *models.Message, ttlMS int) error
}

var _ RequestPublisher = (*broker.Publisher)(nil)

// Service validates, stamps, and publishes request messages. P0 goes
// fire-and-forget; P1-P3 wait for a broker confirm and roll back the
// idempotency insert when the confirm fails.
type Service struct {
	confirmed     RequestPublisher
	fireAndForget RequestPublisher
	idempotency   *idempotency.Service
	backpressure  *backpressure.Controller
	audit         *audit.Writer
	limiter       *ratelimit.PublishLimiter
	logger        logger.Logger

	promotionTTL map[int]time.Duration
}

func NewService(
	confirmed, fireAndForget RequestPublisher,
	idem *idempotency.Service,
	bp *backpressure.Controller,
	auditWriter *audit.Writer,
	limiter *ratelimit.PublishLimiter,
	log logger.Logger,
) *Service {
	return &Service{
		confirmed:     confirmed,
		fireAndForget: fireAndForget,
		idempotency:   idem,
		backpressure:  bp,
		audit:         auditWriter,
		limiter:       limiter,
		logger:        log,
		promotionTTL:  constants.DefaultPromotionThresholds,
	}
}

// SetPromotionThresholds overrides the per-level promotion ages, used
// for orgs with custom ladders.
func (s *Service) SetPromotionThresholds(thresholds map[int]time.Duration) {
	if len(thresholds) > 0 {
		s.promotionTTL = thresholds
	}
}

// Publish runs the full producer pipeline for one message.
func (s *Service) Publish(ctx context.Context, msg *models.Message) (PublishResult, error) {
	start := time.Now()

	s.stamp(msg)
	ctx = logging.WithMessageID(logging.WithOrgID(ctx, msg.OrgID), msg.MessageID)

	if err := s.validate(msg); err != nil {
		metrics.ObservePublish(msg.Priority, "rejected", time.Since(start))
		return PublishResult{Reason: apperrors.Kind(err)}, err
	}

	if s.backpressure != nil {
		if err := s.backpressure.Allow(ctx, msg.OrgID, msg.Priority); err != nil {
			metrics.ObservePublish(msg.Priority, "backpressure_reject", time.Since(start))
			return PublishResult{Reason: apperrors.Kind(err)}, err
		}
	}

	if s.limiter != nil && msg.Priority != 0 {
		if !s.limiter.Allow(msg.OrgID, msg.UserID) {
			err := apperrors.ErrBackpressure.WithDetail("message", "org publish cap exceeded")
			metrics.ObservePublish(msg.Priority, "backpressure_reject", time.Since(start))
			return PublishResult{Reason: err.Code}, err
		}
	}

	inserted := false
	if msg.DedupKey != "" {
		first, err := s.idempotency.MarkAndCheck(ctx, msg.OrgID, msg.DedupKey)
		if err != nil {
			if msg.Priority == 0 {
				// P0 skips the durability gate rather than stall on a
				// broken store.
				s.logger.WarnwCtx(ctx, "Idempotency check skipped for P0 publish", "error", err)
			} else {
				metrics.ObservePublish(msg.Priority, "store_unavailable", time.Since(start))
				return PublishResult{Reason: apperrors.Kind(err)}, err
			}
		} else if !first {
			s.logger.InfowCtx(ctx, "Duplicate publish suppressed", "dedup_key", msg.DedupKey)
			metrics.ObservePublish(msg.Priority, "duplicate", time.Since(start))
			return PublishResult{Accepted: true, Duplicate: true, MessageID: msg.MessageID}, nil
		} else {
			inserted = true
		}
	}

	// P0 normally skips confirms to stay under its latency budget, but
	// an emergency-stage org keeps them so nothing is lost silently.
	confirmP0 := s.backpressure != nil && s.backpressure.StageFor(ctx, msg.OrgID) == backpressure.StageEmergency

	if err := s.publishToBroker(ctx, msg, confirmP0); err != nil {
		if inserted {
			s.idempotency.Release(ctx, msg.OrgID, msg.DedupKey)
		}
		metrics.ObservePublish(msg.Priority, "error", time.Since(start))
		return PublishResult{Reason: apperrors.Kind(err)}, err
	}

	if err := s.audit.RecordCreatedEnqueued(ctx, msg); err != nil {
		s.logger.WarnwCtx(ctx, "Audit write failed after publish", "error", err)
	}

	metrics.ObservePublish(msg.Priority, "ok", time.Since(start))
	return PublishResult{Accepted: true, MessageID: msg.MessageID}, nil
}

// PublishBatch publishes several messages, stopping at the first
// failure other than a backpressure rejection and reporting
// per-message results for the messages attempted so far.
func (s *Service) PublishBatch(ctx context.Context, msgs []*models.Message) ([]PublishResult, error) {
	results := make([]PublishResult, 0, len(msgs))
	for _, msg := range msgs {
		res, err := s.Publish(ctx, msg)
		results = append(results, res)
		if err != nil && !apperrors.Is(err, apperrors.ErrBackpressure) {
			return results, err
		}
	}
	return results, nil
}

func (s *Service) stamp(msg *models.Message) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.GoalID == "" {
		msg.GoalID = uuid.New().String()
	}
	if msg.TaskID == "" {
		msg.TaskID = uuid.New().String()
	}
	if msg.SchemaVersion == "" {
		msg.SchemaVersion = models.CurrentSchemaVersion
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.MaxRetries == 0 {
		msg.MaxRetries = constants.DefaultMaxRetries
	}
}

func (s *Service) validate(msg *models.Message) error {
	if err := models.ValidateMessage(msg); err != nil {
		return apperrors.Wrap(err, apperrors.ErrValidation)
	}
	if !models.SchemaVersionSupported(msg.SchemaVersion) {
		return apperrors.ErrUnsupportedSchema.WithDetail("version", msg.SchemaVersion)
	}
	return nil
}

func (s *Service) publishToBroker(ctx context.Context, msg *models.Message, confirmP0 bool) error {
	ttlMS := 0
	if threshold, ok := s.promotionTTL[msg.Priority]; ok {
		ttlMS = int(threshold / time.Millisecond)
	}

	if msg.Priority == 0 && !confirmP0 {
		return s.fireAndForget.PublishRequestWithTTL(ctx, msg, ttlMS)
	}
	return s.confirmed.PublishRequestWithTTL(ctx, msg, ttlMS)
}
