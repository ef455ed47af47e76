package promotion

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"courier/internal/audit"
	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

// Scheduler escalates aged messages one priority class at a time.
// Messages are published with a per-message TTL equal to their level's
// promotion threshold; if one is still queued when the TTL fires, the
// broker dead-letters it to the promotion exchange and this scheduler
// republishes it one class higher. Single-consumer processing keeps
// messages of the same original class in order.
type Scheduler struct {
	orgID     string
	consumer  *broker.Consumer
	publisher *broker.Publisher
	audit     *audit.Writer
	logger    logger.Logger

	thresholds map[int]time.Duration
}

func NewScheduler(
	orgID string,
	consumer *broker.Consumer,
	publisher *broker.Publisher,
	auditWriter *audit.Writer,
	cfg config.PromotionConfig,
	log logger.Logger,
) *Scheduler {
	thresholds := constants.DefaultPromotionThresholds
	if override, ok := cfg.Overrides[orgID]; ok {
		thresholds = map[int]time.Duration{}
		for level, fallback := range constants.DefaultPromotionThresholds {
			thresholds[level] = fallback
		}
		if override.P3 > 0 {
			thresholds[3] = override.P3
		}
		if override.P2 > 0 {
			thresholds[2] = override.P2
		}
		if override.P1 > 0 {
			thresholds[1] = override.P1
		}
	}

	return &Scheduler{
		orgID:      orgID,
		consumer:   consumer,
		publisher:  publisher,
		audit:      auditWriter,
		logger:     log,
		thresholds: thresholds,
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	deliveries, err := s.consumer.Consume(ctx, constants.OrgPromotionReadyQueue(s.orgID), fmt.Sprintf("promoter-%s", s.orgID))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = s.consumer.Cancel()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("promotion delivery channel closed for org %s", s.orgID)
			}
			s.handle(ctx, d)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, d amqp.Delivery) {
	msg, err := models.MessageFromJSON(d.Body)
	if err != nil || msg.MessageID == "" {
		s.logger.Errorw("Dropping undecodable promotion delivery", "error", err)
		_ = d.Ack(false)
		return
	}

	ctx = logging.WithMessageID(logging.WithOrgID(ctx, s.orgID), msg.MessageID)

	// Only TTL expiry means the message aged in the queue. Anything
	// else that dead-letters here goes to the DLQ rather than being
	// promoted.
	if deathReason(d.Headers) != "expired" {
		if err := s.publisher.PublishToDLQ(ctx, s.orgID, msg, constants.DLQReasonUnreachable); err != nil {
			s.logger.ErrorwCtx(ctx, "Reroute to DLQ failed", "error", err)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	from := msg.Priority
	to := from - 1
	if to < 0 {
		to = 0
	}

	var ageMS int64
	if enqueued, ok := models.HeaderInt(map[string]interface{}(d.Headers), models.HeaderEnqueuedAt); ok {
		ageMS = time.Now().UnixMilli() - int64(enqueued)
	}

	msg.Priority = to
	ttlMS := 0
	if threshold, ok := s.thresholds[to]; ok {
		ttlMS = int(threshold / time.Millisecond)
	}

	if err := s.publisher.PublishRequestWithTTL(ctx, msg, ttlMS); err != nil {
		s.logger.ErrorwCtx(ctx, "Promotion republish failed", "error", err)
		msg.Priority = from
		_ = d.Nack(false, true)
		return
	}

	s.audit.RecordPromoted(msg.MessageID, s.orgID, from, to, ageMS)
	metrics.IncPromotion(from, to)
	_ = d.Ack(false)

	s.logger.InfowCtx(ctx, "Message promoted",
		"from", from,
		"to", to,
		"age_ms", ageMS,
	)
}

func deathReason(headers amqp.Table) string {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return ""
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return ""
	}
	reason, _ := first["reason"].(string)
	return reason
}
