package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"courier/internal/constants"
	"courier/internal/logger"
	apperrors "courier/pkg/errors"
	"courier/pkg/models"
	"courier/pkg/tracing"
)

// Publisher writes messages to exchanges on a dedicated channel. In
// confirm mode every publish blocks on the broker acknowledgment;
// otherwise publishes are fire-and-forget.
type Publisher struct {
	client  *Client
	logger  logger.Logger
	confirm bool

	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(client *Client, log logger.Logger, confirm bool) *Publisher {
	return &Publisher{client: client, logger: log, confirm: confirm}
}

func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.client.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if p.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error {
	ch, err := p.channel(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrBrokerUnavailable)
	}

	pub.Headers = tracing.InjectTraceContext(ctx, pub.Headers)

	if p.confirm {
		conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, pub)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrBrokerUnavailable)
		}
		acked, err := conf.WaitContext(ctx)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrBrokerUnavailable)
		}
		if !acked {
			return apperrors.ErrBrokerUnavailable.WithDetail("message", "publish nacked by broker")
		}
		return nil
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		return apperrors.Wrap(err, apperrors.ErrBrokerUnavailable)
	}
	return nil
}

// PublishRequest places a request message on its org exchange at the
// mapped AMQP priority.
func (p *Publisher) PublishRequest(ctx context.Context, msg *models.Message) error {
	return p.PublishRequestWithTTL(ctx, msg, 0)
}

// PublishRequestWithTTL additionally sets a per-message TTL so an
// undelivered message hops to the promotion exchange when it expires.
func (p *Publisher) PublishRequestWithTTL(ctx context.Context, msg *models.Message, ttlMS int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := amqp.Table(models.EnvelopeHeaders(msg))
	headers[models.HeaderEnqueuedAt] = time.Now().UnixMilli()

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     constants.MapLogicalPriorityToAMQP(msg.Priority),
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	}
	if ttlMS > 0 {
		pub.Expiration = fmt.Sprintf("%d", ttlMS)
	}

	return p.publish(ctx, constants.OrgRequestExchange(msg.OrgID), constants.RequestRoutingKey, pub)
}

// PublishResponse routes a response frame to the org response exchange
// keyed by the target agent.
func (p *Publisher) PublishResponse(ctx context.Context, orgID string, resp models.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	return p.publish(ctx, constants.ResponseExchange(orgID), resp.AgentID, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			models.HeaderMessageID: resp.RequestID,
			models.HeaderAgentID:   resp.AgentID,
			models.HeaderType:      string(resp.Type),
		},
		Body: body,
	})
}

// ScheduleRetry parks a message in the holding queue for delayMS so
// the broker redelivers it to the org queue after the TTL expires.
func (p *Publisher) ScheduleRetry(ctx context.Context, msg *models.Message, delayMS int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return p.publish(ctx, constants.OrgRetryExchange(msg.OrgID), fmt.Sprintf("delay_%d", delayMS), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     constants.MapLogicalPriorityToAMQP(msg.Priority),
		Timestamp:    time.Now(),
		Headers:      amqp.Table(models.EnvelopeHeaders(msg)),
		Body:         body,
	})
}

// PublishToDLQ ships a terminal failure to the org dead-letter queue.
func (p *Publisher) PublishToDLQ(ctx context.Context, orgID string, msg *models.Message, reason string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := amqp.Table(models.EnvelopeHeaders(msg))
	headers["dlq_reason"] = reason

	return p.publish(ctx, constants.OrgDLX(orgID), constants.DeadRoutingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
}

// PublishBatch publishes a set of requests on the shared channel.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*models.Message) error {
	for _, msg := range msgs {
		if err := p.PublishRequest(ctx, msg); err != nil {
			return fmt.Errorf("batch publish failed at %s: %w", msg.MessageID, err)
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		err := p.ch.Close()
		p.ch = nil
		return err
	}
	return nil
}
