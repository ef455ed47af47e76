package topology

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"courier/internal/broker"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/pkg/retry"
)

// TopologyError reports the broker resources a declaration pass could
// not create.
type TopologyError struct {
	Failed []string
	Cause  error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("topology declaration failed for [%s]: %v", strings.Join(e.Failed, ", "), e.Cause)
}

func (e *TopologyError) Unwrap() error {
	return e.Cause
}

// Manager declares broker state idempotently. Consumers must not be
// created for an org before DeclareOrg has succeeded.
type Manager struct {
	client *broker.Client
	logger logger.Logger

	retryDelaysMS []int
}

func NewManager(client *broker.Client, log logger.Logger) *Manager {
	delays := append([]int{}, constants.DefaultRetryDelaysMS...)
	delays = append(delays, constants.LinearRetryDelayMS, constants.RateLimitRetryDelayMS)
	return &Manager{
		client:        client,
		logger:        log,
		retryDelaysMS: delays,
	}
}

// RetryDelaysMS lists the declared holding-queue rungs.
func (m *Manager) RetryDelaysMS() []int {
	return append([]int{}, m.retryDelaysMS...)
}

// DeclareOrg sets up the request, retry, promotion, DLQ, and response
// topology for one organization, retrying with backoff on connection
// loss.
func (m *Manager) DeclareOrg(ctx context.Context, orgID string) error {
	policy := retry.Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}

	var topoErr *TopologyError
	err := retry.Retry(ctx, policy, func() error {
		topoErr = m.declareOrgOnce(ctx, orgID)
		if topoErr != nil {
			return topoErr
		}
		return nil
	})
	if err != nil {
		if topoErr != nil {
			return topoErr
		}
		return err
	}
	return nil
}

func (m *Manager) declareOrgOnce(ctx context.Context, orgID string) *TopologyError {
	ch, err := m.client.Channel(ctx)
	if err != nil {
		return &TopologyError{Failed: []string{constants.OrgRequestExchange(orgID)}, Cause: err}
	}
	defer ch.Close()

	var failed []string
	var firstErr error

	record := func(resource string, err error) {
		if err != nil {
			failed = append(failed, resource)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	reqExchange := constants.OrgRequestExchange(orgID)
	record(reqExchange, ch.ExchangeDeclare(reqExchange, amqp.ExchangeDirect, true, false, false, false, nil))

	promoExchange := constants.OrgPromotionExchange(orgID)
	record(promoExchange, ch.ExchangeDeclare(promoExchange, amqp.ExchangeDirect, true, false, false, false, nil))

	reqQueue := constants.OrgRequestQueue(orgID)
	_, err = ch.QueueDeclare(reqQueue, true, false, false, false, amqp.Table{
		"x-max-priority":         int32(constants.MaxAMQPPriority),
		"x-dead-letter-exchange": promoExchange,
	})
	record(reqQueue, err)
	record(reqQueue, ch.QueueBind(reqQueue, constants.RequestRoutingKey, reqExchange, false, nil))

	promoQueue := constants.OrgPromotionReadyQueue(orgID)
	_, err = ch.QueueDeclare(promoQueue, true, false, false, false, nil)
	record(promoQueue, err)
	record(promoQueue, ch.QueueBind(promoQueue, constants.RequestRoutingKey, promoExchange, false, nil))

	dlx := constants.OrgDLX(orgID)
	record(dlx, ch.ExchangeDeclare(dlx, amqp.ExchangeDirect, true, false, false, false, nil))

	dlq := constants.OrgDLQ(orgID)
	_, err = ch.QueueDeclare(dlq, true, false, false, false, nil)
	record(dlq, err)
	record(dlq, ch.QueueBind(dlq, constants.DeadRoutingKey, dlx, false, nil))

	retryExchange := constants.OrgRetryExchange(orgID)
	record(retryExchange, ch.ExchangeDeclare(retryExchange, amqp.ExchangeDirect, true, false, false, false, nil))

	for _, delayMS := range m.retryDelaysMS {
		qname := constants.OrgRetryQueue(orgID, delayMS)
		_, err = ch.QueueDeclare(qname, true, false, false, false, amqp.Table{
			"x-message-ttl":             int32(delayMS),
			"x-dead-letter-exchange":    reqExchange,
			"x-dead-letter-routing-key": constants.RequestRoutingKey,
			"x-max-priority":            int32(constants.MaxAMQPPriority),
		})
		record(qname, err)
		record(qname, ch.QueueBind(qname, fmt.Sprintf("delay_%d", delayMS), retryExchange, false, nil))
	}

	respExchange := constants.ResponseExchange(orgID)
	record(respExchange, ch.ExchangeDeclare(respExchange, amqp.ExchangeDirect, true, false, false, false, nil))

	if len(failed) > 0 {
		return &TopologyError{Failed: dedupe(failed), Cause: firstErr}
	}

	m.logger.Infow("Org topology declared", "org_id", orgID)
	return nil
}

// DeclareAgent binds one agent's response queue to its org response
// exchange, keyed by the agent id.
func (m *Manager) DeclareAgent(ctx context.Context, orgID, agentID string) error {
	ch, err := m.client.Channel(ctx)
	if err != nil {
		return &TopologyError{Failed: []string{constants.AgentResponseQueue(agentID)}, Cause: err}
	}
	defer ch.Close()

	respExchange := constants.ResponseExchange(orgID)
	if err := ch.ExchangeDeclare(respExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return &TopologyError{Failed: []string{respExchange}, Cause: err}
	}

	queue := constants.AgentResponseQueue(agentID)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return &TopologyError{Failed: []string{queue}, Cause: err}
	}
	if err := ch.QueueBind(queue, agentID, respExchange, false, nil); err != nil {
		return &TopologyError{Failed: []string{queue}, Cause: err}
	}

	m.logger.Infow("Agent response topology declared",
		"org_id", orgID,
		"agent_id", agentID,
	)
	return nil
}

// DeleteAgentQueue removes an agent's response queue, used after an
// agent has been unregistered past its grace period.
func (m *Manager) DeleteAgentQueue(ctx context.Context, agentID string) error {
	ch, err := m.client.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	_, err = ch.QueueDelete(constants.AgentResponseQueue(agentID), false, false, false)
	return err
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
