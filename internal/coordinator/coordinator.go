package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/internal/producer"
	"courier/internal/store"
	"courier/internal/topology"
	apperrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

// Coordinator owns the server's single broker connection and fans
// responses out to locally hosted agents. Agents register to get a
// mailbox; the queue consumer per agent feeds it, and Stream exposes a
// finite per-request sequence.
type Coordinator struct {
	orgID  string
	cfg    config.CoordinatorConfig
	client *broker.Client
	topo   *topology.Manager
	prod   *producer.Service
	pub    *broker.Publisher
	store  *store.Store
	logger logger.Logger

	mu      sync.Mutex
	agents  map[string]*agentSub
	streams map[string]chan models.Response
}

type agentSub struct {
	agentID  string
	mailbox  *Mailbox
	consumer *broker.Consumer
	cancel   context.CancelFunc

	mu            sync.Mutex
	missedBeats   int
	misroutes     int
	markedDead    bool
	deadReason    string
	queueDeleteAt time.Time
}

// SubscriptionHandle lets an agent confirm liveness and read its
// mailbox.
type SubscriptionHandle struct {
	AgentID string

	coord *Coordinator
	sub   *agentSub
}

// Beat resets the agent's missed-heartbeat counter.
func (h *SubscriptionHandle) Beat() {
	h.sub.mu.Lock()
	h.sub.missedBeats = 0
	h.sub.mu.Unlock()
}

// Next blocks for the agent's next response.
func (h *SubscriptionHandle) Next(ctx context.Context) (models.Response, bool) {
	return h.sub.mailbox.Pop(ctx)
}

func New(
	orgID string,
	cfg config.CoordinatorConfig,
	client *broker.Client,
	topo *topology.Manager,
	prod *producer.Service,
	pub *broker.Publisher,
	st *store.Store,
	log logger.Logger,
) *Coordinator {
	return &Coordinator{
		orgID:   orgID,
		cfg:     cfg,
		client:  client,
		topo:    topo,
		prod:    prod,
		pub:     pub,
		store:   st,
		logger:  log,
		agents:  make(map[string]*agentSub),
		streams: make(map[string]chan models.Response),
	}
}

// Register declares and binds the agent's response queue, starts its
// consumer, and allocates a mailbox.
func (c *Coordinator) Register(ctx context.Context, agentID string) (*SubscriptionHandle, error) {
	c.mu.Lock()
	if existing, ok := c.agents[agentID]; ok {
		c.mu.Unlock()
		return &SubscriptionHandle{AgentID: agentID, coord: c, sub: existing}, nil
	}
	c.mu.Unlock()

	if err := c.topo.DeclareAgent(ctx, c.orgID, agentID); err != nil {
		return nil, err
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	consumer := broker.NewConsumer(c.client, c.logger, c.cfg.MailboxCapacity)

	deliveries, err := consumer.Consume(consumerCtx, constants.AgentResponseQueue(agentID), fmt.Sprintf("coord-%s", agentID))
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &agentSub{
		agentID:  agentID,
		mailbox:  NewMailbox(agentID, c.cfg.MailboxCapacity, OverflowPolicy(c.cfg.OverflowPolicy)),
		consumer: consumer,
		cancel:   cancel,
	}

	c.mu.Lock()
	c.agents[agentID] = sub
	count := len(c.agents)
	c.mu.Unlock()
	metrics.AgentsRegistered.Set(float64(count))

	go c.consumeLoop(consumerCtx, sub, deliveries)

	c.logger.Infow("Agent registered", "agent_id", agentID, "org_id", c.orgID)
	return &SubscriptionHandle{AgentID: agentID, coord: c, sub: sub}, nil
}

// Unregister cancels the agent's consumer and drains its mailbox up to
// the configured deadline.
func (c *Coordinator) Unregister(ctx context.Context, agentID string) error {
	c.mu.Lock()
	sub, ok := c.agents[agentID]
	if ok {
		delete(c.agents, agentID)
	}
	count := len(c.agents)
	c.mu.Unlock()
	if !ok {
		return apperrors.ErrNotFound.WithDetail("agent_id", agentID)
	}
	metrics.AgentsRegistered.Set(float64(count))

	_ = sub.consumer.Cancel()
	sub.cancel()

	deadline := c.cfg.DrainDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	drainCtx, cancelDrain := context.WithTimeout(ctx, deadline)
	defer cancelDrain()

	for sub.mailbox.Len() > 0 && drainCtx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	sub.mailbox.Drain()
	_ = sub.consumer.Close()

	c.logger.Infow("Agent unregistered", "agent_id", agentID)
	return nil
}

// Send publishes a request on behalf of a local agent.
func (c *Coordinator) Send(ctx context.Context, msg *models.Message) (producer.PublishResult, error) {
	return c.prod.Publish(ctx, msg)
}

// Responses returns the agent's mailbox reader.
func (c *Coordinator) Responses(agentID string) (*Mailbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.agents[agentID]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetail("agent_id", agentID)
	}
	return sub.mailbox, nil
}

// Stream yields the response sequence for one request, closed after
// its terminal frame. Frames for the request bypass the mailbox while
// the stream is open.
func (c *Coordinator) Stream(ctx context.Context, requestID string) <-chan models.Response {
	out := make(chan models.Response, 16)

	c.mu.Lock()
	c.streams[requestID] = out
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.closeStream(requestID)
	}()

	return out
}

func (c *Coordinator) closeStream(requestID string) {
	c.mu.Lock()
	ch, ok := c.streams[requestID]
	if ok {
		delete(c.streams, requestID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Coordinator) consumeLoop(ctx context.Context, sub *agentSub, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.route(ctx, sub, d)
		}
	}
}

func (c *Coordinator) route(ctx context.Context, sub *agentSub, d amqp.Delivery) {
	var resp models.Response
	if err := json.Unmarshal(d.Body, &resp); err != nil {
		c.logger.Errorw("Dropping undecodable response", "agent_id", sub.agentID, "error", err)
		_ = d.Ack(false)
		return
	}
	if resp.AgentID == "" {
		resp.AgentID = sub.agentID
	}

	logCtx := logging.WithAgentID(logging.WithMessageID(ctx, resp.RequestID), sub.agentID)

	// A response can land here for an agent that just unregistered or
	// was never local; push it back through the exchange so the
	// owning server picks it up.
	if resp.AgentID != sub.agentID || c.isDead(sub) {
		c.reroute(logCtx, sub, resp, d)
		return
	}

	// Streams take precedence over the mailbox for their request id.
	c.mu.Lock()
	streamCh, streaming := c.streams[resp.RequestID]
	c.mu.Unlock()
	if streaming {
		select {
		case streamCh <- resp:
			_ = d.Ack(false)
			if resp.Terminal() {
				c.closeStream(resp.RequestID)
			}
			return
		default:
		}
	}

	accepted, dropped := sub.mailbox.Push(resp)
	if !accepted {
		// Block policy: leave the delivery unacked so the broker holds
		// it until the mailbox drains.
		_ = d.Nack(false, true)
		time.Sleep(100 * time.Millisecond)
		return
	}
	if dropped != nil {
		note := models.Response{
			RequestID: dropped.RequestID,
			Type:      models.ResponseProgress,
			AgentID:   sub.agentID,
			Timestamp: time.Now().UTC(),
			Note:      "dropped",
		}
		sub.mailbox.Push(note)
	}
	_ = d.Ack(false)
}

func (c *Coordinator) reroute(ctx context.Context, sub *agentSub, resp models.Response, d amqp.Delivery) {
	sub.mu.Lock()
	sub.misroutes++
	misroutes := sub.misroutes
	sub.mu.Unlock()

	if misroutes > constants.MissedHeartbeats {
		c.markDead(ctx, sub, "persistent misrouting")
	}

	if err := c.pub.PublishResponse(ctx, c.orgID, resp); err != nil {
		c.logger.ErrorwCtx(ctx, "Response reroute failed", "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Run drives heartbeat and runaway supervision until the context ends.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = constants.HeartbeatInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			c.heartbeatPass(ctx)
			c.runawayPass(ctx)
		}
	}
}

func (c *Coordinator) heartbeatPass(ctx context.Context) {
	c.mu.Lock()
	subs := make([]*agentSub, 0, len(c.agents))
	for _, sub := range c.agents {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.missedBeats++
		missed := sub.missedBeats
		sub.mu.Unlock()

		if missed > 1 {
			metrics.HeartbeatMissedTotal.WithLabelValues(sub.agentID).Inc()
		}
		if missed > constants.MissedHeartbeats {
			c.logger.Warnw("Agent missed heartbeats, unregistering",
				"agent_id", sub.agentID,
				"missed", missed,
			)
			sub.mu.Lock()
			sub.queueDeleteAt = time.Now().Add(5 * time.Minute)
			sub.mu.Unlock()
			_ = c.Unregister(ctx, sub.agentID)
			go c.deleteQueueAfterGrace(sub)
		}
	}
}

func (c *Coordinator) runawayPass(ctx context.Context) {
	interval := c.cfg.RunawayInterval
	if interval <= 0 {
		interval = time.Minute
	}

	c.mu.Lock()
	subs := make([]*agentSub, 0, len(c.agents))
	for _, sub := range c.agents {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.mailbox.FullFor() >= interval {
			c.markDead(ctx, sub, "mailbox full past deadline")
			c.drainToDLQ(ctx, sub)
			_ = c.Unregister(ctx, sub.agentID)
		}
	}
}

func (c *Coordinator) markDead(ctx context.Context, sub *agentSub, reason string) {
	sub.mu.Lock()
	already := sub.markedDead
	sub.markedDead = true
	sub.deadReason = reason
	sub.mu.Unlock()
	if !already {
		c.logger.ErrorwCtx(ctx, "Agent marked dead", "agent_id", sub.agentID, "reason", reason)
	}
}

func (c *Coordinator) isDead(sub *agentSub) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.markedDead
}

// drainToDLQ persists a runaway agent's buffered responses so nothing
// silently disappears with the mailbox.
func (c *Coordinator) drainToDLQ(ctx context.Context, sub *agentSub) {
	remaining := sub.mailbox.Drain()
	for _, resp := range remaining {
		body, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		rec := models.DLQRecord{
			OrgID: c.orgID,
			OriginalMessage: &models.Message{
				MessageID: resp.RequestID,
				OrgID:     c.orgID,
				AgentID:   sub.agentID,
				Payload:   body,
			},
			Reason:    constants.DLQReasonAgentRunaway,
			CanReplay: false,
		}
		if err := c.store.InsertDLQ(ctx, rec); err != nil {
			c.logger.ErrorwCtx(ctx, "Runaway drain insert failed", "error", err)
		}
	}
	if len(remaining) > 0 {
		metrics.DLQInsertsTotal.WithLabelValues(c.orgID, constants.DLQReasonAgentRunaway).Add(float64(len(remaining)))
	}
}

func (c *Coordinator) deleteQueueAfterGrace(sub *agentSub) {
	sub.mu.Lock()
	deleteAt := sub.queueDeleteAt
	sub.mu.Unlock()
	if deleteAt.IsZero() {
		return
	}

	time.Sleep(time.Until(deleteAt))

	c.mu.Lock()
	_, reRegistered := c.agents[sub.agentID]
	c.mu.Unlock()
	if reRegistered {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.topo.DeleteAgentQueue(ctx, sub.agentID); err != nil {
		c.logger.Warnw("Agent queue deletion failed", "agent_id", sub.agentID, "error", err)
	}
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	agentIDs := make([]string, 0, len(c.agents))
	for id := range c.agents {
		agentIDs = append(agentIDs, id)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	for _, id := range agentIDs {
		_ = c.Unregister(ctx, id)
	}
}
