package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/internal/topology"
	"courier/pkg/models"
)

func brokerClient(t *testing.T, infra *TestInfra) *broker.Client {
	t.Helper()

	client, err := broker.Dial(context.Background(), config.BrokerConfig{
		URL:            infra.BrokerURL,
		ConnectRetries: 3,
		ConnectBackoff: 200 * time.Millisecond,
	}, logger.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func requestMessage(orgID, agentID string, priority int) *models.Message {
	return models.NewMessageBuilder(orgID, models.TypeModelCall).
		WithAgentID(agentID).
		WithPriority(priority).
		WithCreatedBy(models.CreatedBySystem, "test").
		Build()
}

func TestTopologyDeclarationIsIdempotent(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)
	client := brokerClient(t, infra)
	ctx := context.Background()

	topo := topology.NewManager(client, logger.NopLogger())
	require.NoError(t, topo.DeclareOrg(ctx, "acme"))
	require.NoError(t, topo.DeclareOrg(ctx, "acme"), "second declaration succeeds")
	require.NoError(t, topo.DeclareAgent(ctx, "acme", "agent-1"))
	require.NoError(t, topo.DeclareAgent(ctx, "acme", "agent-1"))
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)
	client := brokerClient(t, infra)
	ctx := context.Background()

	topo := topology.NewManager(client, logger.NopLogger())
	require.NoError(t, topo.DeclareOrg(ctx, "acme"))

	publisher := broker.NewPublisher(client, logger.NopLogger(), true)
	msg := requestMessage("acme", "agent-1", 1)
	require.NoError(t, publisher.PublishRequest(ctx, msg))

	consumer := broker.NewConsumer(client, logger.NopLogger(), 10)
	deliveries, err := consumer.Consume(ctx, constants.OrgRequestQueue("acme"), "test-consumer")
	require.NoError(t, err)
	defer consumer.Close()

	select {
	case d := <-deliveries:
		decoded, err := models.MessageFromJSON(d.Body)
		require.NoError(t, err)
		assert.Equal(t, msg.MessageID, decoded.MessageID)
		assert.Equal(t, "agent-1", decoded.AgentID)
		assert.Equal(t, msg.MessageID, models.HeaderString(map[string]interface{}(d.Headers), models.HeaderMessageID))
		assert.Equal(t, uint8(6), d.Priority)
		require.NoError(t, d.Ack(false))
	case <-time.After(10 * time.Second):
		t.Fatal("no delivery received")
	}
}

func TestScheduleRetryRedeliversAfterTTL(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)
	client := brokerClient(t, infra)
	ctx := context.Background()

	topo := topology.NewManager(client, logger.NopLogger())
	require.NoError(t, topo.DeclareOrg(ctx, "acme"))

	publisher := broker.NewPublisher(client, logger.NopLogger(), true)
	msg := requestMessage("acme", "agent-1", 2)
	msg.RetryCount = 1

	start := time.Now()
	require.NoError(t, publisher.ScheduleRetry(ctx, msg, 1000))

	consumer := broker.NewConsumer(client, logger.NopLogger(), 10)
	deliveries, err := consumer.Consume(ctx, constants.OrgRequestQueue("acme"), "retry-consumer")
	require.NoError(t, err)
	defer consumer.Close()

	select {
	case d := <-deliveries:
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond, "held for the TTL before redelivery")
		decoded, err := models.MessageFromJSON(d.Body)
		require.NoError(t, err)
		assert.Equal(t, msg.MessageID, decoded.MessageID)
		assert.Equal(t, 1, decoded.RetryCount)
		require.NoError(t, d.Ack(false))
	case <-time.After(15 * time.Second):
		t.Fatal("retry was not redelivered")
	}
}

func TestResponseRoutingByAgentID(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)
	client := brokerClient(t, infra)
	ctx := context.Background()

	topo := topology.NewManager(client, logger.NopLogger())
	require.NoError(t, topo.DeclareOrg(ctx, "acme"))
	require.NoError(t, topo.DeclareAgent(ctx, "acme", "agent-a"))
	require.NoError(t, topo.DeclareAgent(ctx, "acme", "agent-b"))

	publisher := broker.NewPublisher(client, logger.NopLogger(), false)
	require.NoError(t, publisher.PublishResponse(ctx, "acme", models.Response{
		RequestID: "r1",
		Type:      models.ResponseResult,
		AgentID:   "agent-a",
		Timestamp: time.Now(),
	}))

	consumerA := broker.NewConsumer(client, logger.NopLogger(), 10)
	deliveriesA, err := consumerA.Consume(ctx, constants.AgentResponseQueue("agent-a"), "coord-a")
	require.NoError(t, err)
	defer consumerA.Close()

	consumerB := broker.NewConsumer(client, logger.NopLogger(), 10)
	deliveriesB, err := consumerB.Consume(ctx, constants.AgentResponseQueue("agent-b"), "coord-b")
	require.NoError(t, err)
	defer consumerB.Close()

	select {
	case d := <-deliveriesA:
		require.NoError(t, d.Ack(false))
	case <-time.After(10 * time.Second):
		t.Fatal("agent-a did not receive its response")
	}

	select {
	case <-deliveriesB:
		t.Fatal("agent-b received a response routed to agent-a")
	case <-time.After(500 * time.Millisecond):
	}
}
