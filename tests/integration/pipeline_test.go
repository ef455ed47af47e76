package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/audit"
	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/idempotency"
	"courier/internal/logger"
	"courier/internal/poison"
	"courier/internal/producer"
	"courier/internal/topology"
	"courier/internal/worker"
	"courier/pkg/models"
)

type pipelineEnv struct {
	infra    *TestInfra
	client   *broker.Client
	topo     *topology.Manager
	audit    *audit.Writer
	producer *producer.Service
	worker   *worker.Service
}

func setupPipeline(t *testing.T, orgID, agentID string) *pipelineEnv {
	t.Helper()

	infra := SetupTestInfraWithOptions(t, true, false, true)
	client := brokerClient(t, infra)
	ctx := context.Background()

	topo := topology.NewManager(client, logger.NopLogger())
	require.NoError(t, topo.DeclareOrg(ctx, orgID))
	require.NoError(t, topo.DeclareAgent(ctx, orgID, agentID))

	auditWriter := audit.NewWriter(infra.Store, config.AuditConfig{
		FlushSize:     100,
		FlushInterval: 200 * time.Millisecond,
	}, logger.NopLogger())

	auditCtx, cancelAudit := context.WithCancel(context.Background())
	t.Cleanup(cancelAudit)
	go auditWriter.Run(auditCtx)

	idem := idempotency.NewService(infra.Store, 30, logger.NopLogger())

	prod := producer.NewService(
		broker.NewPublisher(client, logger.NopLogger(), true),
		broker.NewPublisher(client, logger.NopLogger(), false),
		idem,
		nil,
		auditWriter,
		nil,
		logger.NopLogger(),
	)

	workerCfg := config.WorkerConfig{
		Prefetch:        10,
		Concurrency:     10,
		PoisonThreshold: 3,
		MaxRetries:      3,
		HandlerTimeout:  10 * time.Second,
		ShutdownGrace:   5 * time.Second,
	}

	w := worker.NewService(
		orgID, agentID,
		workerCfg,
		broker.NewConsumer(client, logger.NopLogger(), workerCfg.Prefetch),
		broker.NewPublisher(client, logger.NopLogger(), true),
		worker.NewDefaultRegistry(),
		auditWriter,
		poison.NewService(infra.Store, workerCfg.PoisonThreshold, logger.NopLogger()),
		infra.Store,
		topo.RetryDelaysMS(),
		logger.NopLogger(),
	)

	return &pipelineEnv{
		infra:    infra,
		client:   client,
		topo:     topo,
		audit:    auditWriter,
		producer: prod,
		worker:   w,
	}
}

func collectResponses(t *testing.T, env *pipelineEnv, agentID string, until func([]models.Response) bool, timeout time.Duration) []models.Response {
	t.Helper()

	consumer := broker.NewConsumer(env.client, logger.NopLogger(), 10)
	deliveries, err := consumer.Consume(context.Background(), constants.AgentResponseQueue(agentID), "collector-"+agentID)
	require.NoError(t, err)
	t.Cleanup(func() {
		consumer.Close()
	})

	var frames []models.Response
	deadline := time.After(timeout)
	for {
		select {
		case d := <-deliveries:
			var resp models.Response
			require.NoError(t, jsonUnmarshal(d.Body, &resp))
			require.NoError(t, d.Ack(false))
			frames = append(frames, resp)
			if until(frames) {
				return frames
			}
		case <-deadline:
			t.Fatalf("timed out waiting for responses; got %d frames", len(frames))
		}
	}
}

func TestHappyPathPublishProcessRespond(t *testing.T) {
	env := setupPipeline(t, "acme", "agent-1")

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go env.worker.Run(workerCtx)

	msg := models.NewMessageBuilder("acme", models.TypeModelCall).
		WithAgentID("agent-1").
		WithPriority(2).
		WithDedupKey("k1").
		WithCreatedBy(models.CreatedByUser, "u1").
		Build()

	result, err := env.producer.Publish(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.False(t, result.Duplicate)

	frames := collectResponses(t, env, "agent-1", func(frames []models.Response) bool {
		return frames[len(frames)-1].Terminal()
	}, 15*time.Second)

	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, models.ResponseAck, frames[0].Type)
	assert.Equal(t, models.ResponseResult, frames[len(frames)-1].Type)
	assert.Equal(t, msg.MessageID, frames[0].RequestID)

	require.Eventually(t, func() bool {
		events, err := env.infra.Store.QueryEvents(context.Background(), "acme", msg.MessageID, 100)
		if err != nil {
			return false
		}
		types := make([]string, 0, len(events))
		for _, ev := range events {
			types = append(types, ev.EventType)
		}
		return contains(types, constants.EventCreated) &&
			contains(types, constants.EventEnqueued) &&
			contains(types, constants.EventDequeued) &&
			contains(types, constants.EventProcessing) &&
			contains(types, constants.EventCompleted)
	}, 10*time.Second, 200*time.Millisecond)

	status, err := env.infra.Store.GetMessageStatus(context.Background(), msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusCompleted, status)
}

func TestIdempotentPublishSuppressesSecondEnqueue(t *testing.T) {
	env := setupPipeline(t, "acme", "agent-1")
	ctx := context.Background()

	first := models.NewMessageBuilder("acme", models.TypeToolCall).
		WithAgentID("agent-1").
		WithDedupKey("dup-key").
		WithCreatedBy(models.CreatedByUser, "u1").
		Build()
	second := models.NewMessageBuilder("acme", models.TypeToolCall).
		WithAgentID("agent-1").
		WithDedupKey("dup-key").
		WithCreatedBy(models.CreatedByUser, "u1").
		Build()

	res1, err := env.producer.Publish(ctx, first)
	require.NoError(t, err)
	assert.True(t, res1.Accepted)
	assert.False(t, res1.Duplicate)

	res2, err := env.producer.Publish(ctx, second)
	require.NoError(t, err)
	assert.True(t, res2.Accepted)
	assert.True(t, res2.Duplicate)

	require.NoError(t, env.audit.FlushNow(ctx))
	events, err := env.infra.Store.QueryEvents(ctx, "acme", "", 100)
	require.NoError(t, err)

	created := 0
	for _, ev := range events {
		if ev.EventType == constants.EventCreated {
			created++
		}
	}
	assert.Equal(t, 1, created, "only the first publish is recorded")
}

func TestRejectedPublishValidation(t *testing.T) {
	env := setupPipeline(t, "acme", "agent-1")

	msg := models.NewMessageBuilder("acme", "not-a-type").
		WithCreatedBy(models.CreatedByUser, "u1").
		Build()

	result, err := env.producer.Publish(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "validation", result.Reason)

	unsupported := models.NewMessageBuilder("acme", models.TypeModelCall).
		WithCreatedBy(models.CreatedByUser, "u1").
		Build()
	unsupported.SchemaVersion = "9.0.0"

	result, err = env.producer.Publish(context.Background(), unsupported)
	require.Error(t, err)
	assert.Equal(t, "unsupported_schema", result.Reason)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
