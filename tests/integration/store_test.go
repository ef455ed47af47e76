package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/constants"
	"courier/pkg/models"
)

func TestIdempotencyKeyUniqueness(t *testing.T) {
	infra := SetupTestInfra(t)
	ctx := context.Background()

	first, err := infra.Store.InsertIdempotencyKey(ctx, "acme", "k1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := infra.Store.InsertIdempotencyKey(ctx, "acme", "k1")
	require.NoError(t, err)
	assert.False(t, second, "same (org, key) collides")

	otherOrg, err := infra.Store.InsertIdempotencyKey(ctx, "globex", "k1")
	require.NoError(t, err)
	assert.True(t, otherOrg, "keys are scoped per org")

	require.NoError(t, infra.Store.DeleteIdempotencyKey(ctx, "acme", "k1"))
	again, err := infra.Store.InsertIdempotencyKey(ctx, "acme", "k1")
	require.NoError(t, err)
	assert.True(t, again, "released key is insertable again")
}

func TestIdempotencyCleanup(t *testing.T) {
	infra := SetupTestInfra(t)
	ctx := context.Background()

	_, err := infra.Store.InsertIdempotencyKey(ctx, "acme", "old-key")
	require.NoError(t, err)

	removed, err := infra.Store.CleanupIdempotencyKeys(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestPoisonCounterLifecycle(t *testing.T) {
	infra := SetupTestInfra(t)
	ctx := context.Background()

	count, err := infra.Store.GetPoisonCount(ctx, "acme", "bad-key")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	for want := 1; want <= 3; want++ {
		count, err = infra.Store.IncrementPoisonCounter(ctx, "acme", "bad-key")
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	require.NoError(t, infra.Store.ResetPoisonCounter(ctx, "acme", "bad-key"))
	count, err = infra.Store.GetPoisonCount(ctx, "acme", "bad-key")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMessageUpsertIsIdempotent(t *testing.T) {
	infra := SetupTestInfra(t)
	ctx := context.Background()

	rec := models.MessageRecord{
		MessageID: "m1",
		OrgID:     "acme",
		Type:      models.TypeModelCall,
		Priority:  2,
		Status:    constants.StatusQueued,
		Payload:   json.RawMessage(`{"a":1}`),
	}
	require.NoError(t, infra.Store.UpsertMessage(ctx, rec))

	rec.Status = constants.StatusCompleted
	rec.Priority = 3
	require.NoError(t, infra.Store.UpsertMessage(ctx, rec))

	status, err := infra.Store.GetMessageStatus(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, constants.StatusCompleted, status)

	var rows int
	require.NoError(t, infra.PostgresDB.QueryRow(`SELECT count(*) FROM messages WHERE message_id = 'm1'`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestAppendAndQueryEvents(t *testing.T) {
	infra := SetupTestInfra(t)
	ctx := context.Background()

	events := []models.MessageEventRecord{
		{MessageID: "m1", OrgID: "acme", EventType: constants.EventCreated},
		{MessageID: "m1", OrgID: "acme", EventType: constants.EventEnqueued},
		{MessageID: "m2", OrgID: "acme", EventType: constants.EventCreated},
	}
	require.NoError(t, infra.Store.AppendEvents(ctx, events))

	got, err := infra.Store.QueryEvents(ctx, "acme", "m1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, constants.EventCreated, got[0].EventType)
	assert.Equal(t, constants.EventEnqueued, got[1].EventType)

	all, err := infra.Store.QueryEvents(ctx, "acme", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTerminalEventsCollapseOnReflush(t *testing.T) {
	infra := SetupTestInfra(t)
	ctx := context.Background()

	batch := []models.MessageEventRecord{
		{MessageID: "m9", OrgID: "acme", EventType: constants.EventCompleted},
	}
	require.NoError(t, infra.Store.AppendEvents(ctx, batch))
	require.NoError(t, infra.Store.AppendEvents(ctx, batch), "re-flush succeeds")

	events, err := infra.Store.QueryEvents(ctx, "acme", "m9", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "terminal event recorded once")
}

func TestDLQInsertListReplayPurge(t *testing.T) {
	infra := SetupTestInfra(t)
	ctx := context.Background()

	msg := &models.Message{
		MessageID: "m1",
		OrgID:     "acme",
		Type:      models.TypeToolCall,
		Priority:  3,
	}
	rec := models.DLQRecord{
		OrgID:           "acme",
		OriginalMessage: msg,
		ErrorHistory: []models.FailureEntry{
			{Kind: "transient_io", Detail: "attempt 1", RetryCount: 0},
			{Kind: "transient_io", Detail: "attempt 2", RetryCount: 1},
		},
		Reason:    constants.DLQReasonMaxRetries,
		CanReplay: true,
	}
	require.NoError(t, infra.Store.InsertDLQ(ctx, rec))

	records, err := infra.Store.ListDLQ(ctx, "acme", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "m1", records[0].OriginalMessage.MessageID)
	assert.Len(t, records[0].ErrorHistory, 2)
	assert.True(t, records[0].CanReplay)

	require.NoError(t, infra.Store.MarkReplayed(ctx, records[0].ID))
	records, err = infra.Store.ListDLQ(ctx, "acme", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	assert.False(t, records[0].CanReplay)

	removed, err := infra.Store.PurgeDLQ(ctx, "acme", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
