package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "courier/pkg/errors"
	"courier/pkg/models"
)

type fakePublisher struct {
	mu     sync.Mutex
	frames []models.Response
	fail   bool
}

func (f *fakePublisher) PublishResponse(ctx context.Context, orgID string, resp models.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.frames = append(f.frames, resp)
	return nil
}

func testMessage() *models.Message {
	return &models.Message{
		MessageID: "m1",
		OrgID:     "acme",
		AgentID:   "a1",
		Type:      models.TypeModelCall,
		Priority:  2,
	}
}

func TestEmitterAssignsContiguousChunkIndexes(t *testing.T) {
	pub := &fakePublisher{}
	em := newEmitter(pub, "acme", testMessage())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		wrongIndex := 99
		err := em.Emit(ctx, models.Response{
			Type:       models.ResponseStreamChunk,
			Chunk:      json.RawMessage(`"x"`),
			ChunkIndex: &wrongIndex,
		})
		require.NoError(t, err)
	}
	require.NoError(t, em.Emit(ctx, models.Response{Type: models.ResponseStreamComplete}))

	require.Len(t, pub.frames, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, models.ResponseStreamChunk, pub.frames[i].Type)
		require.NotNil(t, pub.frames[i].ChunkIndex)
		assert.Equal(t, i, *pub.frames[i].ChunkIndex)
		assert.Equal(t, "a1", pub.frames[i].AgentID)
		assert.Equal(t, "m1", pub.frames[i].RequestID)
	}

	final := pub.frames[3]
	assert.Equal(t, models.ResponseStreamComplete, final.Type)
	require.NotNil(t, final.TotalChunks)
	assert.Equal(t, 3, *final.TotalChunks)
}

func TestEmitterRejectsFramesAfterTerminal(t *testing.T) {
	pub := &fakePublisher{}
	em := newEmitter(pub, "acme", testMessage())
	ctx := context.Background()

	require.NoError(t, em.EmitResult(ctx, json.RawMessage(`{"ok":true}`)))
	assert.True(t, em.Terminated())

	err := em.EmitProgress(ctx, 50, "late")
	assert.Error(t, err)
	assert.Len(t, pub.frames, 1)
}

func TestEmitterTerminalResetOnPublishFailure(t *testing.T) {
	pub := &fakePublisher{fail: true}
	em := newEmitter(pub, "acme", testMessage())

	err := em.EmitResult(context.Background(), json.RawMessage(`1`))
	require.Error(t, err)
	assert.False(t, em.Terminated(), "failed terminal publish can be retried")
}

func TestClassifyHandlerError(t *testing.T) {
	assert.Equal(t, "rate_limit", ClassifyHandlerError(apperrors.ErrRateLimit))
	assert.Equal(t, "handler_timeout", ClassifyHandlerError(context.DeadlineExceeded))
	assert.Equal(t, "unknown", ClassifyHandlerError(errors.New("weird")))
	assert.Equal(t, "validation", ClassifyHandlerError(apperrors.Wrap(errors.New("bad"), apperrors.ErrValidation)))
}

func TestFailureHistoryRoundTrip(t *testing.T) {
	msg := testMessage()
	assert.Empty(t, failureHistory(msg))

	appendFailure(msg, models.FailureEntry{Kind: "transient_io", Detail: "attempt 1", RetryCount: 0})
	appendFailure(msg, models.FailureEntry{Kind: "rate_limit", Detail: "attempt 2", RetryCount: 1})

	// The history must survive broker serialization.
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	decoded, err := models.MessageFromJSON(raw)
	require.NoError(t, err)

	history := failureHistory(decoded)
	require.Len(t, history, 2)
	assert.Equal(t, "transient_io", history[0].Kind)
	assert.Equal(t, "rate_limit", history[1].Kind)
	assert.Equal(t, 1, history[1].RetryCount)
}

func TestRegistryFallback(t *testing.T) {
	r := NewDefaultRegistry()

	h := r.Lookup("not-a-type")
	_, err := h.Handle(context.Background(), testMessage(), nil)
	assert.Equal(t, "validation", ClassifyHandlerError(err))

	h = r.Lookup(models.TypeModelCall)
	out, err := h.Handle(context.Background(), testMessage(), nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), "model_call")
}
