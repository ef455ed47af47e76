package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/pkg/models"
)

func resp(requestID string, priority int) models.Response {
	return models.Response{
		RequestID: requestID,
		Type:      models.ResponseResult,
		AgentID:   "a1",
		Priority:  priority,
		Timestamp: time.Now(),
	}
}

func TestMailboxPushPopFIFO(t *testing.T) {
	mb := NewMailbox("a1", 10, OverflowDropOldest)

	for _, id := range []string{"r1", "r2", "r3"} {
		accepted, dropped := mb.Push(resp(id, 2))
		assert.True(t, accepted)
		assert.Nil(t, dropped)
	}

	ctx := context.Background()
	for _, want := range []string{"r1", "r2", "r3"} {
		got, ok := mb.Pop(ctx)
		require.True(t, ok)
		assert.Equal(t, want, got.RequestID)
	}
}

func TestMailboxBlockPolicyRefusesWhenFull(t *testing.T) {
	mb := NewMailbox("a1", 2, OverflowBlock)

	mb.Push(resp("r1", 2))
	mb.Push(resp("r2", 2))

	accepted, _ := mb.Push(resp("r3", 2))
	assert.False(t, accepted)
	assert.Equal(t, 2, mb.Len())
}

func TestMailboxDropOldestEvictsNonP0(t *testing.T) {
	mb := NewMailbox("a1", 2, OverflowDropOldest)

	mb.Push(resp("urgent", 0))
	mb.Push(resp("old", 3))

	accepted, dropped := mb.Push(resp("new", 2))
	assert.True(t, accepted)
	require.NotNil(t, dropped)
	assert.Equal(t, "old", dropped.RequestID)

	first, _ := mb.Pop(context.Background())
	assert.Equal(t, "urgent", first.RequestID, "P0 survives eviction")
}

func TestMailboxDropOldestRefusesWhenAllP0(t *testing.T) {
	mb := NewMailbox("a1", 2, OverflowDropOldest)

	mb.Push(resp("p0-a", 0))
	mb.Push(resp("p0-b", 0))

	accepted, dropped := mb.Push(resp("p0-c", 0))
	assert.False(t, accepted)
	assert.Nil(t, dropped)
}

func TestMailboxPopHonorsContext(t *testing.T) {
	mb := NewMailbox("a1", 2, OverflowDropOldest)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok := mb.Pop(ctx)
	assert.False(t, ok)
}

func TestMailboxDrainClosesAndReturnsRemaining(t *testing.T) {
	mb := NewMailbox("a1", 10, OverflowDropOldest)
	mb.Push(resp("r1", 2))
	mb.Push(resp("r2", 2))

	remaining := mb.Drain()
	assert.Len(t, remaining, 2)
	assert.True(t, mb.Closed())

	accepted, _ := mb.Push(resp("r3", 2))
	assert.False(t, accepted)

	_, ok := mb.Pop(context.Background())
	assert.False(t, ok)
}

func TestMailboxFullFor(t *testing.T) {
	mb := NewMailbox("a1", 1, OverflowBlock)
	assert.Zero(t, mb.FullFor())

	mb.Push(resp("r1", 2))
	mb.Push(resp("r2", 2))
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, mb.FullFor(), time.Duration(0))

	mb.Pop(context.Background())
	assert.Zero(t, mb.FullFor())
}
