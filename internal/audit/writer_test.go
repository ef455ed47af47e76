package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/pkg/models"
)

type fakeSink struct {
	mu       sync.Mutex
	events   []models.MessageEventRecord
	batches  [][]models.MessageEventRecord
	statuses []models.MessageRecord
	dlq      []models.DLQRecord
	fail     bool
}

func (f *fakeSink) AppendEvents(ctx context.Context, events []models.MessageEventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.events = append(f.events, events...)
	f.batches = append(f.batches, events)
	return nil
}

func (f *fakeSink) UpsertMessage(ctx context.Context, rec models.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.statuses = append(f.statuses, rec)
	return nil
}

func (f *fakeSink) InsertDLQ(ctx context.Context, rec models.DLQRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.dlq = append(f.dlq, rec)
	return nil
}

func (f *fakeSink) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeSink) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		types = append(types, ev.EventType)
	}
	return types
}

func newTestWriter(sink Sink) *Writer {
	return NewWriter(sink, config.AuditConfig{
		FlushSize:     100,
		FlushInterval: time.Second,
	}, logger.NopLogger())
}

func TestFlushNowWritesBatchInOrder(t *testing.T) {
	sink := &fakeSink{}
	w := newTestWriter(sink)

	w.EmitEvent("m1", "acme", constants.EventCreated, nil)
	w.EmitEvent("m1", "acme", constants.EventEnqueued, nil)
	w.EmitEvent("m1", "acme", constants.EventDequeued, nil)

	require.NoError(t, w.FlushNow(context.Background()))
	assert.Equal(t, []string{"created", "enqueued", "dequeued"}, sink.eventTypes())
	assert.Equal(t, 0, w.PendingCount())
}

func TestFlushNowRequeuesOnFailure(t *testing.T) {
	sink := &fakeSink{fail: true}
	w := newTestWriter(sink)

	w.EmitEvent("m1", "acme", constants.EventCreated, nil)
	require.Error(t, w.FlushNow(context.Background()))
	assert.Equal(t, 1, w.PendingCount())

	sink.setFail(false)
	require.NoError(t, w.FlushNow(context.Background()))
	assert.Equal(t, []string{"created"}, sink.eventTypes())
}

func TestDegradationKeepsTerminalEvents(t *testing.T) {
	sink := &fakeSink{fail: true}
	w := newTestWriter(sink)

	w.EmitEvent("m1", "acme", constants.EventDequeued, nil)
	w.EmitEvent("m1", "acme", constants.EventCompleted, nil)
	w.EmitEvent("m2", "acme", constants.EventProcessing, nil)
	w.EmitEvent("m2", "acme", constants.EventDeadLetter, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushWithRetry(ctx)

	// Non-terminal events were shed; terminal ones wait for recovery.
	assert.Equal(t, 2, w.PendingCount())

	sink.setFail(false)
	require.NoError(t, w.FlushNow(context.Background()))
	assert.ElementsMatch(t, []string{"completed", "dead_letter"}, sink.eventTypes())
}

func TestEmitTerminalFlushesSynchronously(t *testing.T) {
	sink := &fakeSink{}
	w := newTestWriter(sink)

	w.EmitEvent("m1", "acme", constants.EventProcessing, nil)
	err := w.EmitTerminal(context.Background(), models.MessageEventRecord{
		MessageID: "m1",
		OrgID:     "acme",
		EventType: constants.EventCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"processing", "completed"}, sink.eventTypes())
}

func TestRecordDeadLetterWritesHistory(t *testing.T) {
	sink := &fakeSink{}
	w := newTestWriter(sink)

	msg := &models.Message{MessageID: "m1", OrgID: "acme", Type: models.TypeToolCall, Priority: 3}
	history := []models.FailureEntry{
		{Kind: "transient_io", Detail: "attempt 1"},
		{Kind: "transient_io", Detail: "attempt 2"},
	}

	require.NoError(t, w.RecordDeadLetter(context.Background(), msg, constants.DLQReasonMaxRetries, history))

	require.Len(t, sink.dlq, 1)
	assert.Equal(t, constants.DLQReasonMaxRetries, sink.dlq[0].Reason)
	assert.Len(t, sink.dlq[0].ErrorHistory, 2)
	assert.True(t, sink.dlq[0].CanReplay)

	require.Len(t, sink.statuses, 1)
	assert.Equal(t, constants.StatusDeadLettered, sink.statuses[0].Status)
	assert.Equal(t, []string{"dead_letter"}, sink.eventTypes())
}

func TestRecordFailedThenRetryEmitsDemotion(t *testing.T) {
	sink := &fakeSink{}
	w := newTestWriter(sink)

	msg := &models.Message{MessageID: "m1", OrgID: "acme", Priority: 2, RetryCount: 1}
	require.NoError(t, w.RecordFailedThenRetry(context.Background(), msg, "rate_limit", "429", 60000, 1))
	require.NoError(t, w.FlushNow(context.Background()))

	assert.Equal(t, []string{"failed", "retry_scheduled", "demoted"}, sink.eventTypes())
}
