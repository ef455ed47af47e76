package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/pkg/models"
)

func record(msgType models.MessageType, priority int, reason string, age time.Duration) models.DLQRecord {
	return models.DLQRecord{
		OrgID: "acme",
		OriginalMessage: &models.Message{
			MessageID:  "m1",
			OrgID:      "acme",
			Type:       msgType,
			Priority:   priority,
			RetryCount: 3,
		},
		ErrorHistory: []models.FailureEntry{{Kind: "transient_io"}},
		Reason:       reason,
		CanReplay:    true,
		DLQTimestamp: time.Now().Add(-age),
	}
}

func TestFilterCompileRejectsNonBool(t *testing.T) {
	e, err := NewFilterEvaluator()
	require.NoError(t, err)

	_, err = e.Compile(`priority + 1`)
	assert.Error(t, err)

	_, err = e.Compile(`this is not CEL`)
	assert.Error(t, err)

	_, err = e.Compile(`type == 'model_call'`)
	assert.NoError(t, err)
}

func TestFilterMatches(t *testing.T) {
	e, err := NewFilterEvaluator()
	require.NoError(t, err)

	tests := []struct {
		expr string
		rec  models.DLQRecord
		want bool
	}{
		{`type == 'model_call'`, record(models.TypeModelCall, 2, "max_retries_exceeded", time.Minute), true},
		{`type == 'model_call'`, record(models.TypeToolCall, 2, "max_retries_exceeded", time.Minute), false},
		{`priority >= 2 && reason == 'poison'`, record(models.TypeToolCall, 3, "poison", time.Minute), true},
		{`age_seconds > 3600`, record(models.TypeToolCall, 2, "poison", 2*time.Hour), true},
		{`age_seconds > 3600`, record(models.TypeToolCall, 2, "poison", time.Minute), false},
		{`error_kind == 'transient_io' && can_replay`, record(models.TypeToolCall, 2, "max_retries_exceeded", time.Minute), true},
		{`retry_count >= 3`, record(models.TypeToolCall, 2, "max_retries_exceeded", time.Minute), true},
	}

	for _, tt := range tests {
		program, err := e.Compile(tt.expr)
		require.NoError(t, err, tt.expr)
		got, err := e.Matches(context.Background(), program, tt.rec)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}
