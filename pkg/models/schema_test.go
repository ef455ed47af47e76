package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() *Message {
	return &Message{
		MessageID:     "m1",
		SchemaVersion: CurrentSchemaVersion,
		OrgID:         "acme",
		Type:          TypeModelCall,
		Priority:      2,
		CreatedBy:     CreatedBy{Kind: CreatedBySystem, ID: "producer"},
		CreatedAt:     time.Now().UTC(),
	}
}

func TestValidateMessage(t *testing.T) {
	require.NoError(t, ValidateMessage(validMessage()))
}

func TestValidateMessageRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		field  string
	}{
		{"missing message id", func(m *Message) { m.MessageID = "" }, "message_id"},
		{"missing org", func(m *Message) { m.OrgID = "" }, "org_id"},
		{"unknown type", func(m *Message) { m.Type = "teleport" }, "type"},
		{"priority too high", func(m *Message) { m.Priority = 4 }, "priority"},
		{"priority negative", func(m *Message) { m.Priority = -1 }, "priority"},
		{"missing creator", func(m *Message) { m.CreatedBy.ID = "" }, "created_by.id"},
		{"unknown creator kind", func(m *Message) { m.CreatedBy.Kind = "robot" }, "created_by.kind"},
		{"zero created_at", func(m *Message) { m.CreatedAt = time.Time{} }, "created_at"},
		{"bad version", func(m *Message) { m.SchemaVersion = "latest" }, "version"},
		{"retry count over max", func(m *Message) { m.RetryCount = 5; m.MaxRetries = 3 }, "retry_count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validMessage()
			tt.mutate(msg)
			err := ValidateMessage(msg)
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestSchemaVersionSupported(t *testing.T) {
	assert.True(t, SchemaVersionSupported("1.0.0"))
	assert.True(t, SchemaVersionSupported("1.4.2"))
	assert.True(t, SchemaVersionSupported("0.9.0"))
	assert.False(t, SchemaVersionSupported("2.0.0"))
	assert.False(t, SchemaVersionSupported("3.1.0"))
	assert.False(t, SchemaVersionSupported("not-a-version"))
}

func TestEffectiveDedupKeyFallsBackToMessageID(t *testing.T) {
	msg := validMessage()
	assert.Equal(t, "m1", msg.EffectiveDedupKey())

	msg.DedupKey = "k1"
	assert.Equal(t, "k1", msg.EffectiveDedupKey())
}

func TestExpired(t *testing.T) {
	msg := validMessage()
	assert.False(t, msg.Expired(time.Now()))

	past := time.Now().Add(-time.Minute)
	msg.ExpiresAt = &past
	assert.True(t, msg.Expired(time.Now()))
}

func TestBuilderStampsIdentifiers(t *testing.T) {
	msg := NewMessageBuilder("acme", TypeToolCall).
		WithCreatedBy(CreatedByAgent, "agent-1").
		WithPriority(1).
		Build()

	assert.NotEmpty(t, msg.MessageID)
	assert.NotEmpty(t, msg.GoalID)
	assert.NotEmpty(t, msg.TaskID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, CurrentSchemaVersion, msg.SchemaVersion)
	require.NoError(t, ValidateMessage(msg))
}
