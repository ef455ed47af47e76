package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type MessageBuilder struct {
	msg *Message
}

func NewMessageBuilder(orgID string, msgType MessageType) *MessageBuilder {
	return &MessageBuilder{
		msg: &Message{
			OrgID:         orgID,
			Type:          msgType,
			SchemaVersion: CurrentSchemaVersion,
			Priority:      2,
		},
	}
}

func (b *MessageBuilder) WithAgentID(agentID string) *MessageBuilder {
	b.msg.AgentID = agentID
	return b
}

func (b *MessageBuilder) WithUserID(userID string) *MessageBuilder {
	b.msg.UserID = userID
	return b
}

func (b *MessageBuilder) WithPriority(priority int) *MessageBuilder {
	b.msg.Priority = priority
	return b
}

func (b *MessageBuilder) WithCreatedBy(kind CreatedByKind, id string) *MessageBuilder {
	b.msg.CreatedBy = CreatedBy{Kind: kind, ID: id}
	return b
}

func (b *MessageBuilder) WithGoalID(goalID string) *MessageBuilder {
	b.msg.GoalID = goalID
	return b
}

func (b *MessageBuilder) WithTaskID(taskID string) *MessageBuilder {
	b.msg.TaskID = taskID
	return b
}

func (b *MessageBuilder) WithParent(parentMessageID string) *MessageBuilder {
	b.msg.ParentMessageID = parentMessageID
	return b
}

func (b *MessageBuilder) WithDedupKey(key string) *MessageBuilder {
	b.msg.DedupKey = key
	return b
}

func (b *MessageBuilder) WithNoDemote() *MessageBuilder {
	b.msg.NoDemote = true
	return b
}

func (b *MessageBuilder) WithMaxRetries(n int) *MessageBuilder {
	b.msg.MaxRetries = n
	return b
}

func (b *MessageBuilder) WithExpiry(at time.Time) *MessageBuilder {
	b.msg.ExpiresAt = &at
	return b
}

func (b *MessageBuilder) WithContext(ctx map[string]interface{}) *MessageBuilder {
	b.msg.Context = ctx
	return b
}

func (b *MessageBuilder) WithResourceLimits(limits ResourceLimits) *MessageBuilder {
	b.msg.ResourceLimits = &limits
	return b
}

func (b *MessageBuilder) WithPayload(payload json.RawMessage) *MessageBuilder {
	b.msg.Payload = payload
	return b
}

// Build stamps missing identifiers and timestamps and returns the
// message.
func (b *MessageBuilder) Build() *Message {
	if b.msg.MessageID == "" {
		b.msg.MessageID = uuid.New().String()
	}
	if b.msg.GoalID == "" {
		b.msg.GoalID = uuid.New().String()
	}
	if b.msg.TaskID == "" {
		b.msg.TaskID = uuid.New().String()
	}
	if b.msg.CreatedAt.IsZero() {
		b.msg.CreatedAt = time.Now().UTC()
	}
	return b.msg
}
