package models

import (
	"encoding/json"
	"time"
)

// MessageType discriminates request payloads. Payload bytes are opaque
// to the queue and decoded by the handler registered for the type.
type MessageType string

const (
	TypeModelCall      MessageType = "model_call"
	TypeToolCall       MessageType = "tool_call"
	TypeAgentMessage   MessageType = "agent_message"
	TypeMemorySave     MessageType = "memory_save"
	TypeMemoryRetrieve MessageType = "memory_retrieve"
	TypeMemoryUpdate   MessageType = "memory_update"
	TypeAgentSpawn     MessageType = "agent_spawn"
	TypeAgentTerminate MessageType = "agent_terminate"
)

var RequestTypes = []MessageType{
	TypeModelCall,
	TypeToolCall,
	TypeAgentMessage,
	TypeMemorySave,
	TypeMemoryRetrieve,
	TypeMemoryUpdate,
	TypeAgentSpawn,
	TypeAgentTerminate,
}

type CreatedByKind string

const (
	CreatedByUser   CreatedByKind = "user"
	CreatedByAgent  CreatedByKind = "agent"
	CreatedBySystem CreatedByKind = "system"
)

// CreatedBy identifies the actor that originated a message.
type CreatedBy struct {
	Kind CreatedByKind `json:"kind"`
	ID   string        `json:"id"`
}

// ResourceLimits carries advisory execution bounds for handlers.
type ResourceLimits struct {
	TimeoutMS   int `json:"timeout_ms,omitempty"`
	MaxTokens   int `json:"max_tokens,omitempty"`
	MaxMemoryMB int `json:"max_memory_mb,omitempty"`
}

// Message is the canonical request placed on an org queue.
type Message struct {
	MessageID       string                 `json:"message_id"`
	SchemaVersion   string                 `json:"version"`
	OrgID           string                 `json:"org_id"`
	AgentID         string                 `json:"agent_id,omitempty"`
	UserID          string                 `json:"user_id,omitempty"`
	GoalID          string                 `json:"goal_id"`
	TaskID          string                 `json:"task_id"`
	ParentMessageID string                 `json:"parent_message_id,omitempty"`
	CreatedBy       CreatedBy              `json:"created_by"`
	Type            MessageType            `json:"type"`
	Priority        int                    `json:"priority"`
	CreatedAt       time.Time              `json:"created_at"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	MaxRetries      int                    `json:"max_retries"`
	DedupKey        string                 `json:"dedup_key,omitempty"`
	NoDemote        bool                   `json:"no_demote,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	ResourceLimits  *ResourceLimits        `json:"resource_limits,omitempty"`
	Payload         json.RawMessage        `json:"payload,omitempty"`
}

// EffectiveDedupKey returns the caller-supplied dedup key, falling back
// to the message id so replays of the same message still collapse.
func (m *Message) EffectiveDedupKey() string {
	if m.DedupKey != "" {
		return m.DedupKey
	}
	return m.MessageID
}

func (m *Message) EffectiveMaxRetries(fallback int) int {
	if m.MaxRetries > 0 {
		return m.MaxRetries
	}
	return fallback
}

func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}
