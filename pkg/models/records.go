package models

import (
	"encoding/json"
	"time"
)

// MessageRecord is the latest-state snapshot row for the messages
// table, upserted by message_id.
type MessageRecord struct {
	MessageID string          `json:"message_id"`
	OrgID     string          `json:"org_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	Type      MessageType     `json:"type,omitempty"`
	Priority  int             `json:"priority"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MessageEventRecord is one append-only row in message_events.
type MessageEventRecord struct {
	MessageID string                 `json:"message_id,omitempty"`
	OrgID     string                 `json:"org_id"`
	EventType string                 `json:"event_type"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// FailureEntry is one attempt's failure, accumulated into a DLQ
// record's error history.
type FailureEntry struct {
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	RetryCount int       `json:"retry_count"`
	Worker     string    `json:"worker,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DLQRecord captures a terminal failure for analysis and replay.
type DLQRecord struct {
	ID              int64          `json:"id,omitempty"`
	OrgID           string         `json:"org_id"`
	OriginalMessage *Message       `json:"original_message"`
	ErrorHistory    []FailureEntry `json:"error_history"`
	Reason          string         `json:"reason"`
	CanReplay       bool           `json:"can_replay"`
	DLQTimestamp    time.Time      `json:"dlq_timestamp"`
}

// MessageFromJSON decodes the original message out of a raw payload
// column, tolerating unknown fields for forward compatibility.
func MessageFromJSON(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
