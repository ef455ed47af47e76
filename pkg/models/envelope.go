package models

import (
	"encoding/json"
	"strconv"
)

// Envelope headers carried on the wire next to the JSON body. The
// header set mirrors the routing-relevant message fields so brokers
// and shovels can act without decoding the body.
const (
	HeaderMessageID     = "message_id"
	HeaderOrgID         = "org_id"
	HeaderAgentID       = "agent_id"
	HeaderType          = "type"
	HeaderPriority      = "priority"
	HeaderRetryCount    = "retry_count"
	HeaderSchemaVersion = "schema_version"
	HeaderDedupKey      = "dedup_key"
	HeaderEnqueuedAt    = "enqueued_at"
)

// EnvelopeHeaders builds the wire header table for a message.
func EnvelopeHeaders(msg *Message) map[string]interface{} {
	headers := map[string]interface{}{
		HeaderMessageID:     msg.MessageID,
		HeaderOrgID:         msg.OrgID,
		HeaderType:          string(msg.Type),
		HeaderPriority:      int32(msg.Priority),
		HeaderRetryCount:    int32(msg.RetryCount),
		HeaderSchemaVersion: msg.SchemaVersion,
	}
	if msg.AgentID != "" {
		headers[HeaderAgentID] = msg.AgentID
	}
	if msg.DedupKey != "" {
		headers[HeaderDedupKey] = msg.DedupKey
	}
	return headers
}

// HeaderString reads a string header, converting the numeric types
// AMQP clients hand back.
func HeaderString(headers map[string]interface{}, key string) string {
	v, ok := headers[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int32:
		return strconv.Itoa(int(t))
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

func HeaderInt(headers map[string]interface{}, key string) (int, bool) {
	v, ok := headers[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}
