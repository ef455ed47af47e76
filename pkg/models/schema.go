package models

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// CurrentSchemaVersion is the version stamped on newly produced
// messages. Publishes are accepted for the current and previous major.
const CurrentSchemaVersion = "1.0.0"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// SchemaVersionSupported reports whether a semantic version falls in
// the supported window (current major or the one before it).
func SchemaVersionSupported(version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	current := semver.MustParse(CurrentSchemaVersion)
	major := v.Major()
	return major == current.Major() || major+1 == current.Major()
}

func validType(t MessageType) bool {
	for _, known := range RequestTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ValidateMessage checks the envelope fields the queue relies on.
// Payload contents are the handler's concern and are not inspected.
func ValidateMessage(msg *Message) error {
	if msg == nil {
		return &ValidationError{Field: "message", Message: "message cannot be nil"}
	}

	if msg.MessageID == "" {
		return &ValidationError{Field: "message_id", Message: "message ID is required"}
	}

	if msg.OrgID == "" {
		return &ValidationError{Field: "org_id", Message: "org ID is required"}
	}

	if !validType(msg.Type) {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown message type %q", msg.Type)}
	}

	if msg.Priority < 0 || msg.Priority > 3 {
		return &ValidationError{Field: "priority", Message: "priority must be between 0 and 3"}
	}

	if msg.CreatedBy.ID == "" {
		return &ValidationError{Field: "created_by.id", Message: "creator ID is required"}
	}

	switch msg.CreatedBy.Kind {
	case CreatedByUser, CreatedByAgent, CreatedBySystem:
	default:
		return &ValidationError{Field: "created_by.kind", Message: fmt.Sprintf("unknown creator kind %q", msg.CreatedBy.Kind)}
	}

	if msg.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Message: "creation timestamp is required"}
	}

	if msg.RetryCount < 0 {
		return &ValidationError{Field: "retry_count", Message: "retry count cannot be negative"}
	}

	if msg.RetryCount > msg.MaxRetries && msg.MaxRetries > 0 {
		return &ValidationError{Field: "retry_count", Message: "retry count exceeds max retries"}
	}

	if _, err := semver.NewVersion(msg.SchemaVersion); err != nil {
		return &ValidationError{Field: "version", Message: "schema version must be semantic (MAJOR.MINOR.PATCH)"}
	}

	return nil
}
