package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"courier/pkg/models"
)

// UpsertMessage writes the latest status snapshot for a message,
// keyed by message_id.
func (s *Store) UpsertMessage(ctx context.Context, rec models.MessageRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (message_id, org_id, agent_id, type, priority, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (message_id) DO UPDATE SET
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			priority = EXCLUDED.priority,
			type = EXCLUDED.type,
			updated_at = EXCLUDED.updated_at
	`

	payload := rec.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	return s.exec(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.MessageID, rec.OrgID, nullable(rec.AgentID), nullable(string(rec.Type)),
			rec.Priority, rec.Status, []byte(payload), rec.UpdatedAt,
		)
		return s.wrapErr("upsert message", err)
	})
}

// GetMessageStatus returns the last recorded status for a message.
func (s *Store) GetMessageStatus(ctx context.Context, messageID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM messages WHERE message_id = $1`, messageID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", s.wrapErr("get message status", err)
	}
	return status, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
