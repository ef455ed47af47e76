package store

import (
	"context"
	"encoding/json"
	"time"

	"courier/pkg/models"
)

// AppendEvents writes a batch of lifecycle events in one transaction.
// The batch either lands whole or not at all, so a re-flush after a
// failed attempt cannot interleave with later batches.
func (s *Store) AppendEvents(ctx context.Context, events []models.MessageEventRecord) error {
	if len(events) == 0 {
		return nil
	}

	return s.exec(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.wrapErr("begin event batch", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO message_events (message_id, org_id, event_type, details, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`)
		if err != nil {
			return s.wrapErr("prepare event insert", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			createdAt := ev.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			var details []byte
			if ev.Details != nil {
				details, err = json.Marshal(ev.Details)
				if err != nil {
					return s.wrapErr("marshal event details", err)
				}
			}
			if _, err := stmt.ExecContext(ctx, nullable(ev.MessageID), ev.OrgID, ev.EventType, details, createdAt); err != nil {
				return s.wrapErr("insert event", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return s.wrapErr("commit event batch", err)
		}
		return nil
	})
}

// QueryEvents returns lifecycle events for an org, optionally filtered
// by message id, oldest first.
func (s *Store) QueryEvents(ctx context.Context, orgID, messageID string, limit int) ([]models.MessageEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT message_id, org_id, event_type, details, created_at
		FROM message_events
		WHERE org_id = $1 AND ($2 = '' OR message_id = $2)
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, orgID, messageID, limit)
	if err != nil {
		return nil, s.wrapErr("query events", err)
	}
	defer rows.Close()

	var events []models.MessageEventRecord
	for rows.Next() {
		var ev models.MessageEventRecord
		var msgID *string
		var details []byte
		if err := rows.Scan(&msgID, &ev.OrgID, &ev.EventType, &details, &ev.CreatedAt); err != nil {
			return nil, s.wrapErr("scan event", err)
		}
		if msgID != nil {
			ev.MessageID = *msgID
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &ev.Details)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
