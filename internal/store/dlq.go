package store

import (
	"context"
	"encoding/json"
	"time"

	"courier/pkg/models"
)

// InsertDLQ records a terminal failure with its accumulated error
// history.
func (s *Store) InsertDLQ(ctx context.Context, rec models.DLQRecord) error {
	if rec.DLQTimestamp.IsZero() {
		rec.DLQTimestamp = time.Now().UTC()
	}

	original, err := json.Marshal(rec.OriginalMessage)
	if err != nil {
		return s.wrapErr("marshal dlq message", err)
	}
	history, err := json.Marshal(rec.ErrorHistory)
	if err != nil {
		return s.wrapErr("marshal dlq error history", err)
	}

	query := `
		INSERT INTO dlq_messages (org_id, original_message, error_history, reason, can_replay, dlq_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	return s.exec(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, rec.OrgID, original, history, rec.Reason, rec.CanReplay, rec.DLQTimestamp)
		return s.wrapErr("insert dlq message", err)
	})
}

// ListDLQ pages through an org's DLQ records, oldest first.
func (s *Store) ListDLQ(ctx context.Context, orgID string, since, until time.Time, limit int) ([]models.DLQRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, org_id, original_message, error_history, reason, can_replay, dlq_timestamp
		FROM dlq_messages
		WHERE org_id = $1
		  AND ($2::timestamptz IS NULL OR dlq_timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR dlq_timestamp <= $3)
		ORDER BY dlq_timestamp ASC
		LIMIT $4
	`

	rows, err := s.db.QueryContext(ctx, query, orgID, nullableTime(since), nullableTime(until), limit)
	if err != nil {
		return nil, s.wrapErr("list dlq", err)
	}
	defer rows.Close()

	var records []models.DLQRecord
	for rows.Next() {
		var rec models.DLQRecord
		var original, history []byte
		if err := rows.Scan(&rec.ID, &rec.OrgID, &original, &history, &rec.Reason, &rec.CanReplay, &rec.DLQTimestamp); err != nil {
			return nil, s.wrapErr("scan dlq row", err)
		}
		msg, err := models.MessageFromJSON(original)
		if err != nil {
			return nil, s.wrapErr("decode dlq message", err)
		}
		rec.OriginalMessage = msg
		if len(history) > 0 {
			_ = json.Unmarshal(history, &rec.ErrorHistory)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkReplayed flips can_replay off so a record is not replayed twice.
func (s *Store) MarkReplayed(ctx context.Context, id int64) error {
	return s.exec(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE dlq_messages SET can_replay = false WHERE id = $1`, id)
		return s.wrapErr("mark dlq replayed", err)
	})
}

// PurgeDLQ deletes records older than the cutoff; returns rows removed.
func (s *Store) PurgeDLQ(ctx context.Context, orgID string, olderThan time.Time) (int64, error) {
	var removed int64
	err := s.exec(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM dlq_messages WHERE org_id = $1 AND dlq_timestamp < $2`, orgID, olderThan)
		if err != nil {
			return s.wrapErr("purge dlq", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
