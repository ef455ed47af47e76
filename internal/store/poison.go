package store

import (
	"context"
	"database/sql"
	"time"
)

// IncrementPoisonCounter bumps the failure counter for a dedup key and
// returns the new count. The upsert keeps concurrent workers from
// losing increments.
func (s *Store) IncrementPoisonCounter(ctx context.Context, orgID, dedupKey string) (int, error) {
	var count int
	err := s.exec(ctx, func() error {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO poison_counters (org_id, dedup_key, count, updated_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (org_id, dedup_key) DO UPDATE SET
				count = poison_counters.count + 1,
				updated_at = EXCLUDED.updated_at
			RETURNING count
		`, orgID, dedupKey, time.Now().UTC()).Scan(&count)
		return s.wrapErr("increment poison counter", err)
	})
	return count, err
}

// GetPoisonCount reads the current failure count for a dedup key.
func (s *Store) GetPoisonCount(ctx context.Context, orgID, dedupKey string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM poison_counters WHERE org_id = $1 AND dedup_key = $2`,
		orgID, dedupKey,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, s.wrapErr("get poison count", err)
	}
	return count, nil
}

// ResetPoisonCounter clears the counter after a successful completion.
func (s *Store) ResetPoisonCounter(ctx context.Context, orgID, dedupKey string) error {
	return s.exec(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM poison_counters WHERE org_id = $1 AND dedup_key = $2`, orgID, dedupKey)
		return s.wrapErr("reset poison counter", err)
	})
}
