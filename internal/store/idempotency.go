package store

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// InsertIdempotencyKey records (org_id, dedup_key), returning false on
// a collision. The unique constraint is the arbiter; there is no
// in-memory cache in front of it.
func (s *Store) InsertIdempotencyKey(ctx context.Context, orgID, dedupKey string) (bool, error) {
	var inserted bool
	err := s.exec(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO idempotency_keys (org_id, dedup_key, created_at) VALUES ($1, $2, $3)`,
			orgID, dedupKey, time.Now().UTC(),
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
				inserted = false
				return nil
			}
			return s.wrapErr("insert idempotency key", err)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// DeleteIdempotencyKey removes a key, used as best-effort rollback when
// a confirmed publish fails after the insert.
func (s *Store) DeleteIdempotencyKey(ctx context.Context, orgID, dedupKey string) error {
	return s.exec(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE org_id = $1 AND dedup_key = $2`, orgID, dedupKey)
		return s.wrapErr("delete idempotency key", err)
	})
}

// CleanupIdempotencyKeys drops keys older than the TTL; returns rows
// removed.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	err := s.exec(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE created_at < $1`, olderThan)
		if err != nil {
			return s.wrapErr("cleanup idempotency keys", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
