package idempotency

import (
	"context"
	"time"

	"courier/internal/logger"
	"courier/internal/store"
	"courier/pkg/metrics"
)

// Repository is the uniqueness gate contract. The event store is the
// sole arbiter; no cache sits in front of it.
type Repository interface {
	InsertIdempotencyKey(ctx context.Context, orgID, dedupKey string) (bool, error)
	DeleteIdempotencyKey(ctx context.Context, orgID, dedupKey string) error
	CleanupIdempotencyKeys(ctx context.Context, olderThan time.Time) (int64, error)
}

type Service struct {
	repo    Repository
	logger  logger.Logger
	ttlDays int
}

func NewService(repo Repository, ttlDays int, log logger.Logger) *Service {
	if ttlDays <= 0 {
		ttlDays = 30
	}
	return &Service{repo: repo, logger: log, ttlDays: ttlDays}
}

var _ Repository = (*store.Store)(nil)

// MarkAndCheck records (org, key); true means first sight, false means
// a duplicate.
func (s *Service) MarkAndCheck(ctx context.Context, orgID, dedupKey string) (bool, error) {
	first, err := s.repo.InsertIdempotencyKey(ctx, orgID, dedupKey)
	if err != nil {
		return false, err
	}
	if !first {
		metrics.IdempotencyCollisionsTotal.WithLabelValues(orgID).Inc()
	}
	return first, nil
}

// Release removes a key after a failed publish so the caller can retry
// the same dedup key later. Best-effort.
func (s *Service) Release(ctx context.Context, orgID, dedupKey string) {
	if err := s.repo.DeleteIdempotencyKey(ctx, orgID, dedupKey); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to release idempotency key",
			"org_id", orgID,
			"dedup_key", dedupKey,
			"error", err,
		)
	}
}

// Cleanup drops keys past their retention window.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.ttlDays)
	removed, err := s.repo.CleanupIdempotencyKeys(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Infow("Idempotency keys cleaned up", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
