package poison

import (
	"context"

	"courier/internal/constants"
	"courier/internal/logger"
	"courier/internal/store"
)

type Repository interface {
	IncrementPoisonCounter(ctx context.Context, orgID, dedupKey string) (int, error)
	GetPoisonCount(ctx context.Context, orgID, dedupKey string) (int, error)
	ResetPoisonCounter(ctx context.Context, orgID, dedupKey string) error
}

var _ Repository = (*store.Store)(nil)

// Service tracks repeated crashes per dedup key. The counter is bumped
// before the handler runs, so a worker that dies mid-message leaves a
// trail; completions reset it.
type Service struct {
	repo      Repository
	logger    logger.Logger
	threshold int
}

func NewService(repo Repository, threshold int, log logger.Logger) *Service {
	if threshold <= 0 {
		threshold = constants.DefaultPoisonThreshold
	}
	return &Service{repo: repo, logger: log, threshold: threshold}
}

func (s *Service) Threshold() int {
	return s.threshold
}

// Record bumps the counter and reports whether the key has crossed the
// quarantine threshold on a prior attempt. Counter errors fail open:
// a broken store must not block the processing path.
func (s *Service) Record(ctx context.Context, orgID, dedupKey string) (count int, quarantine bool) {
	current, err := s.repo.GetPoisonCount(ctx, orgID, dedupKey)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Poison counter read failed, allowing message", "error", err)
		return 0, false
	}
	if current >= s.threshold {
		return current, true
	}

	count, err = s.repo.IncrementPoisonCounter(ctx, orgID, dedupKey)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Poison counter increment failed", "error", err)
		return current, false
	}
	return count, false
}

// Clear removes the counter after a successful completion.
func (s *Service) Clear(ctx context.Context, orgID, dedupKey string) {
	if err := s.repo.ResetPoisonCounter(ctx, orgID, dedupKey); err != nil {
		s.logger.WarnwCtx(ctx, "Poison counter reset failed", "error", err)
	}
}
