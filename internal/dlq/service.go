package dlq

import (
	"context"
	"time"

	"github.com/google/cel-go/cel"

	"courier/internal/audit"
	"courier/internal/broker"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/internal/store"
	"courier/pkg/models"
)

// ReplayOptions narrows which DLQ records a replay pass touches.
type ReplayOptions struct {
	Filter           string
	Batch            int
	DryRun           bool
	PriorityOverride *int
	Since            time.Time
	Until            time.Time
}

// ReplayOutcome summarizes one replay pass.
type ReplayOutcome struct {
	Matched  int
	Replayed int
	Skipped  int
}

// Service republishes remediated DLQ records and purges expired ones.
type Service struct {
	store     *store.Store
	publisher *broker.Publisher
	audit     *audit.Writer
	filters   *FilterEvaluator
	logger    logger.Logger
}

func NewService(st *store.Store, publisher *broker.Publisher, auditWriter *audit.Writer, log logger.Logger) (*Service, error) {
	filters, err := NewFilterEvaluator()
	if err != nil {
		return nil, err
	}
	return &Service{
		store:     st,
		publisher: publisher,
		audit:     auditWriter,
		filters:   filters,
		logger:    log,
	}, nil
}

// Replay republishes matching records to the org request exchange with
// a reset retry count. Replays re-enter at their original priority
// unless overridden.
func (s *Service) Replay(ctx context.Context, orgID string, opts ReplayOptions) (ReplayOutcome, error) {
	var outcome ReplayOutcome

	batch := opts.Batch
	if batch <= 0 {
		batch = 10
	}

	var compiled cel.Program
	if opts.Filter != "" {
		p, err := s.filters.Compile(opts.Filter)
		if err != nil {
			return outcome, err
		}
		compiled = p
	}

	records, err := s.store.ListDLQ(ctx, orgID, opts.Since, opts.Until, batch*4)
	if err != nil {
		return outcome, err
	}

	for _, rec := range records {
		if outcome.Replayed >= batch {
			break
		}
		if !rec.CanReplay || rec.OriginalMessage == nil {
			outcome.Skipped++
			continue
		}
		if compiled != nil {
			match, err := s.filters.Matches(ctx, compiled, rec)
			if err != nil {
				return outcome, err
			}
			if !match {
				continue
			}
		}
		outcome.Matched++

		if opts.DryRun {
			outcome.Replayed++
			continue
		}

		msg := rec.OriginalMessage
		msg.RetryCount = 0
		if opts.PriorityOverride != nil {
			msg.Priority = *opts.PriorityOverride
		}
		if msg.Context == nil {
			msg.Context = make(map[string]interface{})
		}
		msg.Context["replayed_from"] = map[string]interface{}{"dlq": true, "dlq_id": rec.ID}
		delete(msg.Context, "error_history")

		if err := s.publisher.PublishRequest(ctx, msg); err != nil {
			return outcome, err
		}
		if err := s.store.MarkReplayed(ctx, rec.ID); err != nil {
			s.logger.WarnwCtx(ctx, "Failed to mark DLQ record replayed", "dlq_id", rec.ID, "error", err)
		}
		s.audit.EmitEvent(msg.MessageID, orgID, constants.EventReplayed, map[string]interface{}{
			"source": "dlq_replay",
			"dlq_id": rec.ID,
		})
		outcome.Replayed++
		s.logger.InfowCtx(ctx, "DLQ record replayed", "message_id", msg.MessageID, "dlq_id", rec.ID)
	}

	return outcome, nil
}

// Purge deletes records older than the cutoff.
func (s *Service) Purge(ctx context.Context, orgID string, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed, err := s.store.PurgeDLQ(ctx, orgID, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Infow("DLQ purged", "org_id", orgID, "removed", removed, "cutoff", cutoff)
	return removed, nil
}

// List pages through DLQ records for inspection.
func (s *Service) List(ctx context.Context, orgID string, limit int) ([]models.DLQRecord, error) {
	return s.store.ListDLQ(ctx, orgID, time.Time{}, time.Time{}, limit)
}
