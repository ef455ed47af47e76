package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"courier/internal/config"
	"courier/internal/logger"
	"courier/pkg/circuitbreaker"
	apperrors "courier/pkg/errors"
)

// Store wraps the external event store. All queue components share one
// instance; row uniqueness constraints are the only cross-worker
// serialization.
type Store struct {
	db      *sql.DB
	logger  logger.Logger
	breaker *circuitbreaker.Wrapper
}

func Open(ctx context.Context, cfg config.EventStoreConfig, breakerCfg config.CircuitBreakerConfig, log logger.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, apperrors.ErrStoreUnavailable.WithDetail("message", "event_store.url is not configured")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrStoreUnavailable)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrStoreUnavailable)
	}

	s := &Store{db: db, logger: log}

	if breakerCfg.Enabled {
		bc := circuitbreaker.DefaultConfig("event-store")
		if breakerCfg.MaxRequests > 0 {
			bc.MaxRequests = breakerCfg.MaxRequests
		}
		if breakerCfg.Interval > 0 {
			bc.Interval = breakerCfg.Interval
		}
		if breakerCfg.Timeout > 0 {
			bc.Timeout = breakerCfg.Timeout
		}
		s.breaker = circuitbreaker.NewWrapper(bc)
	}

	log.Info("Event store connected")
	return s, nil
}

// NewWithDB wires a store over an existing database handle, used by
// tests that manage their own containers.
func NewWithDB(db *sql.DB, log logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// exec routes a store operation through the circuit breaker when one
// is configured.
func (s *Store) exec(ctx context.Context, fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	_, err := s.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, fn()
	})
	s.breaker.RecordRequest(err == nil)
	return err
}

func (s *Store) wrapErr(operation string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(fmt.Errorf("%s: %w", operation, err), apperrors.ErrStoreUnavailable)
}
