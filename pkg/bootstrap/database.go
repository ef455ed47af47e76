package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"courier/internal/config"
	"courier/internal/logger"
	"courier/internal/store"
	"courier/pkg/migrations"
)

type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

// InitEventStore opens the store and applies migrations when enabled.
func (dc *DatabaseConnector) InitEventStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, dc.Config.EventStore, dc.Config.CircuitBreaker, dc.Logger)
	if err != nil {
		return nil, err
	}

	if dc.Config.EventStore.RunMigrations {
		if err := migrations.Run(st.DB(), dc.Logger); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return st, nil
}

// InitRedis connects the shared backpressure cache. Redis is optional;
// a blank host skips it.
func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	if dc.Config.Redis.Host == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dc.Config.Redis.Host, dc.Config.Redis.Port),
		Password: dc.Config.Redis.Password,
		DB:       dc.Config.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.Info("Redis connected successfully")
	return rdb, nil
}

func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context, st *store.Store, rdb *redis.Client) []error {
	var errs []error

	if st != nil {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event store close error: %w", err))
		}
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	return errs
}
