package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"courier/internal/audit"
	"courier/internal/backpressure"
	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/logger"
	"courier/internal/poison"
	"courier/internal/promotion"
	"courier/internal/store"
	"courier/internal/topology"
	"courier/internal/worker"
	"courier/pkg/bootstrap"
	apperrors "courier/pkg/errors"
	"courier/pkg/health"
	"courier/pkg/metrics"
	"courier/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	store          *store.Store
	redis          *redis.Client
	auditWriter    *audit.Writer
	service        *worker.Service
	promoter       *promotion.Scheduler
	controller     *backpressure.Controller
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("worker")
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	st, err := a.dbConnector.InitEventStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}
	a.store = st
	a.RegisterHealthChecker(health.NewPostgreSQLChecker(st.DB()))

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.Logger.Warnw("Redis unavailable, backpressure stage is process-local", "error", err)
	} else if rdb != nil {
		a.redis = rdb
		a.RegisterHealthChecker(health.NewRedisChecker(rdb))
	}

	if err := a.InitBroker(ctx); err != nil {
		return err
	}

	orgID := a.Config.Worker.OrgID
	agentID := a.Config.Worker.AgentID

	topo := topology.NewManager(a.Broker, a.Logger)
	if err := topo.DeclareOrg(ctx, orgID); err != nil {
		return err
	}
	if agentID != "" {
		if err := topo.DeclareAgent(ctx, orgID, agentID); err != nil {
			return err
		}
	}

	tp, err := tracing.Init(a.Config.Tracing, "worker")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterWorkerMetrics()
	metrics.RegisterAuditMetrics()
	metrics.RegisterBackpressureMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	a.auditWriter = audit.NewWriter(a.store, a.Config.Audit, a.Logger)
	poisonSvc := poison.NewService(a.store, a.Config.Worker.PoisonThreshold, a.Logger)

	consumer := broker.NewConsumer(a.Broker, a.Logger, a.Config.Worker.Prefetch)
	publisher := broker.NewPublisher(a.Broker, a.Logger, true)

	workerID := agentID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s", orgID)
	}

	a.service = worker.NewService(
		orgID, workerID,
		a.Config.Worker,
		consumer, publisher,
		worker.NewDefaultRegistry(),
		a.auditWriter,
		poisonSvc,
		a.store,
		topo.RetryDelaysMS(),
		a.Logger,
	)

	a.promoter = promotion.NewScheduler(
		orgID,
		broker.NewConsumer(a.Broker, a.Logger, 1),
		publisher,
		a.auditWriter,
		a.Config.Promotion,
		a.Logger,
	)
	metrics.RegisterPromotionMetrics()

	a.controller = backpressure.NewController(
		backpressure.NewDepthSampler(a.Config.Broker),
		a.redis,
		a.Config.Backpressure,
		a.Logger,
	)

	a.InitHTTPServer(nil)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.ServeHTTP()
	})

	g.Go(func() error {
		return a.auditWriter.Run(gCtx)
	})

	g.Go(func() error {
		return a.controller.Run(gCtx, []string{a.Config.Worker.OrgID})
	})

	g.Go(func() error {
		return a.promoter.Run(gCtx)
	})

	g.Go(func() error {
		return a.service.Run(gCtx)
	})

	err := g.Wait()

	shutdownErr := a.Base.Shutdown(context.Background(), func(sCtx context.Context) []error {
		var errs []error
		if a.tracerProvider != nil {
			if tErr := a.tracerProvider.Shutdown(sCtx); tErr != nil {
				errs = append(errs, tErr)
			}
		}
		errs = append(errs, a.dbConnector.ShutdownDatabases(sCtx, a.store, a.redis)...)
		return errs
	})
	if err != nil && err != context.Canceled {
		return err
	}
	return shutdownErr
}

func (a *App) exitCode(err error) int {
	switch apperrors.Kind(err) {
	case apperrors.ErrBrokerUnavailable.Code:
		return 3
	case apperrors.ErrStoreUnavailable.Code:
		return 4
	}
	return 1
}
