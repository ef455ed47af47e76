package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"courier/internal/audit"
	"courier/internal/backpressure"
	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/dlq"
	"courier/internal/logger"
	"courier/internal/management"
	"courier/internal/store"
	"courier/pkg/bootstrap"
	"courier/pkg/health"
	"courier/pkg/metrics"
	"courier/pkg/ratelimit"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	store       *store.Store
	redis       *redis.Client
	auditWriter *audit.Writer
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("management")
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
	if err == nil && rdb != nil {
		a.redis = rdb
		a.RegisterHealthChecker(health.NewRedisChecker(rdb))
	}

	if err := a.InitBroker(ctx); err != nil {
		return err
	}

	metrics.RegisterManagementMetrics()
	metrics.RegisterAuditMetrics()

	a.auditWriter = audit.NewWriter(a.store, a.Config.Audit, a.Logger)

	publisher := broker.NewPublisher(a.Broker, a.Logger, true)
	dlqSvc, err := dlq.NewService(a.store, publisher, a.auditWriter, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize DLQ service: %w", err)
	}

	sampler := backpressure.NewDepthSampler(a.Config.Broker)
	controller := backpressure.NewController(sampler, a.redis, a.Config.Backpressure, a.Logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	handler := management.NewHandler(a.store, dlqSvc, sampler, controller, a.Logger)
	handler.Routes(router, ratelimit.DefaultMiddlewareConfig())

	a.InitHTTPServer(router)
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

	err := g.Wait()

	shutdownErr := a.Base.Shutdown(context.Background(), func(sCtx context.Context) []error {
		return a.dbConnector.ShutdownDatabases(sCtx, a.store, a.redis)
	})
	if err != nil && err != context.Canceled {
		return err
	}
	return shutdownErr
}
