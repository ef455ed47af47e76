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
	"courier/internal/coordinator"
	"courier/internal/idempotency"
	"courier/internal/logger"
	"courier/internal/producer"
	"courier/internal/store"
	"courier/internal/topology"
	"courier/pkg/bootstrap"
	"courier/pkg/health"
	"courier/pkg/logging"
	"courier/pkg/metrics"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	store       *store.Store
	redis       *redis.Client
	auditWriter *audit.Writer
	coord       *coordinator.Coordinator
	handles     map[string]*coordinator.SubscriptionHandle
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("coordinator")
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		handles:     make(map[string]*coordinator.SubscriptionHandle),
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

	orgID := a.Config.Coordinator.OrgID

	topo := topology.NewManager(a.Broker, a.Logger)
	if err := topo.DeclareOrg(ctx, orgID); err != nil {
		return err
	}

	metrics.RegisterCoordinatorMetrics()
	metrics.RegisterProducerMetrics()
	metrics.RegisterAuditMetrics()

	a.auditWriter = audit.NewWriter(a.store, a.Config.Audit, a.Logger)

	idem := idempotency.NewService(a.store, a.Config.EventStore.IdempotencyTTLDays, a.Logger)
	controller := backpressure.NewController(
		backpressure.NewDepthSampler(a.Config.Broker),
		a.redis,
		a.Config.Backpressure,
		a.Logger,
	)

	prod := producer.NewService(
		broker.NewPublisher(a.Broker, a.Logger, true),
		broker.NewPublisher(a.Broker, a.Logger, false),
		idem,
		controller,
		a.auditWriter,
		nil,
		a.Logger,
	)

	a.coord = coordinator.New(
		orgID,
		a.Config.Coordinator,
		a.Broker,
		topo,
		prod,
		broker.NewPublisher(a.Broker, a.Logger, false),
		a.store,
		a.Logger,
	)

	for _, agentID := range a.Config.Coordinator.AgentIDs {
		handle, err := a.coord.Register(ctx, agentID)
		if err != nil {
			return fmt.Errorf("failed to register agent %s: %w", agentID, err)
		}
		a.handles[agentID] = handle
	}

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
		return a.coord.Run(gCtx)
	})

	// Local delivery loop per agent: pull from the mailbox and hand to
	// the in-process agent runtime. Here that runtime is a log sink.
	for agentID, handle := range a.handles {
		agentID, handle := agentID, handle
		g.Go(func() error {
			agentCtx := logging.WithAgentID(gCtx, agentID)
			for {
				resp, ok := handle.Next(gCtx)
				if !ok {
					return nil
				}
				handle.Beat()
				a.Logger.InfowCtx(agentCtx, "Response delivered",
					"request_id", resp.RequestID,
					"type", resp.Type,
				)
			}
		})
	}

	err := g.Wait()

	shutdownErr := a.Base.Shutdown(context.Background(), func(sCtx context.Context) []error {
		return a.dbConnector.ShutdownDatabases(sCtx, a.store, a.redis)
	})
	if err != nil && err != context.Canceled {
		return err
	}
	return shutdownErr
}
