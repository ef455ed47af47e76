package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"courier/internal/audit"
	"courier/internal/backpressure"
	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/idempotency"
	"courier/internal/logger"
	"courier/internal/producer"
	"courier/internal/store"
	"courier/internal/topology"
	"courier/pkg/bootstrap"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/ratelimit"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	store       *store.Store
	redis       *redis.Client
	auditWriter *audit.Writer
	service     *producer.Service
	topo        *topology.Manager

	auditCancel context.CancelFunc
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("producer")
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

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.Logger.Warnw("Redis unavailable, backpressure stage is process-local", "error", err)
	} else {
		a.redis = rdb
	}

	if err := a.InitBroker(ctx); err != nil {
		return err
	}

	metrics.RegisterProducerMetrics()
	metrics.RegisterAuditMetrics()

	a.topo = topology.NewManager(a.Broker, a.Logger)

	a.auditWriter = audit.NewWriter(a.store, a.Config.Audit, a.Logger)
	auditCtx, cancel := context.WithCancel(context.Background())
	a.auditCancel = cancel
	go a.auditWriter.Run(auditCtx)

	idem := idempotency.NewService(a.store, a.Config.EventStore.IdempotencyTTLDays, a.Logger)

	controller := backpressure.NewController(
		backpressure.NewDepthSampler(a.Config.Broker),
		a.redis,
		a.Config.Backpressure,
		a.Logger,
	)

	var limiter *ratelimit.PublishLimiter
	if a.Config.Producer.RateLimit.Enabled {
		var orgCfg, userCfg *ratelimit.BucketConfig
		if a.Config.Producer.RateLimit.OrgRPS > 0 {
			orgCfg = &ratelimit.BucketConfig{RPS: a.Config.Producer.RateLimit.OrgRPS, Burst: a.Config.Producer.RateLimit.OrgBurst}
		}
		if a.Config.Producer.RateLimit.UserRPS > 0 {
			userCfg = &ratelimit.BucketConfig{RPS: a.Config.Producer.RateLimit.UserRPS, Burst: a.Config.Producer.RateLimit.UserBurst}
		}
		limiter = ratelimit.NewPublishLimiter(orgCfg, userCfg)
	}

	a.service = producer.NewService(
		broker.NewPublisher(a.Broker, a.Logger, true),
		broker.NewPublisher(a.Broker, a.Logger, false),
		idem,
		controller,
		a.auditWriter,
		limiter,
		a.Logger,
	)

	if override, ok := a.Config.Promotion.Overrides[a.Config.Producer.OrgID]; ok {
		a.service.SetPromotionThresholds(promotionThresholds(override))
	}

	return nil
}

func promotionThresholds(o config.PromotionThresholds) map[int]time.Duration {
	out := map[int]time.Duration{}
	for level, fallback := range constants.DefaultPromotionThresholds {
		out[level] = fallback
	}
	if o.P3 > 0 {
		out[3] = o.P3
	}
	if o.P2 > 0 {
		out[2] = o.P2
	}
	if o.P1 > 0 {
		out[1] = o.P1
	}
	return out
}

func (a *App) PublishFromFlags(ctx context.Context, f publishFlags) error {
	orgID := f.orgID
	if orgID == "" {
		orgID = a.Config.Producer.OrgID
	}
	if orgID == "" {
		return fmt.Errorf("org is required (flag --org or ORG_ID)")
	}

	if err := a.topo.DeclareOrg(ctx, orgID); err != nil {
		return err
	}

	for i := 0; i < f.count; i++ {
		builder := models.NewMessageBuilder(orgID, models.MessageType(f.msgType)).
			WithPriority(f.priority).
			WithCreatedBy(models.CreatedBySystem, "producer").
			WithPayload(json.RawMessage(f.payload)).
			WithContext(map[string]interface{}{"force_error": f.forceError})
		if f.agentID != "" {
			builder = builder.WithAgentID(f.agentID)
		}
		if f.dedupKey != "" {
			key := f.dedupKey
			if f.count > 1 {
				key = fmt.Sprintf("%s-%d", f.dedupKey, i)
			}
			builder = builder.WithDedupKey(key)
		}
		if f.noDemote {
			builder = builder.WithNoDemote()
		}

		msg := builder.Build()
		result, err := a.service.Publish(ctx, msg)
		if err != nil {
			return err
		}

		if result.Duplicate {
			a.Logger.InfowCtx(ctx, "Publish accepted (duplicate)", "message_id", result.MessageID)
		} else {
			a.Logger.InfowCtx(ctx, "Publish accepted", "message_id", result.MessageID, "priority", msg.Priority)
		}
	}

	return a.auditWriter.FlushNow(ctx)
}

func (a *App) Shutdown(ctx context.Context) error {
	if a.auditCancel != nil {
		a.auditCancel()
	}
	return a.Base.Shutdown(ctx, func(sCtx context.Context) []error {
		return a.dbConnector.ShutdownDatabases(sCtx, a.store, a.redis)
	})
}
