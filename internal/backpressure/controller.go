package backpressure

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"courier/internal/config"
	"courier/internal/logger"
	apperrors "courier/pkg/errors"
	"courier/pkg/metrics"
)

const stageKeyPrefix = "bp:stage:"
const stageTTL = 10 * time.Second

// Controller samples per-org queue depth and publishes the derived
// throttle stage. The stage lives in Redis so every producer process
// applies the same policy; without Redis each process samples locally.
type Controller struct {
	sampler *DepthSampler
	redis   *redis.Client
	cfg     config.BackpressureConfig
	logger  logger.Logger

	mu         sync.Mutex
	stages     map[string]Stage
	limiters   map[string]*rate.Limiter
	lastScale  map[string]time.Time
	workerHint map[string]int
}

func NewController(sampler *DepthSampler, rdb *redis.Client, cfg config.BackpressureConfig, log logger.Logger) *Controller {
	return &Controller{
		sampler:    sampler,
		redis:      rdb,
		cfg:        cfg,
		logger:     log,
		stages:     make(map[string]Stage),
		limiters:   make(map[string]*rate.Limiter),
		lastScale:  make(map[string]time.Time),
		workerHint: make(map[string]int),
	}
}

// Run samples each org on the configured interval until the context
// ends.
func (c *Controller) Run(ctx context.Context, orgIDs []string) error {
	interval := c.cfg.SampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, orgID := range orgIDs {
				c.sampleOrg(ctx, orgID)
			}
		}
	}
}

func (c *Controller) sampleOrg(ctx context.Context, orgID string) {
	depth, err := c.sampler.QueueDepth(ctx, orgID)
	if err != nil {
		c.logger.DebugwCtx(ctx, "Queue depth sample failed", "org_id", orgID, "error", err)
		return
	}

	stage := DecideStage(depth, c.cfg)

	metrics.QueueDepth.WithLabelValues(orgID).Set(float64(depth))
	metrics.BackpressureStage.WithLabelValues(orgID).Set(float64(stage))

	c.mu.Lock()
	prev := c.stages[orgID]
	c.stages[orgID] = stage
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.Set(ctx, stageKeyPrefix+orgID, int(stage), stageTTL).Err(); err != nil {
			c.logger.DebugwCtx(ctx, "Stage cache write failed", "org_id", orgID, "error", err)
		}
	}

	if stage >= StageScale {
		c.maybeScale(ctx, orgID, depth)
	}

	if stage != prev {
		c.logger.InfowCtx(ctx, "Backpressure stage changed",
			"org_id", orgID,
			"depth", depth,
			"from", prev.String(),
			"to", stage.String(),
		)
	}
}

// maybeScale emits a scale signal, honoring the cooldown and the
// worker ceiling. Actual scaling is the orchestrator's job; the signal
// is the metric.
func (c *Controller) maybeScale(ctx context.Context, orgID string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cooldown := c.cfg.ScaleCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if time.Since(c.lastScale[orgID]) < cooldown {
		return
	}
	if c.workerHint[orgID] >= c.cfg.MaxWorkers && c.cfg.MaxWorkers > 0 {
		return
	}

	increment := c.cfg.ScaleIncrement
	if increment <= 0 {
		increment = 1
	}
	c.workerHint[orgID] += increment
	c.lastScale[orgID] = time.Now()
	metrics.ScaleEventsTotal.WithLabelValues(orgID).Inc()
	c.logger.InfowCtx(ctx, "Scale signal emitted",
		"org_id", orgID,
		"depth", depth,
		"target_workers", c.workerHint[orgID],
	)
}

// StageFor returns the current stage for an org, preferring the shared
// Redis view.
func (c *Controller) StageFor(ctx context.Context, orgID string) Stage {
	if c.redis != nil {
		if val, err := c.redis.Get(ctx, stageKeyPrefix+orgID).Result(); err == nil {
			if n, err := strconv.Atoi(val); err == nil {
				return Stage(n)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stages[orgID]
}

// Allow gates one publish. Emergency stage rejects everything but P0;
// light and heavy stages squeeze low-priority publishes through a
// narrow token bucket instead of rejecting outright.
func (c *Controller) Allow(ctx context.Context, orgID string, priority int) error {
	stage := c.StageFor(ctx, orgID)

	if stage == StageEmergency && priority != 0 {
		metrics.BackpressureRejectsTotal.WithLabelValues(orgID, metrics.PriorityLabel(priority)).Inc()
		metrics.BackpressureAlertsTotal.WithLabelValues(orgID).Inc()
		return apperrors.ErrBackpressure.WithDetail("stage", stage.String())
	}

	if stage.Throttled(priority) {
		if !c.throttleLimiter(orgID).Allow() {
			metrics.BackpressureRejectsTotal.WithLabelValues(orgID, metrics.PriorityLabel(priority)).Inc()
			return apperrors.ErrBackpressure.WithDetail("stage", stage.String()).
				WithDetail("message", fmt.Sprintf("P%d publishes throttled at stage %s", priority, stage))
		}
	}

	return nil
}

func (c *Controller) throttleLimiter(orgID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[orgID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(5), 10)
		c.limiters[orgID] = l
	}
	return l
}
