package management

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"courier/internal/backpressure"
	"courier/internal/dlq"
	"courier/internal/logger"
	"courier/internal/store"
	apperrors "courier/pkg/errors"
	"courier/pkg/ratelimit"
)

// Handler serves the operator API: queue stats, lifecycle event
// queries, and DLQ inspection/replay.
type Handler struct {
	store   *store.Store
	dlq     *dlq.Service
	sampler *backpressure.DepthSampler
	bp      *backpressure.Controller
	logger  logger.Logger
}

func NewHandler(st *store.Store, dlqSvc *dlq.Service, sampler *backpressure.DepthSampler, bp *backpressure.Controller, log logger.Logger) *Handler {
	return &Handler{
		store:   st,
		dlq:     dlqSvc,
		sampler: sampler,
		bp:      bp,
		logger:  log,
	}
}

func (h *Handler) Routes(r *gin.Engine, rateCfg ratelimit.MiddlewareConfig) {
	api := r.Group("/api/v1", ratelimit.Middleware(rateCfg))

	api.GET("/orgs/:org_id/stats", h.orgStats)
	api.GET("/orgs/:org_id/events", h.queryEvents)
	api.GET("/orgs/:org_id/dlq", h.listDLQ)
	api.POST("/orgs/:org_id/dlq/replay", h.replayDLQ)
}

func (h *Handler) orgStats(c *gin.Context) {
	orgID := c.Param("org_id")

	depth, err := h.sampler.QueueDepth(c.Request.Context(), orgID)
	if err != nil {
		c.JSON(http.StatusBadGateway, apperrors.ToErrorResponse(apperrors.Wrap(err, apperrors.ErrBrokerUnavailable)))
		return
	}

	stage := h.bp.StageFor(c.Request.Context(), orgID)

	c.JSON(http.StatusOK, gin.H{
		"org_id": orgID,
		"depth":  depth,
		"stage":  stage.String(),
	})
}

func (h *Handler) queryEvents(c *gin.Context) {
	orgID := c.Param("org_id")
	messageID := c.Query("message_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	events, err := h.store.QueryEvents(c.Request.Context(), orgID, messageID, limit)
	if err != nil {
		c.JSON(apperrors.ToHTTPStatus(err), apperrors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"org_id": orgID,
		"count":  len(events),
		"events": events,
	})
}

func (h *Handler) listDLQ(c *gin.Context) {
	orgID := c.Param("org_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	records, err := h.dlq.List(c.Request.Context(), orgID, limit)
	if err != nil {
		c.JSON(apperrors.ToHTTPStatus(err), apperrors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"org_id":  orgID,
		"count":   len(records),
		"records": records,
	})
}

type replayRequest struct {
	Filter   string `json:"filter"`
	Batch    int    `json:"batch"`
	DryRun   bool   `json:"dry_run"`
	Priority *int   `json:"priority"`
}

func (h *Handler) replayDLQ(c *gin.Context) {
	orgID := c.Param("org_id")

	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.ToErrorResponse(apperrors.Wrap(err, apperrors.ErrValidation)))
		return
	}

	if req.Priority != nil && (*req.Priority < 0 || *req.Priority > 3) {
		c.JSON(http.StatusBadRequest, apperrors.ToErrorResponse(
			apperrors.ErrValidation.WithDetail("message", "priority must be between 0 and 3")))
		return
	}

	outcome, err := h.dlq.Replay(c.Request.Context(), orgID, dlq.ReplayOptions{
		Filter:           req.Filter,
		Batch:            req.Batch,
		DryRun:           req.DryRun,
		PriorityOverride: req.Priority,
	})
	if err != nil {
		c.JSON(apperrors.ToHTTPStatus(err), apperrors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"org_id":   orgID,
		"matched":  outcome.Matched,
		"replayed": outcome.Replayed,
		"skipped":  outcome.Skipped,
		"dry_run":  req.DryRun,
	})
}
