package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current depth of the org request queue (count)",
		},
		[]string{"org_id"},
	)

	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_total",
			Help: "Total publish attempts by priority and outcome (count)",
		},
		[]string{"priority", "outcome"},
	)

	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "publish_duration_ms",
			Help:    "Publish latency in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"priority"},
	)

	DequeueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dequeue_total",
			Help: "Total messages dequeued by workers (count)",
		},
		[]string{"org_id", "type"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handler_duration_ms",
			Help:    "Handler execution duration in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"type", "status"},
	)

	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_total",
			Help: "Total retries scheduled by error kind (count)",
		},
		[]string{"error_kind", "strategy"},
	)

	PromotionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotion_total",
			Help: "Total priority promotions (count)",
		},
		[]string{"from", "to"},
	)

	DemotionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "demotion_total",
			Help: "Total priority demotions on retry (count)",
		},
		[]string{"from", "to"},
	)

	ResponseFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_frames_total",
			Help: "Total response frames emitted by type (count)",
		},
		[]string{"type"},
	)

	DLQInsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_inserts_total",
			Help: "Total messages shipped to the DLQ by reason (count)",
		},
		[]string{"org_id", "reason"},
	)

	PoisonQuarantinedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poison_quarantined_total",
			Help: "Total messages quarantined as poison (count)",
		},
		[]string{"type"},
	)

	IdempotencyCollisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_collisions_total",
			Help: "Total duplicate publishes suppressed by the idempotency store (count)",
		},
		[]string{"org_id"},
	)

	AuditFlushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_flush_size",
			Help:    "Events per audit batch flush",
			Buckets: []float64{1, 5, 10, 25, 50, 75, 100},
		},
	)

	AuditFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_flush_duration_ms",
			Help:    "Audit batch flush duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	AuditDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_dropped_total",
			Help: "Non-terminal audit events dropped while the store was unavailable (count)",
		},
		[]string{"event_type"},
	)

	MailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_mailbox_depth",
			Help: "Buffered responses per registered agent mailbox (count)",
		},
		[]string{"agent_id"},
	)

	MailboxDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_mailbox_dropped_total",
			Help: "Responses dropped from overflowing mailboxes (count)",
		},
		[]string{"agent_id"},
	)

	AgentsRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_agents_registered",
			Help: "Agents currently registered with the coordinator (count)",
		},
	)

	BackpressureStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backpressure_stage",
			Help: "Current backpressure stage per org (0=normal .. 4=emergency)",
		},
		[]string{"org_id"},
	)

	BackpressureRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backpressure_rejects_total",
			Help: "Publishes rejected under backpressure (count)",
		},
		[]string{"org_id", "priority"},
	)

	BackpressureAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backpressure_alerts_total",
			Help: "Emergency backpressure alerts raised (count)",
		},
		[]string{"org_id"},
	)

	ScaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backpressure_scale_events_total",
			Help: "Worker scale signals emitted (count)",
		},
		[]string{"org_id"},
	)

	RateLimitThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_throttled_total",
			Help: "Publishes throttled by the per-org rate limiter (count)",
		},
		[]string{"org_id"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Management API requests checked against the rate limit (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	HeartbeatMissedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_heartbeat_missed_total",
			Help: "Missed agent heartbeats (count)",
		},
		[]string{"agent_id"},
	)
)

func RegisterProducerMetrics() {
	prometheus.MustRegister(PublishTotal)
	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(IdempotencyCollisionsTotal)
	prometheus.MustRegister(BackpressureStage)
	prometheus.MustRegister(BackpressureRejectsTotal)
	prometheus.MustRegister(BackpressureAlertsTotal)
	prometheus.MustRegister(RateLimitThrottledTotal)
}

func RegisterWorkerMetrics() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DequeueTotal)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(RetryTotal)
	prometheus.MustRegister(DemotionTotal)
	prometheus.MustRegister(ResponseFramesTotal)
	prometheus.MustRegister(DLQInsertsTotal)
	prometheus.MustRegister(PoisonQuarantinedTotal)
}

func RegisterCoordinatorMetrics() {
	prometheus.MustRegister(MailboxDepth)
	prometheus.MustRegister(MailboxDroppedTotal)
	prometheus.MustRegister(AgentsRegistered)
	prometheus.MustRegister(HeartbeatMissedTotal)
}

func RegisterAuditMetrics() {
	prometheus.MustRegister(AuditFlushSize)
	prometheus.MustRegister(AuditFlushDuration)
	prometheus.MustRegister(AuditDroppedTotal)
}

func RegisterPromotionMetrics() {
	prometheus.MustRegister(PromotionTotal)
}

func RegisterBackpressureMetrics() {
	prometheus.MustRegister(ScaleEventsTotal)
}

func RegisterManagementMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func ObservePublish(priority int, outcome string, duration time.Duration) {
	label := priorityLabel(priority)
	PublishTotal.WithLabelValues(label, outcome).Inc()
	PublishDuration.WithLabelValues(label).Observe(float64(duration.Milliseconds()))
}

func ObserveHandler(msgType, status string, duration time.Duration) {
	HandlerDuration.WithLabelValues(msgType, status).Observe(float64(duration.Milliseconds()))
}

func IncDemotion(from, to int) {
	DemotionTotal.WithLabelValues(priorityLabel(from), priorityLabel(to)).Inc()
}

func IncPromotion(from, to int) {
	PromotionTotal.WithLabelValues(priorityLabel(from), priorityLabel(to)).Inc()
}

func priorityLabel(p int) string {
	switch p {
	case 0:
		return "P0"
	case 1:
		return "P1"
	case 2:
		return "P2"
	case 3:
		return "P3"
	}
	return "P2"
}

// PriorityLabel is exported for call sites that label by priority.
func PriorityLabel(p int) string { return priorityLabel(p) }
