package constants

import (
	"fmt"
	"time"
)

// Message statuses stored in the messages table.
const (
	StatusQueued       = "QUEUED"
	StatusProcessing   = "PROCESSING"
	StatusCompleted    = "COMPLETED"
	StatusFailed       = "FAILED"
	StatusRetrying     = "RETRYING"
	StatusDeadLettered = "DEAD_LETTERED"
	StatusDuplicate    = "DUPLICATE"
	StatusQuarantined  = "QUARANTINED"
)

// Lifecycle event types written to message_events.
const (
	EventCreated                  = "created"
	EventEnqueued                 = "enqueued"
	EventDequeued                 = "dequeued"
	EventProcessing               = "processing"
	EventCompleted                = "completed"
	EventFailed                   = "failed"
	EventRetryScheduled           = "retry_scheduled"
	EventPromoted                 = "promoted"
	EventDemoted                  = "demoted"
	EventDeadLetter               = "dead_letter"
	EventReplayed                 = "replayed"
	EventDuplicateSkipped         = "duplicate_skipped"
	EventPoisonQuarantined        = "poison_quarantined"
	EventConflictDetected         = "conflict_detected"
	EventConflictResolved         = "conflict_resolved"
	EventConflictResolutionFailed = "conflict_resolution_failed"
)

// DLQ reasons recorded alongside terminal failures.
const (
	DLQReasonMaxRetries   = "max_retries_exceeded"
	DLQReasonPoison       = "poison"
	DLQReasonAgentRunaway = "agent_runaway"
	DLQReasonUnreachable  = "agent_unreachable"
)

// AMQP priority queues are declared with ten levels; the four logical
// priorities spread across them so promotions land between classes.
const MaxAMQPPriority = 10

var logicalToAMQP = map[int]uint8{0: 9, 1: 6, 2: 3, 3: 0}

// MapLogicalPriorityToAMQP maps logical P0..P3 onto the AMQP 0..9 range.
// Out-of-range values fall back to P2.
func MapLogicalPriorityToAMQP(logical int) uint8 {
	if p, ok := logicalToAMQP[logical]; ok {
		return p
	}
	return logicalToAMQP[2]
}

// Broker topology naming. These names are user-visible and stable.
func OrgRequestExchange(orgID string) string { return fmt.Sprintf("org.%s.requests", orgID) }
func OrgRequestQueue(orgID string) string    { return fmt.Sprintf("org.%s.requests.q", orgID) }
func OrgDLX(orgID string) string             { return fmt.Sprintf("org.%s.dlx", orgID) }
func OrgDLQ(orgID string) string             { return fmt.Sprintf("org.%s.dlq", orgID) }
func OrgRetryExchange(orgID string) string   { return fmt.Sprintf("org.%s.retry", orgID) }
func OrgRetryQueue(orgID string, delayMS int) string {
	return fmt.Sprintf("org.%s.retry.%d", orgID, delayMS)
}
func OrgPromotionExchange(orgID string) string { return fmt.Sprintf("org.%s.promote", orgID) }
func OrgPromotionReadyQueue(orgID string) string {
	return fmt.Sprintf("org.%s.promote.ready", orgID)
}
func ResponseExchange(orgID string) string { return fmt.Sprintf("responses.%s", orgID) }
func AgentResponseQueue(agentID string) string {
	return fmt.Sprintf("agent.%s.responses.q", agentID)
}

const (
	RequestRoutingKey = "requests"
	DeadRoutingKey    = "dead"
)

// Retry delay ladder (exponential) plus the fixed holds used by the
// linear and rate-limit policies. Every value here gets a declared
// holding queue, so additions must match topology declarations.
var DefaultRetryDelaysMS = []int{1000, 2000, 4000, 8000}

const (
	LinearRetryDelayMS    = 5000
	RateLimitRetryDelayMS = 60000
)

// Promotion ladder: messages older than the threshold move up a class.
var DefaultPromotionThresholds = map[int]time.Duration{
	3: 30 * time.Second,
	2: 15 * time.Second,
	1: 5 * time.Second,
}

const (
	DefaultPrefetch        = 10
	DefaultConcurrency     = 10
	DefaultPoisonThreshold = 3
	DefaultMaxRetries      = 3

	AuditFlushSize     = 100
	AuditFlushInterval = 1 * time.Second

	ProgressInterval  = 10 * time.Second
	HeartbeatInterval = 15 * time.Second
	MissedHeartbeats  = 3

	ShutdownTimeout = 5 * time.Second
	MailboxCapacity = 1000
)

// Backpressure stage thresholds by queue depth.
const (
	DepthScale     = 100
	DepthLightLoad = 500
	DepthHeavyLoad = 1000
	DepthEmergency = 5000
)

// CLI exit codes.
const (
	ExitOK                = 0
	ExitError             = 1
	ExitConfigError       = 2
	ExitBrokerUnavailable = 3
	ExitStoreUnavailable  = 4
)
