package config

import (
	"time"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	EventStore   EventStoreConfig   `mapstructure:"event_store"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Producer     ProducerConfig     `mapstructure:"producer"`
	Coordinator  CoordinatorConfig  `mapstructure:"coordinator"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	Promotion    PromotionConfig    `mapstructure:"promotion"`
	DLQ          DLQConfig          `mapstructure:"dlq"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	MetricsPort int `mapstructure:"metrics_port"`
}

type BrokerConfig struct {
	// URL format: {scheme}://{user}:{pass}@{host}:{port}/{vhost} with
	// scheme amqp or amqps; TLS is selected purely by the scheme.
	URL            string        `mapstructure:"url"`
	ManagementURL  string        `mapstructure:"management_url"`
	ManagementUser string        `mapstructure:"management_user"`
	ManagementPass string        `mapstructure:"management_pass"`
	CACertPath     string        `mapstructure:"ca_cert_path"`
	ClientCertPath string        `mapstructure:"client_cert_path"`
	ClientKeyPath  string        `mapstructure:"client_key_path"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	ConnectBackoff time.Duration `mapstructure:"connect_backoff"`
}

type EventStoreConfig struct {
	URL string `mapstructure:"url"`
	Key string `mapstructure:"key"`

	MaxOpenConns  int  `mapstructure:"max_open_conns"`
	RunMigrations bool `mapstructure:"run_migrations"`

	IdempotencyTTLDays int `mapstructure:"idempotency_ttl_days"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WorkerConfig struct {
	OrgID           string        `mapstructure:"org_id"`
	AgentID         string        `mapstructure:"agent_id"`
	Prefetch        int           `mapstructure:"prefetch"`
	Concurrency     int           `mapstructure:"concurrency"`
	PoisonThreshold int           `mapstructure:"poison_threshold"`
	MaxRetries      int           `mapstructure:"max_retries"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

type ProducerConfig struct {
	OrgID     string          `mapstructure:"org_id"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	OrgRPS    float64 `mapstructure:"org_rps"`
	OrgBurst  int     `mapstructure:"org_burst"`
	UserRPS   float64 `mapstructure:"user_rps"`
	UserBurst int     `mapstructure:"user_burst"`
}

type CoordinatorConfig struct {
	OrgID             string        `mapstructure:"org_id"`
	AgentIDs          []string      `mapstructure:"agent_ids"`
	MailboxCapacity   int           `mapstructure:"mailbox_capacity"`
	OverflowPolicy    string        `mapstructure:"overflow_policy"` // "block" or "drop_oldest_non_p0"
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RunawayInterval   time.Duration `mapstructure:"runaway_interval"`
	DrainDeadline     time.Duration `mapstructure:"drain_deadline"`
}

type AuditConfig struct {
	FlushSize     int           `mapstructure:"flush_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// Redaction level: none, medium, full.
	RedactionLevel string `mapstructure:"redaction_level"`
}

type BackpressureConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	ScaleCooldown  time.Duration `mapstructure:"scale_cooldown"`
	ScaleIncrement int           `mapstructure:"scale_increment"`
	MaxWorkers     int           `mapstructure:"max_workers"`

	ScaleThreshold     int `mapstructure:"scale_threshold"`
	LightThreshold     int `mapstructure:"light_threshold"`
	HeavyThreshold     int `mapstructure:"heavy_threshold"`
	EmergencyThreshold int `mapstructure:"emergency_threshold"`
}

type PromotionConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Per-org threshold overrides keyed by org id.
	Overrides map[string]PromotionThresholds `mapstructure:"overrides"`
}

// PromotionThresholds holds the queue age after which a message at the
// named priority moves up one class.
type PromotionThresholds struct {
	P3 time.Duration `mapstructure:"p3"`
	P2 time.Duration `mapstructure:"p2"`
	P1 time.Duration `mapstructure:"p1"`
}

type DLQConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
