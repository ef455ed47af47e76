package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ValidateStatic checks invariants that do not depend on reachable
// infrastructure. Connection failures are handled at startup instead.
func ValidateStatic(cfg *Config) error {
	var errs []string

	if cfg.Broker.URL == "" {
		errs = append(errs, "broker.url is required")
	} else if err := validateBrokerURL(cfg.Broker.URL); err != nil {
		errs = append(errs, err.Error())
	}

	if cfg.Broker.ClientCertPath != "" && cfg.Broker.ClientKeyPath == "" {
		errs = append(errs, "broker.client_key_path is required when broker.client_cert_path is set")
	}
	if cfg.Broker.ClientKeyPath != "" && cfg.Broker.ClientCertPath == "" {
		errs = append(errs, "broker.client_cert_path is required when broker.client_key_path is set")
	}

	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.metrics_port %d out of range", cfg.Server.MetricsPort))
	}

	if cfg.Worker.Prefetch <= 0 {
		errs = append(errs, "worker.prefetch must be positive")
	}
	if cfg.Worker.Concurrency <= 0 {
		errs = append(errs, "worker.concurrency must be positive")
	}
	if cfg.Worker.PoisonThreshold <= 0 {
		errs = append(errs, "worker.poison_threshold must be positive")
	}

	switch cfg.Coordinator.OverflowPolicy {
	case "", "block", "drop_oldest_non_p0":
	default:
		errs = append(errs, fmt.Sprintf("coordinator.overflow_policy %q unknown (block, drop_oldest_non_p0)", cfg.Coordinator.OverflowPolicy))
	}
	if cfg.Coordinator.MailboxCapacity <= 0 {
		errs = append(errs, "coordinator.mailbox_capacity must be positive")
	}

	switch cfg.Audit.RedactionLevel {
	case "", "none", "medium", "full":
	default:
		errs = append(errs, fmt.Sprintf("audit.redaction_level %q unknown (none, medium, full)", cfg.Audit.RedactionLevel))
	}
	if cfg.Audit.FlushSize <= 0 {
		errs = append(errs, "audit.flush_size must be positive")
	}
	if cfg.Audit.FlushInterval <= 0 {
		errs = append(errs, "audit.flush_interval must be positive")
	}

	if cfg.Backpressure.ScaleThreshold > cfg.Backpressure.LightThreshold ||
		cfg.Backpressure.LightThreshold > cfg.Backpressure.HeavyThreshold ||
		cfg.Backpressure.HeavyThreshold > cfg.Backpressure.EmergencyThreshold {
		errs = append(errs, "backpressure thresholds must be non-decreasing (scale <= light <= heavy <= emergency)")
	}

	if cfg.Promotion.Interval <= 0 {
		errs = append(errs, "promotion.interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBrokerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("broker.url invalid: %w", err)
	}
	switch u.Scheme {
	case "amqp", "amqps":
	default:
		return fmt.Errorf("broker.url scheme %q unsupported (amqp, amqps)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("broker.url missing host")
	}
	return nil
}
