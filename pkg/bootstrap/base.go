package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/logger"
	"courier/pkg/health"
)

// Base carries the wiring every courier role shares: config, logger,
// the broker client, and the metrics/health HTTP server.
type Base struct {
	Config *config.Config
	Logger logger.Logger
	Broker *broker.Client

	server *http.Server
	health *health.CheckerRegistry
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
		health: health.NewCheckerRegistry(),
	}
}

func (b *Base) InitBroker(ctx context.Context) error {
	client, err := broker.Dial(ctx, b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	b.Broker = client
	b.health.Register(health.NewAMQPChecker(client.Raw))
	return nil
}

func (b *Base) RegisterHealthChecker(checker health.Checker) {
	b.health.Register(checker)
}

// InitHTTPServer exposes /health and /metrics on the metrics port,
// plus any extra handler the role provides.
func (b *Base) InitHTTPServer(extra http.Handler) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := b.health.Check(r.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		fmt.Fprintf(w, `{"status":"%s","timestamp":"%s"}`, h.Status, h.Timestamp.Format(time.RFC3339))
	})

	mux.Handle("/metrics", promhttp.Handler())
	if extra != nil {
		mux.Handle("/", extra)
	}

	b.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", b.Config.Server.MetricsPort),
		Handler: mux,
	}
}

func (b *Base) ServeHTTP() error {
	if b.server == nil {
		return nil
	}
	b.Logger.Infow("HTTP server starting", "port", b.Config.Server.MetricsPort)
	if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if b.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := b.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
		cancel()
	}

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if b.Broker != nil {
		if err := b.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
