package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"courier/internal/config"
	"courier/internal/logger"
	"courier/pkg/retry"
)

// Client owns one AMQP connection and hands out channels. Connections
// are re-established on demand with bounded backoff; callers treat a
// returned channel as single-use on error.
type Client struct {
	cfg    config.BrokerConfig
	logger logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewClient(cfg config.BrokerConfig, log logger.Logger) *Client {
	return &Client{cfg: cfg, logger: log}
}

// Dial creates a client and establishes the initial connection.
func Dial(ctx context.Context, cfg config.BrokerConfig, log logger.Logger) (*Client, error) {
	c := NewClient(cfg, log)
	if _, err := c.Connection(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connection returns the live connection, dialing with retry if the
// previous one is gone.
func (c *Client) Connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	tlsConfig, err := buildTLSConfig(c.cfg)
	if err != nil {
		return nil, err
	}

	attempts := c.cfg.ConnectRetries
	if attempts <= 0 {
		attempts = 12
	}
	initial := c.cfg.ConnectBackoff
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}

	policy := retry.Policy{
		MaxAttempts:     attempts,
		InitialInterval: initial,
		MaxInterval:     3 * time.Second,
		Multiplier:      2.0,
	}

	var conn *amqp.Connection
	err = retry.RetryWithCallback(ctx, policy, func() error {
		var dialErr error
		if tlsConfig != nil {
			conn, dialErr = amqp.DialTLS(c.cfg.URL, tlsConfig)
		} else {
			conn, dialErr = amqp.Dial(c.cfg.URL)
		}
		return dialErr
	}, func(attempt int, err error, nextDelay time.Duration) {
		c.logger.Warnw("Broker connection failed, retrying",
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	c.conn = conn
	c.logger.Infow("Broker connected", "url", redactURL(c.cfg.URL))
	return c.conn, nil
}

// Channel opens a fresh channel on the live connection.
func (c *Client) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.Connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// Raw returns the current connection without dialing; nil when closed.
func (c *Client) Raw() *amqp.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// buildTLSConfig returns a TLS configuration when the URL scheme is
// amqps, loading CA and client-auth materials when configured.
func buildTLSConfig(cfg config.BrokerConfig) (*tls.Config, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	if u.Scheme != "amqps" {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA cert %s", cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCertPath != "" && cfg.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
