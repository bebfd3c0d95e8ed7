package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/zeitwork/amibuild/internal/builder/types"
	"github.com/zeitwork/amibuild/internal/shared/config"
)

// Client wraps the NATS connection with simple functionality
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewClient creates a new NATS client with the provided configuration
func NewClient(cfg *config.NATSConfig, logger *slog.Logger) (*Client, error) {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("NATS configuration is required")
	}

	opts := []nats.Option{
		nats.Name("amibuild"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}

	conn, err := nats.Connect(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", "url", cfg.URLs[0])

	return &Client{
		conn:   conn,
		logger: logger,
	}, nil
}

// Publish publishes a message to the given subject
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Close flushes pending messages and closes the NATS connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Flush(); err != nil {
		c.logger.Warn("failed to flush NATS connection", "error", err)
	}
	c.conn.Close()
	c.logger.Debug("NATS connection closed")
	return nil
}

// Publisher is the part of a NATS connection the notifier needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Notifier publishes build events as JSON. Events of a build go to
// <subject>.<build id>.
type Notifier struct {
	conn    Publisher
	subject string
}

var _ types.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier publishing on subject
func NewNotifier(conn Publisher, subject string) *Notifier {
	return &Notifier{
		conn:    conn,
		subject: subject,
	}
}

// Notify publishes event
func (n *Notifier) Notify(ctx context.Context, event types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	subject := n.subject
	if event.BuildID != "" {
		subject = subject + "." + event.BuildID
	}
	return n.conn.Publish(subject, data)
}
