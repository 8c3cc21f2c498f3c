// Package hermes publishes ingest outcomes on the NATS event bus.
package hermes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	clientName   = "lineary-ingest"
	flushTimeout = 2 * time.Second
)

// Client is a publish-only NATS connection. Events are fire-and-forget;
// consumers subscribe on their own connections.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewClient connects to url. The connection retries in the background, so an
// unreachable server does not fail startup.
func NewClient(url, token string, logger *slog.Logger) (*Client, error) {
	nc, err := nats.Connect(url, connOptions(token, logger)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("event stream ready", "url", url, "connected", nc.IsConnected())
	return &Client{conn: nc, logger: logger}, nil
}

func connOptions(token string, logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("event stream disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("event stream reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	return opts
}

// Publish encodes data as JSON and sends it on subject. While disconnected,
// messages are buffered by the client library up to its reconnect buffer.
func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subject, err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes buffered events before disconnecting.
func (c *Client) Close() {
	if c.conn.IsConnected() {
		if err := c.conn.FlushTimeout(flushTimeout); err != nil {
			c.logger.Warn("event stream flush failed", "error", err)
		}
	}
	c.conn.Close()
}
