// Package client submits payloads to the antivirus service and waits for the
// correlated verdicts.
package client

import (
	"amqpav/internal/broker"
	"amqpav/internal/config"
	"amqpav/internal/logging"
	"amqpav/internal/protocol"
	"context"
	"fmt"
	"github.com/google/uuid"
	"os"
	"time"
)

const defaultPollTimeout = 5 * time.Second

type Config struct {
	// ID is the client identity. Generated when empty.
	ID string
	// ReplyQueue defaults to ID.
	ReplyQueue      string
	RequestExchange string
	ReplyExchange   string
	PollTimeout     time.Duration
	Headers         protocol.HeaderNames
}

func NewConfig(b config.BrokerConfig, c config.ClientConfig) Config {
	return Config{
		ID:              c.ID,
		ReplyQueue:      c.ReplyQueue,
		RequestExchange: b.RequestExchange,
		ReplyExchange:   b.ReplyExchange,
		PollTimeout:     c.PollTimeout,
		Headers:         protocol.DefaultHeaders,
	}
}

// DefaultID derives an identity shared by every process on this host, so a
// request submitted by one process can be awaited by another.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "avclient-" + uuid.NewString()
	}
	return "avclient-" + host
}

type Client struct {
	broker broker.Broker
	cfg    Config
	logger logging.Logger
}

func New(b broker.Broker, cfg Config, logger logging.Logger) *Client {
	if cfg.ID == "" {
		cfg.ID = "avclient-" + uuid.NewString()
	}
	if cfg.ReplyQueue == "" {
		cfg.ReplyQueue = cfg.ID
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}

	return &Client{
		broker: b,
		cfg:    cfg,
		logger: logger.With("component", "av_client", "client_id", cfg.ID),
	}
}

// ID returns the client identity; it never changes for this client.
func (c *Client) ID() string {
	return c.cfg.ID
}

// ReplyQueue returns the private queue replies are read from.
func (c *Client) ReplyQueue() string {
	return c.cfg.ReplyQueue
}

// Submit publishes payload for scanning and returns the request message id.
// The reply queue is declared first so the reply cannot be lost.
func (c *Client) Submit(ctx context.Context, payload []byte) (string, error) {
	if err := c.broker.DeclareQueue(ctx, c.cfg.ReplyExchange, c.cfg.ReplyQueue); err != nil {
		return "", fmt.Errorf("declare reply queue: %w", err)
	}

	req := protocol.NewRequest(payload, c.cfg.ReplyQueue)
	if err := c.broker.Publish(ctx, c.cfg.RequestExchange, protocol.Encode(req, c.cfg.Headers)); err != nil {
		return "", fmt.Errorf("publish request: %w", err)
	}

	c.logger.Info("scan request sent", "message_id", req.MessageID, "size", len(payload))
	return req.MessageID, nil
}

// CheckFile submits the content of the file at path.
func (c *Client) CheckFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return c.Submit(ctx, data)
}
