// Package pubsub provides named realtime channels over a pluggable broker.
//
// Subscribing to a channel that is already live returns the same Channel and
// never opens a second broker subscription, so duplicate subscribe calls and
// broker reconnects cannot cause an event to be handled twice.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/gidigo/ride-coordinator/pkg/tracing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const tracerName = "gidigo/pubsub"

var (
	// ErrNotSubscribed is returned by Unsubscribe for an unknown channel.
	ErrNotSubscribed = errors.New("channel is not subscribed")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("transport closed")
)

// Message is one event delivered on a channel.
type Message struct {
	ID        string          `json:"id"`
	Channel   string          `json:"-"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler processes a message bound on a channel.
type Handler func(ctx context.Context, msg Message)

// Channel is a subscribed, named topic that handlers bind to per event.
type Channel interface {
	Name() string
	Bind(event string, handler Handler) *Binding
	Unbind(b *Binding)
}

// Transport is the pub/sub collaborator used by the bridge.
type Transport interface {
	Subscribe(ctx context.Context, name string) (Channel, error)
	Unsubscribe(ctx context.Context, name string) error
	Publish(ctx context.Context, channel, event string, data interface{}) error
}

// DeliverFunc receives raw payloads from a backend.
type DeliverFunc func(ctx context.Context, channel string, payload []byte)

// Backend is a broker connection. Subscribe must be idempotent per channel,
// and a backend restores its own subscriptions after a reconnect.
type Backend interface {
	Name() string
	Start(ctx context.Context, deliver DeliverFunc, onReconnect func()) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Option configures a Client.
type Option func(*Client)

// WithRetry overrides the retry policy for subscribe/unsubscribe/publish.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client implements Transport on top of a Backend.
type Client struct {
	backend  Backend
	registry *registry
	retry    resilience.RetryConfig
	logger   *zap.Logger
	now      func() time.Time
}

var _ Transport = (*Client)(nil)

// NewClient wraps backend. Call Start before subscribing.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend:  backend,
		registry: newRegistry(),
		retry:    resilience.DefaultRetryConfig(),
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("backend", backend.Name()))
	return c
}

// Start connects the backend and begins delivering messages.
func (c *Client) Start(ctx context.Context) error {
	return c.backend.Start(ctx, c.deliver, func() {
		recordReconnect(c.backend.Name())
		c.logger.Info("pubsub backend reconnected", zap.Int("channels", len(c.registry.names())))
	})
}

// Subscribe returns the channel for name, subscribing at the broker the first
// time it is requested. Each successful call must be paired with Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, name string) (Channel, error) {
	if name == "" {
		return nil, errors.New("subscribe: channel name is required")
	}

	ch, created := c.registry.acquire(name)
	if !created {
		return ch, nil
	}

	_, err := resilience.Retry(ctx, c.retry, "pubsub.subscribe", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.backend.Subscribe(ctx, name)
	})
	if err != nil {
		c.registry.release(name)
		c.logger.Warn("subscribe failed", zap.String("channel", name), zap.Error(err))
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	activeSubscriptions.WithLabelValues(c.backend.Name()).Inc()
	c.logger.Debug("subscribed", zap.String("channel", name))
	return ch, nil
}

// Unsubscribe releases one reference to name and leaves the broker channel
// once nobody holds it.
func (c *Client) Unsubscribe(ctx context.Context, name string) error {
	found, removed := c.registry.release(name)
	if !found {
		return fmt.Errorf("unsubscribe %s: %w", name, ErrNotSubscribed)
	}
	if !removed {
		return nil
	}

	activeSubscriptions.WithLabelValues(c.backend.Name()).Dec()
	_, err := resilience.Retry(ctx, c.retry, "pubsub.unsubscribe", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.backend.Unsubscribe(ctx, name)
	})
	if err != nil {
		c.logger.Warn("unsubscribe failed", zap.String("channel", name), zap.Error(err))
		return fmt.Errorf("unsubscribe %s: %w", name, err)
	}
	c.logger.Debug("unsubscribed", zap.String("channel", name))
	return nil
}

// Publish sends event with data on channel.
func (c *Client) Publish(ctx context.Context, channel, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	payload, err := json.Marshal(Message{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      raw,
		Timestamp: c.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = tracing.TracePublish(ctx, tracerName, c.backend.Name(), channel, event, func(ctx context.Context) error {
		_, err := resilience.Retry(ctx, c.retry, "pubsub.publish", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.backend.Publish(ctx, channel, payload)
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("publish %s on %s: %w", event, channel, err)
	}
	return nil
}

// Subscriptions lists the channels currently held.
func (c *Client) Subscriptions() []string {
	return c.registry.names()
}

// Close shuts the backend down.
func (c *Client) Close() error {
	return c.backend.Close()
}

func (c *Client) deliver(ctx context.Context, channelName string, payload []byte) {
	ch := c.registry.lookup(channelName)
	if ch == nil {
		return
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Event == "" {
		decodeFailures.WithLabelValues(c.backend.Name()).Inc()
		c.logger.Warn("dropping malformed message", zap.String("channel", channelName), zap.Error(err))
		return
	}
	msg.Channel = channelName

	if handled := ch.dispatch(ctx, msg); handled > 0 {
		messagesDelivered.WithLabelValues(c.backend.Name(), msg.Event).Inc()
	}
}
