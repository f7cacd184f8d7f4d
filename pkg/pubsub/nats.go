package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBackend carries channels as core NATS subjects. The nats client
// re-establishes subject interest on reconnect without help.
type NATSBackend struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	deliver DeliverFunc
	subs    map[string]*nats.Subscription
}

// NewNATSBackend uses an existing connection, typically the one shared with
// the dispatch event bus.
func NewNATSBackend(conn *nats.Conn, logger *zap.Logger) *NATSBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBackend{conn: conn, logger: logger, subs: make(map[string]*nats.Subscription)}
}

func (b *NATSBackend) Name() string { return "nats" }

func (b *NATSBackend) Start(ctx context.Context, deliver DeliverFunc, onReconnect func()) error {
	if b.conn == nil {
		return errors.New("nats backend has no connection")
	}
	b.mu.Lock()
	b.ctx = ctx
	b.deliver = deliver
	b.mu.Unlock()

	b.conn.SetReconnectHandler(func(nc *nats.Conn) {
		b.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		if onReconnect != nil {
			onReconnect()
		}
	})
	b.conn.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			b.logger.Warn("NATS disconnected", zap.Error(err))
		}
	})
	return nil
}

func (b *NATSBackend) Subscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[channel]; ok && sub.IsValid() {
		return nil
	}
	if b.deliver == nil {
		return errors.New("nats backend not started")
	}

	ctx, deliver := b.ctx, b.deliver
	sub, err := b.conn.Subscribe(channel, func(m *nats.Msg) {
		deliver(ctx, m.Subject, m.Data)
	})
	if err != nil {
		return err
	}
	b.subs[channel] = sub
	return nil
}

func (b *NATSBackend) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}
	delete(b.subs, channel)
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

func (b *NATSBackend) Publish(_ context.Context, channel string, payload []byte) error {
	return b.conn.Publish(channel, payload)
}

// Close drops the subscriptions; the shared connection is closed by its owner.
func (b *NATSBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for name, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
		delete(b.subs, name)
	}
	return errors.Join(errs...)
}
