package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBackend carries channels over Redis PUBLISH/SUBSCRIBE. A single
// PubSub connection holds every channel; go-redis re-issues the
// subscriptions it tracks when that connection is re-established.
type RedisBackend struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	initial time.Duration
	max     time.Duration

	mu       sync.Mutex
	ps       *redis.PubSub
	channels map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRedisBackend creates a backend using client. initial and max bound the
// delay between receive attempts while the connection is down.
func NewRedisBackend(client redis.UniversalClient, initial, max time.Duration, logger *zap.Logger) *RedisBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{
		client:   client,
		logger:   logger,
		initial:  initial,
		max:      max,
		channels: make(map[string]struct{}),
	}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Start(ctx context.Context, deliver DeliverFunc, onReconnect func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ps != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.ps = b.client.Subscribe(runCtx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.receive(runCtx, b.ps, deliver, onReconnect)
	return nil
}

func (b *RedisBackend) receive(ctx context.Context, ps *redis.PubSub, deliver DeliverFunc, onReconnect func()) {
	defer close(b.done)

	backoff := resilience.NewBackoff(b.initial, b.max)
	failing := false

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			failing = true
			wait := backoff.Next()
			b.logger.Warn("redis pubsub receive failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", wait),
			)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		if failing {
			failing = false
			backoff.Reset()
			if onReconnect != nil {
				onReconnect()
			}
		}

		deliver(ctx, msg.Channel, []byte(msg.Payload))
	}
}

func (b *RedisBackend) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ps == nil {
		return errors.New("redis backend not started")
	}
	if _, ok := b.channels[channel]; ok {
		return nil
	}
	if err := b.ps.Subscribe(ctx, channel); err != nil {
		return err
	}
	b.channels[channel] = struct{}{}
	return nil
}

func (b *RedisBackend) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[channel]; !ok || b.ps == nil {
		return nil
	}
	if err := b.ps.Unsubscribe(ctx, channel); err != nil {
		return err
	}
	delete(b.channels, channel)
	return nil
}

func (b *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBackend) Close() error {
	b.mu.Lock()
	ps, cancel, done := b.ps, b.cancel, b.done
	b.ps = nil
	b.channels = make(map[string]struct{})
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	cancel()
	err := ps.Close()
	<-done
	return err
}
