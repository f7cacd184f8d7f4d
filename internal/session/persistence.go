package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redisclient "github.com/gidigo/ride-coordinator/pkg/redis"
	"github.com/gidigo/ride-coordinator/pkg/tracing"
	"github.com/redis/go-redis/v9"
)

// Persisted marker names, one blob each per session.
const (
	KeyUser    = "gidigo_user"
	KeyAuth    = "auth-store"
	KeyStorage = "gidigo-storage"
)

// AllKeys lists every marker a session writes.
var AllKeys = []string{KeyUser, KeyAuth, KeyStorage}

// Persister stores serialized session markers. Load returns (nil, nil) for a
// missing marker.
type Persister interface {
	Load(ctx context.Context, sessionID, key string) ([]byte, error)
	Save(ctx context.Context, sessionID, key string, data []byte) error
	Delete(ctx context.Context, sessionID string, keys ...string) error
}

// RedisPersister keeps markers in Redis with a sliding TTL.
type RedisPersister struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisPersister creates a Redis-backed persister.
func NewRedisPersister(client redis.Cmdable, prefix string, ttl time.Duration) *RedisPersister {
	if prefix == "" {
		prefix = "session"
	}
	return &RedisPersister{client: client, prefix: prefix, ttl: ttl}
}

func (p *RedisPersister) key(sessionID, key string) string {
	return fmt.Sprintf("%s:%s:%s", p.prefix, sessionID, key)
}

// Load reads a marker.
func (p *RedisPersister) Load(ctx context.Context, sessionID, key string) ([]byte, error) {
	var val string
	full := p.key(sessionID, key)
	err := tracing.TraceRedisCommand(ctx, "gidigo/session", "get", full, func(ctx context.Context) error {
		var err error
		val, err = redisclient.RetryableOperation(ctx, func(ctx context.Context) (string, error) {
			return p.client.Get(ctx, full).Result()
		}, "session.load")
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return []byte(val), nil
}

// Save writes a marker and refreshes its TTL.
func (p *RedisPersister) Save(ctx context.Context, sessionID, key string, data []byte) error {
	_, err := redisclient.RetryableOperation(ctx, func(ctx context.Context) (string, error) {
		return p.client.Set(ctx, p.key(sessionID, key), string(data), p.ttl).Result()
	}, "session.save")
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Delete removes markers.
func (p *RedisPersister) Delete(ctx context.Context, sessionID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.key(sessionID, k)
	}
	_, err := redisclient.RetryableOperation(ctx, func(ctx context.Context) (int64, error) {
		return p.client.Del(ctx, full...).Result()
	}, "session.delete")
	if err != nil {
		return fmt.Errorf("delete session markers: %w", err)
	}
	return nil
}

// MemoryPersister keeps markers in process memory.
type MemoryPersister struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryPersister creates an empty in-memory persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{data: make(map[string][]byte)}
}

func memoryKey(sessionID, key string) string {
	return sessionID + ":" + key
}

// Load reads a marker.
func (p *MemoryPersister) Load(_ context.Context, sessionID, key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.data[memoryKey(sessionID, key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// Save writes a marker.
func (p *MemoryPersister) Save(_ context.Context, sessionID, key string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[memoryKey(sessionID, key)] = append([]byte(nil), data...)
	return nil
}

// Delete removes markers.
func (p *MemoryPersister) Delete(_ context.Context, sessionID string, keys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		delete(p.data, memoryKey(sessionID, k))
	}
	return nil
}
