package pubsub

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process broker. Publish delivers synchronously to
// the subscribed channel, which keeps single-process runs and tests
// deterministic.
type MemoryBackend struct {
	mu          sync.Mutex
	deliver     DeliverFunc
	onReconnect func()
	subscribed  map[string]struct{}
	subscribes  map[string]int
	failNext    map[string]error
	closed      bool
}

// NewMemoryBackend creates an empty in-process broker.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		subscribed: make(map[string]struct{}),
		subscribes: make(map[string]int),
		failNext:   make(map[string]error),
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Start(_ context.Context, deliver DeliverFunc, onReconnect func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliver = deliver
	m.onReconnect = onReconnect
	m.closed = false
	return nil
}

func (m *MemoryBackend) Subscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.takeFailure("subscribe"); err != nil {
		return err
	}
	if _, ok := m.subscribed[channel]; ok {
		return nil
	}
	m.subscribed[channel] = struct{}{}
	m.subscribes[channel]++
	return nil
}

func (m *MemoryBackend) Unsubscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed, channel)
	return nil
}

func (m *MemoryBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if err := m.takeFailure("publish"); err != nil {
		m.mu.Unlock()
		return err
	}
	_, live := m.subscribed[channel]
	deliver := m.deliver
	m.mu.Unlock()

	if live && deliver != nil {
		deliver(ctx, channel, payload)
	}
	return nil
}

// Inject delivers a raw payload as if it arrived from the broker, duplicates
// included.
func (m *MemoryBackend) Inject(ctx context.Context, channel string, payload []byte) {
	m.mu.Lock()
	_, live := m.subscribed[channel]
	deliver := m.deliver
	m.mu.Unlock()
	if live && deliver != nil {
		deliver(ctx, channel, payload)
	}
}

// Reconnect simulates a dropped connection being restored: every live
// subscription is re-issued and the reconnect hook fires.
func (m *MemoryBackend) Reconnect(ctx context.Context) {
	m.mu.Lock()
	channels := make([]string, 0, len(m.subscribed))
	for ch := range m.subscribed {
		channels = append(channels, ch)
	}
	hook := m.onReconnect
	m.mu.Unlock()

	for _, ch := range channels {
		_ = m.Subscribe(ctx, ch)
	}
	if hook != nil {
		hook()
	}
}

// FailNext makes the next op ("subscribe" or "publish") return err.
func (m *MemoryBackend) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

// IsSubscribed reports whether channel is live at the broker.
func (m *MemoryBackend) IsSubscribed(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subscribed[channel]
	return ok
}

// SubscribeCount is the number of broker-level subscriptions ever opened for channel.
func (m *MemoryBackend) SubscribeCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribes[channel]
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subscribed = make(map[string]struct{})
	return nil
}

func (m *MemoryBackend) takeFailure(op string) error {
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}
