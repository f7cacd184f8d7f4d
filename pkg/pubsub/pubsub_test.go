package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*Client, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	client := NewClient(backend,
		WithLogger(zap.NewNop()),
		WithRetry(resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	require.NoError(t, client.Start(context.Background()))
	return client, backend
}

type recorder struct {
	messages []Message
}

func (r *recorder) handle(_ context.Context, msg Message) {
	r.messages = append(r.messages, msg)
}

// ---- Subscribe / Bind ----

func TestClient_PublishReachesBoundHandler(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	ch, err := client.Subscribe(ctx, "ride-1")
	require.NoError(t, err)

	var rec recorder
	ch.Bind("driver-location-update", rec.handle)

	require.NoError(t, client.Publish(ctx, "ride-1", "driver-location-update", map[string]float64{"lat": 6.5, "lng": 3.4}))
	require.NoError(t, client.Publish(ctx, "ride-1", "ride-completed", struct{}{}))
	require.NoError(t, client.Publish(ctx, "ride-2", "driver-location-update", struct{}{}))

	require.Len(t, rec.messages, 1)
	msg := rec.messages[0]
	assert.Equal(t, "ride-1", msg.Channel)
	assert.Equal(t, "driver-location-update", msg.Event)
	assert.NotEmpty(t, msg.ID)
	assert.JSONEq(t, `{"lat":6.5,"lng":3.4}`, string(msg.Data))
}

func TestClient_SubscribeTwiceSharesChannel(t *testing.T) {
	client, backend := newTestClient(t)
	ctx := context.Background()

	first, err := client.Subscribe(ctx, "driver-requests")
	require.NoError(t, err)
	second, err := client.Subscribe(ctx, "driver-requests")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, backend.SubscribeCount("driver-requests"))

	var rec recorder
	first.Bind("new-ride-request", rec.handle)
	require.NoError(t, client.Publish(ctx, "driver-requests", "new-ride-request", struct{}{}))
	assert.Len(t, rec.messages, 1)
}

func TestClient_ReconnectDoesNotDuplicateDelivery(t *testing.T) {
	client, backend := newTestClient(t)
	ctx := context.Background()

	ch, err := client.Subscribe(ctx, "ride-7")
	require.NoError(t, err)
	var rec recorder
	ch.Bind("ride-completed", rec.handle)

	backend.Reconnect(ctx)
	backend.Reconnect(ctx)
	_, err = client.Subscribe(ctx, "ride-7")
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "ride-7", "ride-completed", struct{}{}))

	assert.Len(t, rec.messages, 1)
	assert.Equal(t, 1, backend.SubscribeCount("ride-7"))
}

func TestClient_UnsubscribeIsRefCounted(t *testing.T) {
	client, backend := newTestClient(t)
	ctx := context.Background()

	_, err := client.Subscribe(ctx, "ride-3")
	require.NoError(t, err)
	_, err = client.Subscribe(ctx, "ride-3")
	require.NoError(t, err)

	require.NoError(t, client.Unsubscribe(ctx, "ride-3"))
	assert.True(t, backend.IsSubscribed("ride-3"))

	require.NoError(t, client.Unsubscribe(ctx, "ride-3"))
	assert.False(t, backend.IsSubscribed("ride-3"))
	assert.Empty(t, client.Subscriptions())

	assert.ErrorIs(t, client.Unsubscribe(ctx, "ride-3"), ErrNotSubscribed)
}

func TestClient_UnbindStopsDelivery(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	ch, err := client.Subscribe(ctx, "user-1")
	require.NoError(t, err)

	var kept, dropped recorder
	keep := ch.Bind("toast", kept.handle)
	drop := ch.Bind("toast", dropped.handle)
	ch.Unbind(drop)
	ch.Unbind(drop)

	require.NoError(t, client.Publish(ctx, "user-1", "toast", struct{}{}))
	assert.Len(t, kept.messages, 1)
	assert.Empty(t, dropped.messages)
	assert.Equal(t, "toast", keep.Event())
}

func TestClient_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	client, backend := newTestClient(t)
	ctx := context.Background()

	ch, err := client.Subscribe(ctx, "ride-9")
	require.NoError(t, err)

	calls := 0
	ch.Bind("ride-cancelled", func(ctx context.Context, _ Message) {
		calls++
		require.NoError(t, client.Unsubscribe(ctx, "ride-9"))
	})

	require.NoError(t, client.Publish(ctx, "ride-9", "ride-cancelled", struct{}{}))
	require.NoError(t, client.Publish(ctx, "ride-9", "ride-cancelled", struct{}{}))

	assert.Equal(t, 1, calls)
	assert.False(t, backend.IsSubscribed("ride-9"))
}

// ---- Failure handling ----

func TestClient_SubscribeRetriesTransientFailure(t *testing.T) {
	client, backend := newTestClient(t)
	backend.FailNext("subscribe", errors.New("connection reset"))

	_, err := client.Subscribe(context.Background(), "ride-4")
	require.NoError(t, err)
	assert.True(t, backend.IsSubscribed("ride-4"))
}

func TestClient_SubscribeFailureReleasesChannel(t *testing.T) {
	client, backend := newTestClient(t)
	require.NoError(t, backend.Close())

	_, err := client.Subscribe(context.Background(), "ride-5")
	require.Error(t, err)
	assert.True(t, resilience.IsExhausted(err))
	assert.Empty(t, client.Subscriptions())
}

func TestClient_DropsMalformedPayload(t *testing.T) {
	client, backend := newTestClient(t)
	ctx := context.Background()

	ch, err := client.Subscribe(ctx, "ride-6")
	require.NoError(t, err)
	var rec recorder
	ch.Bind("ride-completed", rec.handle)

	backend.Inject(ctx, "ride-6", []byte("not json"))
	backend.Inject(ctx, "ride-6", []byte(`{"data":{}}`))

	valid, err := json.Marshal(Message{ID: "m1", Event: "ride-completed", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	backend.Inject(ctx, "ride-6", valid)
	backend.Inject(ctx, "ride-6", valid)

	require.Len(t, rec.messages, 2, "the transport does not dedupe at-least-once deliveries")
	assert.Equal(t, "m1", rec.messages[0].ID)
}

func TestClient_SubscribeRequiresName(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.Subscribe(context.Background(), "")
	assert.Error(t, err)
}
