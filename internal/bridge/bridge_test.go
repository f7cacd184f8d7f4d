package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/internal/session"
	"github.com/gidigo/ride-coordinator/internal/simulation"
	"github.com/gidigo/ride-coordinator/pkg/pubsub"
	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---- Test doubles ----

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) AcceptRequest(ctx context.Context, driverID string, req RideRequest) error {
	return m.Called(ctx, driverID, req).Error(0)
}

func (m *mockDispatcher) DeclineRequest(ctx context.Context, driverID string, req RideRequest) error {
	return m.Called(ctx, driverID, req).Error(0)
}

func (m *mockDispatcher) CancelRide(ctx context.Context, userID string, by ride.Role, r *ride.Ride, reason string) error {
	return m.Called(ctx, userID, by, r, reason).Error(0)
}

func (m *mockDispatcher) CompleteRide(ctx context.Context, driverID string, r *ride.Ride) error {
	return m.Called(ctx, driverID, r).Error(0)
}

type recordingNotifier struct {
	mu      sync.Mutex
	toasts  map[string][]Toast
	routes  map[string][]string
	pending map[string][]RideRequest
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		toasts:  make(map[string][]Toast),
		routes:  make(map[string][]string),
		pending: make(map[string][]RideRequest),
	}
}

func (n *recordingNotifier) Toast(_ context.Context, userID string, toast Toast) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts[userID] = append(n.toasts[userID], toast)
}

func (n *recordingNotifier) Navigate(_ context.Context, userID, route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[userID] = append(n.routes[userID], route)
}

func (n *recordingNotifier) RideUpdated(context.Context, string, *ride.Ride) {}

func (n *recordingNotifier) PendingRequests(_ context.Context, userID string, requests []RideRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending[userID] = requests
}

func (n *recordingNotifier) toastsFor(userID string) []Toast {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Toast(nil), n.toasts[userID]...)
}

func (n *recordingNotifier) routesFor(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes[userID]...)
}

func (n *recordingNotifier) pendingFor(userID string) []RideRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending[userID]
}

type fakeMover struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	emit      simulation.EmitFunc
}

func (m *fakeMover) Start(rideID string, _, _ ride.Coordinates, emit simulation.EmitFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, rideID)
	m.emit = emit
	return nil
}

func (m *fakeMover) Cancel(rideID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, rideID)
	return true
}

// ---- Harness ----

type harness struct {
	client   *pubsub.Client
	backend  *pubsub.MemoryBackend
	notifier *recordingNotifier
}

func newHarness(t *testing.T, attempts int) *harness {
	t.Helper()
	backend := pubsub.NewMemoryBackend()
	client := pubsub.NewClient(backend,
		pubsub.WithLogger(zap.NewNop()),
		pubsub.WithRetry(resilience.RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	require.NoError(t, client.Start(context.Background()))
	return &harness{client: client, backend: backend, notifier: newRecordingNotifier()}
}

func (h *harness) deps(sessionID string, dispatcher Dispatcher) Deps {
	return Deps{
		Transport:  h.client,
		Store:      session.NewStore(sessionID, session.NewMemoryPersister(), zap.NewNop()),
		Dispatcher: dispatcher,
		Notifier:   h.notifier,
		Logger:     zap.NewNop(),
	}
}

func sampleRequest(id string) RideRequest {
	return RideRequest{
		ID:          id,
		Pickup:      ride.Place{Name: "Ikeja City Mall", Coordinates: &ride.Coordinates{Lat: 6.6018, Lng: 3.3515}},
		Dropoff:     ride.Place{Name: "Lekki Phase 1", Coordinates: &ride.Coordinates{Lat: 6.4474, Lng: 3.4723}},
		Passenger:   ride.Passenger{Name: "Adaeze Okafor", Phone: "+2348012345678", Rating: 4.8},
		Fare:        ride.Fare{Price: 4500, Distance: 21.3},
		RequestedAt: time.Date(2024, 2, 20, 10, 30, 0, 0, time.UTC),
	}
}

func sampleRide(id string) *ride.Ride {
	req := sampleRequest(id)
	return &ride.Ride{
		ID:        id,
		Status:    ride.StatusPending,
		Pickup:    req.Pickup,
		Dropoff:   req.Dropoff,
		Passenger: &req.Passenger,
		Fare:      req.Fare,
	}
}
