package ridehistory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/pkg/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubscriber struct {
	subject  string
	consumer string
	handler  eventbus.HandlerFunc
}

func (f *fakeSubscriber) Subscribe(_ context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error {
	f.subject, f.consumer, f.handler = subject, consumerName, handler
	return nil
}

func completedEvent(t *testing.T, rideID string) *eventbus.Event {
	t.Helper()
	event, err := eventbus.NewEvent(eventbus.SubjectRideCompleted, "driver-bridge", eventbus.RideCompletedData{
		RideID:        rideID,
		DriverID:      "d1",
		PickupName:    "Ikeja City Mall",
		DropoffName:   "Lekki Phase 1",
		PassengerName: "Adaeze Okafor",
		FareAmount:    4500,
		DistanceKm:    21.3,
		Duration:      "45 mins",
		CompletedAt:   time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return event
}

func TestRecorder_RecordsCompletedRide(t *testing.T) {
	repo := NewMemoryRepository()
	recorder := NewRecorder(NewService(repo, zap.NewNop()), zap.NewNop())
	bus := &fakeSubscriber{}
	ctx := context.Background()

	require.NoError(t, recorder.Start(ctx, bus))
	assert.Equal(t, eventbus.SubjectRideCompleted, bus.subject)
	assert.Equal(t, "ridehistory-completed", bus.consumer)

	event := completedEvent(t, "ride-42")
	require.NoError(t, bus.handler(ctx, event))
	require.NoError(t, bus.handler(ctx, event))

	trips, err := repo.ListTrips(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, trips, 1)

	trip := trips[0]
	assert.Equal(t, "ride-42", trip.ID)
	assert.Equal(t, ride.StatusCompleted, trip.Status)
	assert.Equal(t, "Lekki Phase 1", trip.Dropoff)
	require.NotNil(t, trip.Passenger)
	assert.Equal(t, "Adaeze Okafor", trip.Passenger.Name)
	require.NotNil(t, trip.Receipt)
	assert.Equal(t, 4500.0, trip.Receipt.Total())
	require.NotNil(t, trip.Earnings)
	assert.Equal(t, 3600.0, trip.Earnings.Total())
}

func TestRecorder_DropsBadPayloads(t *testing.T) {
	repo := NewMemoryRepository()
	recorder := NewRecorder(NewService(repo, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	bad := &eventbus.Event{ID: "e1", Type: eventbus.SubjectRideCompleted, Data: json.RawMessage(`"nope"`)}
	assert.NoError(t, recorder.Handle(ctx, bad))
	assert.NoError(t, recorder.Handle(ctx, completedEvent(t, "")))

	trips, err := repo.ListTrips(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, trips)
}
