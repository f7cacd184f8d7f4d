package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// NewEvent
// ---------------------------------------------------------------------------

func TestNewEvent_Success(t *testing.T) {
	data := map[string]string{"ride_id": "abc"}

	event, err := NewEvent(SubjectRequestAccepted, "driver-bridge", data)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, SubjectRequestAccepted, event.Type)
	assert.Equal(t, "driver-bridge", event.Source)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, time.UTC, event.Timestamp.Location())

	_, err = uuid.Parse(event.ID)
	assert.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, event.Decode(&decoded))
	assert.Equal(t, "abc", decoded["ride_id"])
}

func TestNewEvent_UnmarshalableData(t *testing.T) {
	_, err := NewEvent("test.event", "test", make(chan int))
	assert.Error(t, err)
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		event, err := NewEvent("test.event", "test", nil)
		require.NoError(t, err)
		assert.False(t, seen[event.ID])
		seen[event.ID] = true
	}
}

func TestEvent_DecodeTypedPayload(t *testing.T) {
	completedAt := time.Date(2024, 2, 20, 11, 5, 0, 0, time.UTC)
	event, err := NewEvent(SubjectRideCompleted, "driver-bridge", RideCompletedData{
		RideID:      "r-1",
		DriverID:    "d-1",
		PickupName:  "Ikeja City Mall",
		DropoffName: "Lekki Phase 1",
		FareAmount:  4500,
		DistanceKm:  18.2,
		Duration:    "35 mins",
		CompletedAt: completedAt,
	})
	require.NoError(t, err)

	var got RideCompletedData
	require.NoError(t, event.Decode(&got))
	assert.Equal(t, "r-1", got.RideID)
	assert.Equal(t, 4500.0, got.FareAmount)
	assert.True(t, got.CompletedAt.Equal(completedAt))
}

func TestEvent_DecodeWrongShape(t *testing.T) {
	event := &Event{ID: "e1", Type: SubjectRideCancelled, Data: json.RawMessage(`"not an object"`)}
	var got RideCancelledData
	err := event.Decode(&got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "e1")
}

// ---------------------------------------------------------------------------
// decodeMessage
// ---------------------------------------------------------------------------

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "valid", payload: `{"id":"e1","type":"dispatch.rides.cancelled","data":{}}`},
		{name: "not json", payload: `nope`, wantErr: true},
		{name: "missing id", payload: `{"type":"dispatch.rides.cancelled"}`, wantErr: true},
		{name: "missing type", payload: `{"id":"e1"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := decodeMessage([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "e1", event.ID)
		})
	}
}

// ---------------------------------------------------------------------------
// Config / Bus
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.URL)
	assert.Equal(t, "ride-coordinator", cfg.Name)
	assert.Equal(t, defaultStreamName, cfg.stream())
	assert.Equal(t, defaultStreamName, Config{}.stream())
}

func TestHandlerFunc_ReturnsError(t *testing.T) {
	var handler HandlerFunc = func(_ context.Context, _ *Event) error {
		return errors.New("processing failed")
	}
	assert.Error(t, handler(context.Background(), &Event{}))
}

func TestBus_NilConn(t *testing.T) {
	bus := &Bus{}
	assert.False(t, bus.Connected())
	assert.Error(t, bus.HealthCheck(context.Background()))
	assert.Nil(t, bus.Conn())
	assert.NotPanics(t, bus.Close)
}
