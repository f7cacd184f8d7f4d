package ridehistory

import (
	"context"
	"fmt"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/pkg/eventbus"
	"go.uber.org/zap"
)

// Subscriber is the part of the event bus the recorder consumes.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error
}

// Recorder turns ride-completed events into history entries.
type Recorder struct {
	service *Service
	logger  *zap.Logger
}

// NewRecorder creates a recorder writing through service.
func NewRecorder(service *Service, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{service: service, logger: logger.Named("ridehistory.recorder")}
}

// Start subscribes to completed rides with a durable consumer.
func (r *Recorder) Start(ctx context.Context, bus Subscriber) error {
	return bus.Subscribe(ctx, eventbus.SubjectRideCompleted, "ridehistory-completed", r.Handle)
}

// Handle records one event. Redelivered events are absorbed by SaveTrip.
func (r *Recorder) Handle(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.RideCompletedData
	if err := event.Decode(&data); err != nil {
		// a payload that cannot decode never will; ack it
		r.logger.Warn("dropping undecodable ride event", zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}
	if data.RideID == "" {
		r.logger.Warn("dropping ride event without ride id", zap.String("event_id", event.ID))
		return nil
	}

	trip := Trip{
		ID:      data.RideID,
		Date:    data.CompletedAt,
		Status:  ride.StatusCompleted,
		Pickup:  data.PickupName,
		Dropoff: data.DropoffName,
		Ride: TripDetails{
			Type:     "Standard",
			Price:    data.FareAmount,
			Distance: data.DistanceKm,
			Duration: data.Duration,
		},
	}
	if data.PassengerName != "" {
		trip.Passenger = &Party{Name: data.PassengerName}
	}

	if err := r.service.Record(ctx, trip); err != nil {
		return fmt.Errorf("record trip %s: %w", data.RideID, err)
	}
	return nil
}
