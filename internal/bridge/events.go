package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/pkg/geo"
	"github.com/gidigo/ride-coordinator/pkg/pubsub"
	"github.com/gidigo/ride-coordinator/pkg/validation"
)

// EventKind enumerates the realtime events exchanged on ride channels.
type EventKind int

const (
	KindUnknown EventKind = iota
	DriverLocationUpdate
	RideCompleted
	RideCancelled
	RideStatusChanged
	NewRideRequest
)

var eventNames = map[EventKind]string{
	DriverLocationUpdate: "driver-location-update",
	RideCompleted:        "ride-completed",
	RideCancelled:        "ride-cancelled",
	RideStatusChanged:    "ride-status-changed",
	NewRideRequest:       "new-ride-request",
}

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
)

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseEventKind maps a wire name to its kind.
func ParseEventKind(name string) (EventKind, bool) {
	for kind, n := range eventNames {
		if n == name {
			return kind, true
		}
	}
	return KindUnknown, false
}

// Event is one decoded realtime event. The concrete types are LocationUpdate,
// RideEnded, StatusChange and RideRequest.
type Event interface {
	Kind() EventKind
}

// LocationUpdate carries a driver position snapshot.
type LocationUpdate struct {
	Location *ride.Coordinates `json:"location" validate:"required"`
}

func (LocationUpdate) Kind() EventKind { return DriverLocationUpdate }

// RideEnded is a terminal event: ride-completed or ride-cancelled.
type RideEnded struct {
	RideID string `json:"rideId,omitempty"`
	Reason string `json:"reason,omitempty"`

	kind EventKind
}

// NewRideEnded builds the payload for a terminal event of the given status.
func NewRideEnded(rideID string, status ride.Status, reason string) RideEnded {
	kind := RideCompleted
	if status == ride.StatusCancelled {
		kind = RideCancelled
	}
	return RideEnded{RideID: rideID, Reason: reason, kind: kind}
}

func (e RideEnded) Kind() EventKind { return e.kind }

// Status is the terminal status the event leads to.
func (e RideEnded) Status() ride.Status {
	if e.kind == RideCancelled {
		return ride.StatusCancelled
	}
	return ride.StatusCompleted
}

// StatusChange announces a non-terminal status, optionally with the driver
// that was assigned.
type StatusChange struct {
	Status ride.Status  `json:"status" validate:"required,ride_status"`
	Driver *ride.Driver `json:"driver,omitempty"`
}

func (StatusChange) Kind() EventKind { return RideStatusChanged }

// RideRequest is a ride offered to drivers, held in the pending list until
// the driver accepts or declines it.
type RideRequest struct {
	ID          string         `json:"id" validate:"required"`
	Pickup      ride.Place     `json:"pickup"`
	Dropoff     ride.Place     `json:"dropoff"`
	Passenger   ride.Passenger `json:"passenger"`
	Fare        ride.Fare      `json:"fare"`
	RequestedAt time.Time      `json:"requestedAt"`
}

func (RideRequest) Kind() EventKind { return NewRideRequest }

// ToRide builds the driver's active ride for an accepted request.
func (r RideRequest) ToRide() *ride.Ride {
	passenger := r.Passenger
	fare := r.Fare
	if fare.Duration == "" && fare.Distance > 0 {
		fare.Duration = fmt.Sprintf("%d mins", geo.EstimateDuration(fare.Distance))
	}
	out := &ride.Ride{
		ID:        r.ID,
		Status:    ride.StatusAccepted,
		Pickup:    r.Pickup,
		Dropoff:   r.Dropoff,
		Passenger: &passenger,
		Fare:      fare,
	}
	return out.Clone()
}

// Decode turns a wire event into its typed form, validating the payload.
func Decode(name string, payload []byte) (Event, error) {
	kind, ok := ParseEventKind(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	switch kind {
	case DriverLocationUpdate:
		return decodeAs[LocationUpdate](name, payload)
	case RideStatusChanged:
		return decodeAs[StatusChange](name, payload)
	case NewRideRequest:
		return decodeAs[RideRequest](name, payload)
	case RideCompleted, RideCancelled:
		ev, err := decodeAs[RideEnded](name, payload)
		if err != nil {
			return nil, err
		}
		ended := ev.(RideEnded)
		ended.kind = kind
		return ended, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

func decodeAs[T Event](name string, payload []byte) (Event, error) {
	var v T
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
		}
	}
	if err := validation.ValidateStruct(v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
	}
	return v, nil
}

// publish sends ev on channel using its wire name.
func publish(ctx context.Context, transport pubsub.Transport, channel string, ev Event) error {
	return transport.Publish(ctx, channel, ev.Kind().String(), ev)
}
