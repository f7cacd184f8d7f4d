package eventbus

import "time"

// RequestAcceptedData is emitted when a driver accepts a pending request.
type RequestAcceptedData struct {
	RideID     string    `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// RequestDeclinedData is emitted when a driver declines a pending request.
type RequestDeclinedData struct {
	RideID     string    `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	DeclinedAt time.Time `json:"declined_at"`
}

// RideCancelledData is emitted when either side cancels a ride.
type RideCancelledData struct {
	RideID      string    `json:"ride_id"`
	UserID      string    `json:"user_id"`
	CancelledBy string    `json:"cancelled_by"` // "passenger" or "driver"
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// RideCompletedData is emitted when the driver completes a trip.
type RideCompletedData struct {
	RideID        string    `json:"ride_id"`
	DriverID      string    `json:"driver_id"`
	PickupName    string    `json:"pickup_name"`
	DropoffName   string    `json:"dropoff_name"`
	PassengerName string    `json:"passenger_name,omitempty"`
	FareAmount    float64   `json:"fare_amount"`
	DistanceKm    float64   `json:"distance_km"`
	Duration      string    `json:"duration"`
	CompletedAt   time.Time `json:"completed_at"`
}
