package ride

import (
	"errors"
	"time"
)

// ErrActiveRide is returned when a booking is attempted while another ride is still in progress.
var ErrActiveRide = errors.New("an active ride already exists for this session")

// Coordinates is a WGS84 position.
type Coordinates struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

// Place is a named pickup or dropoff point. Coordinates are nil until geocoded.
type Place struct {
	Name        string       `json:"name"`
	Coordinates *Coordinates `json:"coordinates"`
}

// Vehicle describes the driver's car.
type Vehicle struct {
	Model string `json:"model"`
	Color string `json:"color"`
	Plate string `json:"plate"`
}

// Driver is the assigned driver as seen by the passenger.
type Driver struct {
	Name     string       `json:"name"`
	Phone    string       `json:"phone"`
	Rating   float64      `json:"rating"`
	Vehicle  Vehicle      `json:"vehicle"`
	Location *Coordinates `json:"location,omitempty"`
}

// Passenger is the rider as seen by the driver.
type Passenger struct {
	Name   string  `json:"name"`
	Phone  string  `json:"phone"`
	Rating float64 `json:"rating"`
}

// Fare holds the quoted price and trip estimates.
type Fare struct {
	Price    float64 `json:"price"`
	Distance float64 `json:"distance"`
	Duration string  `json:"duration"`
	ETA      string  `json:"eta"`
}

// Ride is the active ride record shared by the passenger and driver surfaces.
type Ride struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	Pickup    Place      `json:"pickup"`
	Dropoff   Place      `json:"dropoff"`
	Driver    *Driver    `json:"driver,omitempty"`
	Passenger *Passenger `json:"passenger,omitempty"`
	Fare      Fare       `json:"fare"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsActive reports whether the ride still blocks a new booking.
func (r *Ride) IsActive() bool {
	return r != nil && !IsTerminal(r.Status)
}

// Clone returns a deep copy so callers never share pointers with the store.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	out := *r
	out.Pickup.Coordinates = cloneCoordinates(r.Pickup.Coordinates)
	out.Dropoff.Coordinates = cloneCoordinates(r.Dropoff.Coordinates)
	if r.Driver != nil {
		d := *r.Driver
		d.Location = cloneCoordinates(r.Driver.Location)
		out.Driver = &d
	}
	if r.Passenger != nil {
		p := *r.Passenger
		out.Passenger = &p
	}
	return &out
}

func cloneCoordinates(c *Coordinates) *Coordinates {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// User is the signed-in account persisted alongside the ride.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  Role   `json:"role"`
}

// Role selects which surface a session drives.
type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePassenger || r == RoleDriver
}
