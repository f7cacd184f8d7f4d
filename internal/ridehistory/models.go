package ridehistory

import (
	"encoding/json"
	"math"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
)

// StatusFilter selects trips by outcome.
type StatusFilter string

const (
	StatusAll       StatusFilter = "ALL"
	StatusCompleted StatusFilter = "COMPLETED"
	StatusCancelled StatusFilter = "CANCELLED"
)

// Valid reports whether f is a known filter. The empty filter means ALL.
func (f StatusFilter) Valid() bool {
	switch f {
	case "", StatusAll, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Filter narrows ListTrips. Start and End are inclusive calendar days (UTC);
// a nil bound leaves that side open.
type Filter struct {
	Status StatusFilter `json:"status"`
	Start  *time.Time   `json:"start,omitempty"`
	End    *time.Time   `json:"end,omitempty"`
}

// Matches reports whether t passes the filter.
func (f Filter) Matches(t Trip) bool {
	if f.Status != "" && f.Status != StatusAll && string(t.Status) != string(f.Status) {
		return false
	}
	day := calendarDay(t.Date)
	if f.Start != nil && day.Before(calendarDay(*f.Start)) {
		return false
	}
	if f.End != nil && day.After(calendarDay(*f.End)) {
		return false
	}
	return true
}

// window converts the day bounds into a half-open [from, until) instant range.
func (f Filter) window() (from, until *time.Time) {
	if f.Start != nil {
		d := calendarDay(*f.Start)
		from = &d
	}
	if f.End != nil {
		d := calendarDay(*f.End).AddDate(0, 0, 1)
		until = &d
	}
	return from, until
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Party is the other participant of a past trip.
type Party struct {
	Name    string  `json:"name"`
	Rating  float64 `json:"rating,omitempty"`
	Vehicle string  `json:"vehicle,omitempty"`
}

// TripDetails is the ride summary shown on a history card.
type TripDetails struct {
	Type     string  `json:"type"`
	Price    float64 `json:"price"`
	Distance float64 `json:"distance_km"`
	Duration string  `json:"duration"`
}

// Trip is an immutable past ride.
type Trip struct {
	ID        string      `json:"id"`
	Date      time.Time   `json:"date"`
	Status    ride.Status `json:"status"`
	Pickup    string      `json:"pickup"`
	Dropoff   string      `json:"dropoff"`
	Driver    *Party      `json:"driver,omitempty"`
	Passenger *Party      `json:"passenger,omitempty"`
	Ride      TripDetails `json:"ride"`
	Rating    *float64    `json:"rating,omitempty"`
	Receipt   *Receipt    `json:"receipt,omitempty"`
	Earnings  *Earnings   `json:"earnings,omitempty"`
}

// FareLineItem represents a line in the fare breakdown
type FareLineItem struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
	Type   string  `json:"type"` // charge, discount, fee, tip
}

// Receipt is the charge breakdown of a completed trip. Subtotal and total are
// derived from the stored amounts.
type Receipt struct {
	ID            string    `json:"receipt_id"`
	TripID        string    `json:"trip_id"`
	IssuedAt      time.Time `json:"issued_at"`
	BaseFare      float64   `json:"base_fare"`
	DistanceFare  float64   `json:"distance_fare"`
	TimeFare      float64   `json:"time_fare"`
	ServiceFee    float64   `json:"service_fee"`
	Discount      float64   `json:"discount"`
	Tip           float64   `json:"tip"`
	PaymentMethod string    `json:"payment_method"`
	Currency      string    `json:"currency"`
}

// Subtotal is the sum of the trip charges.
func (r Receipt) Subtotal() float64 {
	return round2(r.BaseFare + r.DistanceFare + r.TimeFare)
}

// Total is what the passenger paid.
func (r Receipt) Total() float64 {
	return round2(r.Subtotal() + r.ServiceFee - r.Discount + r.Tip)
}

// LineItems lists the non-zero parts of the receipt.
func (r Receipt) LineItems() []FareLineItem {
	items := make([]FareLineItem, 0, 6)
	add := func(label string, amount float64, kind string) {
		if amount != 0 {
			items = append(items, FareLineItem{Label: label, Amount: amount, Type: kind})
		}
	}
	add("Base fare", r.BaseFare, "charge")
	add("Distance", r.DistanceFare, "charge")
	add("Time", r.TimeFare, "charge")
	add("Service fee", r.ServiceFee, "fee")
	add("Discount", -r.Discount, "discount")
	add("Tip", r.Tip, "tip")
	return items
}

func (r Receipt) MarshalJSON() ([]byte, error) {
	type plain Receipt
	return json.Marshal(struct {
		plain
		Items    []FareLineItem `json:"fare_breakdown"`
		Subtotal float64        `json:"subtotal"`
		Total    float64        `json:"total"`
	}{plain(r), r.LineItems(), r.Subtotal(), r.Total()})
}

// Earnings is the driver's take from a completed trip.
type Earnings struct {
	TripFare    float64 `json:"trip_fare"`
	Bonus       float64 `json:"bonus"`
	Tips        float64 `json:"tips"`
	PlatformFee float64 `json:"platform_fee"`
}

// Total is always TripFare + Bonus + Tips - PlatformFee.
func (e Earnings) Total() float64 {
	return round2(e.TripFare + e.Bonus + e.Tips - e.PlatformFee)
}

func (e Earnings) MarshalJSON() ([]byte, error) {
	type plain Earnings
	return json.Marshal(struct {
		plain
		Total float64 `json:"total"`
	}{plain(e), e.Total()})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
