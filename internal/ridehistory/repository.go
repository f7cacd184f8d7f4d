package ridehistory

import (
	"context"
	"sync"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
)

// Repository is the trip collection. Trips come back in collection order.
type Repository interface {
	ListTrips(ctx context.Context, filter Filter) ([]Trip, error)
	// GetTrip returns nil, nil when id is unknown.
	GetTrip(ctx context.Context, id string) (*Trip, error)
	// SaveTrip stores t unless a trip with the same id already exists.
	SaveTrip(ctx context.Context, t Trip) error
}

// MemoryRepository keeps trips in insertion order.
type MemoryRepository struct {
	mu    sync.RWMutex
	trips []Trip
	index map[string]int
}

// NewMemoryRepository creates a repository holding trips.
func NewMemoryRepository(trips ...Trip) *MemoryRepository {
	r := &MemoryRepository{index: make(map[string]int)}
	for _, t := range trips {
		r.add(t)
	}
	return r
}

func (r *MemoryRepository) ListTrips(_ context.Context, filter Filter) ([]Trip, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Trip, 0, len(r.trips))
	for _, t := range r.trips {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *MemoryRepository) GetTrip(_ context.Context, id string) (*Trip, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		return nil, nil
	}
	t := r.trips[i]
	return &t, nil
}

func (r *MemoryRepository) SaveTrip(_ context.Context, t Trip) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(t)
	return nil
}

func (r *MemoryRepository) add(t Trip) {
	if _, exists := r.index[t.ID]; exists {
		return
	}
	r.index[t.ID] = len(r.trips)
	r.trips = append(r.trips, t)
}

// SampleTrips is the seed collection used when no database is configured.
func SampleTrips() []Trip {
	rating := func(v float64) *float64 { return &v }
	at := func(value string) time.Time {
		t, _ := time.Parse(time.RFC3339, value)
		return t
	}

	return []Trip{
		{
			ID:        "1",
			Date:      at("2024-02-20T10:30:00Z"),
			Status:    ride.StatusCompleted,
			Pickup:    "Ikeja City Mall",
			Dropoff:   "Lekki Phase 1",
			Driver:    &Party{Name: "Chinedu Eze", Rating: 4.8, Vehicle: "Toyota Corolla (Silver)"},
			Passenger: &Party{Name: "Adaeze Okafor", Rating: 4.9},
			Ride:      TripDetails{Type: "Standard", Price: 4500, Distance: 21.3, Duration: "45 mins"},
			Rating:    rating(5),
			Receipt: &Receipt{
				ID:            "RCP-7K2M9X-4HQ8ZP",
				TripID:        "1",
				IssuedAt:      at("2024-02-20T11:15:00Z"),
				BaseFare:      800,
				DistanceFare:  2900,
				TimeFare:      600,
				ServiceFee:    200,
				PaymentMethod: "card",
				Currency:      "NGN",
			},
			Earnings: &Earnings{TripFare: 4500, Bonus: 300, Tips: 200, PlatformFee: 900},
		},
		{
			ID:        "2",
			Date:      at("2024-02-19T15:45:00Z"),
			Status:    ride.StatusCompleted,
			Pickup:    "Murtala Muhammed Airport",
			Dropoff:   "Victoria Island",
			Driver:    &Party{Name: "Tunde Bakare", Rating: 4.6, Vehicle: "Honda Accord (Black)"},
			Passenger: &Party{Name: "Ifeoma Nwosu", Rating: 4.7},
			Ride:      TripDetails{Type: "Comfort", Price: 7800, Distance: 28.6, Duration: "1 hr 5 mins"},
			Rating:    rating(4),
			Receipt: &Receipt{
				ID:            "RCP-P3WD8N-6TJ2RB",
				TripID:        "2",
				IssuedAt:      at("2024-02-19T16:50:00Z"),
				BaseFare:      1200,
				DistanceFare:  4700,
				TimeFare:      1300,
				ServiceFee:    300,
				Discount:      500,
				Tip:           500,
				PaymentMethod: "cash",
				Currency:      "NGN",
			},
			Earnings: &Earnings{TripFare: 7800, Tips: 500, PlatformFee: 1560},
		},
		{
			ID:        "3",
			Date:      at("2024-02-18T08:10:00Z"),
			Status:    ride.StatusCancelled,
			Pickup:    "Yaba Tech",
			Dropoff:   "Surulere",
			Passenger: &Party{Name: "Kelechi Obi", Rating: 4.5},
			Ride:      TripDetails{Type: "Standard", Price: 1800, Distance: 6.2, Duration: "20 mins"},
		},
		{
			ID:        "4",
			Date:      at("2024-02-20T19:05:00Z"),
			Status:    ride.StatusCancelled,
			Pickup:    "Ajah Market",
			Dropoff:   "Ikoyi",
			Driver:    &Party{Name: "Musa Abdullahi", Rating: 4.7, Vehicle: "Kia Rio (Blue)"},
			Passenger: &Party{Name: "Adaeze Okafor", Rating: 4.9},
			Ride:      TripDetails{Type: "Standard", Price: 3900, Distance: 18.4, Duration: "40 mins"},
		},
	}
}
