package ridehistory

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/pkg/common"
	"github.com/gidigo/ride-coordinator/pkg/validation"
	"go.uber.org/zap"
)

const (
	// platformFeeRate is the share of the fare kept by the platform.
	platformFeeRate = 0.20
	serviceFeeRate  = 0.05
	baseFare        = 500.0
	defaultCurrency = "NGN"
)

// Service handles trip history queries
type Service struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new trip history service
func NewService(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		logger: logger.Named("ridehistory"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ListTrips returns the trips matching filter in collection order.
func (s *Service) ListTrips(ctx context.Context, filter Filter) ([]Trip, error) {
	if !filter.Status.Valid() {
		return nil, common.NewBadRequestError(fmt.Sprintf("unknown status filter %q", filter.Status), nil)
	}
	if filter.Start != nil && filter.End != nil {
		start, end := calendarDay(*filter.Start), calendarDay(*filter.End)
		if err := validation.ValidateDateRange(&start, &end); err != nil {
			return nil, common.NewBadRequestError("end date must not be before start date", err)
		}
	}

	trips, err := s.repo.ListTrips(ctx, filter)
	if err != nil {
		return nil, common.NewInternalError("failed to list trips", err)
	}
	return trips, nil
}

// GetReceipt returns the receipt of a completed trip. Unknown trips and trips
// that did not complete yield nil, nil.
func (s *Service) GetReceipt(ctx context.Context, tripID string) (*Receipt, error) {
	trip, err := s.completedTrip(ctx, tripID)
	if err != nil || trip == nil {
		return nil, err
	}
	return trip.Receipt, nil
}

// GetEarnings returns the driver earnings of a completed trip, or nil, nil.
func (s *Service) GetEarnings(ctx context.Context, tripID string) (*Earnings, error) {
	trip, err := s.completedTrip(ctx, tripID)
	if err != nil || trip == nil {
		return nil, err
	}
	return trip.Earnings, nil
}

// Record stores a finished ride. Recording the same trip twice is a no-op.
func (s *Service) Record(ctx context.Context, trip Trip) error {
	if !ride.IsTerminal(trip.Status) {
		return common.NewBadRequestError(fmt.Sprintf("trip %s is not finished", trip.ID), nil)
	}
	if trip.Date.IsZero() {
		trip.Date = s.now()
	}
	if trip.Status == ride.StatusCompleted {
		if trip.Receipt == nil {
			trip.Receipt = s.buildReceipt(trip)
		}
		if trip.Earnings == nil {
			trip.Earnings = buildEarnings(trip.Ride.Price)
		}
	}

	if err := s.repo.SaveTrip(ctx, trip); err != nil {
		return common.NewInternalError("failed to record trip", err)
	}
	s.logger.Info("trip recorded",
		zap.String("trip_id", trip.ID),
		zap.String("status", string(trip.Status)),
	)
	return nil
}

func (s *Service) completedTrip(ctx context.Context, tripID string) (*Trip, error) {
	trip, err := s.repo.GetTrip(ctx, tripID)
	if err != nil {
		return nil, common.NewInternalError("failed to get trip", err)
	}
	if trip == nil || trip.Status != ride.StatusCompleted {
		return nil, nil
	}
	return trip, nil
}

// buildReceipt splits the quoted price into receipt lines. The lines always
// add up to the price.
func (s *Service) buildReceipt(trip Trip) *Receipt {
	price := round2(trip.Ride.Price)
	fee := round2(price * serviceFeeRate)
	rest := price - fee

	base := baseFare
	if rest < base {
		base = rest
	}
	distance := round2((rest - base) * 0.75)
	timeFare := round2(rest - base - distance)

	return &Receipt{
		ID:            generateReceiptID(),
		TripID:        trip.ID,
		IssuedAt:      s.now(),
		BaseFare:      base,
		DistanceFare:  distance,
		TimeFare:      timeFare,
		ServiceFee:    fee,
		PaymentMethod: "cash",
		Currency:      defaultCurrency,
	}
}

func buildEarnings(price float64) *Earnings {
	return &Earnings{
		TripFare:    round2(price),
		PlatformFee: round2(price * platformFeeRate),
	}
}

func generateReceiptID() string {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	id := make([]byte, 12)
	for i := range id {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		id[i] = chars[n.Int64()]
	}
	return fmt.Sprintf("RCP-%s-%s", string(id[:6]), string(id[6:]))
}
