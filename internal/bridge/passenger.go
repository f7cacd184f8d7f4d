package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/internal/session"
	"github.com/gidigo/ride-coordinator/pkg/pubsub"
	"github.com/gidigo/ride-coordinator/pkg/tracing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PassengerBridge drives the passenger surface of a session.
type PassengerBridge struct {
	transport  pubsub.Transport
	store      *session.Store
	dispatcher Dispatcher
	notifier   Notifier
	logger     *zap.Logger
	userID     string
	watcher    *RideWatcher
}

// NewPassengerBridge creates the bridge for passenger userID.
func NewPassengerBridge(deps Deps, userID string) *PassengerBridge {
	deps = deps.withDefaults()
	return &PassengerBridge{
		transport:  deps.Transport,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		logger:     deps.Logger.Named("passenger").With(zap.String("user_id", userID)),
		userID:     userID,
		watcher:    NewRideWatcher(deps, userID, ride.RolePassenger, nil),
	}
}

// Current returns the active ride, or nil.
func (b *PassengerBridge) Current() *ride.Ride {
	return b.store.Current()
}

// Watcher exposes the ride watcher of this surface.
func (b *PassengerBridge) Watcher() *RideWatcher {
	return b.watcher
}

// Book makes r the active ride and starts watching its channel.
func (b *PassengerBridge) Book(ctx context.Context, r *ride.Ride) (*ride.Ride, error) {
	if r == nil {
		return nil, fmt.Errorf("book: ride is required")
	}
	booked := r.Clone()
	if booked.ID == "" {
		booked.ID = uuid.New().String()
	}
	if booked.Status == "" {
		booked.Status = ride.StatusPending
	}

	if err := b.store.Book(ctx, booked); err != nil {
		if errors.Is(err, ride.ErrActiveRide) {
			b.notifier.Toast(ctx, b.userID, Toast{
				Level:   ToastError,
				Title:   "Ride in progress",
				Message: "Finish or cancel your current ride before booking another.",
			})
			return nil, err
		}
		// the booking stands in memory; only the marker write failed
		b.logger.Warn("booking not persisted", zap.String("ride_id", booked.ID), zap.Error(err))
	}

	if err := b.watcher.Watch(ctx, booked.ID); err != nil {
		return booked, err
	}
	b.logger.Info("ride booked", zap.String("ride_id", booked.ID))
	return booked, nil
}

// Resume re-attaches the watcher to a rehydrated active ride.
func (b *PassengerBridge) Resume(ctx context.Context) error {
	current := b.store.Current()
	if current == nil {
		return nil
	}
	return b.watcher.Watch(ctx, current.ID)
}

// Cancel asks dispatch to cancel the active ride. The local ride is left
// untouched when dispatch refuses or cannot be reached.
func (b *PassengerBridge) Cancel(ctx context.Context, reason string) error {
	current := b.store.Current()
	if current == nil {
		return ErrNoActiveRide
	}
	if !ride.CanCancel(current.Status) {
		return fmt.Errorf("cancel ride %s in %s: %w", current.ID, current.Status, ErrCannotCancel)
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "bridge.passenger.cancel")
	defer span.End()
	span.SetAttributes(tracing.RideAttributes(current.ID, b.userID, "")...)

	if err := b.dispatcher.CancelRide(ctx, b.userID, ride.RolePassenger, current, reason); err != nil {
		dispatchFailures.WithLabelValues("cancel").Inc()
		recordSpanError(ctx, err)
		b.logger.Warn("cancel rejected by dispatch", zap.String("ride_id", current.ID), zap.Error(err))
		b.notifier.Toast(ctx, b.userID, Toast{
			Level:   ToastError,
			Title:   "Could not cancel ride",
			Message: "Please try again in a moment.",
		})
		return fmt.Errorf("cancel ride %s: %w", current.ID, err)
	}

	b.announceEnd(ctx, current.ID, ride.StatusCancelled, reason)
	return nil
}

// Leave is an explicit navigation away from the active ride.
func (b *PassengerBridge) Leave(ctx context.Context) error {
	b.watcher.Stop(ctx)
	return b.store.Clear(ctx)
}

// Close releases the ride channel without touching the stored ride.
func (b *PassengerBridge) Close(ctx context.Context) {
	b.watcher.Stop(ctx)
}

// announceEnd publishes the terminal event on the ride channel and makes sure
// it is applied locally exactly once, whether or not the echo arrives.
func (b *PassengerBridge) announceEnd(ctx context.Context, rideID string, status ride.Status, reason string) {
	ev := NewRideEnded(rideID, status, reason)
	if err := publish(ctx, b.transport, RideChannel(rideID), ev); err != nil {
		reportFailure(ctx, b.logger, b.notifier, b.userID, "publish "+ev.Kind().String(), err)
	}
	b.watcher.Finish(ctx, rideID, status, reason)
}
