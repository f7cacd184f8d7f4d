package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/internal/session"
	"github.com/gidigo/ride-coordinator/internal/simulation"
	"github.com/gidigo/ride-coordinator/pkg/pubsub"
	"github.com/gidigo/ride-coordinator/pkg/tracing"
	"go.uber.org/zap"
)

// Mover animates the driver along a trip.
type Mover interface {
	Start(rideID string, from, to ride.Coordinates, emit simulation.EmitFunc) error
	Cancel(rideID string) bool
}

// DriverBridge drives the driver surface of a session.
type DriverBridge struct {
	transport  pubsub.Transport
	store      *session.Store
	dispatcher Dispatcher
	notifier   Notifier
	logger     *zap.Logger
	driverID   string
	mover      Mover
	pending    *PendingRequests
	watcher    *RideWatcher

	mu     sync.Mutex
	subs   []*subscription
	moving string
}

// NewDriverBridge creates the bridge for driver driverID. mover may be nil,
// in which case trips are not animated.
func NewDriverBridge(deps Deps, driverID string, mover Mover) *DriverBridge {
	deps = deps.withDefaults()
	b := &DriverBridge{
		transport:  deps.Transport,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		logger:     deps.Logger.Named("driver").With(zap.String("driver_id", driverID)),
		driverID:   driverID,
		mover:      mover,
		pending:    NewPendingRequests(),
	}
	b.watcher = NewRideWatcher(deps, driverID, ride.RoleDriver, b.rideFinished)
	return b
}

// Current returns the active ride, or nil.
func (b *DriverBridge) Current() *ride.Ride {
	return b.store.Current()
}

// Watcher exposes the ride watcher of this surface.
func (b *DriverBridge) Watcher() *RideWatcher {
	return b.watcher
}

// Pending returns a snapshot of the offered requests.
func (b *DriverBridge) Pending() []RideRequest {
	return b.pending.List()
}

// Online reports whether the request channels are held.
func (b *DriverBridge) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) > 0
}

// GoOnline subscribes the broadcast and personal request channels. Calling it
// while online does nothing.
func (b *DriverBridge) GoOnline(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) > 0 {
		return nil
	}

	broadcast, err := b.subscribe(ctx, DriverRequestsChannel, NewRideRequest)
	if err != nil {
		return err
	}
	personal, err := b.subscribe(ctx, DriverChannel(b.driverID), NewRideRequest, RideCancelled)
	if err != nil {
		broadcast.release(ctx, b.transport, b.logger)
		return err
	}

	b.subs = []*subscription{broadcast, personal}
	b.logger.Info("driver online")
	return nil
}

// GoOffline releases the request channels, forgets pending requests and stops
// any movement in progress. The active ride, if any, stays watched.
func (b *DriverBridge) GoOffline(ctx context.Context) {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.release(ctx, b.transport, b.logger)
	}
	b.pending.Clear()
	b.notifier.PendingRequests(ctx, b.driverID, nil)
	b.stopMoving()
	if len(subs) > 0 {
		b.logger.Info("driver offline")
	}
}

// Accept takes requestID off the pending list and reports the decision to
// dispatch. The request goes back to its place in the list if dispatch fails.
func (b *DriverBridge) Accept(ctx context.Context, requestID string) (*ride.Ride, error) {
	if current := b.store.Current(); current.IsActive() {
		b.notifier.Toast(ctx, b.driverID, Toast{
			Level:   ToastError,
			Title:   "Ride in progress",
			Message: "Complete your current ride before accepting another.",
		})
		return nil, fmt.Errorf("accept %s: %w", requestID, ride.ErrActiveRide)
	}

	t, err := b.pending.Take(requestID)
	if err != nil {
		return nil, err
	}
	b.publishPending(ctx)

	ctx, span := tracing.StartSpan(ctx, tracerName, "bridge.driver.accept")
	defer span.End()
	span.SetAttributes(tracing.RideAttributes(requestID, "", b.driverID)...)

	req := t.Request()
	if err := b.dispatcher.AcceptRequest(ctx, b.driverID, req); err != nil {
		recordSpanError(ctx, err)
		b.revert(ctx, t, "accept", err)
		b.notifier.Toast(ctx, b.driverID, Toast{
			Level:   ToastError,
			Title:   "Could not accept ride",
			Message: "The request is back in your list. Please try again.",
		})
		return nil, fmt.Errorf("accept %s: %w", requestID, err)
	}
	t.Confirm()

	accepted := req.ToRide()
	accepted.Driver = b.self()
	if err := b.store.Book(ctx, accepted); err != nil {
		if errors.Is(err, ride.ErrActiveRide) {
			return nil, err
		}
		b.logger.Warn("accepted ride not persisted", zap.String("ride_id", accepted.ID), zap.Error(err))
	}
	if err := b.watcher.Watch(ctx, accepted.ID); err != nil {
		b.logger.Warn("accepted ride is not watched", zap.String("ride_id", accepted.ID), zap.Error(err))
	}

	announce := StatusChange{Status: ride.PassengerView(accepted.Status), Driver: accepted.Driver}
	if err := publish(ctx, b.transport, RideChannel(accepted.ID), announce); err != nil {
		reportFailure(ctx, b.logger, b.notifier, b.driverID, "publish "+announce.Kind().String(), err)
	}

	b.notifier.Navigate(ctx, b.driverID, RouteDriverActiveRide)
	b.logger.Info("ride request accepted", zap.String("ride_id", accepted.ID))
	return accepted, nil
}

// Decline drops requestID from the list and reports it to dispatch. The
// request reappears if dispatch fails.
func (b *DriverBridge) Decline(ctx context.Context, requestID string) error {
	t, err := b.pending.Take(requestID)
	if err != nil {
		return err
	}
	b.publishPending(ctx)

	if err := b.dispatcher.DeclineRequest(ctx, b.driverID, t.Request()); err != nil {
		b.revert(ctx, t, "decline", err)
		b.notifier.Toast(ctx, b.driverID, Toast{
			Level:   ToastError,
			Title:   "Could not decline ride",
			Message: "Please try again.",
		})
		return fmt.Errorf("decline %s: %w", requestID, err)
	}
	t.Confirm()
	b.logger.Info("ride request declined", zap.String("ride_id", requestID))
	return nil
}

// StartTrip moves the accepted ride into progress, announces it and starts
// moving the driver toward the dropoff.
func (b *DriverBridge) StartTrip(ctx context.Context) error {
	current := b.store.Current()
	if current == nil {
		return ErrNoActiveRide
	}

	next, applied, err := b.store.Apply(ctx, current.ID, ride.EventTripStarted)
	if !applied {
		return fmt.Errorf("start trip %s in %s: %w", current.ID, current.Status, ErrInvalidTransition)
	}
	if err != nil {
		b.logger.Warn("trip start not persisted", zap.String("ride_id", current.ID), zap.Error(err))
	}

	announce := StatusChange{Status: ride.PassengerView(next)}
	if err := publish(ctx, b.transport, RideChannel(current.ID), announce); err != nil {
		reportFailure(ctx, b.logger, b.notifier, b.driverID, "publish "+announce.Kind().String(), err)
	}

	b.startMoving(current)
	b.logger.Info("trip started", zap.String("ride_id", current.ID))
	return nil
}

// CompleteTrip reports the finished trip to dispatch and ends the ride.
func (b *DriverBridge) CompleteTrip(ctx context.Context) error {
	current := b.store.Current()
	if current == nil {
		return ErrNoActiveRide
	}
	if _, ok := ride.Next(current.Status, ride.EventTripCompleted); !ok {
		return fmt.Errorf("complete trip %s in %s: %w", current.ID, current.Status, ErrInvalidTransition)
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "bridge.driver.complete")
	defer span.End()
	span.SetAttributes(tracing.RideAttributes(current.ID, "", b.driverID)...)

	if err := b.dispatcher.CompleteRide(ctx, b.driverID, current); err != nil {
		dispatchFailures.WithLabelValues("complete").Inc()
		recordSpanError(ctx, err)
		b.notifier.Toast(ctx, b.driverID, Toast{
			Level:   ToastError,
			Title:   "Could not complete trip",
			Message: "Please try again in a moment.",
		})
		return fmt.Errorf("complete trip %s: %w", current.ID, err)
	}

	b.announceEnd(ctx, current.ID, ride.StatusCompleted, "")
	return nil
}

// Cancel withdraws the driver from the accepted ride.
func (b *DriverBridge) Cancel(ctx context.Context, reason string) error {
	current := b.store.Current()
	if current == nil {
		return ErrNoActiveRide
	}
	if !ride.CanCancel(current.Status) {
		return fmt.Errorf("cancel ride %s in %s: %w", current.ID, current.Status, ErrCannotCancel)
	}

	if err := b.dispatcher.CancelRide(ctx, b.driverID, ride.RoleDriver, current, reason); err != nil {
		dispatchFailures.WithLabelValues("cancel").Inc()
		b.notifier.Toast(ctx, b.driverID, Toast{
			Level:   ToastError,
			Title:   "Could not cancel ride",
			Message: "Please try again in a moment.",
		})
		return fmt.Errorf("cancel ride %s: %w", current.ID, err)
	}

	b.announceEnd(ctx, current.ID, ride.StatusCancelled, reason)
	return nil
}

// Resume re-attaches to a rehydrated active ride, restarting movement for a
// trip already in progress.
func (b *DriverBridge) Resume(ctx context.Context) error {
	current := b.store.Current()
	if current == nil {
		return nil
	}
	if err := b.watcher.Watch(ctx, current.ID); err != nil {
		return err
	}
	if current.Status == ride.StatusInProgress {
		b.startMoving(current)
	}
	return nil
}

// Close goes offline and releases the ride channel. The stored ride is kept.
func (b *DriverBridge) Close(ctx context.Context) {
	b.GoOffline(ctx)
	b.watcher.Stop(ctx)
}

func (b *DriverBridge) subscribe(ctx context.Context, name string, kinds ...EventKind) (*subscription, error) {
	ch, err := b.transport.Subscribe(ctx, name)
	if err != nil {
		reportFailure(ctx, b.logger, b.notifier, b.driverID, "subscribe "+name, err)
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	handle := handlerFor(b.logger.With(zap.String("channel", name)), b.handle)
	sub := &subscription{channel: ch}
	for _, kind := range kinds {
		sub.bindings = append(sub.bindings, ch.Bind(kind.String(), handle))
	}
	return sub, nil
}

func (b *DriverBridge) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case RideRequest:
		if !b.pending.Add(e) {
			b.logger.Debug("duplicate ride request ignored", zap.String("ride_id", e.ID))
			return
		}
		b.publishPending(ctx)

	case RideEnded:
		// a request withdrawn before this driver answered it
		if e.Status() != ride.StatusCancelled || e.RideID == "" {
			return
		}
		if current := b.store.Current(); current != nil && current.ID == e.RideID {
			b.watcher.Finish(ctx, e.RideID, ride.StatusCancelled, e.Reason)
			return
		}
		if t, err := b.pending.Take(e.RideID); err == nil {
			t.Confirm()
			b.publishPending(ctx)
			b.notifier.Toast(ctx, b.driverID, Toast{Level: ToastInfo, Title: "Request withdrawn", Message: e.Reason})
		}
	}
}

func (b *DriverBridge) revert(ctx context.Context, t *Tentative, op string, err error) {
	dispatchFailures.WithLabelValues(op).Inc()
	if t.Revert() {
		tentativeReverts.WithLabelValues(op).Inc()
	}
	b.publishPending(ctx)
	b.logger.Warn("ride request decision failed, request restored",
		zap.String("operation", op),
		zap.String("ride_id", t.Request().ID),
		zap.Error(err),
	)
}

func (b *DriverBridge) announceEnd(ctx context.Context, rideID string, status ride.Status, reason string) {
	ev := NewRideEnded(rideID, status, reason)
	if err := publish(ctx, b.transport, RideChannel(rideID), ev); err != nil {
		reportFailure(ctx, b.logger, b.notifier, b.driverID, "publish "+ev.Kind().String(), err)
	}
	b.watcher.Finish(ctx, rideID, status, reason)
}

func (b *DriverBridge) rideFinished(_ context.Context, final *ride.Ride) {
	if b.mover == nil || final == nil {
		return
	}
	b.mover.Cancel(final.ID)
	b.mu.Lock()
	if b.moving == final.ID {
		b.moving = ""
	}
	b.mu.Unlock()
}

// Moving returns the id of the ride being animated, or "".
func (b *DriverBridge) Moving() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moving
}

// stopMoving cancels the animation this bridge started. It does not consult
// the store, which may already be discarded.
func (b *DriverBridge) stopMoving() {
	b.mu.Lock()
	rideID := b.moving
	b.moving = ""
	b.mu.Unlock()
	if rideID != "" && b.mover != nil {
		b.mover.Cancel(rideID)
	}
}

func (b *DriverBridge) startMoving(r *ride.Ride) {
	if b.mover == nil {
		return
	}
	from := r.Pickup.Coordinates
	if r.Driver != nil && r.Driver.Location != nil {
		from = r.Driver.Location
	}
	to := r.Dropoff.Coordinates
	if from == nil || to == nil {
		b.logger.Debug("trip has no coordinates, not simulating movement", zap.String("ride_id", r.ID))
		return
	}

	if err := b.mover.Start(r.ID, *from, *to, b.emitLocation); err != nil {
		b.logger.Warn("movement simulation not started", zap.String("ride_id", r.ID), zap.Error(err))
		return
	}
	b.mu.Lock()
	b.moving = r.ID
	b.mu.Unlock()
}

func (b *DriverBridge) emitLocation(ctx context.Context, rideID string, position ride.Coordinates, arrived bool) {
	loc := position
	if err := publish(ctx, b.transport, RideChannel(rideID), LocationUpdate{Location: &loc}); err != nil {
		b.logger.Debug("location update not published", zap.String("ride_id", rideID), zap.Error(err))
	}
	if arrived {
		b.logger.Info("driver reached dropoff", zap.String("ride_id", rideID))
	}
}

func (b *DriverBridge) self() *ride.Driver {
	d := &ride.Driver{}
	if u := b.store.User(); u != nil {
		d.Name = u.Name
		d.Phone = u.Phone
	}
	return d
}

func (b *DriverBridge) publishPending(ctx context.Context) {
	b.notifier.PendingRequests(ctx, b.driverID, b.pending.List())
}
