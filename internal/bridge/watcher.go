package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/internal/session"
	"github.com/gidigo/ride-coordinator/pkg/logger"
	"github.com/gidigo/ride-coordinator/pkg/pubsub"
	"go.uber.org/zap"
)

// FinishFunc runs once after a ride reaches a terminal status.
type FinishFunc func(ctx context.Context, final *ride.Ride)

// RideWatcher keeps one ride channel subscribed for a surface and applies
// its events to the store. At most one ride is watched at a time.
type RideWatcher struct {
	transport pubsub.Transport
	store     *session.Store
	notifier  Notifier
	userID    string
	role      ride.Role
	logger    *zap.Logger
	onFinish  FinishFunc

	mu     sync.Mutex
	rideID string
	sub    *subscription
}

// NewRideWatcher creates a watcher for userID's surface.
func NewRideWatcher(deps Deps, userID string, role ride.Role, onFinish FinishFunc) *RideWatcher {
	deps = deps.withDefaults()
	return &RideWatcher{
		transport: deps.Transport,
		store:     deps.Store,
		notifier:  deps.Notifier,
		userID:    userID,
		role:      role,
		logger:    deps.Logger.Named("watcher"),
		onFinish:  onFinish,
	}
}

// Watching returns the ride currently watched, or "".
func (w *RideWatcher) Watching() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rideID
}

// Watch subscribes to ride-<rideID>. Watching the same ride again is a no-op;
// watching another ride releases the previous channel first.
func (w *RideWatcher) Watch(ctx context.Context, rideID string) error {
	if rideID == "" {
		return fmt.Errorf("watch: ride id is required")
	}

	w.mu.Lock()
	if w.rideID == rideID {
		w.mu.Unlock()
		return nil
	}
	prev := w.detachLocked()
	w.mu.Unlock()
	w.release(ctx, prev)

	ch, err := w.transport.Subscribe(ctx, RideChannel(rideID))
	if err != nil {
		reportFailure(ctx, w.logger, w.notifier, w.userID, "watch "+RideChannel(rideID), err)
		return fmt.Errorf("watch ride %s: %w", rideID, err)
	}

	log := w.logger.With(zap.String("ride_id", rideID))
	handle := handlerFor(log, func(ctx context.Context, ev Event) {
		w.apply(logger.ContextWithRideID(ctx, rideID), rideID, ev)
	})
	sub := &subscription{channel: ch}
	for _, kind := range []EventKind{DriverLocationUpdate, RideStatusChanged, RideCompleted, RideCancelled} {
		sub.bindings = append(sub.bindings, ch.Bind(kind.String(), handle))
	}

	w.mu.Lock()
	if w.sub != nil {
		// a concurrent Watch won
		w.mu.Unlock()
		w.release(ctx, sub)
		return nil
	}
	w.rideID, w.sub = rideID, sub
	w.mu.Unlock()

	watchedRides.Inc()
	log.Debug("watching ride")
	return nil
}

// Stop releases the watched channel. It is safe to call on every exit path.
func (w *RideWatcher) Stop(ctx context.Context) {
	w.mu.Lock()
	prev := w.detachLocked()
	w.mu.Unlock()
	w.release(ctx, prev)
}

// Finish moves rideID to terminal through the store. The first call for a
// ride notifies the surface, runs the finish hook and stops watching; later
// calls and duplicate deliveries do nothing and return false.
func (w *RideWatcher) Finish(ctx context.Context, rideID string, terminal ride.Status, reason string) bool {
	final, applied, err := w.store.Finish(ctx, rideID, terminal)
	log := rideLogger(ctx, w.logger, rideID)
	if err != nil {
		log.Warn("ride finished but session marker not persisted", zap.Error(err))
	}
	if !applied {
		return false
	}

	w.notifier.Toast(ctx, w.userID, terminalToast(terminal, reason))
	w.notifier.Navigate(ctx, w.userID, DashboardRoute(w.role))
	if w.onFinish != nil {
		w.onFinish(ctx, final)
	}
	if w.Watching() == rideID {
		w.Stop(ctx)
	}
	return true
}

func (w *RideWatcher) apply(ctx context.Context, rideID string, ev Event) {
	log := rideLogger(ctx, w.logger, rideID)

	switch e := ev.(type) {
	case LocationUpdate:
		// last write wins; stale or ended rides are dropped by the store
		if _, err := w.store.UpdateDriverLocation(ctx, rideID, *e.Location); err != nil {
			log.Warn("driver location not persisted", zap.Error(err))
		}

	case StatusChange:
		w.applyStatus(ctx, log, rideID, e)

	case RideEnded:
		if e.RideID != "" && e.RideID != rideID {
			log.Warn("terminal event for another ride on this channel", zap.String("event_ride_id", e.RideID))
			return
		}
		if !w.Finish(ctx, rideID, e.Status(), e.Reason) {
			w.ignored(log, e.Kind(), e.Status())
		}

	default:
		log.Debug("event not handled on ride channel", zap.String("event", ev.Kind().String()))
	}
}

func (w *RideWatcher) applyStatus(ctx context.Context, log *zap.Logger, rideID string, e StatusChange) {
	if ride.IsTerminal(e.Status) {
		if !w.Finish(ctx, rideID, e.Status, "") {
			w.ignored(log, e.Kind(), e.Status)
		}
		return
	}

	if e.Driver != nil {
		if _, err := w.store.AssignDriver(ctx, rideID, *e.Driver); err != nil {
			log.Warn("driver assignment not persisted", zap.Error(err))
		}
	}

	event, ok := ride.EventFor(e.Status)
	if !ok {
		log.Warn("unknown status announced", zap.String("status", string(e.Status)))
		return
	}
	next, applied, err := w.store.Apply(ctx, rideID, event)
	if err != nil {
		log.Warn("status change not persisted", zap.Error(err))
	}
	if applied {
		log.Info("ride status changed", zap.String("status", string(next)))
	}
}

func (w *RideWatcher) ignored(log *zap.Logger, kind EventKind, status ride.Status) {
	duplicateTerminal.WithLabelValues(kind.String()).Inc()
	log.Debug("ignoring terminal event for ended ride", zap.String("status", string(status)))
}

func (w *RideWatcher) detachLocked() *subscription {
	if w.sub == nil {
		return nil
	}
	sub := w.sub
	w.rideID, w.sub = "", nil
	return sub
}

func (w *RideWatcher) release(ctx context.Context, sub *subscription) {
	if sub == nil {
		return
	}
	sub.release(ctx, w.transport, w.logger)
	watchedRides.Dec()
}
