// Package bridge connects the realtime pub/sub channels to a session's ride
// store: inbound events become store mutations, and user decisions are
// reported to dispatch and announced on the ride channel.
package bridge

import (
	"context"
	"errors"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/internal/session"
	apperrors "github.com/gidigo/ride-coordinator/pkg/errors"
	"github.com/gidigo/ride-coordinator/pkg/logger"
	"github.com/gidigo/ride-coordinator/pkg/pubsub"
	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/gidigo/ride-coordinator/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const tracerName = "gidigo/bridge"

var (
	ErrNoActiveRide      = errors.New("no active ride")
	ErrCannotCancel      = errors.New("ride can no longer be cancelled")
	ErrInvalidTransition = errors.New("ride status does not allow this action")
)

// Deps are the collaborators shared by the passenger and driver bridges.
type Deps struct {
	Transport  pubsub.Transport
	Store      *session.Store
	Dispatcher Dispatcher
	Notifier   Notifier
	Logger     *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Dispatcher == nil {
		d.Dispatcher = NopDispatcher{}
	}
	if d.Notifier == nil {
		d.Notifier = NopNotifier{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// subscription is one channel held by a bridge with the handlers it bound.
type subscription struct {
	channel  pubsub.Channel
	bindings []*pubsub.Binding
}

func (s *subscription) release(ctx context.Context, transport pubsub.Transport, log *zap.Logger) {
	if s == nil || s.channel == nil {
		return
	}
	for _, b := range s.bindings {
		s.channel.Unbind(b)
	}
	if err := transport.Unsubscribe(ctx, s.channel.Name()); err != nil && !errors.Is(err, pubsub.ErrNotSubscribed) {
		log.Warn("unsubscribe failed", zap.String("channel", s.channel.Name()), zap.Error(err))
	}
}

// handlerFor decodes every message bound through it and passes the typed
// event to fn inside a span.
func handlerFor(log *zap.Logger, fn func(ctx context.Context, ev Event)) pubsub.Handler {
	return func(ctx context.Context, msg pubsub.Message) {
		ev, err := Decode(msg.Event, msg.Data)
		if err != nil {
			eventsRejected.WithLabelValues(msg.Event).Inc()
			log.Warn("dropping realtime event",
				zap.String("channel", msg.Channel),
				zap.String("event", msg.Event),
				zap.Error(err),
			)
			return
		}

		ctx, span := tracing.StartSpan(ctx, tracerName, "bridge."+ev.Kind().String())
		defer span.End()
		span.SetAttributes(
			attribute.String("pubsub.channel", msg.Channel),
			attribute.String("pubsub.message_id", msg.ID),
		)

		eventsHandled.WithLabelValues(ev.Kind().String()).Inc()
		fn(ctx, ev)
	}
}

// reportFailure logs a failed transport or dispatch call. Only failures that
// survived every retry reach the user and Sentry.
func reportFailure(ctx context.Context, log *zap.Logger, notifier Notifier, userID, op string, err error) {
	if !resilience.IsExhausted(err) {
		log.Warn("realtime operation failed", zap.String("operation", op), zap.Error(err))
		return
	}

	log.Error("realtime operation failed after retries", zap.String("operation", op), zap.Error(err))
	apperrors.CaptureErrorWithContext(ctx, err, map[string]interface{}{"operation": op, "user_id": userID})
	notifier.Toast(ctx, userID, Toast{
		Level:   ToastError,
		Title:   "Connection problem",
		Message: "Live ride updates are unavailable right now. We'll keep trying.",
	})
}

func recordSpanError(ctx context.Context, err error) {
	tracing.RecordError(ctx, err)
	tracing.SetSpanStatus(ctx, codes.Error, err.Error())
}

func rideLogger(ctx context.Context, base *zap.Logger, rideID string) *zap.Logger {
	return base.With(zap.String("ride_id", rideID)).With(logger.ContextFields(ctx)...)
}

func terminalToast(status ride.Status, reason string) Toast {
	if status == ride.StatusCompleted {
		return Toast{Level: ToastSuccess, Title: "Ride completed", Message: "Thanks for riding with GidiGo."}
	}
	if reason == "" {
		reason = "This ride has been cancelled."
	}
	return Toast{Level: ToastInfo, Title: "Ride cancelled", Message: reason}
}
