// Package realtime is the surface gateway: it carries a user's websocket
// connections to their coordinator session and pushes UI effects back.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gidigo/ride-coordinator/internal/bridge"
	"github.com/gidigo/ride-coordinator/internal/coordinator"
	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/pkg/geo"
	"github.com/gidigo/ride-coordinator/pkg/httpclient"
	"github.com/gidigo/ride-coordinator/pkg/logger"
	"github.com/gidigo/ride-coordinator/pkg/ratelimit"
	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/gidigo/ride-coordinator/pkg/security"
	"github.com/gidigo/ride-coordinator/pkg/tracing"
	"github.com/gidigo/ride-coordinator/pkg/validation"
	ws "github.com/gidigo/ride-coordinator/pkg/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Inbound message types.
const (
	TypeBookRide       = "book_ride"
	TypeCancelRide     = "cancel_ride"
	TypeLeaveRide      = "leave_ride"
	TypeGoOnline       = "go_online"
	TypeGoOffline      = "go_offline"
	TypeAcceptRequest  = "accept_request"
	TypeDeclineRequest = "decline_request"
	TypeStartTrip      = "start_trip"
	TypeCompleteTrip   = "complete_trip"
	TypeGetState       = "get_state"
)

const (
	tracerName = "gidigo/realtime"

	maxUserNameLength  = 100
	maxPlaceNameLength = 200
	maxReasonLength    = 500
)

var (
	errWrongRole      = errors.New("action not available for this role")
	errInvalidPayload = errors.New("invalid payload")
	errRateLimited    = errors.New("too many requests")
)

// Throttle decides whether userID may perform action now.
type Throttle interface {
	Allow(ctx context.Context, action, userID string) (ratelimit.Result, error)
}

type placeRequest struct {
	Name        string            `json:"name" validate:"required"`
	Coordinates *ride.Coordinates `json:"coordinates"`
}

func (p placeRequest) place() ride.Place {
	return ride.Place{Name: security.CleanText(p.Name, maxPlaceNameLength), Coordinates: p.Coordinates}
}

type bookRideRequest struct {
	RideID  string       `json:"ride_id"`
	Pickup  placeRequest `json:"pickup"`
	Dropoff placeRequest `json:"dropoff"`
	Fare    ride.Fare    `json:"fare"`
}

type cancelRideRequest struct {
	Reason string `json:"reason"`
}

type requestDecision struct {
	RequestID string `json:"request_id" validate:"required"`
}

// Service routes inbound surface messages to the user's session.
type Service struct {
	hub      *ws.Hub
	manager  *coordinator.Manager
	throttle Throttle
	logger   *zap.Logger
}

// NewService creates the gateway service and binds it to hub.
func NewService(hub *ws.Hub, manager *coordinator.Manager, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		hub:     hub,
		manager: manager,
		logger:  log.Named("realtime"),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all message type handlers
func (s *Service) registerHandlers() {
	s.hub.RegisterHandler(TypeBookRide, s.traced(s.handleBookRide))
	s.hub.RegisterHandler(TypeCancelRide, s.traced(s.handleCancelRide))
	s.hub.RegisterHandler(TypeLeaveRide, s.traced(s.handleLeaveRide))
	s.hub.RegisterHandler(TypeGoOnline, s.traced(s.handleGoOnline))
	s.hub.RegisterHandler(TypeGoOffline, s.traced(s.handleGoOffline))
	s.hub.RegisterHandler(TypeAcceptRequest, s.traced(s.handleAcceptRequest))
	s.hub.RegisterHandler(TypeDeclineRequest, s.traced(s.handleDeclineRequest))
	s.hub.RegisterHandler(TypeStartTrip, s.traced(s.handleStartTrip))
	s.hub.RegisterHandler(TypeCompleteTrip, s.traced(s.handleCompleteTrip))
	s.hub.RegisterHandler(TypeGetState, s.traced(s.handleGetState))
	s.hub.HandleUnknown(s.handleUnknown)

	s.hub.OnConnect(s.userConnected)
	s.hub.OnDisconnect(s.userDisconnected)
}

// SetThrottle installs a per-user action limiter. It must be called before
// the hub starts delivering messages.
func (s *Service) SetThrottle(t Throttle) {
	s.throttle = t
}

// traced tags ctx with the message's request id, applies the throttle and
// wraps the handler in a span.
func (s *Service) traced(h ws.MessageHandler) ws.MessageHandler {
	return func(ctx context.Context, client *ws.Client, msg *ws.Message) {
		if msg.RequestID != "" {
			ctx = logger.ContextWithCorrelationID(ctx, msg.RequestID)
		}
		ctx, span := tracing.StartSpan(ctx, tracerName, "realtime."+msg.Type)
		defer span.End()
		span.SetAttributes(
			attribute.String("user.id", client.UserID),
			attribute.String("user.role", client.Role),
		)
		if err := s.admit(ctx, client, msg); err != nil {
			s.reply(ctx, client, msg, err)
			return
		}
		h(ctx, client, msg)
	}
}

// admit consults the throttle. Limiter failures let the action through.
func (s *Service) admit(ctx context.Context, client *ws.Client, msg *ws.Message) error {
	if s.throttle == nil {
		return nil
	}
	res, err := s.throttle.Allow(ctx, msg.Type, client.UserID)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", zap.String("user_id", client.UserID), zap.Error(err))
		return nil
	}
	if !res.Allowed {
		return fmt.Errorf("%w: retry in %s", errRateLimited, res.RetryAfter)
	}
	return nil
}

// Hub returns the websocket hub.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

// Manager returns the session manager.
func (s *Service) Manager() *coordinator.Manager {
	return s.manager
}

func (s *Service) userConnected(ctx context.Context, userID, role string) {
	if _, err := s.manager.Start(ctx, userID, ride.Role(role)); err != nil {
		s.logger.Warn("failed to start session on connect",
			zap.String("user_id", userID),
			zap.String("role", role),
			zap.Error(err),
		)
	}
}

// userDisconnected ends the session once the user's last connection is gone.
// Persisted state stays for the next connection.
func (s *Service) userDisconnected(ctx context.Context, userID, role string) {
	err := s.manager.End(ctx, coordinator.SessionID(userID, ride.Role(role)))
	if err != nil && !errors.Is(err, coordinator.ErrUnknownSession) {
		s.logger.Warn("failed to end session", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) handleBookRide(ctx context.Context, client *ws.Client, msg *ws.Message) {
	var req bookRideRequest
	if err := decode(msg, &req); err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	sess, err := s.passenger(ctx, client)
	if err != nil {
		s.reply(ctx, client, msg, err)
		return
	}

	r := &ride.Ride{
		ID:      req.RideID,
		Pickup:  req.Pickup.place(),
		Dropoff: req.Dropoff.place(),
		Fare:    estimateFare(req.Fare, req.Pickup.Coordinates, req.Dropoff.Coordinates),
	}
	if user := sess.Store.User(); user != nil {
		r.Passenger = &ride.Passenger{Name: user.Name, Phone: user.Phone}
	}

	_, err = sess.Passenger.Book(ctx, r)
	s.reply(ctx, client, msg, err)
}

func (s *Service) handleCancelRide(ctx context.Context, client *ws.Client, msg *ws.Message) {
	var req cancelRideRequest
	if err := decode(msg, &req); err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	sess, err := s.session(ctx, client)
	if err != nil {
		s.reply(ctx, client, msg, err)
		return
	}

	reason := security.CleanText(req.Reason, maxReasonLength)
	if sess.Passenger != nil {
		err = sess.Passenger.Cancel(ctx, reason)
	} else {
		err = sess.Driver.Cancel(ctx, reason)
	}
	s.reply(ctx, client, msg, err)
}

func (s *Service) handleLeaveRide(ctx context.Context, client *ws.Client, msg *ws.Message) {
	sess, err := s.passenger(ctx, client)
	if err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	s.reply(ctx, client, msg, sess.Passenger.Leave(ctx))
}

func (s *Service) handleGoOnline(ctx context.Context, client *ws.Client, msg *ws.Message) {
	sess, err := s.driver(ctx, client)
	if err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	s.reply(ctx, client, msg, sess.Driver.GoOnline(ctx))
}

func (s *Service) handleGoOffline(ctx context.Context, client *ws.Client, msg *ws.Message) {
	sess, err := s.driver(ctx, client)
	if err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	sess.Driver.GoOffline(ctx)
}

func (s *Service) handleAcceptRequest(ctx context.Context, client *ws.Client, msg *ws.Message) {
	var req requestDecision
	if err := decode(msg, &req); err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	sess, err := s.driver(ctx, client)
	if err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	_, err = sess.Driver.Accept(ctx, req.RequestID)
	s.reply(ctx, client, msg, err)
}

func (s *Service) handleDeclineRequest(ctx context.Context, client *ws.Client, msg *ws.Message) {
	var req requestDecision
	if err := decode(msg, &req); err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	sess, err := s.driver(ctx, client)
	if err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	s.reply(ctx, client, msg, sess.Driver.Decline(ctx, req.RequestID))
}

func (s *Service) handleStartTrip(ctx context.Context, client *ws.Client, msg *ws.Message) {
	sess, err := s.driver(ctx, client)
	if err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	s.reply(ctx, client, msg, sess.Driver.StartTrip(ctx))
}

func (s *Service) handleCompleteTrip(ctx context.Context, client *ws.Client, msg *ws.Message) {
	sess, err := s.driver(ctx, client)
	if err != nil {
		s.reply(ctx, client, msg, err)
		return
	}
	s.reply(ctx, client, msg, sess.Driver.CompleteTrip(ctx))
}

// handleGetState answers only the asking connection.
func (s *Service) handleGetState(ctx context.Context, client *ws.Client, msg *ws.Message) {
	sess, err := s.session(ctx, client)
	if err != nil {
		s.reply(ctx, client, msg, err)
		return
	}

	s.sendTo(client, msg, TypeRideUpdated, rideUpdated(sess.Current()))
	if sess.Driver != nil {
		pending := sess.Driver.Pending()
		if pending == nil {
			pending = []bridge.RideRequest{}
		}
		s.sendTo(client, msg, TypePendingRequests, PendingRequestsPayload{Requests: pending})
	}
}

func (s *Service) handleUnknown(ctx context.Context, client *ws.Client, msg *ws.Message) {
	s.sendTo(client, msg, TypeError, ErrorPayload{
		Code:    "unknown_type",
		Message: fmt.Sprintf("unknown message type %q", msg.Type),
	})
}

// session returns the client's session, starting it if the connect hook has
// not run yet or the session was expired meanwhile.
func (s *Service) session(ctx context.Context, client *ws.Client) (*coordinator.Session, error) {
	return s.manager.Start(ctx, client.UserID, ride.Role(client.Role))
}

func (s *Service) passenger(ctx context.Context, client *ws.Client) (*coordinator.Session, error) {
	sess, err := s.session(ctx, client)
	if err != nil {
		return nil, err
	}
	if sess.Passenger == nil {
		return nil, errWrongRole
	}
	return sess, nil
}

func (s *Service) driver(ctx context.Context, client *ws.Client) (*coordinator.Session, error) {
	sess, err := s.session(ctx, client)
	if err != nil {
		return nil, err
	}
	if sess.Driver == nil {
		return nil, errWrongRole
	}
	return sess, nil
}

// reply reports err to the asking connection. Successful actions are
// answered through the ride_updated and pending_requests pushes instead.
func (s *Service) reply(ctx context.Context, client *ws.Client, msg *ws.Message, err error) {
	if err == nil {
		return
	}

	code, message := describeError(err)
	log := s.logger.With(logger.ContextFields(ctx)...).With(
		zap.String("user_id", client.UserID),
		zap.String("type", msg.Type),
		zap.String("code", code),
	)
	if code == "internal" {
		log.Error("surface action failed", zap.Error(err))
	} else {
		log.Debug("surface action rejected", zap.Error(err))
	}

	s.sendTo(client, msg, TypeError, ErrorPayload{Code: code, Message: message})
}

func (s *Service) sendTo(client *ws.Client, req *ws.Message, msgType string, data interface{}) {
	out, err := ws.NewMessage(msgType, data)
	if err != nil {
		s.logger.Error("failed to encode message", zap.String("type", msgType), zap.Error(err))
		return
	}
	out.RequestID = req.RequestID
	client.SendMessage(out)
}

func decode(msg *ws.Message, v interface{}) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if err := validation.ValidateStruct(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

func describeError(err error) (code, message string) {
	switch {
	case errors.Is(err, errInvalidPayload):
		return "invalid_payload", err.Error()
	case errors.Is(err, errRateLimited):
		return "rate_limited", "slow down and try again shortly"
	case errors.Is(err, errWrongRole):
		return "forbidden", errWrongRole.Error()
	case errors.Is(err, coordinator.ErrInvalidRole):
		return "forbidden", "unknown role"
	case errors.Is(err, ride.ErrActiveRide):
		return "active_ride", "finish or cancel your current ride first"
	case errors.Is(err, bridge.ErrNoActiveRide):
		return "no_active_ride", "there is no active ride"
	case errors.Is(err, bridge.ErrCannotCancel):
		return "cannot_cancel", "the ride can no longer be cancelled"
	case errors.Is(err, bridge.ErrInvalidTransition):
		return "invalid_transition", "the ride is not in a state that allows this"
	case errors.Is(err, bridge.ErrRequestNotFound):
		return "request_not_found", "the request is no longer available"
	case errors.Is(err, httpclient.ErrSessionExpired):
		return "session_expired", "please sign in again"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "dispatch_unavailable", "dispatch is unavailable, try again shortly"
	default:
		return "internal", "something went wrong"
	}
}

// estimateFare fills the trip distance and duration from the coordinates
// when the surface did not quote them.
func estimateFare(fare ride.Fare, from, to *ride.Coordinates) ride.Fare {
	if fare.Distance <= 0 && from != nil && to != nil {
		km := geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng)
		fare.Distance = math.Round(km*10) / 10
	}
	if fare.Duration == "" && fare.Distance > 0 {
		fare.Duration = fmt.Sprintf("%d mins", geo.EstimateDuration(fare.Distance))
	}
	return fare
}
