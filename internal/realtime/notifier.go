package realtime

import (
	"context"

	"github.com/gidigo/ride-coordinator/internal/bridge"
	"github.com/gidigo/ride-coordinator/internal/ride"
	ws "github.com/gidigo/ride-coordinator/pkg/websocket"
	"go.uber.org/zap"
)

// Outbound message types.
const (
	TypeToast           = "toast"
	TypeNavigate        = "navigate"
	TypeRideUpdated     = "ride_updated"
	TypePendingRequests = "pending_requests"
	TypeError           = "error"
)

// NavigatePayload is the data of a navigate message.
type NavigatePayload struct {
	Route string `json:"route"`
}

// RideUpdatedPayload is the data of a ride_updated message. Ride is null once
// the active ride has been cleared.
type RideUpdatedPayload struct {
	Ride   *ride.Ride  `json:"ride"`
	Status ride.Status `json:"status,omitempty"`
}

// PendingRequestsPayload is the data of a pending_requests message.
type PendingRequestsPayload struct {
	Requests []bridge.RideRequest `json:"requests"`
}

// ErrorPayload is the data of an error message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HubNotifier pushes bridge effects to every connection of a user.
type HubNotifier struct {
	hub    *ws.Hub
	logger *zap.Logger
}

// NewHubNotifier creates a notifier over hub.
func NewHubNotifier(hub *ws.Hub, logger *zap.Logger) *HubNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubNotifier{hub: hub, logger: logger.Named("notifier")}
}

func (n *HubNotifier) Toast(_ context.Context, userID string, toast bridge.Toast) {
	n.send(userID, TypeToast, toast)
}

func (n *HubNotifier) Navigate(_ context.Context, userID, route string) {
	n.send(userID, TypeNavigate, NavigatePayload{Route: route})
}

func (n *HubNotifier) RideUpdated(_ context.Context, userID string, current *ride.Ride) {
	n.send(userID, TypeRideUpdated, rideUpdated(current))
}

func (n *HubNotifier) PendingRequests(_ context.Context, userID string, requests []bridge.RideRequest) {
	if requests == nil {
		requests = []bridge.RideRequest{}
	}
	n.send(userID, TypePendingRequests, PendingRequestsPayload{Requests: requests})
}

func (n *HubNotifier) send(userID, msgType string, data interface{}) {
	msg, err := ws.NewMessage(msgType, data)
	if err != nil {
		n.logger.Error("failed to encode message", zap.String("type", msgType), zap.Error(err))
		return
	}
	n.hub.SendToUser(userID, msg)
}

func rideUpdated(current *ride.Ride) RideUpdatedPayload {
	if current == nil {
		return RideUpdatedPayload{}
	}
	return RideUpdatedPayload{Ride: current, Status: current.Status}
}
