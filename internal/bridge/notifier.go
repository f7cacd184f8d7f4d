package bridge

import (
	"context"

	"github.com/gidigo/ride-coordinator/internal/ride"
)

// Surface routes.
const (
	RoutePassengerDashboard = "/dashboard"
	RouteDriverDashboard    = "/driver/dashboard"
	RouteDriverActiveRide   = "/driver/active-ride"
	RouteLogin              = "/login"
)

// ToastLevel is the severity shown on a toast.
type ToastLevel string

const (
	ToastSuccess ToastLevel = "success"
	ToastInfo    ToastLevel = "info"
	ToastError   ToastLevel = "error"
)

// Toast is a dismissible message for a surface.
type Toast struct {
	Level   ToastLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message,omitempty"`
}

// Notifier pushes UI effects to a user's surfaces. Calls never block on the
// surface and report nothing back.
type Notifier interface {
	Toast(ctx context.Context, userID string, toast Toast)
	Navigate(ctx context.Context, userID, route string)
	RideUpdated(ctx context.Context, userID string, current *ride.Ride)
	PendingRequests(ctx context.Context, userID string, requests []RideRequest)
}

// NopNotifier drops everything.
type NopNotifier struct{}

func (NopNotifier) Toast(context.Context, string, Toast)                   {}
func (NopNotifier) Navigate(context.Context, string, string)               {}
func (NopNotifier) RideUpdated(context.Context, string, *ride.Ride)        {}
func (NopNotifier) PendingRequests(context.Context, string, []RideRequest) {}

// DashboardRoute is where role lands once a ride is over.
func DashboardRoute(role ride.Role) string {
	if role == ride.RoleDriver {
		return RouteDriverDashboard
	}
	return RoutePassengerDashboard
}
