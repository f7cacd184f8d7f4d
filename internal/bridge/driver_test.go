package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func onlineDriver(t *testing.T, h *harness, dispatcher Dispatcher, mover Mover) *DriverBridge {
	t.Helper()
	deps := h.deps("s-driver", dispatcher)
	require.NoError(t, deps.Store.SetUser(context.Background(), &ride.User{ID: "d1", Name: "Tunde Bakare", Phone: "+2348098765432", Role: ride.RoleDriver}))
	b := NewDriverBridge(deps, "d1", mover)
	require.NoError(t, b.GoOnline(context.Background()))
	return b
}

func offer(t *testing.T, h *harness, channel string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, h.client.Publish(context.Background(), channel, "new-ride-request", sampleRequest(id)))
	}
}

func pendingIDs(reqs []RideRequest) []string {
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.ID)
	}
	return ids
}

// ---- Online / offline ----

func TestDriverBridge_GoOnlineCollectsRequests(t *testing.T) {
	h := newHarness(t, 2)
	b := onlineDriver(t, h, nil, nil)

	require.NoError(t, b.GoOnline(context.Background()))
	assert.Equal(t, 1, h.backend.SubscribeCount(DriverRequestsChannel))
	assert.True(t, h.backend.IsSubscribed("driver-d1"))

	offer(t, h, DriverRequestsChannel, "r1", "r2", "r1")
	offer(t, h, DriverChannel("d1"), "r3")

	assert.Equal(t, []string{"r1", "r2", "r3"}, pendingIDs(b.Pending()))
	assert.Equal(t, []string{"r1", "r2", "r3"}, pendingIDs(h.notifier.pendingFor("d1")))
}

func TestDriverBridge_GoOfflineReleasesEverything(t *testing.T) {
	h := newHarness(t, 2)
	b := onlineDriver(t, h, nil, nil)
	ctx := context.Background()
	offer(t, h, DriverRequestsChannel, "r1")

	b.GoOffline(ctx)
	b.GoOffline(ctx)

	assert.False(t, b.Online())
	assert.Empty(t, b.Pending())
	assert.False(t, h.backend.IsSubscribed(DriverRequestsChannel))
	assert.False(t, h.backend.IsSubscribed("driver-d1"))

	offer(t, h, DriverRequestsChannel, "r2")
	assert.Empty(t, b.Pending())
}

func TestDriverBridge_WithdrawnRequestLeavesList(t *testing.T) {
	h := newHarness(t, 2)
	b := onlineDriver(t, h, nil, nil)
	offer(t, h, DriverRequestsChannel, "r1", "r2")

	require.NoError(t, h.client.Publish(context.Background(), DriverChannel("d1"), "ride-cancelled",
		RideEnded{RideID: "r1", Reason: "Passenger cancelled"}))

	assert.Equal(t, []string{"r2"}, pendingIDs(b.Pending()))
	toasts := h.notifier.toastsFor("d1")
	require.Len(t, toasts, 1)
	assert.Equal(t, "Request withdrawn", toasts[0].Title)
}

// ---- Accept / decline ----

func TestDriverBridge_AcceptBooksAndAnnounces(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	b := onlineDriver(t, h, dispatcher, nil)
	ctx := context.Background()

	passenger := NewPassengerBridge(h.deps("s-passenger", nil), "u1")
	_, err := passenger.Book(ctx, sampleRide("r1"))
	require.NoError(t, err)

	offer(t, h, DriverRequestsChannel, "r1", "r2")
	dispatcher.On("AcceptRequest", mock.Anything, "d1", mock.MatchedBy(func(r RideRequest) bool { return r.ID == "r1" })).Return(nil).Once()

	accepted, err := b.Accept(ctx, "r1")
	require.NoError(t, err)
	dispatcher.AssertExpectations(t)

	assert.Equal(t, ride.StatusAccepted, accepted.Status)
	assert.Equal(t, []string{"r2"}, pendingIDs(b.Pending()))
	assert.Equal(t, ride.StatusAccepted, b.Current().Status)
	assert.Equal(t, "r1", b.Watcher().Watching())
	assert.Equal(t, []string{RouteDriverActiveRide}, h.notifier.routesFor("d1"))

	// the passenger sees the assignment under the shared status name
	seen := passenger.Current()
	assert.Equal(t, ride.StatusDriverAssigned, seen.Status)
	require.NotNil(t, seen.Driver)
	assert.Equal(t, "Tunde Bakare", seen.Driver.Name)
}

func TestDriverBridge_AcceptFailureRestoresRequestInPlace(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	b := onlineDriver(t, h, dispatcher, nil)
	offer(t, h, DriverRequestsChannel, "r1", "r2", "r3")

	dispatchErr := errors.New("request already taken")
	dispatcher.On("AcceptRequest", mock.Anything, "d1", mock.Anything).Return(dispatchErr)

	_, err := b.Accept(context.Background(), "r2")
	assert.ErrorIs(t, err, dispatchErr)

	assert.Equal(t, []string{"r1", "r2", "r3"}, pendingIDs(b.Pending()))
	assert.Equal(t, []string{"r1", "r2", "r3"}, pendingIDs(h.notifier.pendingFor("d1")))
	assert.Nil(t, b.Current())
	toasts := h.notifier.toastsFor("d1")
	require.Len(t, toasts, 1)
	assert.Equal(t, "Could not accept ride", toasts[0].Title)
	assert.Empty(t, h.notifier.routesFor("d1"))
}

func TestDriverBridge_AcceptUnknownRequest(t *testing.T) {
	h := newHarness(t, 2)
	b := onlineDriver(t, h, nil, nil)

	_, err := b.Accept(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestDriverBridge_AcceptWhileOnTrip(t *testing.T) {
	h := newHarness(t, 2)
	b := onlineDriver(t, h, nil, nil)
	ctx := context.Background()
	offer(t, h, DriverRequestsChannel, "r1", "r2")

	_, err := b.Accept(ctx, "r1")
	require.NoError(t, err)

	_, err = b.Accept(ctx, "r2")
	assert.ErrorIs(t, err, ride.ErrActiveRide)
	assert.Equal(t, []string{"r2"}, pendingIDs(b.Pending()))
}

func TestDriverBridge_Decline(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	b := onlineDriver(t, h, dispatcher, nil)
	ctx := context.Background()
	offer(t, h, DriverRequestsChannel, "r1", "r2")

	dispatcher.On("DeclineRequest", mock.Anything, "d1", mock.MatchedBy(func(r RideRequest) bool { return r.ID == "r1" })).Return(nil).Once()
	require.NoError(t, b.Decline(ctx, "r1"))
	assert.Equal(t, []string{"r2"}, pendingIDs(b.Pending()))

	dispatcher.On("DeclineRequest", mock.Anything, "d1", mock.Anything).Return(errors.New("timeout")).Once()
	assert.Error(t, b.Decline(ctx, "r2"))
	assert.Equal(t, []string{"r2"}, pendingIDs(b.Pending()))
	assert.Len(t, h.notifier.toastsFor("d1"), 1)
}

// ---- Trip ----

func TestDriverBridge_TripLifecycle(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	mover := &fakeMover{}
	b := onlineDriver(t, h, dispatcher, mover)
	ctx := context.Background()

	passenger := NewPassengerBridge(h.deps("s-passenger", nil), "u1")
	_, err := passenger.Book(ctx, sampleRide("r1"))
	require.NoError(t, err)

	offer(t, h, DriverRequestsChannel, "r1")
	dispatcher.On("AcceptRequest", mock.Anything, "d1", mock.Anything).Return(nil)
	_, err = b.Accept(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, b.StartTrip(ctx))
	assert.Equal(t, ride.StatusInProgress, b.Current().Status)
	assert.Equal(t, ride.StatusInProgress, passenger.Current().Status)
	require.Equal(t, []string{"r1"}, mover.started)

	mover.emit(ctx, "r1", ride.Coordinates{Lat: 6.55, Lng: 3.40}, false)
	require.NotNil(t, passenger.Current().Driver.Location)
	assert.Equal(t, 6.55, passenger.Current().Driver.Location.Lat)
	assert.Equal(t, 6.55, b.Current().Driver.Location.Lat)

	assert.ErrorIs(t, b.StartTrip(ctx), ErrInvalidTransition)

	dispatcher.On("CompleteRide", mock.Anything, "d1", mock.MatchedBy(func(r *ride.Ride) bool { return r.ID == "r1" })).Return(nil).Once()
	require.NoError(t, b.CompleteTrip(ctx))

	assert.Nil(t, b.Current())
	assert.Nil(t, passenger.Current())
	assert.Contains(t, mover.cancelled, "r1")
	assert.Equal(t, []string{RouteDriverActiveRide, RouteDriverDashboard}, h.notifier.routesFor("d1"))
	assert.Equal(t, []string{RoutePassengerDashboard}, h.notifier.routesFor("u1"))
	assert.False(t, h.backend.IsSubscribed("ride-r1"))

	passengerToasts := h.notifier.toastsFor("u1")
	require.Len(t, passengerToasts, 1)
	assert.Equal(t, "Ride completed", passengerToasts[0].Title)
	dispatcher.AssertExpectations(t)
}

func TestDriverBridge_CompleteRequiresTripInProgress(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	b := onlineDriver(t, h, dispatcher, nil)
	ctx := context.Background()

	assert.ErrorIs(t, b.CompleteTrip(ctx), ErrNoActiveRide)

	offer(t, h, DriverRequestsChannel, "r1")
	dispatcher.On("AcceptRequest", mock.Anything, "d1", mock.Anything).Return(nil)
	_, err := b.Accept(ctx, "r1")
	require.NoError(t, err)

	assert.ErrorIs(t, b.CompleteTrip(ctx), ErrInvalidTransition)
	dispatcher.AssertNotCalled(t, "CompleteRide", mock.Anything, mock.Anything, mock.Anything)
}

func TestDriverBridge_CompleteFailureKeepsTrip(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	b := onlineDriver(t, h, dispatcher, nil)
	ctx := context.Background()

	offer(t, h, DriverRequestsChannel, "r1")
	dispatcher.On("AcceptRequest", mock.Anything, "d1", mock.Anything).Return(nil)
	_, err := b.Accept(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, b.StartTrip(ctx))

	dispatcher.On("CompleteRide", mock.Anything, "d1", mock.Anything).Return(errors.New("dispatch down"))
	assert.Error(t, b.CompleteTrip(ctx))
	assert.Equal(t, ride.StatusInProgress, b.Current().Status)
}

func TestDriverBridge_CancelAcceptedRide(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	mover := &fakeMover{}
	b := onlineDriver(t, h, dispatcher, mover)
	ctx := context.Background()

	offer(t, h, DriverRequestsChannel, "r1")
	dispatcher.On("AcceptRequest", mock.Anything, "d1", mock.Anything).Return(nil)
	_, err := b.Accept(ctx, "r1")
	require.NoError(t, err)

	dispatcher.On("CancelRide", mock.Anything, "d1", ride.RoleDriver, mock.Anything, "vehicle issue").Return(nil)
	require.NoError(t, b.Cancel(ctx, "vehicle issue"))

	assert.Nil(t, b.Current())
	assert.Contains(t, mover.cancelled, "r1")
	assert.Equal(t, RouteDriverDashboard, h.notifier.routesFor("d1")[1])
}

func TestDriverBridge_ResumeRestartsMovement(t *testing.T) {
	h := newHarness(t, 2)
	mover := &fakeMover{}
	deps := h.deps("s-driver", nil)
	ctx := context.Background()

	r := sampleRequest("r1").ToRide()
	r.Status = ride.StatusInProgress
	require.NoError(t, deps.Store.Book(ctx, r))

	b := NewDriverBridge(deps, "d1", mover)
	require.NoError(t, b.Resume(ctx))

	assert.Equal(t, "r1", b.Watcher().Watching())
	assert.Equal(t, []string{"r1"}, mover.started)

	b.Close(ctx)
	assert.Empty(t, h.client.Subscriptions())
}

func TestDriverBridge_CloseStopsMovementAfterDiscard(t *testing.T) {
	h := newHarness(t, 2)
	mover := &fakeMover{}
	deps := h.deps("s-driver", nil)
	ctx := context.Background()

	r := sampleRequest("r1").ToRide()
	r.Status = ride.StatusInProgress
	require.NoError(t, deps.Store.Book(ctx, r))

	b := NewDriverBridge(deps, "d1", mover)
	require.NoError(t, b.Resume(ctx))
	require.Equal(t, "r1", b.Moving())

	require.NoError(t, deps.Store.Discard(ctx))
	require.Nil(t, b.Current())

	b.Close(ctx)
	assert.Equal(t, []string{"r1"}, mover.cancelled)
	assert.Empty(t, b.Moving())
}

func TestDriverBridge_FinishedRideClearsMovement(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	mover := &fakeMover{}
	b := onlineDriver(t, h, dispatcher, mover)
	ctx := context.Background()

	offer(t, h, DriverRequestsChannel, "r1")
	dispatcher.On("AcceptRequest", mock.Anything, "d1", mock.Anything).Return(nil)
	_, err := b.Accept(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, b.StartTrip(ctx))
	require.Equal(t, "r1", b.Moving())

	dispatcher.On("CompleteRide", mock.Anything, "d1", mock.Anything).Return(nil)
	require.NoError(t, b.CompleteTrip(ctx))
	assert.Empty(t, b.Moving())

	b.GoOffline(ctx)
	assert.Equal(t, []string{"r1"}, mover.cancelled)
}
