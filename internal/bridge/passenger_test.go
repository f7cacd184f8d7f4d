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

func TestPassengerBridge_BookAssignsIDAndWatches(t *testing.T) {
	h := newHarness(t, 2)
	b := NewPassengerBridge(h.deps("s1", nil), "u1")

	r := sampleRide("")
	r.Status = ""
	booked, err := b.Book(context.Background(), r)
	require.NoError(t, err)

	assert.NotEmpty(t, booked.ID)
	assert.Equal(t, ride.StatusPending, booked.Status)
	assert.Equal(t, booked.ID, b.Current().ID)
	assert.True(t, h.backend.IsSubscribed(RideChannel(booked.ID)))
}

func TestPassengerBridge_BookWhileActiveFails(t *testing.T) {
	h := newHarness(t, 2)
	b := NewPassengerBridge(h.deps("s1", nil), "u1")
	ctx := context.Background()

	_, err := b.Book(ctx, sampleRide("r1"))
	require.NoError(t, err)

	_, err = b.Book(ctx, sampleRide("r2"))
	assert.ErrorIs(t, err, ride.ErrActiveRide)
	assert.Equal(t, "r1", b.Current().ID)
	assert.False(t, h.backend.IsSubscribed("ride-r2"))

	toasts := h.notifier.toastsFor("u1")
	require.Len(t, toasts, 1)
	assert.Equal(t, ToastError, toasts[0].Level)
}

func TestPassengerBridge_CancelSuccess(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	b := NewPassengerBridge(h.deps("s1", dispatcher), "u1")
	ctx := context.Background()

	_, err := b.Book(ctx, sampleRide("r1"))
	require.NoError(t, err)

	dispatcher.On("CancelRide", mock.Anything, "u1", ride.RolePassenger,
		mock.MatchedBy(func(r *ride.Ride) bool { return r.ID == "r1" }), "changed plans").Return(nil).Once()

	require.NoError(t, b.Cancel(ctx, "changed plans"))

	dispatcher.AssertExpectations(t)
	assert.Nil(t, b.Current())
	assert.Equal(t, []string{RoutePassengerDashboard}, h.notifier.routesFor("u1"))
	toasts := h.notifier.toastsFor("u1")
	require.Len(t, toasts, 1)
	assert.Equal(t, "Ride cancelled", toasts[0].Title)
	assert.False(t, h.backend.IsSubscribed("ride-r1"))
}

func TestPassengerBridge_CancelDispatchFailureKeepsRide(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	b := NewPassengerBridge(h.deps("s1", dispatcher), "u1")
	ctx := context.Background()

	_, err := b.Book(ctx, sampleRide("r1"))
	require.NoError(t, err)

	dispatchErr := errors.New("dispatch unavailable")
	dispatcher.On("CancelRide", mock.Anything, "u1", ride.RolePassenger, mock.Anything, "").Return(dispatchErr)

	err = b.Cancel(ctx, "")
	assert.ErrorIs(t, err, dispatchErr)

	current := b.Current()
	require.NotNil(t, current)
	assert.Equal(t, ride.StatusPending, current.Status)
	assert.True(t, h.backend.IsSubscribed("ride-r1"))
	toasts := h.notifier.toastsFor("u1")
	require.Len(t, toasts, 1)
	assert.Equal(t, "Could not cancel ride", toasts[0].Title)
	assert.Empty(t, h.notifier.routesFor("u1"))
}

func TestPassengerBridge_CancelGuardedByStatus(t *testing.T) {
	h := newHarness(t, 2)
	dispatcher := &mockDispatcher{}
	b := NewPassengerBridge(h.deps("s1", dispatcher), "u1")
	ctx := context.Background()

	r := sampleRide("r1")
	r.Status = ride.StatusInProgress
	_, err := b.Book(ctx, r)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Cancel(ctx, ""), ErrCannotCancel)
	dispatcher.AssertNotCalled(t, "CancelRide", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPassengerBridge_CancelWithoutRide(t *testing.T) {
	h := newHarness(t, 2)
	b := NewPassengerBridge(h.deps("s1", nil), "u1")

	assert.ErrorIs(t, b.Cancel(context.Background(), ""), ErrNoActiveRide)
}

func TestPassengerBridge_CancelStillEndsRideWhenAnnounceFails(t *testing.T) {
	h := newHarness(t, 1)
	b := NewPassengerBridge(h.deps("s1", nil), "u1")
	ctx := context.Background()

	_, err := b.Book(ctx, sampleRide("r1"))
	require.NoError(t, err)

	h.backend.FailNext("publish", errors.New("connection reset"))
	require.NoError(t, b.Cancel(ctx, ""))

	assert.Nil(t, b.Current())
	var titles []string
	for _, toast := range h.notifier.toastsFor("u1") {
		titles = append(titles, toast.Title)
	}
	assert.Equal(t, []string{"Connection problem", "Ride cancelled"}, titles)
}

func TestPassengerBridge_Leave(t *testing.T) {
	h := newHarness(t, 2)
	b := NewPassengerBridge(h.deps("s1", nil), "u1")
	ctx := context.Background()

	_, err := b.Book(ctx, sampleRide("r1"))
	require.NoError(t, err)

	require.NoError(t, b.Leave(ctx))
	assert.Nil(t, b.Current())
	assert.False(t, h.backend.IsSubscribed("ride-r1"))
}

func TestPassengerBridge_ResumeWatchesRehydratedRide(t *testing.T) {
	h := newHarness(t, 2)
	deps := h.deps("s1", nil)
	ctx := context.Background()
	require.NoError(t, deps.Store.Book(ctx, sampleRide("r1")))

	b := NewPassengerBridge(deps, "u1")
	require.NoError(t, b.Resume(ctx))
	assert.Equal(t, "r1", b.Watcher().Watching())

	b.Close(ctx)
	assert.False(t, h.backend.IsSubscribed("ride-r1"))
	assert.NotNil(t, b.Current())
}
