package simulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/pkg/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	ikeja = ride.Coordinates{Lat: 6.6018, Lng: 3.3515}
	// roughly 222 m north of ikeja
	nearby = ride.Coordinates{Lat: 6.6038, Lng: 3.3515}
)

type emission struct {
	rideID   string
	position ride.Coordinates
	arrived  bool
}

type collector struct {
	mu  sync.Mutex
	out []emission
}

func (c *collector) emit(_ context.Context, rideID string, position ride.Coordinates, arrived bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, emission{rideID: rideID, position: position, arrived: arrived})
}

func (c *collector) all() []emission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emission(nil), c.out...)
}

// ---- Task ----

func TestTask_AdvancesByStepUntilArrival(t *testing.T) {
	task := NewTask("r1", ikeja, nearby, 100, nil)

	first, arrived, ok := task.Advance()
	require.True(t, ok)
	assert.False(t, arrived)
	assert.InDelta(t, 100, geo.DistanceMeters(ikeja.Lat, ikeja.Lng, first.Lat, first.Lng), 1)

	_, arrived, ok = task.Advance()
	require.True(t, ok)
	assert.False(t, arrived)

	last, arrived, ok := task.Advance()
	require.True(t, ok)
	assert.True(t, arrived)
	assert.Equal(t, nearby, last)

	_, _, ok = task.Advance()
	assert.False(t, ok, "an arrived task does not move")
}

func TestTask_CancelledNeverMoves(t *testing.T) {
	task := NewTask("r1", ikeja, nearby, 50, nil)
	task.Cancel()
	task.Cancel()

	pos, _, ok := task.Advance()
	assert.False(t, ok)
	assert.Equal(t, ikeja, pos)
	assert.Equal(t, ikeja, task.Position())
	assert.True(t, task.Cancelled())
}

// ---- Scheduler ----

func TestScheduler_TickEmitsUntilArrival(t *testing.T) {
	s := NewScheduler(time.Hour, 100, zap.NewNop())
	var c collector
	require.NoError(t, s.Start("r1", ikeja, nearby, c.emit))

	for i := 0; i < 5; i++ {
		s.tick(context.Background())
	}

	out := c.all()
	require.Len(t, out, 3)
	assert.True(t, out[2].arrived)
	assert.Equal(t, nearby, out[2].position)
	assert.False(t, s.Running("r1"))
}

func TestScheduler_CancelStopsEmission(t *testing.T) {
	s := NewScheduler(time.Hour, 10, zap.NewNop())
	var c collector
	require.NoError(t, s.Start("r1", ikeja, nearby, c.emit))

	s.tick(context.Background())
	assert.True(t, s.Cancel("r1"))
	assert.False(t, s.Cancel("r1"))
	s.tick(context.Background())
	s.tick(context.Background())

	assert.Len(t, c.all(), 1)
}

func TestScheduler_EmitMayCancelOtherTasks(t *testing.T) {
	s := NewScheduler(time.Hour, 10, zap.NewNop())
	var c collector
	calls := 0
	emit := func(_ context.Context, _ string, _ ride.Coordinates, _ bool) {
		calls++
		s.Cancel("r2")
	}
	require.NoError(t, s.Start("r1", ikeja, nearby, emit))
	require.NoError(t, s.Start("r2", nearby, ikeja, c.emit))

	s.tick(context.Background())
	s.tick(context.Background())

	assert.Equal(t, 2, calls)
	assert.LessOrEqual(t, len(c.all()), 1)
	assert.False(t, s.Running("r2"))
	assert.True(t, s.Running("r1"))
}

func TestScheduler_CancelWaitsForEmissionInFlight(t *testing.T) {
	s := NewScheduler(time.Hour, 10, zap.NewNop())
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	emit := func(_ context.Context, _ string, _ ride.Coordinates, _ bool) {
		mu.Lock()
		calls++
		mu.Unlock()
		entered <- struct{}{}
		<-release
	}
	require.NoError(t, s.Start("r1", ikeja, nearby, emit))

	ticked := make(chan struct{})
	go func() {
		s.tick(context.Background())
		close(ticked)
	}()
	<-entered

	cancelled := make(chan bool, 1)
	go func() { cancelled <- s.Cancel("r1") }()

	select {
	case <-cancelled:
		t.Fatal("Cancel returned while an emission was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case ok := <-cancelled:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Cancel did not return after the emission finished")
	}
	<-ticked

	s.tick(context.Background())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestScheduler_StartReplacesTask(t *testing.T) {
	s := NewScheduler(time.Hour, 10, zap.NewNop())
	var first, second collector
	require.NoError(t, s.Start("r1", ikeja, nearby, first.emit))
	require.NoError(t, s.Start("r1", nearby, ikeja, second.emit))

	s.tick(context.Background())
	assert.Empty(t, first.all())
	require.Len(t, second.all(), 1)
}

func TestScheduler_CancelAll(t *testing.T) {
	s := NewScheduler(time.Hour, 10, zap.NewNop())
	var c collector
	require.NoError(t, s.Start("r1", ikeja, nearby, c.emit))
	require.NoError(t, s.Start("r2", nearby, ikeja, c.emit))

	assert.Equal(t, 2, s.CancelAll())
	s.tick(context.Background())
	assert.Empty(t, c.all())
}

func TestScheduler_StartValidation(t *testing.T) {
	s := NewScheduler(time.Hour, 10, zap.NewNop())
	var c collector

	assert.Error(t, s.Start("", ikeja, nearby, c.emit))
	assert.Error(t, s.Start("r1", ikeja, nearby, nil))
	assert.Error(t, s.Start("r1", ride.Coordinates{Lat: 95}, nearby, c.emit))

	s.Stop()
	s.Stop()
	assert.ErrorIs(t, s.Start("r1", ikeja, nearby, c.emit), ErrStopped)
}

func TestScheduler_RunStopsOnContextCancel(t *testing.T) {
	s := NewScheduler(5*time.Millisecond, 10, zap.NewNop())
	var c collector
	require.NoError(t, s.Start("r1", ikeja, nearby, c.emit))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(c.all()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.Running("r1"))

	emitted := len(c.all())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, emitted, len(c.all()), "no emission after cancellation")
}
