package simulation

import (
	"context"
	"sync"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/pkg/geo"
)

// Task moves one simulated driver toward a target. All state is owned by the
// task and guarded by its mutex; once cancelled it never changes again.
type Task struct {
	rideID string
	step   float64 // metres per tick
	emit   EmitFunc

	// emitMu is held from the cancelled check until emit returns
	emitMu sync.Mutex

	mu        sync.Mutex
	position  ride.Coordinates
	target    ride.Coordinates
	cancelled bool
	arrived   bool
}

// NewTask creates a task starting at from.
func NewTask(rideID string, from, to ride.Coordinates, stepMeters float64, emit EmitFunc) *Task {
	return &Task{
		rideID:   rideID,
		step:     stepMeters,
		emit:     emit,
		position: from,
		target:   to,
	}
}

// RideID returns the ride this task animates.
func (t *Task) RideID() string {
	return t.rideID
}

// Advance moves the position by at most one step. ok is false when the task
// was cancelled or had already arrived, in which case nothing changed.
func (t *Task) Advance() (position ride.Coordinates, arrived, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled || t.arrived {
		return t.position, t.arrived, false
	}

	remaining := geo.DistanceMeters(t.position.Lat, t.position.Lng, t.target.Lat, t.target.Lng)
	if remaining <= t.step {
		t.position = t.target
		t.arrived = true
		return t.position, true, true
	}

	lat, lng := geo.Lerp(t.position.Lat, t.position.Lng, t.target.Lat, t.target.Lng, t.step/remaining)
	t.position = ride.Coordinates{Lat: lat, Lng: lng}
	return t.position, false, true
}

// Cancel stops the task. It is safe to call more than once. An emission in
// flight completes before Cancel returns and none follows it, so Cancel must
// not be called from the task's own emit callback.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()

	t.emitMu.Lock()
	t.emitMu.Unlock()
}

// fire hands position to the emit callback unless the task was cancelled.
func (t *Task) fire(ctx context.Context, position ride.Coordinates, arrived bool) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.Cancelled() {
		return false
	}
	t.emit(ctx, t.rideID, position, arrived)
	return true
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Position returns the current simulated position.
func (t *Task) Position() ride.Coordinates {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}
