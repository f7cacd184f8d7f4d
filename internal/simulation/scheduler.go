package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/pkg/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var activeTasks = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "gidigo_simulation_active_tasks",
	Help: "Simulated driver movements currently running",
})

// ErrStopped is returned by Start after the scheduler has been stopped.
var ErrStopped = errors.New("simulation scheduler stopped")

// EmitFunc receives every simulated position. arrived is true on the last one.
type EmitFunc func(ctx context.Context, rideID string, position ride.Coordinates, arrived bool)

// Scheduler drives every running Task from a single ticker.
type Scheduler struct {
	interval time.Duration
	step     float64
	logger   *zap.Logger

	mu       sync.Mutex
	tasks    map[string]*Task
	stopped  bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler that advances each task by stepMeters
// every interval. Call Run to start ticking.
func NewScheduler(interval time.Duration, stepMeters float64, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		interval: interval,
		step:     stepMeters,
		logger:   logger.Named("simulation"),
		tasks:    make(map[string]*Task),
		done:     make(chan struct{}),
	}
}

// Run ticks until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Starting movement simulation",
		zap.Duration("interval", s.interval),
		zap.Float64("step_meters", s.step),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.CancelAll()
			s.logger.Info("Movement simulation stopped")
			return
		case <-s.done:
			s.CancelAll()
			s.logger.Info("Movement simulation shutdown requested")
			return
		}
	}
}

// Stop ends Run and cancels every task.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.done)
	})
}

// Start animates rideID from from to to. A task already running for the same
// ride is cancelled and replaced.
func (s *Scheduler) Start(rideID string, from, to ride.Coordinates, emit EmitFunc) error {
	if rideID == "" {
		return fmt.Errorf("start simulation: ride id is required")
	}
	if emit == nil {
		return fmt.Errorf("start simulation for %s: emit func is required", rideID)
	}
	for _, c := range []ride.Coordinates{from, to} {
		if err := validation.ValidateCoordinates(c.Lat, c.Lng); err != nil {
			return fmt.Errorf("start simulation for %s: %w", rideID, err)
		}
	}

	task := NewTask(rideID, from, to, s.step, emit)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	prev := s.tasks[rideID]
	s.tasks[rideID] = task
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	} else {
		activeTasks.Inc()
	}

	s.logger.Debug("simulation started", zap.String("ride_id", rideID))
	return nil
}

// Cancel stops the task for rideID. It reports whether one was running. No
// position of that task is emitted after Cancel returns.
func (s *Scheduler) Cancel(rideID string) bool {
	s.mu.Lock()
	task, ok := s.tasks[rideID]
	if ok {
		delete(s.tasks, rideID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	task.Cancel()
	activeTasks.Dec()
	s.logger.Debug("simulation cancelled", zap.String("ride_id", rideID))
	return true
}

// CancelAll stops every task and returns how many were running.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*Task)
	s.mu.Unlock()

	for _, task := range tasks {
		task.Cancel()
	}
	activeTasks.Sub(float64(len(tasks)))
	return len(tasks)
}

// Running reports whether a task exists for rideID.
func (s *Scheduler) Running(rideID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[rideID]
	return ok
}

// tick advances every task once. Emission happens outside the scheduler lock
// so an emit callback may cancel other tasks.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	for _, task := range tasks {
		position, arrived, ok := task.Advance()
		if !ok || !task.fire(ctx, position, arrived) {
			continue
		}
		if arrived {
			s.finish(task)
		}
	}
}

// finish drops an arrived task unless it was already replaced.
func (s *Scheduler) finish(task *Task) {
	s.mu.Lock()
	current, ok := s.tasks[task.rideID]
	if ok && current == task {
		delete(s.tasks, task.rideID)
	}
	s.mu.Unlock()

	if ok && current == task {
		activeTasks.Dec()
		s.logger.Debug("simulation arrived", zap.String("ride_id", task.rideID))
	}
}
