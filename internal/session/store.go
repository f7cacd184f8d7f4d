package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"go.uber.org/zap"
)

// Tokens is the auth-store marker.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

type storageBlob struct {
	CurrentRide *ride.Ride `json:"currentRide"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ChangeFunc observes the active ride after every mutation. ride is nil once
// the active ride has been cleared.
type ChangeFunc func(ctx context.Context, current *ride.Ride)

// Store is the ride state of one session. Every mutation is written through
// to the persister before the call returns; a persistence failure is returned
// but the in-memory change stands.
type Store struct {
	sessionID string
	persister Persister
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	current  *ride.Ride
	user     *ride.User
	tokens   *Tokens
	onChange []ChangeFunc
}

// NewStore creates an empty store for sessionID.
func NewStore(sessionID string, persister Persister, logger *zap.Logger) *Store {
	if persister == nil {
		persister = NewMemoryPersister()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessionID: sessionID,
		persister: persister,
		logger:    logger.With(zap.String("session_id", sessionID)),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SessionID returns the owning session.
func (s *Store) SessionID() string {
	return s.sessionID
}

// OnChange registers fn to run after each ride mutation.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Current returns a copy of the active ride, or nil.
func (s *Store) Current() *ride.Ride {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// SetCurrentRide replaces the active ride wholesale; nil clears it.
func (s *Store) SetCurrentRide(ctx context.Context, r *ride.Ride) error {
	s.mu.Lock()
	s.current = r.Clone()
	if s.current != nil && s.current.UpdatedAt.IsZero() {
		s.current.UpdatedAt = s.now()
	}
	err := s.persistRideLocked(ctx)
	snapshot, listeners := s.current.Clone(), s.onChange
	s.mu.Unlock()

	s.notify(ctx, listeners, snapshot)
	return err
}

// Book installs r as the active ride unless another ride is still active.
func (s *Store) Book(ctx context.Context, r *ride.Ride) error {
	if r == nil {
		return fmt.Errorf("book: ride is required")
	}

	s.mu.Lock()
	if s.current.IsActive() {
		activeID := s.current.ID
		s.mu.Unlock()
		return fmt.Errorf("book ride %s while %s is active: %w", r.ID, activeID, ride.ErrActiveRide)
	}
	s.current = r.Clone()
	now := s.now()
	if s.current.CreatedAt.IsZero() {
		s.current.CreatedAt = now
	}
	s.current.UpdatedAt = now
	err := s.persistRideLocked(ctx)
	snapshot, listeners := s.current.Clone(), s.onChange
	s.mu.Unlock()

	s.notify(ctx, listeners, snapshot)
	return err
}

// MutateStatus updates only the status of the active ride. It is a no-op
// when there is no ride or the ride is already terminal.
func (s *Store) MutateStatus(ctx context.Context, next ride.Status) (bool, error) {
	return s.mutate(ctx, "", func(r *ride.Ride) bool {
		if r.Status == next {
			return false
		}
		r.Status = next
		return true
	})
}

// Apply feeds event to the transition table for rideID and stores the result.
func (s *Store) Apply(ctx context.Context, rideID string, event ride.Event) (ride.Status, bool, error) {
	var next ride.Status
	applied, err := s.mutate(ctx, rideID, func(r *ride.Ride) bool {
		var ok bool
		next, ok = ride.Next(r.Status, event)
		if !ok || next == r.Status {
			return false
		}
		r.Status = next
		return true
	})
	return next, applied, err
}

// UpdateDriverLocation overwrites the driver position of rideID and nothing
// else. Updates for another ride or a terminal ride are dropped.
func (s *Store) UpdateDriverLocation(ctx context.Context, rideID string, location ride.Coordinates) (bool, error) {
	return s.mutate(ctx, rideID, func(r *ride.Ride) bool {
		if r.Driver == nil {
			r.Driver = &ride.Driver{}
		}
		loc := location
		r.Driver.Location = &loc
		return true
	})
}

// AssignDriver sets the driver details of rideID. A location already known
// for the ride is kept when d carries none.
func (s *Store) AssignDriver(ctx context.Context, rideID string, d ride.Driver) (bool, error) {
	return s.mutate(ctx, rideID, func(r *ride.Ride) bool {
		assigned := d
		if assigned.Location == nil && r.Driver != nil {
			assigned.Location = r.Driver.Location
		} else if assigned.Location != nil {
			loc := *assigned.Location
			assigned.Location = &loc
		}
		r.Driver = &assigned
		return true
	})
}

// Finish moves rideID into terminal and clears it from the store. It reports
// true only for the call that performed the transition; repeats, stale ride
// ids and already-terminal rides return false.
func (s *Store) Finish(ctx context.Context, rideID string, terminal ride.Status) (*ride.Ride, bool, error) {
	if !ride.IsTerminal(terminal) {
		return nil, false, fmt.Errorf("finish ride %s: %s is not a terminal status", rideID, terminal)
	}

	s.mu.Lock()
	if s.current == nil || s.current.ID != rideID || ride.IsTerminal(s.current.Status) {
		s.mu.Unlock()
		return nil, false, nil
	}
	final := s.current.Clone()
	final.Status = terminal
	final.UpdatedAt = s.now()
	s.current = nil
	err := s.persistRideLocked(ctx)
	listeners := s.onChange
	s.mu.Unlock()

	s.logger.Info("ride finished", zap.String("ride_id", rideID), zap.String("status", string(terminal)))
	s.notify(ctx, listeners, nil)
	return final, true, err
}

// Clear drops the active ride, e.g. when the surface navigates away.
func (s *Store) Clear(ctx context.Context) error {
	return s.SetCurrentRide(ctx, nil)
}

// mutate runs fn on the active ride when it matches rideID (any ride when
// rideID is empty) and is not terminal.
func (s *Store) mutate(ctx context.Context, rideID string, fn func(r *ride.Ride) bool) (bool, error) {
	s.mu.Lock()
	if s.current == nil || ride.IsTerminal(s.current.Status) || (rideID != "" && s.current.ID != rideID) {
		s.mu.Unlock()
		return false, nil
	}
	if !fn(s.current) {
		s.mu.Unlock()
		return false, nil
	}
	s.current.UpdatedAt = s.now()
	err := s.persistRideLocked(ctx)
	snapshot, listeners := s.current.Clone(), s.onChange
	s.mu.Unlock()

	s.notify(ctx, listeners, snapshot)
	return true, err
}

// User returns the signed-in user, or nil.
func (s *Store) User() *ride.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// SetUser stores the signed-in user.
func (s *Store) SetUser(ctx context.Context, u *ride.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.user = nil
		return s.persister.Delete(ctx, s.sessionID, KeyUser)
	}
	cp := *u
	s.user = &cp
	return s.saveJSON(ctx, KeyUser, s.user)
}

// Tokens returns the auth tokens, or nil.
func (s *Store) Tokens() *Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil {
		return nil
	}
	t := *s.tokens
	return &t
}

// SetTokens stores the auth tokens.
func (s *Store) SetTokens(ctx context.Context, t *Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == nil {
		s.tokens = nil
		return s.persister.Delete(ctx, s.sessionID, KeyAuth)
	}
	cp := *t
	s.tokens = &cp
	return s.saveJSON(ctx, KeyAuth, s.tokens)
}

// Rehydrate loads the persisted markers. A persisted ride that is already
// terminal is dropped.
func (s *Store) Rehydrate(ctx context.Context) error {
	var (
		blob   storageBlob
		user   ride.User
		tokens Tokens
	)

	hasRide, err := s.loadJSON(ctx, KeyStorage, &blob)
	if err != nil {
		return err
	}
	hasUser, err := s.loadJSON(ctx, KeyUser, &user)
	if err != nil {
		return err
	}
	hasTokens, err := s.loadJSON(ctx, KeyAuth, &tokens)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if hasRide && blob.CurrentRide.IsActive() {
		s.current = blob.CurrentRide
	}
	if hasUser {
		s.user = &user
	}
	if hasTokens {
		s.tokens = &tokens
	}
	snapshot, listeners := s.current.Clone(), s.onChange
	s.mu.Unlock()

	if snapshot != nil {
		s.logger.Info("rehydrated active ride", zap.String("ride_id", snapshot.ID), zap.String("status", string(snapshot.Status)))
		s.notify(ctx, listeners, snapshot)
	}
	return nil
}

// Discard wipes ride, user and auth state. It is the forced-logout path.
func (s *Store) Discard(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.user = nil
	s.tokens = nil
	listeners := s.onChange
	err := s.persister.Delete(ctx, s.sessionID, AllKeys...)
	s.mu.Unlock()

	s.logger.Warn("session state discarded")
	s.notify(ctx, listeners, nil)
	return err
}

func (s *Store) persistRideLocked(ctx context.Context) error {
	err := s.saveJSON(ctx, KeyStorage, storageBlob{CurrentRide: s.current, UpdatedAt: s.now()})
	if err != nil {
		s.logger.Warn("failed to persist session marker", zap.Error(err))
	}
	return err
}

func (s *Store) saveJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.persister.Save(ctx, s.sessionID, key, data)
}

func (s *Store) loadJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.persister.Load(ctx, s.sessionID, key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("ignoring corrupt session marker", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (s *Store) notify(ctx context.Context, listeners []ChangeFunc, snapshot *ride.Ride) {
	for _, fn := range listeners {
		fn(ctx, snapshot.Clone())
	}
}
