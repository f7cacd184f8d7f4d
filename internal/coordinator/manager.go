// Package coordinator owns the per-user sessions: their ride store, the
// role's channel bridge and the dispatcher that carries their decisions.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gidigo/ride-coordinator/internal/bridge"
	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/internal/session"
	"github.com/gidigo/ride-coordinator/pkg/async"
	apperrors "github.com/gidigo/ride-coordinator/pkg/errors"
	"github.com/gidigo/ride-coordinator/pkg/httpclient"
	"github.com/gidigo/ride-coordinator/pkg/logger"
	"github.com/gidigo/ride-coordinator/pkg/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrInvalidRole    = errors.New("invalid role")
)

var (
	activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gidigo",
		Subsystem: "coordinator",
		Name:      "active_sessions",
		Help:      "Sessions currently held, by role.",
	}, []string{"role"})
	expiredSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gidigo",
		Subsystem: "coordinator",
		Name:      "expired_sessions_total",
		Help:      "Sessions force-ended because their auth could not be renewed.",
	})
)

// Session is one user's live coordinator state. Exactly one of Passenger and
// Driver is set, matching Role.
type Session struct {
	ID        string
	UserID    string
	Role      ride.Role
	Store     *session.Store
	Passenger *bridge.PassengerBridge
	Driver    *bridge.DriverBridge
	StartedAt time.Time
}

// Current returns the session's active ride, or nil.
func (s *Session) Current() *ride.Ride {
	return s.Store.Current()
}

func (s *Session) close(ctx context.Context) {
	if s.Passenger != nil {
		s.Passenger.Close(ctx)
	}
	if s.Driver != nil {
		s.Driver.Close(ctx)
	}
}

// SessionID is the stable id for a user acting in role, so a reconnect finds
// the markers persisted by the previous connection.
func SessionID(userID string, role ride.Role) string {
	return fmt.Sprintf("%s-%s", role, userID)
}

// DispatcherFactory picks the dispatcher for a new session. onExpired ends the
// session when its credentials can no longer be renewed.
type DispatcherFactory func(s *Session, onExpired httpclient.SessionExpiredFunc) bridge.Dispatcher

// SharedDispatcher hands every session the same dispatcher.
func SharedDispatcher(d bridge.Dispatcher) DispatcherFactory {
	return func(*Session, httpclient.SessionExpiredFunc) bridge.Dispatcher { return d }
}

// HTTPDispatchers builds a dispatcher per session that authenticates with the
// session's own tokens and renews them through refresher.
func HTTPDispatchers(baseURL string, timeout time.Duration, refresher Refresher, opts ...httpclient.Option) DispatcherFactory {
	return func(s *Session, onExpired httpclient.SessionExpiredFunc) bridge.Dispatcher {
		clientOpts := append([]httpclient.Option{
			httpclient.WithTokenSource(&storeTokens{store: s.Store, refresher: refresher}),
			httpclient.OnSessionExpired(onExpired),
		}, opts...)
		return bridge.NewHTTPDispatcher(httpclient.NewClient(baseURL, timeout, clientOpts...))
	}
}

// Config wires a Manager.
type Config struct {
	Transport   pubsub.Transport
	Persister   session.Persister
	Notifier    bridge.Notifier
	Dispatchers DispatcherFactory
	Mover       bridge.Mover
	Logger      *zap.Logger
}

// StartOption customizes Start.
type StartOption func(*startOptions)

type startOptions struct {
	name   string
	phone  string
	tokens *session.Tokens
}

// WithProfile records the display name and phone of the user.
func WithProfile(name, phone string) StartOption {
	return func(o *startOptions) {
		o.name = name
		o.phone = phone
	}
}

// WithTokens stores the credentials the session acts with.
func WithTokens(tokens session.Tokens) StartOption {
	return func(o *startOptions) {
		o.tokens = &tokens
	}
}

// Manager holds the live sessions.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	starting singleflight.Group
}

// NewManager creates a manager. Missing collaborators fall back to in-memory
// or no-op implementations.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Persister == nil {
		cfg.Persister = session.NewMemoryPersister()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = bridge.NopNotifier{}
	}
	if cfg.Dispatchers == nil {
		cfg.Dispatchers = SharedDispatcher(bridge.NopDispatcher{})
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.Named("coordinator"),
		sessions: make(map[string]*Session),
	}
}

// Start opens the session of userID in role, or returns the one already
// open. Persisted state is rehydrated and an active ride is watched again.
func (m *Manager) Start(ctx context.Context, userID string, role ride.Role, opts ...StartOption) (*Session, error) {
	if userID == "" {
		return nil, errors.New("start session: user id is required")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("start session for %s: %w %q", userID, ErrInvalidRole, role)
	}

	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := SessionID(userID, role)
	ctx = logger.ContextWithSessionID(ctx, id)
	log := m.logger.With(zap.String("session_id", id), zap.String("user_id", userID))

	if existing, ok := m.Get(id); ok {
		m.refresh(ctx, existing, o, log)
		return existing, nil
	}

	// setup runs outside m.mu; concurrent Starts of the same id share one build
	opened := false
	v, err, _ := m.starting.Do(id, func() (interface{}, error) {
		if existing, ok := m.Get(id); ok {
			return existing, nil
		}
		s := m.open(ctx, id, userID, role, o, log)

		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()
		activeSessions.WithLabelValues(string(role)).Inc()
		opened = true
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	if !opened {
		m.refresh(ctx, s, o, log)
	}
	return s, nil
}

// open builds the session of userID: its store is rehydrated, the profile and
// tokens applied and the role bridge resumed.
func (m *Manager) open(ctx context.Context, id, userID string, role ride.Role, o startOptions, log *zap.Logger) *Session {
	store := session.NewStore(id, m.cfg.Persister, m.cfg.Logger)
	notifier := m.cfg.Notifier
	store.OnChange(func(ctx context.Context, current *ride.Ride) {
		notifier.RideUpdated(ctx, userID, current)
	})

	if err := store.Rehydrate(ctx); err != nil {
		// the session still works; it just starts without the persisted markers
		log.Warn("failed to rehydrate session", zap.Error(err))
		apperrors.CaptureErrorWithContext(ctx, err, map[string]interface{}{"session_id": id})
	}

	s := &Session{
		ID:        id,
		UserID:    userID,
		Role:      role,
		Store:     store,
		StartedAt: time.Now().UTC(),
	}
	m.refresh(ctx, s, o, log)

	deps := bridge.Deps{
		Transport: m.cfg.Transport,
		Store:     store,
		Notifier:  notifier,
		Logger:    m.cfg.Logger.With(zap.String("session_id", id)),
	}
	deps.Dispatcher = m.cfg.Dispatchers(s, func(ctx context.Context) {
		// the hook fires inside a bridge call; end the session once it returns
		async.Go(ctx, "session.expire", func(ctx context.Context) {
			m.Expire(ctx, id)
		})
	})

	var resumeErr error
	switch role {
	case ride.RolePassenger:
		s.Passenger = bridge.NewPassengerBridge(deps, userID)
		resumeErr = s.Passenger.Resume(ctx)
	case ride.RoleDriver:
		s.Driver = bridge.NewDriverBridge(deps, userID, m.cfg.Mover)
		resumeErr = s.Driver.Resume(ctx)
	}
	if resumeErr != nil {
		// a transport outage leaves the ride in the store; the next Start retries
		log.Warn("failed to resume active ride", zap.Error(resumeErr))
	}

	fields := []zap.Field{zap.String("role", string(role))}
	if current := store.Current(); current != nil {
		fields = append(fields, zap.String("ride_id", current.ID), zap.String("status", string(current.Status)))
	}
	log.Info("session started", fields...)
	return s
}

// refresh applies the profile and tokens of a Start to s. A user that was
// never stored is created from the session identity.
func (m *Manager) refresh(ctx context.Context, s *Session, o startOptions, log *zap.Logger) {
	user := s.Store.User()
	if user == nil || o.name != "" || o.phone != "" {
		if user == nil {
			user = &ride.User{ID: s.UserID, Role: s.Role}
		}
		if o.name != "" {
			user.Name = o.name
		}
		if o.phone != "" {
			user.Phone = o.phone
		}
		if err := s.Store.SetUser(ctx, user); err != nil {
			log.Warn("failed to persist user", zap.Error(err))
		}
	}
	if o.tokens != nil {
		if err := s.Store.SetTokens(ctx, o.tokens); err != nil {
			log.Warn("failed to persist tokens", zap.Error(err))
		}
	}
}

// Get returns the open session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Peek returns the active ride of userID in role without opening a session:
// the live session when there is one, the persisted marker otherwise.
func (m *Manager) Peek(ctx context.Context, userID string, role ride.Role) (*ride.Ride, bool, error) {
	id := SessionID(userID, role)
	if s, ok := m.Get(id); ok {
		return s.Current(), true, nil
	}

	store := session.NewStore(id, m.cfg.Persister, m.cfg.Logger)
	if err := store.Rehydrate(ctx); err != nil {
		return nil, false, fmt.Errorf("peek %s: %w", id, err)
	}
	return store.Current(), false, nil
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// End stops every subscription and movement task of the session. Persisted
// state is kept for the next Start.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("end %s: %w", id, ErrUnknownSession)
	}

	s.close(ctx)
	activeSessions.WithLabelValues(string(s.Role)).Dec()
	m.logger.Info("session ended", zap.String("session_id", id), zap.String("user_id", s.UserID))
	return nil
}

// Expire is the forced logout: the session's persisted state is wiped, the
// session ends and the user is sent to the login screen.
func (m *Manager) Expire(ctx context.Context, id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := s.Store.Discard(ctx); err != nil {
		m.logger.Warn("failed to discard session state", zap.String("session_id", id), zap.Error(err))
	}
	if err := m.End(ctx, id); err != nil {
		// a concurrent End won the race
		return
	}

	expiredSessions.Inc()
	m.cfg.Notifier.Toast(ctx, s.UserID, bridge.Toast{
		Level:   bridge.ToastError,
		Title:   "Session expired",
		Message: "Please sign in again",
	})
	m.cfg.Notifier.Navigate(ctx, s.UserID, bridge.RouteLogin)
	m.logger.Warn("session expired", zap.String("session_id", id), zap.String("user_id", s.UserID))
}

// Shutdown ends every session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.End(ctx, id)
	}
	m.logger.Info("all sessions ended", zap.Int("count", len(ids)))
}
