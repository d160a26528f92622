package tracking

import (
	"context"
	"errors"
	"log"
	"sync"

	"schoolbus-tracker/internal/models"
)

var (
	// ErrNoSession is returned when a user has no running session
	ErrNoSession = errors.New("no tracking session for user")
	// ErrUnknownChild is returned when selecting an admission the parent did not register
	ErrUnknownChild = errors.New("child not registered for this session")
)

// SelectionStore persists the parent's selected child across restarts
type SelectionStore interface {
	SaveSelection(ctx context.Context, userID string, admission int) error
	LoadSelection(ctx context.Context, userID string) (int, bool, error)
}

// ManagerConfig holds what every session shares. TripsFor binds the parent's bearer
// token to a trip source; OnChange and OnFix receive the owning user ID.
type ManagerConfig struct {
	Session  SessionConfig
	TripsFor func(token string) TripSource
	Store    SelectionStore // optional

	OnChange func(userID string, state models.DerivedPositionState)
	OnFix    func(userID, tripID string, fix models.VehicleFix)
	OnStart  func(userID string)
	OnStop   func(userID string)
}

type managedSession struct {
	session  *Session
	children []models.Child
}

// Manager owns one Session per signed-in parent. Sessions are created at login and torn
// down at logout; there is no process-wide tracking state outside of it.
type Manager struct {
	cfg      ManagerConfig
	sessions map[string]*managedSession // Key: user ID
	mutex    sync.RWMutex
}

// NewManager creates an empty session manager
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*managedSession),
	}
}

// Start creates the session for a parent, replacing any existing one, and selects a
// child: the persisted selection when it is still registered, else the first child.
func (m *Manager) Start(ctx context.Context, userID, token string, children []models.Child) (*Session, error) {
	cfg := m.cfg.Session
	cfg.Trips = m.cfg.TripsFor(token)
	if m.cfg.OnChange != nil {
		cfg.OnChange = func(st models.DerivedPositionState) { m.cfg.OnChange(userID, st) }
	}
	if m.cfg.OnFix != nil {
		cfg.OnFix = func(tripID string, fix models.VehicleFix) { m.cfg.OnFix(userID, tripID, fix) }
	}

	session := NewSession(userID, cfg)

	// The swap happens under one lock so concurrent starts for the same parent always
	// leave exactly one session registered and close the one they displaced.
	m.mutex.Lock()
	previous := m.sessions[userID]
	m.sessions[userID] = &managedSession{session: session, children: children}
	count := len(m.sessions)
	m.mutex.Unlock()

	if previous != nil {
		m.closeSession(userID, previous)
	}

	log.Printf("✅ Started tracking session for user %s (%d children, %d active sessions)", userID, len(children), count)
	if m.cfg.OnStart != nil {
		m.cfg.OnStart(userID)
	}

	admission := 0
	if len(children) > 0 {
		admission = children[0].AdmissionID
	}
	if m.cfg.Store != nil {
		saved, ok, err := m.cfg.Store.LoadSelection(ctx, userID)
		if err != nil {
			log.Printf("⚠️  Failed to load saved selection for user %s: %v", userID, err)
		} else if ok && hasChild(children, saved) {
			admission = saved
		}
	}

	if admission != 0 {
		if err := session.SelectChild(admission); err != nil {
			return session, err
		}
	}

	return session, nil
}

// Get returns the running session for a user
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ms, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	return ms.session, true
}

// Children returns the kid list registered with the user's session
func (m *Manager) Children(userID string) ([]models.Child, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ms, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	return append([]models.Child(nil), ms.children...), true
}

// SelectChild switches the child tracked by a user's session and persists the choice
func (m *Manager) SelectChild(ctx context.Context, userID string, admission int) error {
	m.mutex.RLock()
	ms, ok := m.sessions[userID]
	m.mutex.RUnlock()

	if !ok {
		return ErrNoSession
	}
	if admission != 0 && !hasChild(ms.children, admission) {
		return ErrUnknownChild
	}

	if err := ms.session.SelectChild(admission); err != nil {
		return err
	}

	if m.cfg.Store != nil {
		if err := m.cfg.Store.SaveSelection(ctx, userID, admission); err != nil {
			log.Printf("⚠️  Failed to persist selection for user %s: %v", userID, err)
		}
	}
	return nil
}

// Stop tears down a user's session. It reports whether one was running.
func (m *Manager) Stop(userID string) bool {
	m.mutex.Lock()
	ms, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mutex.Unlock()

	if !ok {
		return false
	}

	m.closeSession(userID, ms)
	return true
}

func (m *Manager) closeSession(userID string, ms *managedSession) {
	ms.session.Close()
	if m.cfg.OnStop != nil {
		m.cfg.OnStop(userID)
	}
	log.Printf("👋 Stopped tracking session for user %s", userID)
}

// Count returns the number of running sessions
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return len(m.sessions)
}

// Shutdown stops every session
func (m *Manager) Shutdown() {
	m.mutex.RLock()
	userIDs := make([]string, 0, len(m.sessions))
	for userID := range m.sessions {
		userIDs = append(userIDs, userID)
	}
	m.mutex.RUnlock()

	for _, userID := range userIDs {
		m.Stop(userID)
	}
}

func hasChild(children []models.Child, admission int) bool {
	for _, c := range children {
		if c.AdmissionID == admission {
			return true
		}
	}
	return false
}
