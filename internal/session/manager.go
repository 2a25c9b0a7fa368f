// Package session implements the proctored test session: a per-user,
// per-test state machine covering the timed answering flow, integrity
// lockdowns, snapshot persistence and the two-phase submission.
package session

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Manager owns the live engines, one per user/test pair. Engines stay
// registered after they reach a terminal state so clients can still read
// the outcome; restarts recover in-flight sessions from snapshots.
type Manager struct {
	deps   Deps
	policy Policy
	log    zerolog.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager creates a Manager over shared dependencies.
func NewManager(deps Deps, policy Policy) *Manager {
	return &Manager{
		deps:    deps,
		policy:  policy,
		log:     deps.Log.With().Str("component", "session_manager").Logger(),
		engines: make(map[string]*Engine),
	}
}

func sessionKey(userID int, testID string) string {
	return fmt.Sprintf("%d:%s", userID, testID)
}

// GetOrCreate returns the engine for the pair, creating one if none is
// registered. The token is only consulted on creation; an existing engine
// keeps the token it started with.
func (m *Manager) GetOrCreate(userID int, testID, token string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(userID, testID)
	if e, ok := m.engines[key]; ok {
		return e
	}
	e := newEngine(userID, testID, token, m.deps, m.policy)
	m.engines[key] = e
	return e
}

// Get returns the engine for the pair, or nil when none exists.
func (m *Manager) Get(userID int, testID string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[sessionKey(userID, testID)]
}

// Shutdown tears every engine down. Snapshots stay on disk so answering
// sessions resume after restart.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()

	for _, e := range engines {
		e.Teardown()
	}
	m.log.Info().Int("sessions", len(engines)).Msg("session manager stopped")
}
