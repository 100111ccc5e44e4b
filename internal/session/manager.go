package session

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/opus67/loadout/internal/capability"
	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/score"
)

// Manager owns all live sessions. Sessions share the catalog and provider
// registry but nothing else: each has its own budget, active set, and
// connection pool.
type Manager struct {
	cat      *catalog.Catalog
	registry *capability.Registry
	ceiling  int
	weights  score.Weights

	mu       sync.RWMutex
	sessions map[string]*Session
	onCreate func(*Session)
	logger   *zap.Logger
}

// NewManager creates a session manager with session defaults.
func NewManager(cat *catalog.Catalog, registry *capability.Registry, ceiling int, weights score.Weights, logger *zap.Logger) *Manager {
	return &Manager{
		cat:      cat,
		registry: registry,
		ceiling:  ceiling,
		weights:  weights,
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Create starts a new session. A non-positive ceiling falls back to the
// manager default.
func (m *Manager) Create(ceiling int) (*Session, error) {
	if ceiling <= 0 {
		ceiling = m.ceiling
	}
	s, err := New(m.cat, m.registry, ceiling, m.weights, m.logger)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	hook := m.onCreate
	m.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return s, nil
}

// OnCreate registers a callback invoked for every session Create starts,
// letting callers attach feeds or observers.
func (m *Manager) OnCreate(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreate = fn
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns snapshots of every live session, ordered by id.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove tears a session down and forgets it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Teardown()
	return nil
}

// Close tears down every session. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Teardown()
	}
	m.logger.Info("all sessions closed", zap.Int("count", len(sessions)))
}
