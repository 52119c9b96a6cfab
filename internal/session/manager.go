package session

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/legionhq/legion/internal/common/apperr"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
)

// Store persists session records.
type Store interface {
	SaveSession(s *Session) error
	LoadSession(sid string) (*Session, error)
	ListSessionIDs() ([]string, error)
}

// Manager is the process-wide session registry. Every mutation happens under
// the session's own lock and is persisted before the lock is released, so
// readers always observe a state that exists on disk.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex

	store  Store
	logger *logger.Logger
}

// NewManager creates an empty registry backed by store.
func NewManager(store Store, log *logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
		store:    store,
		logger:   log.WithFields(zap.String("component", "session-manager")),
	}
}

// LoadAll re-materializes every persisted session. Sessions that were live
// when the process stopped load as Terminated with processing cleared: no
// SDK subprocess survives a restart, and the resume token already carries
// everything needed to continue the conversation.
func (m *Manager) LoadAll() error {
	ids, err := m.store.ListSessionIDs()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	var (
		loadMu sync.Mutex
		loaded = make(map[string]*Session, len(ids))
	)
	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, sid := range ids {
		g.Go(func() error {
			s, err := m.store.LoadSession(sid)
			if err != nil {
				m.logger.Warn("skipping unreadable session state",
					zap.String("session_id", sid), zap.Error(err))
				return nil
			}
			if s.State == StateStarting || s.State == StateActive || s.State == StatePaused {
				m.logger.Debug("normalizing live session to terminated",
					zap.String("session_id", s.ID), zap.String("state", string(s.State)))
				s.State = StateTerminated
			}
			s.Processing = false
			loadMu.Lock()
			loaded[s.ID] = s
			loadMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, s := range loaded {
		m.sessions[sid] = s
	}
	m.logger.Info("sessions loaded", zap.Int("count", len(loaded)))
	return nil
}

// Add registers a new session and persists its initial state.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; ok {
		m.mu.Unlock()
		return ErrAlreadyExists
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if err := m.store.SaveSession(s); err != nil {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		return apperr.Storage("persist new session", err)
	}
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sid string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sid]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Exists reports whether sid is registered.
func (m *Manager) Exists(sid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sid]
	return ok
}

// List returns snapshots of all sessions ordered by creation instant.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// ListByProject returns snapshots of the sessions belonging to one project.
func (m *Manager) ListByProject(projectID string) []*Session {
	var out []*Session
	for _, s := range m.List() {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	return out
}

// FindByName returns the session with the given display name within a
// project, matching case-sensitively.
func (m *Manager) FindByName(projectID, name string) (*Session, bool) {
	for _, s := range m.List() {
		if s.ProjectID == projectID && s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Update applies mutate under the session's lock, bumps the update instant,
// persists, and returns a snapshot of the result.
func (m *Manager) Update(sid string, mutate func(*Session) error) (*Session, error) {
	lock, err := m.lockFor(sid)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	s, ok := m.sessions[sid]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if err := mutate(s); err != nil {
		return nil, err
	}
	s.UpdatedAt = timeutil.UnixNow()
	if err := m.store.SaveSession(s); err != nil {
		return nil, apperr.Storage("persist session update", err)
	}
	return s.Clone(), nil
}

// Transition moves the session to next, rejecting moves the lifecycle does
// not permit.
func (m *Manager) Transition(sid string, next State) (*Session, error) {
	return m.Update(sid, func(s *Session) error {
		if !s.State.CanTransition(next) {
			return apperr.SessionState("cannot transition session %s from %s to %s", sid, s.State, next)
		}
		s.State = next
		if next == StateTerminated || next == StateError {
			s.Processing = false
		}
		return nil
	})
}

// SetProcessing flips the inflight-turn flag.
func (m *Manager) SetProcessing(sid string, processing bool) (*Session, error) {
	return m.Update(sid, func(s *Session) error {
		s.Processing = processing
		return nil
	})
}

// Remove drops the session from the registry. The caller owns any on-disk
// cleanup (archival happens before removal).
func (m *Manager) Remove(sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sid]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sid)
	delete(m.locks, sid)
	return nil
}

func (m *Manager) lockFor(sid string) (*sync.Mutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sid]; !ok {
		return nil, ErrNotFound
	}
	lock, ok := m.locks[sid]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sid] = lock
	}
	return lock, nil
}
