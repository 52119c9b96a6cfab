package project

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/apperr"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
)

var (
	// ErrNotFound indicates the project id is not registered.
	ErrNotFound = errors.New("project not found")
	// ErrAlreadyExists indicates a registration collision.
	ErrAlreadyExists = errors.New("project already exists")
)

// Store persists project records.
type Store interface {
	SaveProject(p *Project) error
	LoadProject(id string) (*Project, error)
	ListProjectIDs() ([]string, error)
	DeleteProjectDir(id string) error
}

// DeletedFunc observes project auto-deletion so transport observers can be
// notified.
type DeletedFunc func(projectID string)

// Manager is the project registry with a per-project lock guarding the
// ordered session list.
type Manager struct {
	mu       sync.RWMutex
	projects map[string]*Project
	locks    map[string]*sync.Mutex

	store     Store
	logger    *logger.Logger
	onDeleted DeletedFunc
}

// NewManager creates an empty registry backed by store.
func NewManager(store Store, log *logger.Logger) *Manager {
	return &Manager{
		projects: make(map[string]*Project),
		locks:    make(map[string]*sync.Mutex),
		store:    store,
		logger:   log.WithFields(zap.String("component", "project-manager")),
	}
}

// OnDeleted registers the auto-deletion observer.
func (m *Manager) OnDeleted(fn DeletedFunc) {
	m.onDeleted = fn
}

// LoadAll re-materializes every persisted project.
func (m *Manager) LoadAll() error {
	ids, err := m.store.ListProjectIDs()
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		p, err := m.store.LoadProject(id)
		if err != nil {
			m.logger.Warn("skipping unreadable project state",
				zap.String("project_id", id), zap.Error(err))
			continue
		}
		if p.MinionCap <= 0 {
			p.MinionCap = DefaultMinionCap
		}
		m.projects[p.ID] = p
	}
	m.logger.Info("projects loaded", zap.Int("count", len(m.projects)))
	return nil
}

// Add registers a new project and persists it.
func (m *Manager) Add(p *Project) error {
	m.mu.Lock()
	if _, ok := m.projects[p.ID]; ok {
		m.mu.Unlock()
		return ErrAlreadyExists
	}
	m.projects[p.ID] = p
	m.mu.Unlock()

	if err := m.store.SaveProject(p); err != nil {
		m.mu.Lock()
		delete(m.projects, p.ID)
		m.mu.Unlock()
		return apperr.Storage("persist new project", err)
	}
	return nil
}

// Get returns a snapshot of one project.
func (m *Manager) Get(id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// List returns snapshots of all projects ordered by display order, then
// creation instant.
func (m *Manager) List() []*Project {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b *Project) int {
		if a.Order != b.Order {
			return a.Order - b.Order
		}
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return 0
	})
	return out
}

// Update applies mutate under the project's lock, persists, and returns a
// snapshot.
func (m *Manager) Update(id string, mutate func(*Project) error) (*Project, error) {
	lock, err := m.lockFor(id)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	p, ok := m.projects[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if err := mutate(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = timeutil.UnixNow()
	if err := m.store.SaveProject(p); err != nil {
		return nil, apperr.Storage("persist project update", err)
	}
	return p.Clone(), nil
}

// AttachSession appends the session to the project's ordered list.
func (m *Manager) AttachSession(id, sid string) (*Project, error) {
	return m.Update(id, func(p *Project) error {
		if !slices.Contains(p.SessionIDs, sid) {
			p.SessionIDs = append(p.SessionIDs, sid)
		}
		return nil
	})
}

// DetachSession removes the session from the project. A project whose list
// empties this way is auto-deleted.
func (m *Manager) DetachSession(id, sid string) error {
	p, err := m.Update(id, func(p *Project) error {
		idx := slices.Index(p.SessionIDs, sid)
		if idx >= 0 {
			p.SessionIDs = slices.Delete(p.SessionIDs, idx, idx+1)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(p.SessionIDs) == 0 {
		m.logger.Info("project emptied, auto-deleting", zap.String("project_id", id))
		return m.Delete(id)
	}
	return nil
}

// Delete removes the project from the registry and from disk.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	if _, ok := m.projects[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.projects, id)
	delete(m.locks, id)
	m.mu.Unlock()

	if err := m.store.DeleteProjectDir(id); err != nil {
		return apperr.Storage("delete project dir", err)
	}
	if m.onDeleted != nil {
		m.onDeleted(id)
	}
	return nil
}

func (m *Manager) lockFor(id string) (*sync.Mutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return nil, ErrNotFound
	}
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock, nil
}
