package overseer

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/apperr"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
)

// ErrHordeNotFound indicates an unknown horde id.
var ErrHordeNotFound = errors.New("horde not found")

// Horde groups a root overseer with its transitive descendants. It is created
// lazily the first time a root spawns, and removed when the last member
// leaves.
type Horde struct {
	ID        string   `json:"id"`
	RootID    string   `json:"root_id"`
	MemberIDs []string `json:"member_ids"`
	CreatedAt float64  `json:"created_at"`
	UpdatedAt float64  `json:"updated_at"`
}

// Clone returns a deep copy.
func (h *Horde) Clone() *Horde {
	c := *h
	c.MemberIDs = slices.Clone(h.MemberIDs)
	return &c
}

// HordeStore persists horde snapshots.
type HordeStore interface {
	SaveHorde(hordeID string, horde any) error
	LoadHordes() ([]json.RawMessage, error)
	DeleteHorde(hordeID string) error
}

// Hordes is the process-wide horde registry.
type Hordes struct {
	mu     sync.Mutex
	hordes map[string]*Horde

	store  HordeStore
	logger *logger.Logger
}

// NewHordes creates an empty registry backed by store.
func NewHordes(store HordeStore, log *logger.Logger) *Hordes {
	return &Hordes{
		hordes: make(map[string]*Horde),
		store:  store,
		logger: log.WithFields(zap.String("component", "horde-registry")),
	}
}

// LoadAll re-materializes every persisted horde.
func (m *Hordes) LoadAll() error {
	states, err := m.store.LoadHordes()
	if err != nil {
		return apperr.Storage("load hordes", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, raw := range states {
		var h Horde
		if err := json.Unmarshal(raw, &h); err != nil {
			m.logger.Warn("skipping undecodable horde state", zap.Error(err))
			continue
		}
		m.hordes[h.ID] = &h
	}
	if len(m.hordes) > 0 {
		m.logger.Info("hordes loaded", zap.Int("count", len(m.hordes)))
	}
	return nil
}

// EnsureForRoot returns the horde rooted at rootID, creating it with the root
// as first member when none exists.
func (m *Hordes) EnsureForRoot(rootID string) (*Horde, error) {
	m.mu.Lock()
	for _, h := range m.hordes {
		if h.RootID == rootID {
			snapshot := h.Clone()
			m.mu.Unlock()
			return snapshot, nil
		}
	}
	now := timeutil.UnixNow()
	h := &Horde{
		ID:        uuid.New().String(),
		RootID:    rootID,
		MemberIDs: []string{rootID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.hordes[h.ID] = h
	m.mu.Unlock()

	if err := m.store.SaveHorde(h.ID, h); err != nil {
		m.mu.Lock()
		delete(m.hordes, h.ID)
		m.mu.Unlock()
		return nil, apperr.Storage("persist new horde", err)
	}
	return h.Clone(), nil
}

// Get returns a snapshot of one horde.
func (m *Hordes) Get(hordeID string) (*Horde, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hordes[hordeID]
	if !ok {
		return nil, ErrHordeNotFound
	}
	return h.Clone(), nil
}

// Join adds a member. Joining twice is a no-op.
func (m *Hordes) Join(hordeID, sid string) error {
	m.mu.Lock()
	h, ok := m.hordes[hordeID]
	if !ok {
		m.mu.Unlock()
		return ErrHordeNotFound
	}
	if slices.Contains(h.MemberIDs, sid) {
		m.mu.Unlock()
		return nil
	}
	h.MemberIDs = append(h.MemberIDs, sid)
	h.UpdatedAt = timeutil.UnixNow()
	snapshot := h.Clone()
	m.mu.Unlock()

	if err := m.store.SaveHorde(snapshot.ID, snapshot); err != nil {
		return apperr.Storage("persist horde join", err)
	}
	return nil
}

// Leave removes the session from whatever horde holds it. The horde snapshot
// is deleted once its last member leaves. Unknown members are a no-op.
func (m *Hordes) Leave(sid string) error {
	m.mu.Lock()
	var (
		snapshot *Horde
		emptied  bool
	)
	for _, h := range m.hordes {
		idx := slices.Index(h.MemberIDs, sid)
		if idx < 0 {
			continue
		}
		h.MemberIDs = slices.Delete(h.MemberIDs, idx, idx+1)
		h.UpdatedAt = timeutil.UnixNow()
		if len(h.MemberIDs) == 0 {
			delete(m.hordes, h.ID)
			emptied = true
		}
		snapshot = h.Clone()
		break
	}
	m.mu.Unlock()

	if snapshot == nil {
		return nil
	}
	if emptied {
		if err := m.store.DeleteHorde(snapshot.ID); err != nil {
			return apperr.Storage("delete emptied horde", err)
		}
		return nil
	}
	if err := m.store.SaveHorde(snapshot.ID, snapshot); err != nil {
		return apperr.Storage("persist horde leave", err)
	}
	return nil
}

// List returns snapshots of all hordes.
func (m *Hordes) List() []*Horde {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Horde, 0, len(m.hordes))
	for _, h := range m.hordes {
		out = append(out, h.Clone())
	}
	slices.SortFunc(out, func(a, b *Horde) int {
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
