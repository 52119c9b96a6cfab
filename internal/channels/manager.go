// Package channels implements multicast groups scoped to one legion.
// Membership is bidirectional: every mutation updates the channel's member
// set and the member session's channel list together.
package channels

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/apperr"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
	"github.com/legionhq/legion/internal/session"
)

var (
	// ErrNotFound indicates an unknown channel id or name.
	ErrNotFound = errors.New("channel not found")
)

// Channel is the persisted multicast group record.
type Channel struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Purpose     string  `json:"purpose,omitempty"`
	CreatedBy   string  `json:"created_by"` // "user" or a minion sid
	CreatedAt   float64 `json:"created_at"`
	UpdatedAt   float64 `json:"updated_at"`

	MemberMinionIDs []string `json:"member_minion_ids"`
}

// Clone returns a deep copy.
func (c *Channel) Clone() *Channel {
	cp := *c
	cp.MemberMinionIDs = slices.Clone(c.MemberMinionIDs)
	return &cp
}

// Store persists channel state.
type Store interface {
	SaveChannelState(projectID, channelID string, state any) error
	LoadChannelStates(projectID string) ([]json.RawMessage, error)
	DeleteChannelDir(projectID, channelID string) error
}

// Sessions is the slice of the session registry the manager needs to keep
// the session side of the membership relation consistent.
type Sessions interface {
	Update(sid string, mutate func(*session.Session) error) (*session.Session, error)
	Exists(sid string) bool
}

// Manager is the process-wide channel registry.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel // channel id -> channel

	store    Store
	sessions Sessions
	logger   *logger.Logger
}

// NewManager creates an empty registry backed by store.
func NewManager(store Store, sessions Sessions, log *logger.Logger) *Manager {
	return &Manager{
		channels: make(map[string]*Channel),
		store:    store,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "channel-manager")),
	}
}

// LoadProject re-materializes every channel persisted under one legion.
func (m *Manager) LoadProject(projectID string) error {
	states, err := m.store.LoadChannelStates(projectID)
	if err != nil {
		return apperr.Storage("load channel states", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, raw := range states {
		var ch Channel
		if err := json.Unmarshal(raw, &ch); err != nil {
			m.logger.WithProject(projectID).Warn("skipping undecodable channel state", zap.Error(err))
			continue
		}
		m.channels[ch.ID] = &ch
		count++
	}
	if count > 0 {
		m.logger.WithProject(projectID).Info("channels loaded", zap.Int("count", count))
	}
	return nil
}

// NormalizeName strips the UI's leading # and surrounding space.
func NormalizeName(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "#")
}

// Create registers a new channel. The name must be non-empty and unique
// within the legion, compared case-insensitively. Names only collide within
// one legion; the same name may exist in different legions.
func (m *Manager) Create(projectID, name, description, purpose, createdBy string) (*Channel, error) {
	name = NormalizeName(name)
	if name == "" {
		return nil, apperr.Validation("channel name must not be empty")
	}

	m.mu.Lock()
	for _, existing := range m.channels {
		if existing.ProjectID == projectID && strings.EqualFold(existing.Name, name) {
			m.mu.Unlock()
			return nil, apperr.Validation("channel name %q already exists in this legion", name)
		}
	}
	now := timeutil.UnixNow()
	ch := &Channel{
		ID:              uuid.New().String(),
		ProjectID:       projectID,
		Name:            name,
		Description:     description,
		Purpose:         purpose,
		CreatedBy:       createdBy,
		CreatedAt:       now,
		UpdatedAt:       now,
		MemberMinionIDs: []string{},
	}
	m.channels[ch.ID] = ch
	m.mu.Unlock()

	if err := m.store.SaveChannelState(projectID, ch.ID, ch); err != nil {
		m.mu.Lock()
		delete(m.channels, ch.ID)
		m.mu.Unlock()
		return nil, apperr.Storage("persist new channel", err)
	}
	return ch.Clone(), nil
}

// Get returns a snapshot of one channel.
func (m *Manager) Get(channelID string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	return ch.Clone(), nil
}

// FindByName resolves a channel by name within a legion, case-insensitively.
func (m *Manager) FindByName(projectID, name string) (*Channel, error) {
	name = NormalizeName(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if ch.ProjectID == projectID && strings.EqualFold(ch.Name, name) {
			return ch.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListByProject returns snapshots of a legion's channels ordered by creation.
func (m *Manager) ListByProject(projectID string) []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Channel
	for _, ch := range m.channels {
		if ch.ProjectID == projectID {
			out = append(out, ch.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Channel) int {
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// AddMember joins a session to a channel, updating both sides of the
// relation. Adding an existing member is a no-op.
func (m *Manager) AddMember(channelID, sid string) error {
	if !m.sessions.Exists(sid) {
		return apperr.Validation("cannot join channel: session %s does not exist", sid)
	}
	ch, changed, err := m.mutate(channelID, func(ch *Channel) bool {
		if slices.Contains(ch.MemberMinionIDs, sid) {
			return false
		}
		ch.MemberMinionIDs = append(ch.MemberMinionIDs, sid)
		return true
	})
	if err != nil || !changed {
		return err
	}
	_, err = m.sessions.Update(sid, func(s *session.Session) error {
		if !slices.Contains(s.ChannelIDs, ch.ID) {
			s.ChannelIDs = append(s.ChannelIDs, ch.ID)
		}
		return nil
	})
	return err
}

// RemoveMember leaves a channel, updating both sides. Removing a non-member
// is a no-op.
func (m *Manager) RemoveMember(channelID, sid string) error {
	ch, changed, err := m.mutate(channelID, func(ch *Channel) bool {
		idx := slices.Index(ch.MemberMinionIDs, sid)
		if idx < 0 {
			return false
		}
		ch.MemberMinionIDs = slices.Delete(ch.MemberMinionIDs, idx, idx+1)
		return true
	})
	if err != nil || !changed {
		return err
	}
	_, err = m.sessions.Update(sid, func(s *session.Session) error {
		idx := slices.Index(s.ChannelIDs, ch.ID)
		if idx >= 0 {
			s.ChannelIDs = slices.Delete(s.ChannelIDs, idx, idx+1)
		}
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		// The session side is already gone; the channel side is consistent.
		return nil
	}
	return err
}

// RemoveFromAll drops a session from every channel it belongs to. Used on
// session disposal.
func (m *Manager) RemoveFromAll(sid string) error {
	m.mu.RLock()
	var memberOf []string
	for id, ch := range m.channels {
		if slices.Contains(ch.MemberMinionIDs, sid) {
			memberOf = append(memberOf, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range memberOf {
		if err := m.RemoveMember(id, sid); err != nil {
			return err
		}
	}
	return nil
}

// Delete unregisters the channel and removes its directory.
func (m *Manager) Delete(channelID string) error {
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	members := slices.Clone(ch.MemberMinionIDs)
	projectID := ch.ProjectID
	delete(m.channels, channelID)
	m.mu.Unlock()

	for _, sid := range members {
		if _, err := m.sessions.Update(sid, func(s *session.Session) error {
			idx := slices.Index(s.ChannelIDs, channelID)
			if idx >= 0 {
				s.ChannelIDs = slices.Delete(s.ChannelIDs, idx, idx+1)
			}
			return nil
		}); err != nil && !errors.Is(err, session.ErrNotFound) {
			m.logger.Warn("failed to detach channel from session",
				zap.String("channel_id", channelID), zap.String("session_id", sid), zap.Error(err))
		}
	}

	if err := m.store.DeleteChannelDir(projectID, channelID); err != nil {
		return apperr.Storage("delete channel dir", err)
	}
	return nil
}

// mutate applies fn under the registry lock and persists when it reports a
// change.
func (m *Manager) mutate(channelID string, fn func(*Channel) bool) (*Channel, bool, error) {
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return nil, false, ErrNotFound
	}
	changed := fn(ch)
	if changed {
		ch.UpdatedAt = timeutil.UnixNow()
	}
	snapshot := ch.Clone()
	m.mu.Unlock()

	if !changed {
		return snapshot, false, nil
	}
	if err := m.store.SaveChannelState(snapshot.ProjectID, snapshot.ID, snapshot); err != nil {
		return snapshot, true, apperr.Storage("persist channel", err)
	}
	return snapshot, true, nil
}
