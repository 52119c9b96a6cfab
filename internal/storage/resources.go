package storage

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
)

// Resource is a file registered to one session, typically an upload the user
// attached to the conversation. Read-tool calls against a registered path are
// auto-approved by the permission broker.
type Resource struct {
	ID           string  `json:"id"`
	SessionID    string  `json:"session_id"`
	Path         string  `json:"path"`
	Name         string  `json:"name,omitempty"`
	Kind         string  `json:"kind,omitempty"`
	RegisteredAt float64 `json:"registered_at"`
}

// resourceRecord is one line of resources.jsonl.
type resourceRecord struct {
	Type     string    `json:"type"` // "register" | "remove"
	Resource *Resource `json:"resource,omitempty"`
	ID       string    `json:"id,omitempty"`
}

// ResourceRegistry tracks registered resources per session, replaying each
// session's resources.jsonl on first access.
type ResourceRegistry struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Resource // sid -> resource id -> resource

	store *FileStore
	log   *logger.Logger
}

// NewResourceRegistry creates a registry backed by store.
func NewResourceRegistry(store *FileStore) *ResourceRegistry {
	return &ResourceRegistry{
		sessions: make(map[string]map[string]*Resource),
		store:    store,
		log:      store.logger.WithFields(zap.String("component", "resource-registry")),
	}
}

// Register records a resource for the session and appends it to the log.
func (r *ResourceRegistry) Register(sid string, res *Resource) error {
	if res.RegisteredAt == 0 {
		res.RegisteredAt = timeutil.UnixNow()
	}
	res.SessionID = sid
	if err := r.store.appendResourceRecord(sid, &resourceRecord{Type: "register", Resource: res}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionLocked(sid)[res.ID] = res
	return nil
}

// Remove drops a resource from the session and appends the removal.
func (r *ResourceRegistry) Remove(sid, resourceID string) error {
	if err := r.store.appendResourceRecord(sid, &resourceRecord{Type: "remove", ID: resourceID}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessionLocked(sid), resourceID)
	return nil
}

// Paths returns every registered file path for the session.
func (r *ResourceRegistry) Paths(sid string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	resources := r.sessionLocked(sid)
	out := make([]string, 0, len(resources))
	for _, res := range resources {
		out = append(out, res.Path)
	}
	return out
}

// Forget drops the in-memory state for a session; the log stays on disk.
func (r *ResourceRegistry) Forget(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
}

// sessionLocked returns the session's resource map, replaying the log on
// first access. Callers hold r.mu.
func (r *ResourceRegistry) sessionLocked(sid string) map[string]*Resource {
	if m, ok := r.sessions[sid]; ok {
		return m
	}
	m := make(map[string]*Resource)
	lines, err := r.store.readResourceRecords(sid)
	if err != nil {
		r.log.WithError(err).Warn("resource log replay failed")
	}
	for _, line := range lines {
		var rec resourceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			r.log.WithError(err).Warn("skipping undecodable resource record")
			continue
		}
		switch rec.Type {
		case "register":
			if rec.Resource != nil {
				m[rec.Resource.ID] = rec.Resource
			}
		case "remove":
			delete(m, rec.ID)
		}
	}
	r.sessions[sid] = m
	return m
}

func (s *FileStore) appendResourceRecord(sid string, rec *resourceRecord) error {
	return appendLine(s.paths.sessionResources(sid), rec)
}

func (s *FileStore) readResourceRecords(sid string) ([]json.RawMessage, error) {
	return readLines(s.paths.sessionResources(sid), s.logger)
}
