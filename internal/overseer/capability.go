// Package overseer implements the minion hierarchy: spawn and dispose of
// child minions, horde membership, and the capability registry overseers use
// to find workers.
package overseer

import (
	"slices"
	"strings"
	"sync"
)

// Registry maps capability keywords to the minions advertising them. Keywords
// compare case-insensitively.
type Registry struct {
	mu        sync.RWMutex
	byKeyword map[string]map[string]struct{} // keyword -> set of sids
	bySession map[string][]string            // sid -> normalized keywords
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		byKeyword: make(map[string]map[string]struct{}),
		bySession: make(map[string][]string),
	}
}

func normalizeKeyword(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// Register advertises capabilities for a session, replacing any previous set.
func (r *Registry) Register(sid string, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(sid)

	var kept []string
	for _, c := range capabilities {
		k := normalizeKeyword(c)
		if k == "" || slices.Contains(kept, k) {
			continue
		}
		kept = append(kept, k)
		set, ok := r.byKeyword[k]
		if !ok {
			set = make(map[string]struct{})
			r.byKeyword[k] = set
		}
		set[sid] = struct{}{}
	}
	if len(kept) > 0 {
		r.bySession[sid] = kept
	}
}

// Unregister drops every capability advertised by the session.
func (r *Registry) Unregister(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(sid)
}

func (r *Registry) unregisterLocked(sid string) {
	for _, k := range r.bySession[sid] {
		if set, ok := r.byKeyword[k]; ok {
			delete(set, sid)
			if len(set) == 0 {
				delete(r.byKeyword, k)
			}
		}
	}
	delete(r.bySession, sid)
}

// Find returns the sids advertising the keyword, sorted for determinism.
func (r *Registry) Find(keyword string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byKeyword[normalizeKeyword(keyword)]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	slices.Sort(out)
	return out
}

// CapabilitiesOf returns the session's advertised keywords.
func (r *Registry) CapabilitiesOf(sid string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.bySession[sid])
}
