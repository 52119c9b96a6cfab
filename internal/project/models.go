// Package project groups sessions under a working-directory-scoped project
// (a "legion" when it hosts minions).
package project

import (
	"slices"

	"github.com/legionhq/legion/internal/common/timeutil"
)

// DefaultMinionCap bounds concurrent minions per project.
const DefaultMinionCap = 20

// Project is the persisted project record. The working directory is
// immutable after creation.
type Project struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	WorkingDir string  `json:"working_dir"`
	CreatedAt  float64 `json:"created_at"`
	UpdatedAt  float64 `json:"updated_at"`

	// SessionIDs is the display-ordered list of member sessions.
	SessionIDs []string `json:"session_ids"`

	IsExpanded bool `json:"is_expanded"`
	Order      int  `json:"order"`

	// MinionCap bounds concurrent minions spawned into this project.
	MinionCap int `json:"minion_cap"`
}

// New builds a fresh project record.
func New(id, name, workingDir string) *Project {
	now := timeutil.UnixNow()
	return &Project{
		ID:         id,
		Name:       name,
		WorkingDir: workingDir,
		CreatedAt:  now,
		UpdatedAt:  now,
		SessionIDs: []string{},
		IsExpanded: true,
		MinionCap:  DefaultMinionCap,
	}
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	c := *p
	c.SessionIDs = slices.Clone(p.SessionIDs)
	return &c
}
