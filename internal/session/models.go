// Package session holds the persisted session model and the registry that
// guards its lifecycle transitions.
package session

import (
	"maps"
	"slices"

	"github.com/legionhq/legion/internal/common/timeutil"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateStarting, StateActive, StatePaused, StateError, StateTerminated:
		return true
	}
	return false
}

// transitions lists the permitted lifecycle moves. Termination is permitted
// from every state and is handled separately.
var transitions = map[State][]State{
	StateCreated:    {StateStarting},
	StateStarting:   {StateActive, StateError},
	StateActive:     {StatePaused, StateError},
	StatePaused:     {StateActive, StateError},
	StateError:      {StateStarting},
	StateTerminated: {StateStarting},
}

// CanTransition reports whether the lifecycle permits moving from s to next.
func (s State) CanTransition(next State) bool {
	if next == StateTerminated {
		return true
	}
	return slices.Contains(transitions[s], next)
}

// PermissionMode is the session-wide tool approval policy.
type PermissionMode string

const (
	ModeDefault           PermissionMode = "default"
	ModeAcceptEdits       PermissionMode = "acceptEdits"
	ModePlan              PermissionMode = "plan"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

// ValidMode reports whether m is a known permission mode.
func ValidMode(m PermissionMode) bool {
	switch m {
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypassPermissions:
		return true
	}
	return false
}

// Session is the persisted record of one minion. The working directory is
// immutable after creation and always equals the project's directory.
type Session struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	WorkingDir string  `json:"working_dir"`
	State      State   `json:"state"`
	CreatedAt  float64 `json:"created_at"`
	UpdatedAt  float64 `json:"updated_at"`

	// ResumeToken is the opaque handle the SDK returns during init; it lets
	// a restart continue the same logical conversation.
	ResumeToken string `json:"resume_token,omitempty"`

	PermissionMode       PermissionMode `json:"permission_mode"`
	AllowedTools         []string       `json:"allowed_tools"`
	DisallowedTools      []string       `json:"disallowed_tools"`
	SystemPrompt         string         `json:"system_prompt,omitempty"`
	SystemPromptOverride bool           `json:"system_prompt_override"`
	Model                string         `json:"model,omitempty"`

	// Processing is true while an SDK turn is in flight.
	Processing bool `json:"processing"`

	ParentID      string   `json:"parent_id,omitempty"`
	OverseerLevel int      `json:"overseer_level"`
	IsOverseer    bool     `json:"is_overseer"`
	ChildIDs      []string `json:"child_ids"`
	HordeID       string   `json:"horde_id,omitempty"`
	ProjectID     string   `json:"project_id"`
	Capabilities  []string `json:"capabilities,omitempty"`
	ChannelIDs    []string `json:"channel_ids"`

	Sandbox        map[string]any `json:"sandbox,omitempty"`
	SettingSources []string       `json:"setting_sources,omitempty"`
}

// New builds a freshly created session record.
func New(id, name, workingDir, projectID string) *Session {
	now := timeutil.UnixNow()
	return &Session{
		ID:              id,
		Name:            name,
		WorkingDir:      workingDir,
		State:           StateCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
		PermissionMode:  ModeDefault,
		AllowedTools:    []string{},
		DisallowedTools: []string{},
		ChildIDs:        []string{},
		ChannelIDs:      []string{},
		ProjectID:       projectID,
	}
}

// Clone returns a deep copy so concurrent readers see a consistent snapshot.
func (s *Session) Clone() *Session {
	c := *s
	c.AllowedTools = slices.Clone(s.AllowedTools)
	c.DisallowedTools = slices.Clone(s.DisallowedTools)
	c.ChildIDs = slices.Clone(s.ChildIDs)
	c.Capabilities = slices.Clone(s.Capabilities)
	c.ChannelIDs = slices.Clone(s.ChannelIDs)
	c.SettingSources = slices.Clone(s.SettingSources)
	if s.Sandbox != nil {
		c.Sandbox = maps.Clone(s.Sandbox)
	}
	return &c
}
