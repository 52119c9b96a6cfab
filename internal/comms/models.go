// Package comms routes high-level messages between user, minions, and
// channels, persisting every comm to the legion timeline and the per-party
// logs.
package comms

import (
	"maps"
	"regexp"
	"strings"
	"unicode"

	"github.com/legionhq/legion/internal/common/apperr"
)

// SystemSenderID is the reserved sender id for error comms the router emits
// on delivery failure.
const SystemSenderID = "system"

// Type classifies a comm's intent.
type Type string

const (
	TypeTask     Type = "task"
	TypeQuestion Type = "question"
	TypeReport   Type = "report"
	TypeInfo     Type = "info"
	TypeHalt     Type = "halt"
	TypePivot    Type = "pivot"
	TypeThought  Type = "thought"
	TypeSpawn    Type = "spawn"
	TypeDispose  Type = "dispose"
	TypeSystem   Type = "system"
)

// ValidType reports whether t is a known comm type.
func ValidType(t Type) bool {
	switch t {
	case TypeTask, TypeQuestion, TypeReport, TypeInfo, TypeHalt,
		TypePivot, TypeThought, TypeSpawn, TypeDispose, TypeSystem:
		return true
	}
	return false
}

// emoji renders the type marker used in delivered text.
func (t Type) emoji() string {
	switch t {
	case TypeTask:
		return "📋"
	case TypeQuestion:
		return "❓"
	case TypeReport:
		return "📊"
	case TypeHalt:
		return "🛑"
	case TypePivot:
		return "🔄"
	case TypeThought:
		return "💭"
	case TypeSpawn:
		return "✨"
	case TypeDispose:
		return "🗑️"
	case TypeSystem:
		return "⚙️"
	default:
		return "ℹ️"
	}
}

// label renders the type name used in delivered text.
func (t Type) label() string {
	if t == "" {
		return "Info"
	}
	return strings.ToUpper(string(t[:1])) + string(t[1:])
}

// Priority grades how urgently a comm should interrupt the recipient.
type Priority string

const (
	PriorityRoutine   Priority = "routine"
	PriorityImportant Priority = "important"
	PriorityPivot     Priority = "pivot"
	PriorityCritical  Priority = "critical"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityRoutine, PriorityImportant, PriorityPivot, PriorityCritical:
		return true
	}
	return false
}

// Comm is one routed message. Exactly one source (user or minion) and
// exactly one destination (minion, channel, or user) must be set. Sender and
// recipient names are frozen at send time so later renames do not rewrite
// history.
type Comm struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	FromUser     bool   `json:"from_user,omitempty"`
	FromMinionID string `json:"from_minion_id,omitempty"`

	ToUser      bool   `json:"to_user,omitempty"`
	ToMinionID  string `json:"to_minion_id,omitempty"`
	ToChannelID string `json:"to_channel_id,omitempty"`

	Summary  string   `json:"summary"`
	Content  string   `json:"content"`
	Type     Type     `json:"type"`
	Priority Priority `json:"priority"`

	InReplyTo     string         `json:"in_reply_to,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	VisibleToUser bool           `json:"visible_to_user"`
	Timestamp     float64        `json:"timestamp"`

	SenderName    string `json:"sender_name,omitempty"`
	RecipientName string `json:"recipient_name,omitempty"`
}

// Clone returns a deep copy.
func (c *Comm) Clone() *Comm {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = maps.Clone(c.Metadata)
	}
	return &cp
}

// Validate enforces the single-source/single-destination contract.
func (c *Comm) Validate() error {
	sources := 0
	if c.FromUser {
		sources++
	}
	if c.FromMinionID != "" {
		sources++
	}
	if sources != 1 {
		return apperr.Validation("comm must have exactly one source, got %d", sources)
	}

	destinations := 0
	if c.ToUser {
		destinations++
	}
	if c.ToMinionID != "" {
		destinations++
	}
	if c.ToChannelID != "" {
		destinations++
	}
	if destinations != 1 {
		return apperr.Validation("comm must have exactly one destination, got %d", destinations)
	}

	if c.Type != "" && !ValidType(c.Type) {
		return apperr.Validation("unknown comm type %q", c.Type)
	}
	if c.Priority != "" && !ValidPriority(c.Priority) {
		return apperr.Validation("unknown comm priority %q", c.Priority)
	}
	return nil
}

// Mention is a #name tag found in comm content.
type Mention struct {
	Name string `json:"name"`
	// IsChannel is a heuristic: lowercase names read as channels, mixed-case
	// as minions. Routing never depends on it.
	IsChannel bool `json:"is_channel"`
}

var mentionRe = regexp.MustCompile(`#([A-Za-z][A-Za-z0-9_-]*)`)

// Mentions extracts the #name tags from content and classifies each one.
func Mentions(content string) []Mention {
	var out []Mention
	seen := make(map[string]bool)
	for _, match := range mentionRe.FindAllStringSubmatch(content, -1) {
		name := match[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Mention{Name: name, IsChannel: !hasUpper(name)})
	}
	return out
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}
