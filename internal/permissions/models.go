// Package permissions correlates tool-permission requests from the SDK with
// asynchronous user decisions from the UI.
package permissions

import (
	"errors"
	"maps"
	"slices"

	"github.com/legionhq/legion/pkg/agentsdk"
)

var (
	// ErrUnknownRequest indicates a response for a request id that is not
	// pending.
	ErrUnknownRequest = errors.New("no pending permission request with that id")
)

// Decisions a user can take.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// DefaultDenyMessage is returned to the SDK when the user denies without
// guidance.
const DefaultDenyMessage = "User denied"

// Request is one pending tool-permission request awaiting a user decision.
type Request struct {
	RequestID   string                         `json:"request_id"`
	SessionID   string                         `json:"session_id"`
	ToolName    string                         `json:"tool_name"`
	Input       map[string]any                 `json:"input_params"`
	ToolUseID   string                         `json:"tool_use_id,omitempty"`
	Suggestions []agentsdk.PermissionSuggestion `json:"suggestions,omitempty"`
	Timestamp   float64                        `json:"timestamp"`
}

// Clone returns a copy safe to hand to observers.
func (r *Request) Clone() *Request {
	c := *r
	if r.Input != nil {
		c.Input = maps.Clone(r.Input)
	}
	c.Suggestions = slices.Clone(r.Suggestions)
	return &c
}

// Response is the user's decision arriving from the transport.
type Response struct {
	RequestID            string                          `json:"request_id"`
	Decision             string                          `json:"decision"`
	UpdatedInput         map[string]any                  `json:"updated_input,omitempty"`
	ApplySuggestions     bool                            `json:"apply_suggestions,omitempty"`
	SelectedSuggestions  []agentsdk.PermissionSuggestion `json:"selected_suggestions,omitempty"`
	ClarificationMessage string                          `json:"clarification_message,omitempty"`
	Reason               string                          `json:"reason,omitempty"`

	// Interrupt marks a deny that should abort the turn instead of feeding
	// guidance back.
	Interrupt bool `json:"interrupt,omitempty"`
}
