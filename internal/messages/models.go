// Package messages parses raw SDK output into classified records ready for
// storage and transport, and derives tool-call lifecycle updates from the
// stream.
package messages

import "maps"

// Record types.
const (
	TypeSystem             = "system"
	TypeAssistant          = "assistant"
	TypeUser               = "user"
	TypeResult             = "result"
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"
)

// Synthetic system subtypes generated by the orchestrator, not the SDK. They
// flow through the same storage and fan-out path so observers see them in
// stream order.
const (
	SubtypeInit             = "init"
	SubtypeClientLaunched   = "client_launched"
	SubtypeInterrupt        = "interrupt"
	SubtypeInterruptSuccess = "interrupt_success"
	SubtypeSessionFailed    = "session_failed"
)

// Metadata keys used in classified records.
const (
	MetaToolUses    = "tool_uses"
	MetaToolResults = "tool_results"
	MetaInitData    = "init_data"
	MetaUsage       = "usage"
	MetaDurationMS  = "duration_ms"
	MetaNumTurns    = "num_turns"
	MetaIsError     = "is_error"
	MetaThinking    = "thinking"
)

// Record is the storage projection of one message: everything a consumer
// needs without re-parsing the raw SDK frame.
type Record struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	Content   string         `json:"content"`
	Timestamp float64        `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a shallow-metadata copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.Metadata != nil {
		c.Metadata = maps.Clone(r.Metadata)
	}
	return &c
}

// ToolUse is one tool invocation extracted from an assistant message.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult is one tool outcome extracted from a user transport shell.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error"`
}

// ToolCallState tracks one tool invocation across its life cycle.
type ToolCallState string

const (
	ToolCallPending            ToolCallState = "pending"
	ToolCallAwaitingPermission ToolCallState = "awaiting_permission"
	ToolCallRunning            ToolCallState = "running"
	ToolCallDenied             ToolCallState = "denied"
	ToolCallCompleted          ToolCallState = "completed"
	ToolCallFailed             ToolCallState = "failed"
)

// ToolCall is the derived entity projecting one tool invocation for the UI.
type ToolCall struct {
	ToolUseID string         `json:"tool_use_id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
	State     ToolCallState  `json:"state"`

	// Permission captures the request id once the broker owns the call.
	Permission string `json:"permission_request_id,omitempty"`

	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Clone returns a copy safe to hand to observers.
func (t *ToolCall) Clone() *ToolCall {
	c := *t
	if t.Input != nil {
		c.Input = maps.Clone(t.Input)
	}
	return &c
}
