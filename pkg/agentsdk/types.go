// Package agentsdk speaks the agent SDK's stream-json protocol: newline-
// delimited JSON over the subprocess's stdin/stdout. Stream messages flow
// out (system, assistant, user, result); control requests flow both ways and
// carry the can-use-tool permission hook, initialize, interrupt, and
// permission-mode changes.
package agentsdk

import "encoding/json"

// Stream message types emitted by the SDK.
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeUser      = "user"
	MessageTypeResult    = "result"

	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// System message subtypes.
const (
	SystemSubtypeInit = "init"
)

// Control request subtypes.
const (
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInitialize        = "initialize"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Permission suggestion types offered alongside a can_use_tool request.
const (
	SuggestionAddRules = "addRules"
	SuggestionSetMode  = "setMode"
)

// Message is one stream-json frame from the SDK's stdout. The type field
// determines which of the remaining fields are populated.
type Message struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// SessionID is the opaque resume token the SDK mints during init.
	SessionID string `json:"session_id,omitempty"`

	// Message carries the body for assistant and user frames.
	Message *MessageBody `json:"message,omitempty"`

	// Init data on system/init frames.
	Model string   `json:"model,omitempty"`
	CWD   string   `json:"cwd,omitempty"`
	Tools []string `json:"tools,omitempty"`

	// Result fields on result frames. Result is either a text summary or an
	// error string depending on the subtype.
	Result        json.RawMessage `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`

	// Control frames.
	RequestID string           `json:"request_id,omitempty"`
	Request   *ControlRequest  `json:"request,omitempty"`
	Response  *ControlResponse `json:"response,omitempty"`

	// Raw is the unparsed line, kept for downstream classification.
	Raw json.RawMessage `json:"-"`
}

// ResultText decodes the result field as a plain string; empty when the
// result is absent or structured.
func (m *Message) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// MessageBody is the role/content body of assistant and user frames. User
// frames echoed by the SDK carry a plain string content; tool results arrive
// as content block lists.
type MessageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Model   string          `json:"model,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// ContentText decodes a plain-string content body; ok is false when the
// content is a block list.
func (b *MessageBody) ContentText() (string, bool) {
	if len(b.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// Blocks decodes a content block list; nil when the content is a plain
// string.
func (b *MessageBody) Blocks() []ContentBlock {
	if len(b.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ContentBlock is one element of an assistant or user content list.
type ContentBlock struct {
	Type string `json:"type"`

	// Text blocks.
	Text string `json:"text,omitempty"`

	// Thinking blocks.
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks. Content is free-form: string or nested blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage carries token accounting from the SDK.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ControlRequest is a control frame body. The SDK sends can_use_tool
// requests; the server sends initialize, interrupt, and set_permission_mode.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool fields.
	ToolName    string                 `json:"tool_name,omitempty"`
	Input       map[string]any         `json:"input,omitempty"`
	ToolUseID   string                 `json:"tool_use_id,omitempty"`
	Suggestions []PermissionSuggestion `json:"permission_suggestions,omitempty"`

	// set_permission_mode field.
	Mode string `json:"mode,omitempty"`
}

// PermissionSuggestion is one rule addition or mode change the SDK offers
// alongside a permission request.
type PermissionSuggestion struct {
	Type        string           `json:"type"` // addRules | setMode
	Behavior    string           `json:"behavior,omitempty"`
	Rules       []PermissionRule `json:"rules,omitempty"`
	Mode        string           `json:"mode,omitempty"`
	Destination string           `json:"destination,omitempty"`
}

// PermissionRule names one concrete tool rule, e.g. toolName "Bash" with
// ruleContent "gh issue view:*".
type PermissionRule struct {
	ToolName    string `json:"toolName"`
	RuleContent string `json:"ruleContent,omitempty"`
}

// String renders the rule in the persisted Tool(rule) form.
func (r PermissionRule) String() string {
	if r.RuleContent == "" {
		return r.ToolName
	}
	return r.ToolName + "(" + r.RuleContent + ")"
}

// ControlResponse is the response body of a control frame, flowing in either
// direction.
type ControlResponse struct {
	Subtype   string `json:"subtype"` // success | error
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`

	// Result answers a can_use_tool request.
	Result *PermissionResult `json:"response,omitempty"`
}

// PermissionResult is the server's answer to a can_use_tool request.
type PermissionResult struct {
	Behavior string `json:"behavior"`

	// UpdatedInput replaces the tool input, feeding user-typed answers back
	// to interactive tools.
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`

	// UpdatedPermissions carries the suggestions the user accepted.
	UpdatedPermissions []PermissionSuggestion `json:"updatedPermissions,omitempty"`

	// Message explains a denial to the model.
	Message string `json:"message,omitempty"`

	// Interrupt aborts the turn on deny; false lets the SDK continue with
	// the message as guidance.
	Interrupt *bool `json:"interrupt,omitempty"`
}

// controlRequestFrame is an outbound control_request line.
type controlRequestFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   controlRequest `json:"request"`
}

type controlRequest struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`
}

// controlResponseFrame is an outbound control_response line.
type controlResponseFrame struct {
	Type     string           `json:"type"`
	Response *ControlResponse `json:"response"`
}

// userMessageFrame is an outbound user prompt line.
type userMessageFrame struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
