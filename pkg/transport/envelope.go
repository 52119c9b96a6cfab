// Package transport defines the wire envelopes shared by every real-time
// consumer. Session-scoped streams wrap projections in a "message" envelope,
// legion-scoped streams wrap comms in a "comm" envelope, and a small set of
// control envelopes carries lifecycle notifications.
package transport

import (
	"encoding/json"
	"time"
)

// MinionIDHeader identifies the calling minion on MCP tool requests. It is
// injected into every session's MCP server config at launch.
const MinionIDHeader = "X-Legion-Minion-Id"

// Type discriminates envelopes on the wire.
type Type string

const (
	TypeMessage               Type = "message"
	TypeComm                  Type = "comm"
	TypeConnectionEstablished Type = "connection_established"
	TypePing                  Type = "ping"
	TypePong                  Type = "pong"
	TypeStateChange           Type = "state_change"
	TypeProjectUpdated        Type = "project_updated"
	TypeProjectDeleted        Type = "project_deleted"
	TypeSessionsList          Type = "sessions_list"
	TypeScheduleUpdated       Type = "schedule_updated"
	TypeToolCall              Type = "tool_call"
	TypeResourceRegistered    Type = "resource_registered"
	TypeResourceRemoved       Type = "resource_removed"
	TypeServerRestarting      Type = "server_restarting"
	TypePermissionRequest     Type = "permission_request"
	TypePermissionResponse    Type = "permission_response"
	TypeSubscribe             Type = "subscribe"
	TypeUnsubscribe           Type = "unsubscribe"
)

// Envelope is the generic outbound frame. Constructors populate only the
// fields their envelope kind uses; omitempty keeps the wire shape minimal.
type Envelope struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`

	// Data carries the message projection for "message" envelopes.
	Data any `json:"data,omitempty"`
	// Comm carries the comm record for "comm" envelopes.
	Comm any `json:"comm,omitempty"`

	Project  any `json:"project,omitempty"`
	Sessions any `json:"sessions,omitempty"`
	Schedule any `json:"schedule,omitempty"`
	ToolCall any `json:"tool_call,omitempty"`
	Resource any `json:"resource,omitempty"`

	ResourceID string `json:"resource_id,omitempty"`
	OldState   string `json:"old_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`

	// Permission request fields.
	RequestID   string `json:"request_id,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`
	InputParams any    `json:"input_params,omitempty"`
	Suggestions any    `json:"suggestions,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewMessage wraps one session-scoped projection.
func NewMessage(sessionID string, data any) *Envelope {
	return &Envelope{Type: TypeMessage, SessionID: sessionID, Data: data, Timestamp: nowISO()}
}

// NewComm wraps one comm record for legion-scoped observers.
func NewComm(comm any) *Envelope {
	return &Envelope{Type: TypeComm, Comm: comm, Timestamp: nowISO()}
}

// NewConnectionEstablished greets a freshly connected client.
func NewConnectionEstablished(clientID string) *Envelope {
	return &Envelope{Type: TypeConnectionEstablished, ClientID: clientID, Timestamp: nowISO()}
}

// NewPong answers a client ping.
func NewPong() *Envelope {
	return &Envelope{Type: TypePong, Timestamp: nowISO()}
}

// NewStateChange reports a session lifecycle transition.
func NewStateChange(sessionID, oldState, newState string) *Envelope {
	return &Envelope{Type: TypeStateChange, SessionID: sessionID, OldState: oldState, NewState: newState, Timestamp: nowISO()}
}

// NewProjectUpdated carries a full project record after a mutation.
func NewProjectUpdated(project any) *Envelope {
	return &Envelope{Type: TypeProjectUpdated, Project: project, Timestamp: nowISO()}
}

// NewProjectDeleted reports a project removal.
func NewProjectDeleted(projectID string) *Envelope {
	return &Envelope{Type: TypeProjectDeleted, ProjectID: projectID, Timestamp: nowISO()}
}

// NewSessionsList carries a full session listing.
func NewSessionsList(sessions any) *Envelope {
	return &Envelope{Type: TypeSessionsList, Sessions: sessions, Timestamp: nowISO()}
}

// NewScheduleUpdated carries a schedule record after a mutation or a fire.
func NewScheduleUpdated(schedule any) *Envelope {
	return &Envelope{Type: TypeScheduleUpdated, Schedule: schedule, Timestamp: nowISO()}
}

// NewToolCall carries a tool-call lifecycle update.
func NewToolCall(sessionID string, toolCall any) *Envelope {
	return &Envelope{Type: TypeToolCall, SessionID: sessionID, ToolCall: toolCall, Timestamp: nowISO()}
}

// NewResourceRegistered reports a newly registered session resource.
func NewResourceRegistered(sessionID string, resource any) *Envelope {
	return &Envelope{Type: TypeResourceRegistered, SessionID: sessionID, Resource: resource, Timestamp: nowISO()}
}

// NewResourceRemoved reports a removed session resource.
func NewResourceRemoved(sessionID, resourceID string) *Envelope {
	return &Envelope{Type: TypeResourceRemoved, SessionID: sessionID, ResourceID: resourceID, Timestamp: nowISO()}
}

// NewServerRestarting warns clients of an imminent shutdown.
func NewServerRestarting() *Envelope {
	return &Envelope{Type: TypeServerRestarting, Timestamp: nowISO()}
}

// NewPermissionRequest asks the UI to decide a tool-use request.
func NewPermissionRequest(requestID, sessionID, toolName string, inputParams, suggestions any) *Envelope {
	return &Envelope{
		Type:        TypePermissionRequest,
		RequestID:   requestID,
		SessionID:   sessionID,
		ToolName:    toolName,
		InputParams: inputParams,
		Suggestions: suggestions,
		Timestamp:   nowISO(),
	}
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// PeekType extracts the discriminator from an inbound frame without decoding
// the full body.
func PeekType(data []byte) (Type, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}

// Subscription is the inbound subscribe/unsubscribe frame body.
type Subscription struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
}
