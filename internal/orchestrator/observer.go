// Package orchestrator owns the live side of every session: the SDK
// subprocess runtime, the message dispatch path, the queue delivery pump, and
// the cascading disposal that ties the other components together.
package orchestrator

import (
	"github.com/legionhq/legion/internal/messages"
	"github.com/legionhq/legion/internal/permissions"
)

// SessionObserver receives ordered per-session notifications. Records are
// persisted before observers run, so an observer never sees a message that
// could vanish across a restart.
type SessionObserver interface {
	OnMessage(sid string, rec *messages.Record)
	OnToolCall(sid string, call *messages.ToolCall)
	OnStateChange(sid, oldState, newState string)
	OnPermissionRequest(req *permissions.Request)
}

// ObserverFuncs adapts plain functions into a SessionObserver; nil fields are
// skipped.
type ObserverFuncs struct {
	Message           func(sid string, rec *messages.Record)
	ToolCall          func(sid string, call *messages.ToolCall)
	StateChange       func(sid, oldState, newState string)
	PermissionRequest func(req *permissions.Request)
}

func (o ObserverFuncs) OnMessage(sid string, rec *messages.Record) {
	if o.Message != nil {
		o.Message(sid, rec)
	}
}

func (o ObserverFuncs) OnToolCall(sid string, call *messages.ToolCall) {
	if o.ToolCall != nil {
		o.ToolCall(sid, call)
	}
}

func (o ObserverFuncs) OnStateChange(sid, oldState, newState string) {
	if o.StateChange != nil {
		o.StateChange(sid, oldState, newState)
	}
}

func (o ObserverFuncs) OnPermissionRequest(req *permissions.Request) {
	if o.PermissionRequest != nil {
		o.PermissionRequest(req)
	}
}
