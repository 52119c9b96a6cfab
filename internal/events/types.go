// Package events defines the bus subjects the orchestration components use
// to notify transport observers.
package events

// Session lifecycle subjects.
const (
	SessionCreated      = "session.created"
	SessionStateChanged = "session.state_changed"
	SessionDeleted      = "session.deleted"
)

// Project subjects.
const (
	ProjectCreated = "project.created"
	ProjectUpdated = "project.updated"
	ProjectDeleted = "project.deleted"
)

// Comm subjects.
const (
	CommCreated = "comm.created"
)

// Schedule subjects.
const (
	ScheduleUpdated = "schedule.updated"
)

// Session resource subjects.
const (
	ResourceRegistered = "resource.registered"
	ResourceRemoved    = "resource.removed"
)

// Wildcard patterns for transport bridges.
const (
	AnySessionEvent  = "session.>"
	AnyProjectEvent  = "project.>"
	AnyScheduleEvent = "schedule.>"
	AnyCommEvent     = "comm.>"
	AnyResourceEvent = "resource.>"
)

// Payload keys shared by publishers and the gateway bridge.
const (
	KeySessionID  = "session_id"
	KeyProjectID  = "project_id"
	KeyOldState   = "old_state"
	KeyNewState   = "new_state"
	KeyProject    = "project"
	KeySchedule   = "schedule"
	KeyComm       = "comm"
	KeyResource   = "resource"
	KeyResourceID = "resource_id"
)
