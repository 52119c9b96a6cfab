// Package storage implements the authoritative on-disk store: JSON state
// snapshots plus append-only JSONL logs per session, per channel, and per
// legion timeline. Everything the process knows is re-materialized from this
// layout on startup.
package storage

import "path/filepath"

// Well-known file names inside the data directory.
const (
	stateFile           = "state.json"
	messagesFile        = "messages.jsonl"
	queueFile           = "queue.jsonl"
	timelineFile        = "timeline.jsonl"
	commsFile           = "comms.jsonl"
	channelStateFile    = "channel_state.json"
	schedulesFile       = "schedules.json"
	scheduleHistoryFile = "schedule_history.jsonl"
	resourcesFile       = "resources.jsonl"
	disposalFile        = "disposal_metadata.json"
)

// paths computes every location under the data root.
type paths struct {
	root string
}

func (p paths) projectsRoot() string {
	return filepath.Join(p.root, "projects")
}

func (p paths) projectDir(projectID string) string {
	return filepath.Join(p.projectsRoot(), projectID)
}

func (p paths) projectState(projectID string) string {
	return filepath.Join(p.projectDir(projectID), stateFile)
}

func (p paths) sessionsRoot() string {
	return filepath.Join(p.root, "sessions")
}

func (p paths) sessionDir(sid string) string {
	return filepath.Join(p.sessionsRoot(), sid)
}

func (p paths) sessionState(sid string) string {
	return filepath.Join(p.sessionDir(sid), stateFile)
}

func (p paths) sessionMessages(sid string) string {
	return filepath.Join(p.sessionDir(sid), messagesFile)
}

func (p paths) sessionQueue(sid string) string {
	return filepath.Join(p.sessionDir(sid), queueFile)
}

func (p paths) sessionResources(sid string) string {
	return filepath.Join(p.sessionDir(sid), "resources", resourcesFile)
}

func (p paths) legionDir(projectID string) string {
	return filepath.Join(p.root, "legions", projectID)
}

func (p paths) legionTimeline(projectID string) string {
	return filepath.Join(p.legionDir(projectID), timelineFile)
}

func (p paths) minionDir(projectID, sid string) string {
	return filepath.Join(p.legionDir(projectID), "minions", sid)
}

func (p paths) minionComms(projectID, sid string) string {
	return filepath.Join(p.minionDir(projectID, sid), commsFile)
}

func (p paths) channelsRoot(projectID string) string {
	return filepath.Join(p.legionDir(projectID), "channels")
}

func (p paths) channelDir(projectID, channelID string) string {
	return filepath.Join(p.channelsRoot(projectID), channelID)
}

func (p paths) channelState(projectID, channelID string) string {
	return filepath.Join(p.channelDir(projectID, channelID), channelStateFile)
}

func (p paths) channelComms(projectID, channelID string) string {
	return filepath.Join(p.channelDir(projectID, channelID), commsFile)
}

func (p paths) schedules(projectID string) string {
	return filepath.Join(p.legionDir(projectID), schedulesFile)
}

func (p paths) scheduleHistory(projectID string) string {
	return filepath.Join(p.legionDir(projectID), scheduleHistoryFile)
}

func (p paths) archiveDir(sid, stamp string) string {
	return filepath.Join(p.root, "archives", "minions", sid, stamp)
}

func (p paths) hordesRoot() string {
	return filepath.Join(p.root, "hordes")
}

func (p paths) hordeState(hordeID string) string {
	return filepath.Join(p.hordesRoot(), hordeID+".json")
}
