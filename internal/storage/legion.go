package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Legion-scoped persistence: the timeline log every comm lands in, per-minion
// and per-channel comm logs, channel state snapshots, schedules, and hordes.
// Record payloads stay opaque here; callers own their shapes.

// AppendTimelineComm appends one comm to the legion timeline.
func (s *FileStore) AppendTimelineComm(projectID string, comm any) error {
	return appendLine(s.paths.legionTimeline(projectID), comm)
}

// ReadTimeline replays the legion timeline log.
func (s *FileStore) ReadTimeline(projectID string) ([]json.RawMessage, error) {
	return readLines(s.paths.legionTimeline(projectID), s.logger)
}

// AppendMinionComm appends one comm to a minion's per-session comm log.
func (s *FileStore) AppendMinionComm(projectID, sid string, comm any) error {
	return appendLine(s.paths.minionComms(projectID, sid), comm)
}

// ReadMinionComms replays a minion's comm log.
func (s *FileStore) ReadMinionComms(projectID, sid string) ([]json.RawMessage, error) {
	return readLines(s.paths.minionComms(projectID, sid), s.logger)
}

// AppendChannelComm appends one comm to a channel's comm log.
func (s *FileStore) AppendChannelComm(projectID, channelID string, comm any) error {
	return appendLine(s.paths.channelComms(projectID, channelID), comm)
}

// ReadChannelComms replays a channel's comm log.
func (s *FileStore) ReadChannelComms(projectID, channelID string) ([]json.RawMessage, error) {
	return readLines(s.paths.channelComms(projectID, channelID), s.logger)
}

// SaveChannelState writes a channel state snapshot.
func (s *FileStore) SaveChannelState(projectID, channelID string, state any) error {
	return writeSnapshot(s.paths.channelState(projectID, channelID), state)
}

// LoadChannelStates reads every channel state snapshot under the legion.
func (s *FileStore) LoadChannelStates(projectID string) ([]json.RawMessage, error) {
	ids, err := listSubdirs(s.paths.channelsRoot(projectID))
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for _, id := range ids {
		data, err := os.ReadFile(s.paths.channelState(projectID, id))
		if err != nil {
			s.logger.WithError(err).Warn("skipping unreadable channel state")
			continue
		}
		out = append(out, json.RawMessage(data))
	}
	return out, nil
}

// DeleteChannelDir removes a channel's directory. Some filesystems
// transiently lock files during mass deletion, so one failed attempt is
// retried after a short pause.
func (s *FileStore) DeleteChannelDir(projectID, channelID string) error {
	dir := s.paths.channelDir(projectID, channelID)
	if err := os.RemoveAll(dir); err != nil {
		time.Sleep(100 * time.Millisecond)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove channel dir: %w", err)
		}
	}
	return nil
}

// SaveSchedules rewrites the legion's schedules snapshot.
func (s *FileStore) SaveSchedules(projectID string, schedules any) error {
	return writeSnapshot(s.paths.schedules(projectID), schedules)
}

// LoadSchedules reads the legion's schedules snapshot into v. A missing file
// leaves v untouched.
func (s *FileStore) LoadSchedules(projectID string, v any) error {
	err := readSnapshot(s.paths.schedules(projectID), v)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// AppendScheduleExecution appends one execution record to the legion's
// schedule history log.
func (s *FileStore) AppendScheduleExecution(projectID string, record any) error {
	return appendLine(s.paths.scheduleHistory(projectID), record)
}

// ReadScheduleHistory replays the legion's schedule history log.
func (s *FileStore) ReadScheduleHistory(projectID string) ([]json.RawMessage, error) {
	return readLines(s.paths.scheduleHistory(projectID), s.logger)
}

// SaveHorde writes a horde snapshot.
func (s *FileStore) SaveHorde(hordeID string, horde any) error {
	return writeSnapshot(s.paths.hordeState(hordeID), horde)
}

// LoadHordes reads every horde snapshot.
func (s *FileStore) LoadHordes() ([]json.RawMessage, error) {
	entries, err := os.ReadDir(s.paths.hordesRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []json.RawMessage
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.paths.hordesRoot(), e.Name()))
		if err != nil {
			s.logger.WithError(err).Warn("skipping unreadable horde state")
			continue
		}
		out = append(out, json.RawMessage(data))
	}
	return out, nil
}

// DeleteHorde removes a horde snapshot.
func (s *FileStore) DeleteHorde(hordeID string) error {
	err := os.Remove(s.paths.hordeState(hordeID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove horde state: %w", err)
	}
	return nil
}
