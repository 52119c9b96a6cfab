package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/project"
	"github.com/legionhq/legion/internal/queue"
	"github.com/legionhq/legion/internal/session"
)

// FileStore is the single persistence backend. One instance serves every
// component; all methods are safe for concurrent use because each touches
// disjoint files and appends are single write calls.
type FileStore struct {
	paths  paths
	logger *logger.Logger
}

// NewFileStore opens (creating if needed) the data directory at root.
func NewFileStore(root string, log *logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{
		paths:  paths{root: root},
		logger: log.WithFields(zap.String("component", "storage")),
	}, nil
}

// Root returns the data directory this store operates on.
func (s *FileStore) Root() string {
	return s.paths.root
}

// --- sessions ---

// SaveSession writes the session state snapshot.
func (s *FileStore) SaveSession(sess *session.Session) error {
	return writeSnapshot(s.paths.sessionState(sess.ID), sess)
}

// LoadSession reads one session state snapshot. Legacy records carrying an
// is_minion key decode cleanly: unknown fields are ignored.
func (s *FileStore) LoadSession(sid string) (*session.Session, error) {
	var sess session.Session
	if err := readSnapshot(s.paths.sessionState(sid), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessionIDs returns the ids of every session directory on disk.
func (s *FileStore) ListSessionIDs() ([]string, error) {
	return listSubdirs(s.paths.sessionsRoot())
}

// InitSessionDir creates the session directory with an empty messages log so
// a freshly created session is observable on disk before its first message.
func (s *FileStore) InitSessionDir(sid string) error {
	if err := os.MkdirAll(s.paths.sessionDir(sid), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(s.paths.sessionMessages(sid), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("init messages log: %w", err)
	}
	return f.Close()
}

// RemoveSessionDir deletes the session directory and the minion's per-legion
// comm log.
func (s *FileStore) RemoveSessionDir(projectID, sid string) error {
	if err := os.RemoveAll(s.paths.sessionDir(sid)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	if err := os.RemoveAll(s.paths.minionDir(projectID, sid)); err != nil {
		return fmt.Errorf("remove minion comm dir: %w", err)
	}
	return nil
}

// --- session messages ---

// AppendMessage appends one storage projection to the session's message log.
func (s *FileStore) AppendMessage(sid string, record any) error {
	return appendLine(s.paths.sessionMessages(sid), record)
}

// ReadMessages replays the session's message log.
func (s *FileStore) ReadMessages(sid string) ([]json.RawMessage, error) {
	return readLines(s.paths.sessionMessages(sid), s.logger)
}

// TruncateMessages clears the session's message log. Reset uses this so the
// next start produces a brand-new conversation.
func (s *FileStore) TruncateMessages(sid string) error {
	f, err := os.OpenFile(s.paths.sessionMessages(sid), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("truncate messages log: %w", err)
	}
	return f.Close()
}

// --- session queues ---

// AppendQueueRecord appends one queue log record.
func (s *FileStore) AppendQueueRecord(sid string, record any) error {
	return appendLine(s.paths.sessionQueue(sid), record)
}

// ReadQueueRecords replays the session's queue log in order.
func (s *FileStore) ReadQueueRecords(sid string) ([]queue.LogRecord, error) {
	lines, err := readLines(s.paths.sessionQueue(sid), s.logger)
	if err != nil {
		return nil, err
	}
	out := make([]queue.LogRecord, 0, len(lines))
	for _, line := range lines {
		var rec queue.LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping undecodable queue record",
				zap.String("session_id", sid), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- projects ---

// SaveProject writes the project state snapshot.
func (s *FileStore) SaveProject(p *project.Project) error {
	return writeSnapshot(s.paths.projectState(p.ID), p)
}

// LoadProject reads one project state snapshot. The legacy is_multi_agent
// key decodes away silently: every project is a legion now.
func (s *FileStore) LoadProject(id string) (*project.Project, error) {
	var p project.Project
	if err := readSnapshot(s.paths.projectState(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjectIDs returns the ids of every project directory on disk.
func (s *FileStore) ListProjectIDs() ([]string, error) {
	return listSubdirs(s.paths.projectsRoot())
}

// DeleteProjectDir removes the project state and its legion directory
// (timeline, minion logs, channels, schedules).
func (s *FileStore) DeleteProjectDir(id string) error {
	if err := os.RemoveAll(s.paths.projectDir(id)); err != nil {
		return fmt.Errorf("remove project dir: %w", err)
	}
	if err := os.RemoveAll(s.paths.legionDir(id)); err != nil {
		return fmt.Errorf("remove legion dir: %w", err)
	}
	return nil
}
