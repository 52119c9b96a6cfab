package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/timeutil"
)

// DisposalMetadata captures why and how a minion was disposed, written next
// to the archived conversation.
type DisposalMetadata struct {
	SessionID        string  `json:"session_id"`
	Reason           string  `json:"reason"`
	ParentID         string  `json:"parent_id,omitempty"`
	FinalState       string  `json:"final_state"`
	DescendantsCount int     `json:"descendants_count"`
	DisposedAt       float64 `json:"disposed_at"`
}

// ArchiveSession copies the session's conversation and state into
// archives/minions/<sid>/<utc_timestamp>/ together with the disposal
// metadata, and returns the archive directory. The live session directory is
// left in place; callers remove it afterwards.
func (s *FileStore) ArchiveSession(sid string, meta DisposalMetadata) (string, error) {
	stamp := timeutil.UTCStamp(time.Now())
	dir := s.paths.archiveDir(sid, stamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	for _, name := range []string{messagesFile, stateFile} {
		src := filepath.Join(s.paths.sessionDir(sid), name)
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			if os.IsNotExist(err) {
				s.logger.Warn("archiving session without file",
					zap.String("session_id", sid), zap.String("file", name))
				continue
			}
			return "", fmt.Errorf("archive %s: %w", name, err)
		}
	}

	meta.SessionID = sid
	if meta.DisposedAt == 0 {
		meta.DisposedAt = timeutil.UnixNow()
	}
	if err := writeSnapshot(filepath.Join(dir, disposalFile), &meta); err != nil {
		return "", fmt.Errorf("write disposal metadata: %w", err)
	}
	s.logger.Info("session archived",
		zap.String("session_id", sid), zap.String("archive", dir))
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
