package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
	"github.com/legionhq/legion/internal/project"
	"github.com/legionhq/legion/internal/session"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	store, err := NewFileStore(t.TempDir(), log)
	require.NoError(t, err)
	return store
}

func TestSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)

	s := session.New("s1", "scout", "/tmp/work", "p1")
	s.ResumeToken = "resume-abc"
	s.Capabilities = []string{"python"}
	require.NoError(t, store.SaveSession(s))

	loaded, err := store.LoadSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "scout", loaded.Name)
	assert.Equal(t, "resume-abc", loaded.ResumeToken)
	assert.Equal(t, []string{"python"}, loaded.Capabilities)

	ids, err := store.ListSessionIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestMessageLogAppendReadTruncate(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InitSessionDir("s1"))

	require.NoError(t, store.AppendMessage("s1", map[string]any{"type": "user", "content": "hello"}))
	require.NoError(t, store.AppendMessage("s1", map[string]any{"type": "assistant", "content": "hi"}))

	msgs, err := store.ReadMessages("s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(msgs[0], &first))
	assert.Equal(t, "hello", first["content"])

	require.NoError(t, store.TruncateMessages("s1"))
	msgs, err = store.ReadMessages("s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestProjectRoundTrip(t *testing.T) {
	store := newTestStore(t)

	p := project.New("p1", "alpha", "/tmp/alpha")
	p.SessionIDs = []string{"s1", "s2"}
	require.NoError(t, store.SaveProject(p))

	loaded, err := store.LoadProject("p1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", loaded.Name)
	assert.Equal(t, []string{"s1", "s2"}, loaded.SessionIDs)

	ids, err := store.ListProjectIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)

	require.NoError(t, store.DeleteProjectDir("p1"))
	ids, err = store.ListProjectIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTimelineAndPartyLogs(t *testing.T) {
	store := newTestStore(t)

	comm := map[string]any{"id": "c1", "summary": "report"}
	require.NoError(t, store.AppendTimelineComm("p1", comm))
	require.NoError(t, store.AppendMinionComm("p1", "s1", comm))
	require.NoError(t, store.AppendChannelComm("p1", "ch1", comm))

	timeline, err := store.ReadTimeline("p1")
	require.NoError(t, err)
	require.Len(t, timeline, 1)

	minion, err := store.ReadMinionComms("p1", "s1")
	require.NoError(t, err)
	require.Len(t, minion, 1)

	channel, err := store.ReadChannelComms("p1", "ch1")
	require.NoError(t, err)
	require.Len(t, channel, 1)

	// Reading a log that never received an append is empty, not an error.
	empty, err := store.ReadMinionComms("p1", "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestChannelStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	state := map[string]any{"id": "ch1", "name": "builders"}
	require.NoError(t, store.SaveChannelState("p1", "ch1", state))
	require.NoError(t, store.SaveChannelState("p1", "ch2", map[string]any{"id": "ch2", "name": "scouts"}))

	states, err := store.LoadChannelStates("p1")
	require.NoError(t, err)
	assert.Len(t, states, 2)

	require.NoError(t, store.DeleteChannelDir("p1", "ch1"))
	states, err = store.LoadChannelStates("p1")
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestScheduleRoundTrip(t *testing.T) {
	store := newTestStore(t)

	schedules := []map[string]any{{"id": "sch1", "cron": "0 9 * * *"}}
	require.NoError(t, store.SaveSchedules("p1", schedules))

	var loaded []map[string]any
	require.NoError(t, store.LoadSchedules("p1", &loaded))
	require.Len(t, loaded, 1)
	assert.Equal(t, "sch1", loaded[0]["id"])

	require.NoError(t, store.AppendScheduleExecution("p1", map[string]any{"schedule_id": "sch1", "status": "success"}))
	history, err := store.ReadScheduleHistory("p1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// A project with no schedule file loads as empty.
	var none []map[string]any
	require.NoError(t, store.LoadSchedules("p2", &none))
	assert.Empty(t, none)
}

func TestHordeRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveHorde("h1", map[string]any{"id": "h1", "root_id": "s1"}))
	hordes, err := store.LoadHordes()
	require.NoError(t, err)
	require.Len(t, hordes, 1)

	require.NoError(t, store.DeleteHorde("h1"))
	hordes, err = store.LoadHordes()
	require.NoError(t, err)
	assert.Empty(t, hordes)
}

func TestArchiveSessionKeepsConversation(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InitSessionDir("s1"))

	s := session.New("s1", "scout", "/tmp/work", "p1")
	require.NoError(t, store.SaveSession(s))
	require.NoError(t, store.AppendMessage("s1", map[string]any{"type": "user", "content": "hi"}))

	archiveDir, err := store.ArchiveSession("s1", DisposalMetadata{
		SessionID:  "s1",
		Reason:     "task complete",
		FinalState: "terminated",
		DisposedAt: timeutil.UnixNow(),
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "disposal_metadata.json")

	require.NoError(t, store.RemoveSessionDir("p1", "s1"))
	_, err = store.LoadSession("s1")
	assert.Error(t, err, "session state must be gone after removal")

	// Archive survives the removal.
	_, err = os.Stat(filepath.Join(archiveDir, "disposal_metadata.json"))
	assert.NoError(t, err)
}

func TestResourceRegistryReplay(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InitSessionDir("s1"))

	reg := NewResourceRegistry(store)
	require.NoError(t, reg.Register("s1", &Resource{ID: "r1", Path: "/tmp/a.pdf", Name: "a.pdf"}))
	require.NoError(t, reg.Register("s1", &Resource{ID: "r2", Path: "/tmp/b.png", Name: "b.png"}))
	require.NoError(t, reg.Remove("s1", "r1"))

	assert.Equal(t, []string{"/tmp/b.png"}, reg.Paths("s1"))

	// A fresh registry over the same store replays to the same view.
	reg2 := NewResourceRegistry(store)
	assert.Equal(t, []string{"/tmp/b.png"}, reg2.Paths("s1"))
}
