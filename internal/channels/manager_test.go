package channels

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/session"
)

type fakeStore struct {
	mu     sync.Mutex
	states map[string]map[string]json.RawMessage // project -> channel id -> state
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]map[string]json.RawMessage)}
}

func (f *fakeStore) SaveChannelState(projectID, channelID string, state any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if f.states[projectID] == nil {
		f.states[projectID] = make(map[string]json.RawMessage)
	}
	f.states[projectID][channelID] = data
	return nil
}

func (f *fakeStore) LoadChannelStates(projectID string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, raw := range f.states[projectID] {
		out = append(out, raw)
	}
	return out, nil
}

func (f *fakeStore) DeleteChannelDir(projectID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states[projectID], channelID)
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newFakeSessions(sids ...string) *fakeSessions {
	f := &fakeSessions{sessions: make(map[string]*session.Session)}
	for _, sid := range sids {
		f.sessions[sid] = session.New(sid, sid, "/tmp/w", "p1")
	}
	return f
}

func (f *fakeSessions) Update(sid string, mutate func(*session.Session) error) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sid]
	if !ok {
		return nil, session.ErrNotFound
	}
	if err := mutate(s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

func (f *fakeSessions) Exists(sid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[sid]
	return ok
}

func (f *fakeSessions) channelsOf(sid string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sessions[sid].ChannelIDs)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestCreateAndFindByName(t *testing.T) {
	m := NewManager(newFakeStore(), newFakeSessions(), testLogger(t))

	ch, err := m.Create("p1", "#builders ", "build things", "", "user")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ch.Name != "builders" {
		t.Errorf("name not normalized: %q", ch.Name)
	}

	if _, err := m.Create("p1", "Builders", "", "", "user"); err == nil {
		t.Error("expected case-insensitive name collision to be rejected")
	}
	if _, err := m.Create("p2", "builders", "", "", "user"); err != nil {
		t.Errorf("same name in another legion must be allowed: %v", err)
	}
	if _, err := m.Create("p1", "  #  ", "", "", "user"); err == nil {
		t.Error("expected empty name to be rejected")
	}

	found, err := m.FindByName("p1", "#BUILDERS")
	if err != nil || found.ID != ch.ID {
		t.Errorf("FindByName = %v, %v", found, err)
	}
}

func TestMembershipIsBidirectional(t *testing.T) {
	sessions := newFakeSessions("s1", "s2")
	m := NewManager(newFakeStore(), sessions, testLogger(t))

	ch, err := m.Create("p1", "scouts", "", "", "user")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.AddMember(ch.ID, "s1"); err != nil {
		t.Fatalf("add member failed: %v", err)
	}
	// Idempotent join.
	if err := m.AddMember(ch.ID, "s1"); err != nil {
		t.Fatalf("second join failed: %v", err)
	}

	got, _ := m.Get(ch.ID)
	if !slices.Equal(got.MemberMinionIDs, []string{"s1"}) {
		t.Errorf("channel members = %v, want [s1]", got.MemberMinionIDs)
	}
	if !slices.Equal(sessions.channelsOf("s1"), []string{ch.ID}) {
		t.Errorf("session channel list = %v, want [%s]", sessions.channelsOf("s1"), ch.ID)
	}

	if err := m.AddMember(ch.ID, "ghost"); err == nil {
		t.Error("expected join of unknown session to be rejected")
	}

	if err := m.RemoveMember(ch.ID, "s1"); err != nil {
		t.Fatalf("remove member failed: %v", err)
	}
	got, _ = m.Get(ch.ID)
	if len(got.MemberMinionIDs) != 0 {
		t.Errorf("channel members after leave = %v", got.MemberMinionIDs)
	}
	if len(sessions.channelsOf("s1")) != 0 {
		t.Errorf("session channel list after leave = %v", sessions.channelsOf("s1"))
	}
	// Leaving again is a no-op.
	if err := m.RemoveMember(ch.ID, "s1"); err != nil {
		t.Errorf("second leave failed: %v", err)
	}
}

func TestRemoveFromAll(t *testing.T) {
	sessions := newFakeSessions("s1")
	m := NewManager(newFakeStore(), sessions, testLogger(t))

	a, _ := m.Create("p1", "alpha", "", "", "user")
	b, _ := m.Create("p1", "beta", "", "", "user")
	if err := m.AddMember(a.ID, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMember(b.ID, "s1"); err != nil {
		t.Fatal(err)
	}

	if err := m.RemoveFromAll("s1"); err != nil {
		t.Fatalf("RemoveFromAll failed: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		ch, _ := m.Get(id)
		if len(ch.MemberMinionIDs) != 0 {
			t.Errorf("channel %s still has members %v", ch.Name, ch.MemberMinionIDs)
		}
	}
	if len(sessions.channelsOf("s1")) != 0 {
		t.Errorf("session still lists channels %v", sessions.channelsOf("s1"))
	}
}

func TestDeleteDetachesMembers(t *testing.T) {
	sessions := newFakeSessions("s1")
	store := newFakeStore()
	m := NewManager(store, sessions, testLogger(t))

	ch, _ := m.Create("p1", "doomed", "", "", "user")
	if err := m.AddMember(ch.ID, "s1"); err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(ch.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := m.Get(ch.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if len(sessions.channelsOf("s1")) != 0 {
		t.Errorf("member still lists deleted channel: %v", sessions.channelsOf("s1"))
	}
	if len(store.states["p1"]) != 0 {
		t.Error("channel state survived delete")
	}
}

func TestLoadProjectRestoresChannels(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions("s1")

	m := NewManager(store, sessions, testLogger(t))
	ch, _ := m.Create("p1", "persisted", "", "", "user")
	if err := m.AddMember(ch.ID, "s1"); err != nil {
		t.Fatal(err)
	}

	m2 := NewManager(store, sessions, testLogger(t))
	if err := m2.LoadProject("p1"); err != nil {
		t.Fatalf("LoadProject failed: %v", err)
	}
	loaded, err := m2.Get(ch.ID)
	if err != nil {
		t.Fatalf("channel missing after reload: %v", err)
	}
	if !slices.Equal(loaded.MemberMinionIDs, []string{"s1"}) {
		t.Errorf("membership lost in reload: %v", loaded.MemberMinionIDs)
	}
}
