package overseer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/legionhq/legion/internal/channels"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/project"
	"github.com/legionhq/legion/internal/session"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*session.Session)}
}

func (f *fakeSessions) add(s *session.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

func (f *fakeSessions) Get(sid string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sid]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

func (f *fakeSessions) FindByName(projectID, name string) (*session.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ProjectID == projectID && s.Name == name {
			return s.Clone(), true
		}
	}
	return nil, false
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

type fakeProjects struct {
	projects map[string]*project.Project
}

func (f *fakeProjects) Get(id string) (*project.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, project.ErrNotFound
	}
	return p.Clone(), nil
}

type fakeChannels struct {
	mu       sync.Mutex
	channels map[string]*channels.Channel // id -> channel
	created  []string
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{channels: make(map[string]*channels.Channel)}
}

func (f *fakeChannels) FindByName(projectID, name string) (*channels.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.ProjectID == projectID && ch.Name == name {
			return ch, nil
		}
	}
	return nil, channels.ErrNotFound
}

func (f *fakeChannels) Create(projectID, name, description, purpose, createdBy string) (*channels.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &channels.Channel{ID: "ch-" + name, ProjectID: projectID, Name: name}
	f.channels[ch.ID] = ch
	f.created = append(f.created, name)
	return ch, nil
}

func (f *fakeChannels) AddMember(channelID, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return channels.ErrNotFound
	}
	if !slices.Contains(ch.MemberMinionIDs, sid) {
		ch.MemberMinionIDs = append(ch.MemberMinionIDs, sid)
	}
	return nil
}

type fakeLifecycle struct {
	sessions *fakeSessions
	started  []string
	deleted  []string
	reasons  map[string]string
	spawnN   int
}

func newFakeLifecycle(sessions *fakeSessions) *fakeLifecycle {
	return &fakeLifecycle{sessions: sessions, reasons: make(map[string]string)}
}

func (f *fakeLifecycle) CreateMinion(ctx context.Context, spec SpawnSpec) (*session.Session, error) {
	f.spawnN++
	s := session.New(fmt.Sprintf("child-%d", f.spawnN), spec.Name, "/tmp/w", spec.ProjectID)
	s.ParentID = spec.ParentID
	s.OverseerLevel = spec.Level
	s.HordeID = spec.HordeID
	s.Capabilities = spec.Capabilities
	f.sessions.add(s)
	return s.Clone(), nil
}

func (f *fakeLifecycle) Start(ctx context.Context, sid string) error {
	f.started = append(f.started, sid)
	return nil
}

func (f *fakeLifecycle) Delete(ctx context.Context, sid, reason string) error {
	f.deleted = append(f.deleted, sid)
	f.reasons[sid] = reason
	return nil
}

type fakeComms struct {
	mu   sync.Mutex
	sent []*comms.Comm
}

func (f *fakeComms) Send(ctx context.Context, comm *comms.Comm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, comm)
	return nil
}

func (f *fakeComms) byType(ct comms.Type) []*comms.Comm {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*comms.Comm
	for _, c := range f.sent {
		if c.Type == ct {
			out = append(out, c)
		}
	}
	return out
}

type controllerFixture struct {
	sessions  *fakeSessions
	chans     *fakeChannels
	caps      *Registry
	hordes    *Hordes
	lifecycle *fakeLifecycle
	comms     *fakeComms
	ctrl      *Controller

	broadcasts []string
}

func newControllerFixture(t *testing.T, minionCap int) *controllerFixture {
	t.Helper()
	sessions := newFakeSessions()
	parent := session.New("root", "overseer", "/tmp/w", "p1")
	parent.State = session.StateActive
	sessions.add(parent)

	proj := project.New("p1", "alpha", "/tmp/alpha")
	proj.MinionCap = minionCap
	proj.SessionIDs = []string{"root"}

	f := &controllerFixture{
		sessions:  sessions,
		chans:     newFakeChannels(),
		caps:      NewRegistry(),
		hordes:    NewHordes(newFakeHordeStore(), testLogger(t)),
		lifecycle: newFakeLifecycle(sessions),
		comms:     &fakeComms{},
	}
	f.ctrl = NewController(sessions, &fakeProjects{projects: map[string]*project.Project{"p1": proj}},
		f.chans, f.caps, f.hordes, f.lifecycle, f.comms,
		func(projectID string) { f.broadcasts = append(f.broadcasts, projectID) },
		testLogger(t))
	return f
}

func TestSpawnValidation(t *testing.T) {
	f := newControllerFixture(t, 10)
	ctx := context.Background()

	if _, err := f.ctrl.Spawn(ctx, SpawnParams{ParentID: "ghost", Name: "x"}); err == nil {
		t.Error("unknown parent must be rejected")
	}
	if _, err := f.ctrl.Spawn(ctx, SpawnParams{ParentID: "root", Name: ""}); err == nil {
		t.Error("empty name must be rejected")
	}
	if _, err := f.ctrl.Spawn(ctx, SpawnParams{ParentID: "root", Name: "overseer"}); err == nil {
		t.Error("duplicate name must be rejected")
	}

	capped := newControllerFixture(t, 1)
	if _, err := capped.ctrl.Spawn(ctx, SpawnParams{ParentID: "root", Name: "worker"}); err == nil {
		t.Error("spawn past the minion cap must be rejected")
	}
}

func TestSpawnWiresHierarchy(t *testing.T) {
	f := newControllerFixture(t, 10)
	ctx := context.Background()

	child, err := f.ctrl.Spawn(ctx, SpawnParams{
		ParentID:     "root",
		Name:         "scout",
		Task:         "map the codebase",
		Capabilities: []string{"recon"},
		Channels:     []string{"builders"},
	})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if child.ParentID != "root" || child.OverseerLevel != 1 {
		t.Errorf("child = parent %s level %d", child.ParentID, child.OverseerLevel)
	}

	parent, _ := f.sessions.Get("root")
	if !slices.Contains(parent.ChildIDs, child.ID) {
		t.Errorf("parent child list = %v", parent.ChildIDs)
	}
	if !parent.IsOverseer {
		t.Error("spawning must promote the parent to overseer")
	}
	if parent.HordeID == "" {
		t.Error("parent not placed in a horde")
	}

	horde, err := f.hordes.Get(parent.HordeID)
	if err != nil {
		t.Fatal(err)
	}
	if horde.RootID != "root" || !slices.Contains(horde.MemberIDs, child.ID) {
		t.Errorf("horde = %+v", horde)
	}

	if got := f.caps.Find("recon"); !slices.Equal(got, []string{child.ID}) {
		t.Errorf("capability index = %v", got)
	}

	// The requested channel did not exist, so spawn created and joined it.
	if !slices.Contains(f.chans.created, "builders") {
		t.Errorf("channels created = %v", f.chans.created)
	}
	ch, err := f.chans.FindByName("p1", "builders")
	if err != nil || !slices.Contains(ch.MemberMinionIDs, child.ID) {
		t.Errorf("child not joined to channel: %v, %v", ch, err)
	}

	if !slices.Contains(f.lifecycle.started, child.ID) {
		t.Error("spawned child never started")
	}

	spawns := f.comms.byType(comms.TypeSpawn)
	if len(spawns) != 1 || !spawns[0].ToUser {
		t.Errorf("spawn announcements = %v", spawns)
	}
	tasks := f.comms.byType(comms.TypeTask)
	if len(tasks) != 1 || tasks[0].ToMinionID != child.ID || tasks[0].Content != "map the codebase" {
		t.Errorf("initial task = %v", tasks)
	}

	if !slices.Contains(f.broadcasts, "p1") {
		t.Error("roster broadcast missing")
	}
}

func TestSpawnGrandchildSharesHorde(t *testing.T) {
	f := newControllerFixture(t, 10)
	ctx := context.Background()

	child, err := f.ctrl.Spawn(ctx, SpawnParams{ParentID: "root", Name: "scout"})
	if err != nil {
		t.Fatal(err)
	}
	grandchild, err := f.ctrl.Spawn(ctx, SpawnParams{ParentID: child.ID, Name: "sub-scout"})
	if err != nil {
		t.Fatal(err)
	}
	if grandchild.OverseerLevel != 2 {
		t.Errorf("grandchild level = %d, want 2", grandchild.OverseerLevel)
	}
	if grandchild.HordeID != child.HordeID {
		t.Error("grandchild landed in a different horde than its parent")
	}
	horde, err := f.hordes.Get(grandchild.HordeID)
	if err != nil {
		t.Fatal(err)
	}
	if horde.RootID != "root" {
		t.Errorf("horde root = %s, want the original root", horde.RootID)
	}
}

func TestDisposeAuthority(t *testing.T) {
	f := newControllerFixture(t, 10)
	ctx := context.Background()

	child, err := f.ctrl.Spawn(ctx, SpawnParams{ParentID: "root", Name: "scout"})
	if err != nil {
		t.Fatal(err)
	}
	grandchild, err := f.ctrl.Spawn(ctx, SpawnParams{ParentID: child.ID, Name: "sub-scout"})
	if err != nil {
		t.Fatal(err)
	}

	// The root is not sub-scout's parent and may not dispose it.
	if err := f.ctrl.Dispose(ctx, "root", "sub-scout", ""); err == nil {
		t.Error("dispose by a non-parent must be rejected")
	}
	if err := f.ctrl.Dispose(ctx, "root", "nobody", ""); err == nil {
		t.Error("dispose of an unknown child must be rejected")
	}

	if err := f.ctrl.Dispose(ctx, child.ID, "sub-scout", "done"); err != nil {
		t.Fatalf("dispose failed: %v", err)
	}
	if !slices.Contains(f.lifecycle.deleted, grandchild.ID) {
		t.Errorf("deleted = %v", f.lifecycle.deleted)
	}
	if f.lifecycle.reasons[grandchild.ID] != "done" {
		t.Errorf("reason = %q", f.lifecycle.reasons[grandchild.ID])
	}

	disposals := f.comms.byType(comms.TypeDispose)
	if len(disposals) != 1 || !disposals[0].ToUser {
		t.Errorf("dispose announcements = %v", disposals)
	}
}

func TestDisposeDefaultReasonAndDescendantCount(t *testing.T) {
	f := newControllerFixture(t, 10)
	ctx := context.Background()

	child, err := f.ctrl.Spawn(ctx, SpawnParams{ParentID: "root", Name: "scout"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.Spawn(ctx, SpawnParams{ParentID: child.ID, Name: "sub-scout"}); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Dispose(ctx, "root", "scout", ""); err != nil {
		t.Fatalf("dispose failed: %v", err)
	}
	if got := f.lifecycle.reasons[child.ID]; got != "disposed by overseer" {
		t.Errorf("default reason = %q", got)
	}

	disposals := f.comms.byType(comms.TypeDispose)
	if len(disposals) != 1 {
		t.Fatalf("dispose announcements = %d", len(disposals))
	}
	// sub-scout is the one descendant going down with scout.
	if want := "1 descendant(s)"; !strings.Contains(disposals[0].Content, want) {
		t.Errorf("announcement = %q, want mention of %q", disposals[0].Content, want)
	}
}
