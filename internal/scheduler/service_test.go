package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
	"github.com/legionhq/legion/internal/queue"
	"github.com/legionhq/legion/internal/session"
)

type fakeStore struct {
	mu    sync.Mutex
	files map[string]json.RawMessage // project -> schedules.json
	execs []*Execution
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[string]json.RawMessage)}
}

func (f *fakeStore) SaveSchedules(projectID string, schedules any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(schedules)
	if err != nil {
		return err
	}
	f.files[projectID] = data
	return nil
}

func (f *fakeStore) LoadSchedules(projectID string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.files[projectID]
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (f *fakeStore) AppendScheduleExecution(projectID string, record any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return err
	}
	f.execs = append(f.execs, &exec)
	return nil
}

func (f *fakeStore) executions() []*Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Execution, len(f.execs))
	copy(out, f.execs)
	return out
}

type enqueueCall struct {
	sid      string
	content  string
	reset    bool
	metadata map[string]any
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (f *fakeQueue) Enqueue(sid, content string, resetSession bool, metadata map[string]any) (*queue.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, enqueueCall{sid: sid, content: content, reset: resetSession, metadata: metadata})
	return &queue.Item{QueueID: fmt.Sprintf("q%d", len(f.calls))}, nil
}

func (f *fakeQueue) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSessions struct {
	sessions map[string]*session.Session
}

func newFakeSessions(names map[string]string) *fakeSessions {
	f := &fakeSessions{sessions: make(map[string]*session.Session)}
	for sid, name := range names {
		s := session.New(sid, name, "/tmp/w", "p1")
		s.State = session.StateActive
		f.sessions[sid] = s
	}
	return f
}

func (f *fakeSessions) Get(sid string) (*session.Session, error) {
	s, ok := f.sessions[sid]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestService(t *testing.T, store Store, q Queue, sessions Sessions, broadcast BroadcastFunc, opts Options) *Service {
	t.Helper()
	return NewService(store, q, sessions, broadcast, opts, testLogger(t))
}

func TestCreateValidation(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	sessions := newFakeSessions(map[string]string{"m1": "scout"})
	svc := newTestService(t, store, q, sessions, nil, Options{})

	if _, err := svc.Create("p1", "m1", "bad", "not a cron", "do it", false, 0, 0); err == nil {
		t.Error("expected invalid cron to be rejected")
	}
	if _, err := svc.Create("p1", "ghost", "x", "* * * * *", "do it", false, 0, 0); err == nil {
		t.Error("expected unknown minion to be rejected")
	}

	sched, err := svc.Create("p1", "m1", "standup", "0 9 * * *", "write the standup", true, 0, 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if sched.Status != StatusActive {
		t.Errorf("status = %s, want active", sched.Status)
	}
	if sched.NextRun == nil || *sched.NextRun <= timeutil.UnixNow() {
		t.Error("next_run not set in the future")
	}
	if sched.MinionName != "scout" {
		t.Errorf("minion name = %q, captured name expected", sched.MinionName)
	}
	if sched.MaxRetries != DefaultMaxRetries {
		t.Errorf("max_retries = %d, want default %d", sched.MaxRetries, DefaultMaxRetries)
	}
	if !sched.ResetSession {
		t.Error("reset_session not carried")
	}
}

func TestFireEnqueuesAndRecords(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	sessions := newFakeSessions(map[string]string{"m1": "scout"})

	var broadcasts []*Schedule
	svc := newTestService(t, store, q, sessions, func(s *Schedule) {
		broadcasts = append(broadcasts, s)
	}, Options{})

	sched, err := svc.Create("p1", "m1", "standup", "* * * * *", "write the standup", true, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	broadcasts = nil

	now := time.Now()
	svc.fire(sched.ID, now)

	if q.callCount() != 1 {
		t.Fatalf("enqueue calls = %d, want 1", q.callCount())
	}
	call := q.calls[0]
	if call.sid != "m1" || !call.reset {
		t.Errorf("enqueue = %+v", call)
	}
	if !strings.HasPrefix(call.content, "**[Scheduled Task: standup]**\n\n") ||
		!strings.Contains(call.content, "write the standup") {
		t.Errorf("prompt = %q", call.content)
	}
	if call.metadata["source"] != "schedule" || call.metadata["schedule_id"] != sched.ID {
		t.Errorf("metadata = %v", call.metadata)
	}

	execs := store.executions()
	if len(execs) != 1 {
		t.Fatalf("execution records = %d, want 1", len(execs))
	}
	if execs[0].Status != ExecQueued || execs[0].QueueID != "q1" {
		t.Errorf("execution = %+v", execs[0])
	}
	if execs[0].MinionState != string(session.StateActive) {
		t.Errorf("minion state = %q", execs[0].MinionState)
	}

	updated, err := svc.Get(sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.ExecutionCount != 1 || updated.FailureCount != 0 {
		t.Errorf("counters = exec %d fail %d", updated.ExecutionCount, updated.FailureCount)
	}
	if updated.LastStatus != ExecQueued || updated.LastRun == nil {
		t.Errorf("last run not recorded: %+v", updated)
	}
	if updated.NextRun == nil || *updated.NextRun <= timeutil.ToUnix(now) {
		t.Error("next_run not advanced past the fire")
	}
	if len(broadcasts) != 1 {
		t.Errorf("broadcasts = %d, want 1", len(broadcasts))
	}
}

func TestFireFailureBackoffThenPause(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{err: errors.New("queue full")}
	sessions := newFakeSessions(map[string]string{"m1": "scout"})
	svc := newTestService(t, store, q, sessions, nil, Options{})

	sched, err := svc.Create("p1", "m1", "standup", "* * * * *", "go", false, 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	nowUnix := timeutil.ToUnix(now)

	// First failure: 60s backoff.
	svc.fire(sched.ID, now)
	got, _ := svc.Get(sched.ID)
	if got.FailureCount != 1 || got.LastStatus != ExecRetry {
		t.Fatalf("after first failure: %+v", got)
	}
	if got.NextRun == nil || *got.NextRun < nowUnix+59 || *got.NextRun > nowUnix+61 {
		t.Errorf("backoff = %v, want ~now+60", got.NextRun)
	}

	// Second failure: 120s backoff.
	svc.fire(sched.ID, now)
	got, _ = svc.Get(sched.ID)
	if got.FailureCount != 2 {
		t.Fatalf("failure count = %d", got.FailureCount)
	}
	if got.NextRun == nil || *got.NextRun < nowUnix+119 || *got.NextRun > nowUnix+121 {
		t.Errorf("backoff = %v, want ~now+120", got.NextRun)
	}

	// Third failure exhausts max_retries=2: schedule pauses.
	svc.fire(sched.ID, now)
	got, _ = svc.Get(sched.ID)
	if got.Status != StatusPaused || got.NextRun != nil {
		t.Errorf("exhausted schedule = %+v, want paused with no next_run", got)
	}
	if got.LastStatus != ExecFailed {
		t.Errorf("last status = %s, want failed", got.LastStatus)
	}

	execs := store.executions()
	if len(execs) != 3 {
		t.Fatalf("execution records = %d, want 3", len(execs))
	}
	if execs[0].Status != ExecRetry || execs[0].RetryNumber != 1 {
		t.Errorf("first record = %+v", execs[0])
	}
	if execs[2].Status != ExecFailed || execs[2].Error == "" {
		t.Errorf("final record = %+v", execs[2])
	}
}

func TestSweepFiresOnlyDue(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	sessions := newFakeSessions(map[string]string{"m1": "scout"})
	svc := newTestService(t, store, q, sessions, nil, Options{})

	due, err := svc.Create("p1", "m1", "due", "* * * * *", "go", false, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create("p1", "m1", "future", "0 9 * * *", "wait", false, 0, 0); err != nil {
		t.Fatal(err)
	}

	svc.mu.Lock()
	past := timeutil.ToUnix(time.Now().Add(-time.Minute))
	svc.schedules[due.ID].NextRun = &past
	svc.mu.Unlock()

	svc.sweep(time.Now())

	if q.callCount() != 1 {
		t.Fatalf("enqueue calls = %d, want only the due schedule", q.callCount())
	}
	if !strings.Contains(q.calls[0].content, "due") {
		t.Errorf("wrong schedule fired: %q", q.calls[0].content)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions(map[string]string{"m1": "scout"})
	svc := newTestService(t, store, &fakeQueue{}, sessions, nil, Options{})

	sched, err := svc.Create("p1", "m1", "standup", "* * * * *", "go", false, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	paused, err := svc.Pause(sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != StatusPaused || paused.NextRun != nil {
		t.Errorf("pause = %+v", paused)
	}
	if _, err := svc.Pause(sched.ID); err == nil {
		t.Error("double pause must fail")
	}

	// Resume recomputes next_run and clears the failure counter.
	svc.mu.Lock()
	svc.schedules[sched.ID].FailureCount = 2
	svc.mu.Unlock()
	resumed, err := svc.Resume(sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != StatusActive || resumed.NextRun == nil || resumed.FailureCount != 0 {
		t.Errorf("resume = %+v", resumed)
	}

	cancelled, err := svc.Cancel(sched.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != StatusCancelled || cancelled.NextRun != nil {
		t.Errorf("cancel = %+v", cancelled)
	}
	if _, err := svc.Cancel(sched.ID); err == nil {
		t.Error("double cancel must fail")
	}
	if _, err := svc.Resume(sched.ID); err == nil {
		t.Error("resume of a cancelled schedule must fail")
	}
	if _, err := svc.Pause(sched.ID); err == nil {
		t.Error("pause of a cancelled schedule must fail")
	}
}

func TestUpdateRecomputesNextRun(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions(map[string]string{"m1": "scout"})
	svc := newTestService(t, store, &fakeQueue{}, sessions, nil, Options{})

	sched, err := svc.Create("p1", "m1", "standup", "0 9 * * *", "go", false, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	before := *sched.NextRun

	if _, err := svc.Update(sched.ID, "", "not a cron", "", false); err == nil {
		t.Error("invalid cron in update must fail")
	}

	updated, err := svc.Update(sched.ID, "daily report", "* * * * *", "new prompt", true)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "daily report" || updated.Prompt != "new prompt" || !updated.ResetSession {
		t.Errorf("update = %+v", updated)
	}
	if updated.NextRun == nil || *updated.NextRun >= before {
		t.Error("tighter cron should move next_run earlier")
	}
}

func TestCancelForMinion(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions(map[string]string{"m1": "scout", "m2": "builder"})
	svc := newTestService(t, store, &fakeQueue{}, sessions, nil, Options{})

	a, _ := svc.Create("p1", "m1", "a", "* * * * *", "go", false, 0, 0)
	b, _ := svc.Create("p1", "m1", "b", "* * * * *", "go", false, 0, 0)
	c, _ := svc.Create("p1", "m2", "c", "* * * * *", "go", false, 0, 0)

	if n := svc.CancelForMinion("m1"); n != 2 {
		t.Errorf("cancelled %d schedules, want 2", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		got, _ := svc.Get(id)
		if got.Status != StatusCancelled {
			t.Errorf("schedule %s = %s, want cancelled", got.Name, got.Status)
		}
	}
	got, _ := svc.Get(c.ID)
	if got.Status != StatusActive {
		t.Errorf("other minion's schedule = %s, want active", got.Status)
	}

	// Already-cancelled schedules are skipped on a second pass.
	if n := svc.CancelForMinion("m1"); n != 0 {
		t.Errorf("second pass cancelled %d, want 0", n)
	}
}

func TestDelete(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions(map[string]string{"m1": "scout"})
	svc := newTestService(t, store, &fakeQueue{}, sessions, nil, Options{})

	sched, err := svc.Create("p1", "m1", "standup", "* * * * *", "go", false, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(sched.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(sched.ID); err == nil {
		t.Error("deleted schedule still resolvable")
	}
	if err := svc.Delete(sched.ID); err == nil {
		t.Error("double delete must fail")
	}
}

func TestLoadProjectRecomputesAndBackfills(t *testing.T) {
	past := timeutil.ToUnix(time.Now().Add(-time.Hour))
	file := &scheduleFile{Schedules: []*Schedule{
		{
			ID: "missed", ProjectID: "p1", MinionID: "m1", Name: "missed",
			Cron: "0 9 * * *", Status: StatusActive, NextRun: &past,
		},
		{
			ID: "broken", ProjectID: "p1", MinionID: "m1", Name: "broken",
			Cron: "not a cron", Status: StatusActive, NextRun: &past,
		},
	}}

	sessions := newFakeSessions(map[string]string{"m1": "scout"})

	// Without backfill the missed window is skipped: next_run jumps forward.
	store := newFakeStore()
	if err := store.SaveSchedules("p1", file); err != nil {
		t.Fatal(err)
	}
	svc := newTestService(t, store, &fakeQueue{}, sessions, nil, Options{})
	if err := svc.LoadProject("p1"); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get("missed")
	if got.NextRun == nil || *got.NextRun <= timeutil.UnixNow() {
		t.Errorf("next_run = %v, want recomputed into the future", got.NextRun)
	}
	if got.MaxRetries != DefaultMaxRetries {
		t.Errorf("max_retries not defaulted: %d", got.MaxRetries)
	}

	// An unparsable cron loads paused rather than wedging the loop.
	broken, _ := svc.Get("broken")
	if broken.Status != StatusPaused || broken.NextRun != nil {
		t.Errorf("broken cron = %+v, want paused", broken)
	}

	// With backfill the missed window fires at the first sweep.
	store2 := newFakeStore()
	if err := store2.SaveSchedules("p1", file); err != nil {
		t.Fatal(err)
	}
	q := &fakeQueue{}
	svc2 := newTestService(t, store2, q, sessions, nil, Options{Backfill: true})
	if err := svc2.LoadProject("p1"); err != nil {
		t.Fatal(err)
	}
	svc2.sweep(time.Now())
	if q.callCount() != 1 {
		t.Errorf("backfill enqueued %d prompts, want 1", q.callCount())
	}
}
