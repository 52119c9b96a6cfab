package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/legionhq/legion/internal/common/logger"
)

// fakeStore keeps the append-only log per session and serves replays the way
// the file store does: by decoding the appended lines back into LogRecord.
type fakeStore struct {
	mu      sync.Mutex
	logs    map[string][]LogRecord
	failing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{logs: make(map[string][]LogRecord)}
}

func (f *fakeStore) AppendQueueRecord(sid string, record any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("disk full")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	var rec LogRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	f.logs[sid] = append(f.logs[sid], rec)
	return nil
}

func (f *fakeStore) ReadQueueRecords(sid string) ([]LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LogRecord(nil), f.logs[sid]...), nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestEnqueuePeekMarkSent(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, 0, testLogger(t))

	first, err := m.Enqueue("s1", "first", false, map[string]any{"source": "comm"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	second, err := m.Enqueue("s1", "second", false, nil)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if second.Position <= first.Position {
		t.Errorf("second item position %d not after first %d", second.Position, first.Position)
	}

	item, ok := m.PeekNext("s1")
	if !ok || item.QueueID != first.QueueID {
		t.Fatalf("PeekNext = %v, %v; want first item", item, ok)
	}

	if err := m.MarkSent("s1", first.QueueID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	item, ok = m.PeekNext("s1")
	if !ok || item.QueueID != second.QueueID {
		t.Fatalf("after MarkSent, PeekNext = %v; want second item", item)
	}

	items, err := m.Items("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("Items = %d entries, want 2", len(items))
	}
	if items[0].Status != StatusSent || items[0].SentAt == nil {
		t.Errorf("sent item missing status/sent_at: %+v", items[0])
	}
}

func TestCancelOnlyPending(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, 0, testLogger(t))

	item, err := m.Enqueue("s1", "task", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel("s1", item.QueueID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := m.Cancel("s1", item.QueueID); !errors.Is(err, ErrNotPending) {
		t.Errorf("cancel of cancelled item: got %v, want ErrNotPending", err)
	}
	if err := m.Cancel("s1", "nope"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("cancel of unknown item: got %v, want ErrItemNotFound", err)
	}
	if m.HasPending("s1") {
		t.Error("cancelled item still reported pending")
	}
}

func TestRequeuePlacesAtHead(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, 0, testLogger(t))

	failed, err := m.Enqueue("s1", "retry me", true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MarkFailed("s1", failed.QueueID, "sdk exploded"); err != nil {
		t.Fatal(err)
	}
	waiting, err := m.Enqueue("s1", "waiting", false, nil)
	if err != nil {
		t.Fatal(err)
	}

	requeued, err := m.Requeue("s1", failed.QueueID)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if requeued.QueueID == failed.QueueID {
		t.Error("requeue must mint a new item")
	}
	if !requeued.ResetSession || requeued.Content != "retry me" {
		t.Errorf("requeue lost payload: %+v", requeued)
	}

	next, ok := m.PeekNext("s1")
	if !ok || next.QueueID != requeued.QueueID {
		t.Fatalf("requeued item not at head; got %+v", next)
	}
	if next.Position >= waiting.Position {
		t.Errorf("requeued position %d not before waiting %d", next.Position, waiting.Position)
	}

	if _, err := m.Requeue("s1", waiting.QueueID); !errors.Is(err, ErrNotRequeueable) {
		t.Errorf("requeue of pending item: got %v, want ErrNotRequeueable", err)
	}
}

func TestClearPending(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, 0, testLogger(t))

	for _, content := range []string{"a", "b", "c"} {
		if _, err := m.Enqueue("s1", content, false, nil); err != nil {
			t.Fatal(err)
		}
	}
	n, err := m.ClearPending("s1")
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if n != 3 {
		t.Errorf("cleared %d items, want 3", n)
	}
	if m.HasPending("s1") {
		t.Error("pending items remain after clear")
	}
}

func TestMaxPendingCap(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, 2, testLogger(t))

	for i := 0; i < 2; i++ {
		if _, err := m.Enqueue("s1", "x", false, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Enqueue("s1", "overflow", false, nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestReplayRebuildsState(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, 0, testLogger(t))

	sent, _ := m.Enqueue("s1", "done", false, nil)
	pending, _ := m.Enqueue("s1", "todo", false, map[string]any{"schedule_id": "sch1"})
	if err := m.MarkSent("s1", sent.QueueID); err != nil {
		t.Fatal(err)
	}

	// A fresh manager over the same log must converge to the same state.
	m2 := NewManager(store, 0, testLogger(t))
	next, ok := m2.PeekNext("s1")
	if !ok || next.QueueID != pending.QueueID {
		t.Fatalf("replayed head = %v, %v; want the pending item", next, ok)
	}
	if next.Metadata["schedule_id"] != "sch1" {
		t.Errorf("metadata lost in replay: %+v", next.Metadata)
	}
	items, err := m2.Items("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("replay produced %d items, want 2", len(items))
	}
}

func TestForgetDropsMemoryNotLog(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, 0, testLogger(t))

	item, _ := m.Enqueue("s1", "persisted", false, nil)
	m.Forget("s1")

	next, ok := m.PeekNext("s1")
	if !ok || next.QueueID != item.QueueID {
		t.Fatalf("after Forget, replay lost the item: %v, %v", next, ok)
	}
}

func TestEnqueueStorageFailure(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, 0, testLogger(t))
	// Prime the queue so the replay has happened before the failure.
	if _, err := m.Enqueue("s1", "ok", false, nil); err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	store.failing = true
	store.mu.Unlock()
	if _, err := m.Enqueue("s1", "fails", false, nil); err == nil {
		t.Fatal("expected enqueue to surface the storage error")
	}

	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()
	pending, err := m.Pending("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("failed append leaked into memory: %d pending", len(pending))
	}
}
