package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/legionhq/legion/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("session.state_changed", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("session.state_changed", "coordinator", map[string]any{"session_id": "s1"})
	if err := bus.Publish(context.Background(), "session.state_changed", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("expected event id %s, got %s", event.ID, e.ID)
		}
		if e.Data["session_id"] != "s1" {
			t.Errorf("expected session_id s1, got %v", e.Data["session_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var single, multi, exact atomic.Int32
	if _, err := bus.Subscribe("session.*", func(ctx context.Context, e *Event) error {
		single.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe("session.>", func(ctx context.Context, e *Event) error {
		multi.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe("project.updated", func(ctx context.Context, e *Event) error {
		exact.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = bus.Publish(ctx, "session.created", NewEvent("session.created", "test", nil))
	_ = bus.Publish(ctx, "session.state_changed", NewEvent("session.state_changed", "test", nil))
	_ = bus.Publish(ctx, "project.updated", NewEvent("project.updated", "test", nil))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if single.Load() == 2 && multi.Load() == 2 && exact.Load() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := single.Load(); got != 2 {
		t.Errorf("single-token wildcard: expected 2 deliveries, got %d", got)
	}
	if got := multi.Load(); got != 2 {
		t.Errorf("multi-token wildcard: expected 2 deliveries, got %d", got)
	}
	if got := exact.Load(); got != 1 {
		t.Errorf("exact subject: expected 1 delivery, got %d", got)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int32
	sub, err := bus.Subscribe("comm.created", func(ctx context.Context, e *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if !sub.IsValid() {
		t.Fatal("expected subscription to be valid")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Fatal("expected subscription to be invalid after unsubscribe")
	}

	_ = bus.Publish(context.Background(), "comm.created", NewEvent("comm.created", "test", nil))
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("expected 0 deliveries after unsubscribe, got %d", got)
	}
}

func TestMemoryEventBus_ClosedRejectsPublish(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	if bus.IsConnected() {
		t.Fatal("expected bus to report disconnected after close")
	}
	if err := bus.Publish(context.Background(), "session.created", NewEvent("session.created", "test", nil)); err == nil {
		t.Fatal("expected publish on closed bus to fail")
	}
}
