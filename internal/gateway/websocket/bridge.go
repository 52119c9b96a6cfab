package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/events"
	"github.com/legionhq/legion/internal/events/bus"
	"github.com/legionhq/legion/internal/messages"
	"github.com/legionhq/legion/internal/permissions"
	"github.com/legionhq/legion/pkg/transport"
)

// Observer forwards session activity from the coordinator to the hub. Message
// traffic goes to session subscribers only; lifecycle and permission frames
// go to everyone.
type Observer struct {
	hub *Hub
}

// NewObserver wraps a hub as a session observer.
func NewObserver(hub *Hub) *Observer {
	return &Observer{hub: hub}
}

func (o *Observer) OnMessage(sid string, rec *messages.Record) {
	o.hub.BroadcastToSession(sid, transport.NewMessage(sid, rec))
}

func (o *Observer) OnToolCall(sid string, tc *messages.ToolCall) {
	o.hub.BroadcastToSession(sid, transport.NewToolCall(sid, tc))
}

func (o *Observer) OnStateChange(sid, oldState, newState string) {
	o.hub.Broadcast(transport.NewStateChange(sid, oldState, newState))
}

func (o *Observer) OnPermissionRequest(req *permissions.Request) {
	o.hub.Broadcast(transport.NewPermissionRequest(
		req.RequestID, req.SessionID, req.ToolName, req.Input, req.Suggestions))
}

// BusBridge relays bus events that do not flow through the coordinator
// observer (projects, schedules, comms, resources) to connected clients.
type BusBridge struct {
	hub    *Hub
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewBusBridge subscribes to the transport-facing subjects.
func NewBusBridge(eventBus bus.EventBus, hub *Hub, log *logger.Logger) (*BusBridge, error) {
	b := &BusBridge{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "bus-bridge")),
	}
	for _, subject := range []string{
		events.AnyProjectEvent,
		events.AnyScheduleEvent,
		events.AnyCommEvent,
		events.AnyResourceEvent,
	} {
		sub, err := eventBus.Subscribe(subject, b.handle)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.subs = append(b.subs, sub)
	}
	return b, nil
}

func (b *BusBridge) handle(ctx context.Context, event *bus.Event) error {
	env := b.translate(event)
	if env == nil {
		b.logger.Debug("no envelope for bus event", zap.String("type", event.Type))
		return nil
	}
	b.hub.Broadcast(env)
	return nil
}

func (b *BusBridge) translate(event *bus.Event) *transport.Envelope {
	data := event.Data
	switch event.Type {
	case events.ProjectCreated, events.ProjectUpdated:
		return transport.NewProjectUpdated(data[events.KeyProject])
	case events.ProjectDeleted:
		pid, _ := data[events.KeyProjectID].(string)
		return transport.NewProjectDeleted(pid)
	case events.ScheduleUpdated:
		return transport.NewScheduleUpdated(data[events.KeySchedule])
	case events.CommCreated:
		return transport.NewComm(data[events.KeyComm])
	case events.ResourceRegistered:
		sid, _ := data[events.KeySessionID].(string)
		return transport.NewResourceRegistered(sid, data[events.KeyResource])
	case events.ResourceRemoved:
		sid, _ := data[events.KeySessionID].(string)
		rid, _ := data[events.KeyResourceID].(string)
		return transport.NewResourceRemoved(sid, rid)
	default:
		return nil
	}
}

// Close drops all subscriptions.
func (b *BusBridge) Close() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}
