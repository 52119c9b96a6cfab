// Package websocket is the real-time gateway: one hub fans envelopes out to
// connected clients, with a per-session subscriber index for the
// high-volume message stream.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/pkg/transport"
)

// Hub owns the client registry. Sends are non-blocking: a client that cannot
// keep up loses frames rather than stalling the stream.
type Hub struct {
	clients            map[*Client]bool
	sessionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan []byte, 256),
		logger:             log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// warns every client of the shutdown and closes the connections.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.enqueue(data)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) shutdown() {
	if data, err := transport.NewServerRestarting().Marshal(); err == nil {
		h.mu.RLock()
		for client := range h.clients {
			client.enqueue(data)
		}
		h.mu.RUnlock()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for sid := range client.subscriptions {
		if subs, ok := h.sessionSubscribers[sid]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.sessionSubscribers, sid)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a freshly upgraded connection.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister drops a connection.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends one envelope to every connected client.
func (h *Hub) Broadcast(env *transport.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		h.logger.Error("failed to marshal envelope", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast buffer full, dropping envelope",
			zap.String("type", string(env.Type)))
	}
}

// BroadcastToSession sends one envelope to the session's subscribers only.
func (h *Hub) BroadcastToSession(sid string, env *transport.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		h.logger.Error("failed to marshal envelope", zap.Error(err))
		return
	}
	h.mu.RLock()
	subs := h.sessionSubscribers[sid]
	for client := range subs {
		client.enqueue(data)
	}
	h.mu.RUnlock()
}

// Subscribe adds the client to a session's subscriber set.
func (h *Hub) Subscribe(client *Client, sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessionSubscribers[sid]; !ok {
		h.sessionSubscribers[sid] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sid][client] = true
	client.subscriptions[sid] = true
}

// Unsubscribe removes the client from a session's subscriber set.
func (h *Hub) Unsubscribe(client *Client, sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.subscriptions, sid)
	if subs, ok := h.sessionSubscribers[sid]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.sessionSubscribers, sid)
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
