package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/permissions"
	"github.com/legionhq/legion/pkg/agentsdk"
	"github.com/legionhq/legion/pkg/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// PermissionResponder resolves a pending permission request with the user's
// decision.
type PermissionResponder interface {
	Respond(resp *permissions.Response) error
}

// Client is one WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub

	send          chan []byte
	subscriptions map[string]bool // session ids

	permissions PermissionResponder
	logger      *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, responder PermissionResponder, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		permissions:   responder,
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue hands one marshaled envelope to the write pump without blocking.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame")
	}
}

// sendEnvelope marshals and enqueues one envelope.
func (c *Client) sendEnvelope(env *transport.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		c.logger.Error("failed to marshal envelope", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// ReadPump consumes inbound frames until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	frameType, err := transport.PeekType(data)
	if err != nil {
		c.logger.Warn("unparseable inbound frame", zap.Error(err))
		return
	}

	switch frameType {
	case transport.TypePing:
		c.sendEnvelope(transport.NewPong())

	case transport.TypeSubscribe, transport.TypeUnsubscribe:
		var sub transport.Subscription
		if err := json.Unmarshal(data, &sub); err != nil || sub.SessionID == "" {
			c.logger.Warn("invalid subscription frame", zap.Error(err))
			return
		}
		if frameType == transport.TypeSubscribe {
			c.hub.Subscribe(c, sub.SessionID)
		} else {
			c.hub.Unsubscribe(c, sub.SessionID)
		}

	case transport.TypePermissionResponse:
		c.handlePermissionResponse(data)

	default:
		c.logger.Debug("ignoring inbound frame", zap.String("type", string(frameType)))
	}
}

// permissionResponseFrame is the inbound permission decision.
type permissionResponseFrame struct {
	RequestID            string                          `json:"request_id"`
	Decision             string                          `json:"decision"`
	UpdatedInput         map[string]any                  `json:"updated_input,omitempty"`
	ApplySuggestions     bool                            `json:"apply_suggestions,omitempty"`
	SelectedSuggestions  []agentsdk.PermissionSuggestion `json:"selected_suggestions,omitempty"`
	ClarificationMessage string                          `json:"clarification_message,omitempty"`
	Reason               string                          `json:"reason,omitempty"`
}

func (c *Client) handlePermissionResponse(data []byte) {
	var frame permissionResponseFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("invalid permission response frame", zap.Error(err))
		return
	}
	resp := &permissions.Response{
		RequestID:            frame.RequestID,
		Decision:             frame.Decision,
		UpdatedInput:         frame.UpdatedInput,
		ApplySuggestions:     frame.ApplySuggestions,
		SelectedSuggestions:  frame.SelectedSuggestions,
		ClarificationMessage: frame.ClarificationMessage,
		Reason:               frame.Reason,
	}
	if err := c.permissions.Respond(resp); err != nil {
		c.logger.Warn("permission response rejected",
			zap.String("request_id", frame.RequestID), zap.Error(err))
	}
}

// WritePump flushes outbound frames and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
