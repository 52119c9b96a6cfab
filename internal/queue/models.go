// Package queue implements the durable per-session outbound message queue.
// Each session's queue is an append-only queue.jsonl event log; in-memory
// state is rebuilt by replaying the log in order.
package queue

import "maps"

// Status is a queue item delivery status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Item is one outbound message awaiting delivery to a session's SDK.
type Item struct {
	QueueID string `json:"queue_id"`
	Content string `json:"content"`

	// ResetSession clears the recipient's conversation before delivery.
	ResetSession bool           `json:"reset_session"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	Status    Status   `json:"status"`
	Position  int      `json:"position"`
	CreatedAt float64  `json:"created_at"`
	SentAt    *float64 `json:"sent_at,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (i *Item) Clone() *Item {
	c := *i
	if i.Metadata != nil {
		c.Metadata = maps.Clone(i.Metadata)
	}
	if i.SentAt != nil {
		sentAt := *i.SentAt
		c.SentAt = &sentAt
	}
	return &c
}

// Log record discriminators.
const (
	recordEnqueue = "enqueue"
	recordStatus  = "status"
)

// LogRecord is the replay superset of both queue.jsonl line shapes.
type LogRecord struct {
	Type    string `json:"type"`
	QueueID string `json:"queue_id"`

	// Enqueue fields.
	Content      string         `json:"content,omitempty"`
	ResetSession bool           `json:"reset_session,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    float64        `json:"created_at,omitempty"`

	// Status fields.
	Status Status   `json:"status,omitempty"`
	SentAt *float64 `json:"sent_at,omitempty"`
	Error  string   `json:"error,omitempty"`

	// Position is written by every enqueue record; on status records it is
	// a legacy head-requeue override honored during replay.
	Position *int `json:"position,omitempty"`
}

// enqueueRecord is the exact enqueue line shape.
type enqueueRecord struct {
	Type         string         `json:"type"`
	QueueID      string         `json:"queue_id"`
	Content      string         `json:"content"`
	ResetSession bool           `json:"reset_session"`
	Metadata     map[string]any `json:"metadata"`
	Position     int            `json:"position"`
	CreatedAt    float64        `json:"created_at"`
}

// statusRecord is the exact status line shape.
type statusRecord struct {
	Type    string   `json:"type"`
	QueueID string   `json:"queue_id"`
	Status  Status   `json:"status"`
	SentAt  *float64 `json:"sent_at,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func newEnqueueRecord(item *Item) *enqueueRecord {
	return &enqueueRecord{
		Type:         recordEnqueue,
		QueueID:      item.QueueID,
		Content:      item.Content,
		ResetSession: item.ResetSession,
		Metadata:     item.Metadata,
		Position:     item.Position,
		CreatedAt:    item.CreatedAt,
	}
}

func newStatusRecord(queueID string, status Status, sentAt *float64, errMsg string) *statusRecord {
	return &statusRecord{
		Type:    recordStatus,
		QueueID: queueID,
		Status:  status,
		SentAt:  sentAt,
		Error:   errMsg,
	}
}
