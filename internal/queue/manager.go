package queue

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/apperr"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
)

var (
	// ErrQueueFull indicates the pending cap was reached.
	ErrQueueFull = errors.New("queue is full")
	// ErrItemNotFound indicates an unknown queue id.
	ErrItemNotFound = errors.New("queue item not found")
	// ErrNotPending indicates an operation valid only on pending items.
	ErrNotPending = errors.New("queue item is not pending")
	// ErrNotRequeueable indicates requeue of an item that is neither sent
	// nor failed.
	ErrNotRequeueable = errors.New("queue item is not sent or failed")
)

// DefaultMaxPending caps pending items per session.
const DefaultMaxPending = 100

// Store persists queue log records.
type Store interface {
	AppendQueueRecord(sid string, record any) error
	ReadQueueRecords(sid string) ([]LogRecord, error)
}

// Manager owns one durable queue per session.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*sessionQueue

	store      Store
	maxPending int
	logger     *logger.Logger
}

// NewManager creates a queue manager. maxPending <= 0 selects the default
// cap.
func NewManager(store Store, maxPending int, log *logger.Logger) *Manager {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Manager{
		queues:     make(map[string]*sessionQueue),
		store:      store,
		maxPending: maxPending,
		logger:     log.WithFields(zap.String("component", "queue-manager")),
	}
}

// sessionQueue is the replayed in-memory state of one queue.jsonl.
type sessionQueue struct {
	mu    sync.Mutex
	items map[string]*Item
}

// queueFor returns the session's queue, replaying its log on first access.
func (m *Manager) queueFor(sid string) (*sessionQueue, error) {
	m.mu.Lock()
	q, ok := m.queues[sid]
	if ok {
		m.mu.Unlock()
		return q, nil
	}
	q = &sessionQueue{items: make(map[string]*Item)}
	m.queues[sid] = q
	m.mu.Unlock()

	records, err := m.store.ReadQueueRecords(sid)
	if err != nil {
		m.mu.Lock()
		delete(m.queues, sid)
		m.mu.Unlock()
		return nil, apperr.Storage("replay queue log", err)
	}
	q.replay(records, m.logger.WithSession(sid))
	return q, nil
}

// replay applies log records in order: enqueue creates or merges items,
// status overrides status, sent-at and error, and a status position acts as
// a head-requeue override.
func (q *sessionQueue) replay(records []LogRecord, log *logger.Logger) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range records {
		switch rec.Type {
		case recordEnqueue:
			item, ok := q.items[rec.QueueID]
			if !ok {
				item = &Item{QueueID: rec.QueueID, Status: StatusPending}
				q.items[rec.QueueID] = item
			}
			item.Content = rec.Content
			item.ResetSession = rec.ResetSession
			item.Metadata = rec.Metadata
			item.CreatedAt = rec.CreatedAt
			if rec.Position != nil {
				item.Position = *rec.Position
			}
		case recordStatus:
			item, ok := q.items[rec.QueueID]
			if !ok {
				log.Warn("status record for unknown queue item",
					zap.String("queue_id", rec.QueueID))
				continue
			}
			if rec.Status != "" {
				item.Status = rec.Status
			}
			if rec.SentAt != nil {
				item.SentAt = rec.SentAt
			}
			if rec.Error != "" {
				item.Error = rec.Error
			}
			if rec.Position != nil {
				item.Position = *rec.Position
			}
		default:
			log.Warn("unknown queue record type", zap.String("type", rec.Type))
		}
	}
}

// Enqueue appends a new pending item at the tail.
func (m *Manager) Enqueue(sid, content string, resetSession bool, metadata map[string]any) (*Item, error) {
	q, err := m.queueFor(sid)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.pendingLocked()
	if len(pending) >= m.maxPending {
		return nil, apperr.Wrap(apperr.KindValidation, "enqueue rejected", ErrQueueFull)
	}
	position := 0
	if len(pending) > 0 {
		position = pending[len(pending)-1].Position + 1
	}

	item := &Item{
		QueueID:      uuid.New().String(),
		Content:      content,
		ResetSession: resetSession,
		Metadata:     metadata,
		Status:       StatusPending,
		Position:     position,
		CreatedAt:    timeutil.UnixNow(),
	}
	if err := m.store.AppendQueueRecord(sid, newEnqueueRecord(item)); err != nil {
		return nil, apperr.Storage("append enqueue record", err)
	}
	q.items[item.QueueID] = item
	return item.Clone(), nil
}

// Cancel marks a pending item cancelled. Non-pending items are rejected.
func (m *Manager) Cancel(sid, queueID string) error {
	return m.setStatus(sid, queueID, StatusCancelled, "", func(item *Item) error {
		if item.Status != StatusPending {
			return ErrNotPending
		}
		return nil
	})
}

// MarkSent records a successful delivery.
func (m *Manager) MarkSent(sid, queueID string) error {
	return m.setStatus(sid, queueID, StatusSent, "", nil)
}

// MarkFailed records a failed delivery.
func (m *Manager) MarkFailed(sid, queueID, errMsg string) error {
	return m.setStatus(sid, queueID, StatusFailed, errMsg, nil)
}

// Requeue copies a sent or failed item into a new pending item placed at the
// head (one below the lowest pending position). The original item is kept
// untouched for history.
func (m *Manager) Requeue(sid, queueID string) (*Item, error) {
	q, err := m.queueFor(sid)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	original, ok := q.items[queueID]
	if !ok {
		return nil, ErrItemNotFound
	}
	if original.Status != StatusSent && original.Status != StatusFailed {
		return nil, ErrNotRequeueable
	}

	position := 0
	if pending := q.pendingLocked(); len(pending) > 0 {
		position = pending[0].Position - 1
	}

	item := &Item{
		QueueID:      uuid.New().String(),
		Content:      original.Content,
		ResetSession: original.ResetSession,
		Metadata:     original.Metadata,
		Status:       StatusPending,
		Position:     position,
		CreatedAt:    timeutil.UnixNow(),
	}
	if err := m.store.AppendQueueRecord(sid, newEnqueueRecord(item)); err != nil {
		return nil, apperr.Storage("append requeue record", err)
	}
	q.items[item.QueueID] = item
	return item.Clone(), nil
}

// ClearPending cancels every pending item, returning the number cancelled.
func (m *Manager) ClearPending(sid string) (int, error) {
	q, err := m.queueFor(sid)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	cancelled := 0
	for _, item := range q.pendingLocked() {
		if err := m.store.AppendQueueRecord(sid, newStatusRecord(item.QueueID, StatusCancelled, nil, "")); err != nil {
			return cancelled, apperr.Storage("append cancel record", err)
		}
		item.Status = StatusCancelled
		cancelled++
	}
	return cancelled, nil
}

// PeekNext returns the lowest-position pending item, if any.
func (m *Manager) PeekNext(sid string) (*Item, bool) {
	q, err := m.queueFor(sid)
	if err != nil {
		m.logger.WithSession(sid).Warn("peek failed", zap.Error(err))
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.pendingLocked()
	if len(pending) == 0 {
		return nil, false
	}
	return pending[0].Clone(), true
}

// HasPending reports whether any pending item exists for the session.
func (m *Manager) HasPending(sid string) bool {
	_, ok := m.PeekNext(sid)
	return ok
}

// Pending returns the pending items sorted by position ascending.
func (m *Manager) Pending(sid string) ([]*Item, error) {
	q, err := m.queueFor(sid)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.pendingLocked()
	out := make([]*Item, len(pending))
	for i, item := range pending {
		out[i] = item.Clone()
	}
	return out, nil
}

// Items returns every item (any status) sorted by position ascending.
func (m *Manager) Items(sid string) ([]*Item, error) {
	q, err := m.queueFor(sid)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.Clone())
	}
	sortItems(out)
	return out, nil
}

// Forget drops the in-memory queue state for a session. The on-disk log is
// kept: a restarted session replays it.
func (m *Manager) Forget(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, sid)
}

func (m *Manager) setStatus(sid, queueID string, status Status, errMsg string, check func(*Item) error) error {
	q, err := m.queueFor(sid)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[queueID]
	if !ok {
		return ErrItemNotFound
	}
	if check != nil {
		if err := check(item); err != nil {
			return err
		}
	}

	var sentAt *float64
	if status == StatusSent {
		now := timeutil.UnixNow()
		sentAt = &now
	}
	if err := m.store.AppendQueueRecord(sid, newStatusRecord(queueID, status, sentAt, errMsg)); err != nil {
		return apperr.Storage("append status record", err)
	}
	item.Status = status
	if sentAt != nil {
		item.SentAt = sentAt
	}
	if errMsg != "" {
		item.Error = errMsg
	}
	return nil
}

// pendingLocked returns pending items sorted by position ascending. Callers
// hold q.mu.
func (q *sessionQueue) pendingLocked() []*Item {
	var pending []*Item
	for _, item := range q.items {
		if item.Status == StatusPending {
			pending = append(pending, item)
		}
	}
	sortItems(pending)
	return pending
}

func sortItems(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt < items[j].CreatedAt
		}
		return items[i].QueueID < items[j].QueueID
	})
}
