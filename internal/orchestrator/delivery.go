package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/apperr"
	"github.com/legionhq/legion/internal/queue"
	"github.com/legionhq/legion/internal/session"
)

// send atomically claims the session's inflight turn and hands the content to
// the SDK, echoing it into the conversation log first.
func (c *Coordinator) send(ctx context.Context, sid, content string, metadata map[string]any) error {
	if _, err := c.sessions.Update(sid, func(s *session.Session) error {
		if s.State != session.StateActive {
			return apperr.SessionState("cannot send to session %s in state %s", sid, s.State)
		}
		if s.Processing {
			return apperr.Validation("session %s is already processing a turn", sid)
		}
		s.Processing = true
		return nil
	}); err != nil {
		return err
	}

	rt := c.runtimeFor(sid)
	if rt == nil {
		c.setProcessing(sid, false)
		return apperr.SessionState("session %s has no live subprocess", sid)
	}

	c.dispatch(sid, c.processor.UserEcho(sid, content, metadata))
	if err := rt.proc.Client.SendUserMessage(content); err != nil {
		c.setProcessing(sid, false)
		return apperr.SDK("send user message", err)
	}
	return nil
}

// SendText implements comm delivery into a recipient session. A busy or
// non-active recipient gets the text queued instead of dropped.
func (c *Coordinator) SendText(ctx context.Context, sid, text string) error {
	s, err := c.sessions.Get(sid)
	if err != nil {
		return err
	}
	if s.State != session.StateActive || s.Processing {
		_, err := c.queues.Enqueue(sid, text, false, map[string]any{"source": "comm"})
		return err
	}
	err = c.send(ctx, sid, text, map[string]any{"source": "comm"})
	if apperr.IsValidation(err) {
		// Lost the race against another sender; fall back to the queue.
		_, err = c.queues.Enqueue(sid, text, false, map[string]any{"source": "comm"})
	}
	return err
}

// pumpQueue delivers pending queue items while the session is idle. One item
// is inflight at a time: the next pump fires when its result message arrives.
func (c *Coordinator) pumpQueue(sid string) {
	log := c.logger.WithSession(sid)
	for {
		s, err := c.sessions.Get(sid)
		if err != nil || s.State != session.StateActive || s.Processing {
			return
		}
		item, ok := c.queues.PeekNext(sid)
		if !ok {
			return
		}

		ctx := context.Background()
		if item.ResetSession {
			if err := c.resetConversation(ctx, sid); err != nil {
				log.Warn("reset before delivery failed",
					zap.String("queue_id", item.QueueID), zap.Error(err))
				c.markDeliveryFailed(sid, item, err)
				continue
			}
		}

		if err := c.send(ctx, sid, item.Content, map[string]any{
			"queue_id": item.QueueID,
			"metadata": item.Metadata,
		}); err != nil {
			if apperr.IsValidation(err) {
				// Another pump claimed the turn; it owns this item now.
				return
			}
			log.Warn("queue delivery failed",
				zap.String("queue_id", item.QueueID), zap.Error(err))
			c.markDeliveryFailed(sid, item, err)
			continue
		}
		if err := c.queues.MarkSent(sid, item.QueueID); err != nil {
			log.Warn("failed to mark queue item sent",
				zap.String("queue_id", item.QueueID), zap.Error(err))
		}
		return
	}
}

func (c *Coordinator) markDeliveryFailed(sid string, item *queue.Item, cause error) {
	if err := c.queues.MarkFailed(sid, item.QueueID, cause.Error()); err != nil {
		c.logger.WithSession(sid).Warn("failed to mark queue item failed",
			zap.String("queue_id", item.QueueID), zap.Error(err))
	}
}

// resetConversation restarts the session with a blank history, used for
// queue items flagged reset_session.
func (c *Coordinator) resetConversation(ctx context.Context, sid string) error {
	if err := c.Reset(ctx, sid); err != nil {
		return err
	}
	if err := c.Start(ctx, sid); err != nil {
		return fmt.Errorf("restart after reset: %w", err)
	}
	return nil
}
