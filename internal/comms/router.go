package comms

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/channels"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
	"github.com/legionhq/legion/internal/session"
)

// Store persists comms to the three logs.
type Store interface {
	AppendTimelineComm(projectID string, comm any) error
	AppendMinionComm(projectID, sid string, comm any) error
	AppendChannelComm(projectID, channelID string, comm any) error
}

// Sessions is the registry slice the router reads for recipient lookup.
type Sessions interface {
	Get(sid string) (*session.Session, error)
}

// Channels resolves channel membership for broadcasts.
type Channels interface {
	Get(channelID string) (*channels.Channel, error)
}

// Delivery injects formatted comm text into a recipient's SDK. Start must be
// idempotent for already-running sessions.
type Delivery interface {
	Start(ctx context.Context, sid string) error
	SendText(ctx context.Context, sid, text string) error
}

// BroadcastFunc publishes one comm to legion-scoped transport observers.
type BroadcastFunc func(comm *Comm)

// Options tunes recipient auto-start behavior.
type Options struct {
	// AutoStartTimeout bounds how long the router waits for a recipient to
	// reach Active after starting it.
	AutoStartTimeout time.Duration
	// PollInterval spaces the recipient state polls.
	PollInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{AutoStartTimeout: 30 * time.Second, PollInterval: 500 * time.Millisecond}
	if o == nil {
		return out
	}
	if o.AutoStartTimeout > 0 {
		out.AutoStartTimeout = o.AutoStartTimeout
	}
	if o.PollInterval > 0 {
		out.PollInterval = o.PollInterval
	}
	return out
}

// Router validates, persists, broadcasts, and delivers comms.
type Router struct {
	store     Store
	sessions  Sessions
	channels  Channels
	delivery  Delivery
	broadcast BroadcastFunc
	opts      Options

	logger *logger.Logger
}

// NewRouter creates a router. broadcast may be nil when no transport is
// attached.
func NewRouter(store Store, sessions Sessions, chans Channels, delivery Delivery, broadcast BroadcastFunc, opts *Options, log *logger.Logger) *Router {
	return &Router{
		store:     store,
		sessions:  sessions,
		channels:  chans,
		delivery:  delivery,
		broadcast: broadcast,
		opts:      opts.withDefaults(),
		logger:    log.WithFields(zap.String("component", "comm-router")),
	}
}

// Send routes one comm end to end. Delivery failures are reported back to
// the sender as a system error comm referencing the original; Send itself
// returns an error only for validation and persistence failures.
func (r *Router) Send(ctx context.Context, comm *Comm) error {
	if err := comm.Validate(); err != nil {
		return err
	}
	if comm.ID == "" {
		comm.ID = uuid.New().String()
	}
	if comm.Timestamp == 0 {
		comm.Timestamp = timeutil.UnixNow()
	}
	if comm.Priority == "" {
		comm.Priority = PriorityRoutine
	}
	r.freezeNames(comm)
	return r.route(ctx, comm, false)
}

// route persists, broadcasts, and delivers. fanout marks per-recipient
// copies of a channel broadcast, which skip the sender's log: the outgoing
// copy was already recorded when the original was routed.
func (r *Router) route(ctx context.Context, comm *Comm, fanout bool) error {
	if err := r.persist(comm, fanout); err != nil {
		return err
	}
	if r.broadcast != nil {
		r.broadcast(comm.Clone())
	}

	switch {
	case comm.ToChannelID != "":
		r.fanOutChannel(ctx, comm)
	case comm.ToMinionID != "":
		if err := r.deliverToMinion(ctx, comm); err != nil {
			r.logger.WithProject(comm.ProjectID).Warn("comm delivery failed",
				zap.String("comm_id", comm.ID),
				zap.String("to", comm.ToMinionID), zap.Error(err))
			r.sendErrorComm(ctx, comm, err)
		}
	case comm.ToUser:
		// Broadcast above is the delivery; no SDK involvement.
	}
	return nil
}

func (r *Router) persist(comm *Comm, fanout bool) error {
	if err := r.store.AppendTimelineComm(comm.ProjectID, comm); err != nil {
		return err
	}
	if comm.FromMinionID != "" && comm.FromMinionID != SystemSenderID && !fanout {
		if err := r.store.AppendMinionComm(comm.ProjectID, comm.FromMinionID, comm); err != nil {
			return err
		}
	}
	if comm.ToMinionID != "" {
		if err := r.store.AppendMinionComm(comm.ProjectID, comm.ToMinionID, comm); err != nil {
			return err
		}
	}
	if comm.ToChannelID != "" {
		if err := r.store.AppendChannelComm(comm.ProjectID, comm.ToChannelID, comm); err != nil {
			return err
		}
	}
	return nil
}

// freezeNames captures sender and recipient display names at send time.
func (r *Router) freezeNames(comm *Comm) {
	if comm.SenderName == "" {
		switch {
		case comm.FromUser:
			comm.SenderName = "User"
		case comm.FromMinionID == SystemSenderID:
			comm.SenderName = "System"
		case comm.FromMinionID != "":
			if s, err := r.sessions.Get(comm.FromMinionID); err == nil {
				comm.SenderName = s.Name
			}
		}
	}
	if comm.RecipientName == "" {
		switch {
		case comm.ToUser:
			comm.RecipientName = "User"
		case comm.ToMinionID != "":
			if s, err := r.sessions.Get(comm.ToMinionID); err == nil {
				comm.RecipientName = s.Name
			}
		case comm.ToChannelID != "":
			if ch, err := r.channels.Get(comm.ToChannelID); err == nil {
				comm.RecipientName = "#" + ch.Name
			}
		}
	}
}

// deliverToMinion auto-starts the recipient when needed, waits for it to
// reach Active, and injects the formatted text.
func (r *Router) deliverToMinion(ctx context.Context, comm *Comm) error {
	sid := comm.ToMinionID
	s, err := r.sessions.Get(sid)
	if err != nil {
		return fmt.Errorf("recipient %s: %w", sid, err)
	}

	if s.State != session.StateActive {
		if err := r.delivery.Start(ctx, sid); err != nil {
			return fmt.Errorf("auto-start recipient: %w", err)
		}
		if err := r.waitActive(ctx, sid); err != nil {
			return err
		}
	}

	text := FormatDelivery(comm)
	if err := r.delivery.SendText(ctx, sid, text); err != nil {
		return fmt.Errorf("send to recipient: %w", err)
	}
	return nil
}

func (r *Router) waitActive(ctx context.Context, sid string) error {
	deadline := time.Now().Add(r.opts.AutoStartTimeout)
	for {
		s, err := r.sessions.Get(sid)
		if err != nil {
			return err
		}
		if s.State == session.StateActive {
			return nil
		}
		if s.State == session.StateError || s.State == session.StateTerminated {
			return fmt.Errorf("recipient entered %s while starting", s.State)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("recipient not active after %v", r.opts.AutoStartTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// fanOutChannel expands a channel broadcast into one per-recipient copy per
// member other than the sender. Copies share the original comm id.
func (r *Router) fanOutChannel(ctx context.Context, comm *Comm) {
	ch, err := r.channels.Get(comm.ToChannelID)
	if err != nil {
		r.logger.Warn("channel broadcast to unknown channel",
			zap.String("comm_id", comm.ID), zap.String("channel_id", comm.ToChannelID))
		r.sendErrorComm(ctx, comm, fmt.Errorf("channel %s not found", comm.ToChannelID))
		return
	}

	for _, member := range ch.MemberMinionIDs {
		if member == comm.FromMinionID {
			continue
		}
		cp := comm.Clone()
		cp.ToChannelID = ""
		cp.ToMinionID = member
		cp.RecipientName = ""
		if cp.Metadata == nil {
			cp.Metadata = make(map[string]any)
		}
		cp.Metadata["channel_name"] = ch.Name
		r.freezeNames(cp)
		if err := r.route(ctx, cp, true); err != nil {
			r.logger.Warn("channel fan-out copy failed",
				zap.String("comm_id", comm.ID), zap.String("member", member), zap.Error(err))
		}
	}
}

// sendErrorComm reports a delivery failure back to the sender under the
// reserved system sender id.
func (r *Router) sendErrorComm(ctx context.Context, original *Comm, cause error) {
	errComm := &Comm{
		ID:            uuid.New().String(),
		ProjectID:     original.ProjectID,
		FromMinionID:  SystemSenderID,
		Summary:       "Delivery failed",
		Content:       fmt.Sprintf("Your comm %q could not be delivered: %v", original.Summary, cause),
		Type:          TypeSystem,
		Priority:      PriorityImportant,
		InReplyTo:     original.ID,
		VisibleToUser: true,
		Timestamp:     timeutil.UnixNow(),
		SenderName:    "System",
	}
	if original.FromUser {
		errComm.ToUser = true
	} else {
		errComm.ToMinionID = original.FromMinionID
	}
	r.freezeNames(errComm)
	if err := r.route(ctx, errComm, false); err != nil {
		r.logger.Error("failed to route error comm",
			zap.String("original_comm_id", original.ID), zap.Error(err))
	}
}

// FormatDelivery renders the user-facing text injected into a recipient's
// SDK. Comms originating from the user carry a reply instruction so the
// minion answers through the send_comm tool rather than plain output.
func FormatDelivery(comm *Comm) string {
	sender := comm.SenderName
	if comm.FromMinionID != "" && comm.FromMinionID != SystemSenderID {
		sender = "Minion #" + sender
	}
	if channelName, ok := comm.Metadata["channel_name"].(string); ok && channelName != "" {
		sender = fmt.Sprintf("%s (via #%s)", sender, channelName)
	}

	text := fmt.Sprintf("%s %s from %s: %s\n\n%s",
		comm.Type.emoji(), comm.Type.label(), sender, comm.Summary, comm.Content)

	if comm.FromUser {
		text += "\n\n(Reply with the send_comm tool; plain output is not delivered back.)"
	}
	return text
}
