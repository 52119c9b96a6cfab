// Package mcpserver exposes the legion's coordination surface to minions as
// MCP tools over streamable HTTP. The calling minion is identified by the
// header injected into its MCP config at launch; every tool resolves the
// caller before acting.
package mcpserver

import (
	"context"

	"github.com/legionhq/legion/internal/channels"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/overseer"
	"github.com/legionhq/legion/internal/session"
)

// CommSender routes a comm on the caller's behalf.
type CommSender interface {
	Send(ctx context.Context, comm *comms.Comm) error
}

// Overseer spawns and disposes child minions.
type Overseer interface {
	Spawn(ctx context.Context, params overseer.SpawnParams) (*session.Session, error)
	Dispose(ctx context.Context, parentID, childName, reason string) error
}

// Channels is the channel directory surface the tools need.
type Channels interface {
	FindByName(projectID, name string) (*channels.Channel, error)
	ListByProject(projectID string) []*channels.Channel
	AddMember(channelID, sid string) error
	RemoveMember(channelID, sid string) error
}

// Sessions resolves callers and lists the legion roster.
type Sessions interface {
	Get(sid string) (*session.Session, error)
	ListByProject(projectID string) []*session.Session
	FindByName(projectID, name string) (*session.Session, bool)
}

// Capabilities answers keyword lookups over the capability index.
type Capabilities interface {
	Find(keyword string) []string
	CapabilitiesOf(sid string) []string
}

type minionIDKey struct{}

// withMinionID stores the calling minion's id on the request context.
func withMinionID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, minionIDKey{}, sid)
}

// minionIDFrom extracts the calling minion's id, if present.
func minionIDFrom(ctx context.Context) (string, bool) {
	sid, ok := ctx.Value(minionIDKey{}).(string)
	return sid, ok && sid != ""
}
