package mcpserver

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/pkg/transport"
)

// Deps bundles the coordination surfaces the tools call into.
type Deps struct {
	Comms        CommSender
	Overseer     Overseer
	Channels     Channels
	Sessions     Sessions
	Capabilities Capabilities
}

// Server wraps the MCP tool server behind a streamable-HTTP handler that the
// gateway mounts.
type Server struct {
	mcp      *server.MCPServer
	handler  *server.StreamableHTTPServer
	endpoint string
	logger   *logger.Logger
}

// New builds the tool server. endpoint is the mount path (usually /mcp).
func New(endpoint string, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		endpoint: endpoint,
		logger:   log.WithFields(zap.String("component", "mcpserver")),
	}

	s.mcp = server.NewMCPServer(
		"legion",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(s.mcp, deps, s.logger)

	s.handler = server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath(endpoint),
		server.WithHTTPContextFunc(minionFromHeader),
	)
	return s
}

// minionFromHeader lifts the caller's minion id off the request so tool
// handlers can resolve who is asking.
func minionFromHeader(ctx context.Context, r *http.Request) context.Context {
	if sid := r.Header.Get(transport.MinionIDHeader); sid != "" {
		return withMinionID(ctx, sid)
	}
	return ctx
}

// Handler returns the streamable-HTTP handler for mounting.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Endpoint returns the mount path.
func (s *Server) Endpoint() string {
	return s.endpoint
}
