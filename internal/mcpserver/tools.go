package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/overseer"
	"github.com/legionhq/legion/internal/session"
)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("send_comm",
			mcp.WithDescription(
				"Send a comm to another minion, a channel, or the user. "+
					"Address minions by name, channels by name, and the user as \"user\". "+
					"Use this for every reply, report, and question; plain stdout is not delivered to anyone."),
			mcp.WithString("to",
				mcp.Required(),
				mcp.Description("Recipient: a minion name, a channel name, or \"user\""),
			),
			mcp.WithString("summary",
				mcp.Required(),
				mcp.Description("One-line summary of the comm"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("Full comm body"),
			),
			mcp.WithString("type",
				mcp.Description("Comm type: task, question, report, info, halt, pivot, thought (default info)"),
			),
			mcp.WithString("priority",
				mcp.Description("Priority: routine, important, pivot, critical (default routine)"),
			),
			mcp.WithString("in_reply_to",
				mcp.Description("Comm id this replies to (optional)"),
			),
		),
		sendCommHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("spawn_minion",
			mcp.WithDescription(
				"Spawn a child minion under your command. The child starts immediately; "+
					"if a task is given it becomes the child's first comm."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Unique name for the new minion"),
			),
			mcp.WithString("task",
				mcp.Description("Initial task to send the child after it starts (optional)"),
			),
			mcp.WithString("capabilities",
				mcp.Description("Comma-separated capability keywords, e.g. \"python, testing\" (optional)"),
			),
			mcp.WithString("channels",
				mcp.Description("Comma-separated channel names the child joins; missing channels are created (optional)"),
			),
			mcp.WithString("model",
				mcp.Description("Model override for the child (optional)"),
			),
			mcp.WithString("system_prompt",
				mcp.Description("Extra system prompt appended for the child (optional)"),
			),
		),
		spawnMinionHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("dispose_minion",
			mcp.WithDescription(
				"Dispose one of your direct children by name. The child's descendants are disposed with it."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Name of the child minion to dispose"),
			),
			mcp.WithString("reason",
				mcp.Description("Why the child is being disposed (optional)"),
			),
		),
		disposeMinionHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_minions",
			mcp.WithDescription(
				"List the minions in your legion: names, states, hierarchy, and capabilities. "+
					"Filter by a capability keyword to find a specialist."),
			mcp.WithString("capability",
				mcp.Description("Capability keyword filter (optional)"),
			),
		),
		listMinionsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_channels",
			mcp.WithDescription("List the channels in your legion and their members."),
		),
		listChannelsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("join_channel",
			mcp.WithDescription("Join a channel by name to receive its comms."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Channel name"),
			),
		),
		joinChannelHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("leave_channel",
			mcp.WithDescription("Leave a channel by name."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Channel name"),
			),
		),
		leaveChannelHandler(deps, log),
	)
}

// caller resolves the requesting minion from the request context.
func caller(ctx context.Context, deps Deps) (*session.Session, error) {
	sid, ok := minionIDFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("request carries no minion identity")
	}
	s, err := deps.Sessions.Get(sid)
	if err != nil {
		return nil, fmt.Errorf("unknown minion %s", sid)
	}
	return s, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func jsonResult(v any) *mcp.CallToolResult {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(formatted))
}

func sendCommHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from, err := caller(ctx, deps)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		to, err := req.RequireString("to")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		summary, err := req.RequireString("summary")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		comm := &comms.Comm{
			ProjectID:    from.ProjectID,
			FromMinionID: from.ID,
			Summary:      summary,
			Content:      content,
			Type:         comms.Type(req.GetString("type", string(comms.TypeInfo))),
			Priority:     comms.Priority(req.GetString("priority", "")),
			InReplyTo:    req.GetString("in_reply_to", ""),
		}

		switch {
		case strings.EqualFold(to, "user"):
			comm.ToUser = true
			comm.VisibleToUser = true
		default:
			if target, ok := deps.Sessions.FindByName(from.ProjectID, to); ok {
				comm.ToMinionID = target.ID
			} else if ch, chErr := deps.Channels.FindByName(from.ProjectID, to); chErr == nil {
				comm.ToChannelID = ch.ID
			} else {
				return mcp.NewToolResultError(fmt.Sprintf(
					"no minion or channel named %q; use list_minions or list_channels", to)), nil
			}
		}

		if err := deps.Comms.Send(ctx, comm); err != nil {
			log.Warn("send_comm failed", zap.String("from", from.ID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send comm: %v", err)), nil
		}
		return jsonResult(map[string]any{"comm_id": comm.ID, "delivered_to": to}), nil
	}
}

func spawnMinionHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		parent, err := caller(ctx, deps)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		child, err := deps.Overseer.Spawn(ctx, overseer.SpawnParams{
			ParentID:     parent.ID,
			Name:         name,
			Task:         req.GetString("task", ""),
			Capabilities: splitList(req.GetString("capabilities", "")),
			Channels:     splitList(req.GetString("channels", "")),
			Model:        req.GetString("model", ""),
			SystemPrompt: req.GetString("system_prompt", ""),
		})
		if err != nil {
			log.Warn("spawn_minion failed",
				zap.String("parent", parent.ID), zap.String("name", name), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to spawn minion: %v", err)), nil
		}
		return jsonResult(map[string]any{
			"minion_id": child.ID,
			"name":      child.Name,
			"state":     string(child.State),
		}), nil
	}
}

func disposeMinionHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		parent, err := caller(ctx, deps)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		reason := req.GetString("reason", "")
		if err := deps.Overseer.Dispose(ctx, parent.ID, name, reason); err != nil {
			log.Warn("dispose_minion failed",
				zap.String("parent", parent.ID), zap.String("name", name), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to dispose minion: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Disposed minion %q.", name)), nil
	}
}

func listMinionsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from, err := caller(ctx, deps)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var matched map[string]bool
		if keyword := req.GetString("capability", ""); keyword != "" {
			matched = make(map[string]bool)
			for _, sid := range deps.Capabilities.Find(keyword) {
				matched[sid] = true
			}
		}

		type entry struct {
			ID           string   `json:"id"`
			Name         string   `json:"name"`
			State        string   `json:"state"`
			ParentID     string   `json:"parent_id,omitempty"`
			IsOverseer   bool     `json:"is_overseer,omitempty"`
			Capabilities []string `json:"capabilities,omitempty"`
		}
		var out []entry
		for _, s := range deps.Sessions.ListByProject(from.ProjectID) {
			if matched != nil && !matched[s.ID] {
				continue
			}
			out = append(out, entry{
				ID:           s.ID,
				Name:         s.Name,
				State:        string(s.State),
				ParentID:     s.ParentID,
				IsOverseer:   s.IsOverseer,
				Capabilities: deps.Capabilities.CapabilitiesOf(s.ID),
			})
		}
		return jsonResult(out), nil
	}
}

func listChannelsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from, err := caller(ctx, deps)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		type entry struct {
			ID          string   `json:"id"`
			Name        string   `json:"name"`
			Description string   `json:"description,omitempty"`
			Members     []string `json:"members"`
			Joined      bool     `json:"joined"`
		}
		var out []entry
		for _, ch := range deps.Channels.ListByProject(from.ProjectID) {
			members := make([]string, 0, len(ch.MemberMinionIDs))
			joined := false
			for _, sid := range ch.MemberMinionIDs {
				if sid == from.ID {
					joined = true
				}
				if s, err := deps.Sessions.Get(sid); err == nil {
					members = append(members, s.Name)
				}
			}
			out = append(out, entry{
				ID:          ch.ID,
				Name:        ch.Name,
				Description: ch.Description,
				Members:     members,
				Joined:      joined,
			})
		}
		return jsonResult(out), nil
	}
}

func joinChannelHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from, err := caller(ctx, deps)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		ch, err := deps.Channels.FindByName(from.ProjectID, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("no channel named %q", name)), nil
		}
		if err := deps.Channels.AddMember(ch.ID, from.ID); err != nil {
			log.Warn("join_channel failed",
				zap.String("minion", from.ID), zap.String("channel", ch.ID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to join channel: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Joined channel %q.", ch.Name)), nil
	}
}

func leaveChannelHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from, err := caller(ctx, deps)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		ch, err := deps.Channels.FindByName(from.ProjectID, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("no channel named %q", name)), nil
		}
		if err := deps.Channels.RemoveMember(ch.ID, from.ID); err != nil {
			log.Warn("leave_channel failed",
				zap.String("minion", from.ID), zap.String("channel", ch.ID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to leave channel: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Left channel %q.", ch.Name)), nil
	}
}
