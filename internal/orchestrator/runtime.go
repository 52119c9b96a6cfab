package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/messages"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/pkg/agentsdk"
	"github.com/legionhq/legion/pkg/transport"
)

// runtime is one live SDK subprocess bound to a session.
type runtime struct {
	sid  string
	proc *agentsdk.Process

	initCh   chan struct{}
	initOnce sync.Once
	exited   chan struct{}
	cancel   context.CancelFunc
}

// launch spawns and wires a runtime for the session snapshot. The runtime's
// lifetime is detached from the caller's context: the read loop must outlive
// the request that started the session.
func (c *Coordinator) launch(s *session.Session) (*runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := agentsdk.Options{
		Command:              c.opts.SDKCommand,
		Args:                 c.opts.SDKArgs,
		WorkingDir:           s.WorkingDir,
		Model:                s.Model,
		PermissionMode:       string(s.PermissionMode),
		AllowedTools:         s.AllowedTools,
		DisallowedTools:      s.DisallowedTools,
		SystemPrompt:         s.SystemPrompt,
		SystemPromptOverride: s.SystemPromptOverride,
		Resume:               s.ResumeToken,
		Sandbox:              s.Sandbox,
		SettingSources:       s.SettingSources,
	}
	if opts.Model == "" {
		opts.Model = c.opts.DefaultModel
	}
	if c.opts.MCPBaseURL != "" {
		opts.MCPServers = map[string]agentsdk.MCPServerConfig{
			"legion": {
				Type:    "http",
				URL:     c.opts.MCPBaseURL,
				Headers: map[string]string{transport.MinionIDHeader: s.ID},
			},
		}
	}

	proc, err := agentsdk.Launch(ctx, opts, c.logger.WithSession(s.ID))
	if err != nil {
		cancel()
		return nil, err
	}

	rt := &runtime{
		sid:    s.ID,
		proc:   proc,
		initCh: make(chan struct{}),
		exited: make(chan struct{}),
		cancel: cancel,
	}
	proc.Client.SetMessageHandler(func(msg *agentsdk.Message) {
		c.handleMessage(rt, msg)
	})
	proc.Client.SetCanUseTool(c.canUseToolFor(s.ID))
	proc.Client.Start(ctx)

	go func() {
		_ = proc.Wait()
		close(rt.exited)
	}()
	go c.watch(rt)
	return rt, nil
}

// handleMessage is the per-session read-loop consumer: classify, capture the
// resume token, dispatch, and release the inflight turn on result.
func (c *Coordinator) handleMessage(rt *runtime, msg *agentsdk.Message) {
	sid := rt.sid

	if msg.Type == agentsdk.MessageTypeSystem && msg.Subtype == agentsdk.SystemSubtypeInit {
		if msg.SessionID != "" {
			if _, err := c.sessions.Update(sid, func(s *session.Session) error {
				s.ResumeToken = msg.SessionID
				return nil
			}); err != nil {
				c.logger.WithSession(sid).Warn("failed to persist resume token", zap.Error(err))
			}
		}
		rt.initOnce.Do(func() { close(rt.initCh) })
	}

	if rec := c.processor.Process(sid, msg); rec != nil {
		c.dispatch(sid, rec)
	}

	if msg.Type == agentsdk.MessageTypeResult {
		c.setProcessing(sid, false)
		go c.pumpQueue(sid)
	}
}

// canUseToolFor adapts the broker into the SDK permission hook. The wire
// frame names the tool_use block it belongs to; only frames that omit the id
// fall back to name-based correlation.
func (c *Coordinator) canUseToolFor(sid string) agentsdk.CanUseToolFunc {
	return func(ctx context.Context, toolName string, input map[string]any, toolUseID string, suggestions []agentsdk.PermissionSuggestion) (*agentsdk.PermissionResult, error) {
		if toolUseID == "" {
			toolUseID, _ = c.processor.PendingToolUse(sid, toolName)
		}
		return c.broker.Request(ctx, sid, toolName, input, toolUseID, suggestions)
	}
}

// watch handles an SDK subprocess dying underneath a session that is supposed
// to be live. Deliberate teardown unregisters the runtime first, so reaching
// the failure path means the exit was unexpected.
func (c *Coordinator) watch(rt *runtime) {
	<-rt.exited

	c.mu.Lock()
	current, ok := c.runtimes[rt.sid]
	if !ok || current != rt {
		c.mu.Unlock()
		return
	}
	delete(c.runtimes, rt.sid)
	c.mu.Unlock()

	rt.cancel()
	c.broker.CancelSession(rt.sid)

	s, err := c.sessions.Get(rt.sid)
	if err != nil {
		return
	}
	if s.State == session.StateStarting || s.State == session.StateActive || s.State == session.StatePaused {
		content := sanitizeSDKError(nil, rt.proc.StderrTail())
		c.dispatch(rt.sid, c.processor.Synthetic(rt.sid, messages.SubtypeSessionFailed, content, nil))
		if _, err := c.transition(rt.sid, session.StateError); err != nil {
			c.logger.WithSession(rt.sid).Warn("failed to mark crashed session", zap.Error(err))
		}
		c.logger.WithSession(rt.sid).Error("sdk subprocess exited unexpectedly")
	}
}

// runtimeFor returns the live runtime, if any.
func (c *Coordinator) runtimeFor(sid string) *runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimes[sid]
}

// teardownRuntime unregisters and closes the session's subprocess. Safe to
// call when no runtime is live.
func (c *Coordinator) teardownRuntime(sid string) {
	c.mu.Lock()
	rt, ok := c.runtimes[sid]
	if ok {
		delete(c.runtimes, sid)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = rt.proc.Close()
	rt.cancel()
}
