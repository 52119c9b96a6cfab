package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/apperr"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
	"github.com/legionhq/legion/internal/messages"
	"github.com/legionhq/legion/internal/overseer"
	"github.com/legionhq/legion/internal/permissions"
	"github.com/legionhq/legion/internal/project"
	"github.com/legionhq/legion/internal/queue"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/storage"
)

// Options tunes the coordinator.
type Options struct {
	SDKCommand   string
	SDKArgs      []string
	DefaultModel string

	// LaunchTimeout bounds the wait for the SDK init message.
	LaunchTimeout time.Duration
	// ControlTimeout bounds interrupt/set-mode control round-trips.
	ControlTimeout time.Duration

	// MCPBaseURL, when set, attaches the legion MCP tool server to every
	// launched session.
	MCPBaseURL string
}

func (o Options) withDefaults() Options {
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = 60 * time.Second
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = 30 * time.Second
	}
	return o
}

// ChannelDetacher removes a disposed session from every channel.
type ChannelDetacher interface {
	RemoveFromAll(sid string) error
}

// ScheduleCanceller cancels a disposed minion's schedules.
type ScheduleCanceller interface {
	CancelForMinion(sid string) int
}

// Coordinator owns the live session runtimes and drives every lifecycle
// operation end to end.
type Coordinator struct {
	sessions  *session.Manager
	projects  *project.Manager
	queues    *queue.Manager
	store     *storage.FileStore
	resources *storage.ResourceRegistry
	processor *messages.Processor

	capabilities *overseer.Registry
	hordes       *overseer.Hordes

	// Attached after construction; the broker needs the coordinator as its
	// session surface and the scheduler needs the coordinator's queue wiring.
	broker    *permissions.Broker
	channels  ChannelDetacher
	schedules ScheduleCanceller

	opts   Options
	logger *logger.Logger

	mu       sync.Mutex
	runtimes map[string]*runtime

	obsMu     sync.RWMutex
	observers []SessionObserver
}

// NewCoordinator wires the coordinator. Call AttachBroker before starting any
// session; AttachChannels/AttachScheduler before the first disposal.
func NewCoordinator(sessions *session.Manager, projects *project.Manager, queues *queue.Manager, store *storage.FileStore, resources *storage.ResourceRegistry, processor *messages.Processor, capabilities *overseer.Registry, hordes *overseer.Hordes, opts Options, log *logger.Logger) *Coordinator {
	c := &Coordinator{
		sessions:     sessions,
		projects:     projects,
		queues:       queues,
		store:        store,
		resources:    resources,
		processor:    processor,
		capabilities: capabilities,
		hordes:       hordes,
		opts:         opts.withDefaults(),
		logger:       log.WithFields(zap.String("component", "coordinator")),
		runtimes:     make(map[string]*runtime),
	}
	processor.OnToolCall(c.fanOutToolCall)
	processor.OnExitPlanDone(c.exitPlanDone)
	return c
}

// AttachBroker binds the permission broker and registers the persistence and
// tool-call hooks around its request lifecycle.
func (c *Coordinator) AttachBroker(b *permissions.Broker) {
	c.broker = b
	b.OnRequest(func(req *permissions.Request) {
		c.processor.SetToolCallPermission(req.SessionID, req.ToolUseID, req.RequestID)
		c.dispatch(req.SessionID, &messages.Record{
			Type:      messages.TypePermissionRequest,
			Content:   req.ToolName,
			Timestamp: req.Timestamp,
			SessionID: req.SessionID,
			Metadata: map[string]any{
				"request_id":  req.RequestID,
				"input":       req.Input,
				"suggestions": req.Suggestions,
			},
		})
		c.obsMu.RLock()
		observers := c.observers
		c.obsMu.RUnlock()
		for _, o := range observers {
			o.OnPermissionRequest(req)
		}
	})
	b.OnResponse(func(req *permissions.Request, resp *permissions.Response, latency float64) {
		c.processor.ResolveToolCallPermission(req.SessionID, req.ToolUseID, resp.Decision == permissions.DecisionAllow)
		c.dispatch(req.SessionID, &messages.Record{
			Type:      messages.TypePermissionResponse,
			Content:   string(resp.Decision),
			Timestamp: timeutil.UnixNow(),
			SessionID: req.SessionID,
			Metadata: map[string]any{
				"request_id": req.RequestID,
				"tool_name":  req.ToolName,
				"latency":    latency,
			},
		})
	})
}

// AttachChannels binds the channel detacher used during disposal.
func (c *Coordinator) AttachChannels(d ChannelDetacher) {
	c.channels = d
}

// AttachScheduler binds the schedule canceller used during disposal.
func (c *Coordinator) AttachScheduler(s ScheduleCanceller) {
	c.schedules = s
}

// AddObserver appends an observer; notification order follows registration
// order.
func (c *Coordinator) AddObserver(o SessionObserver) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// dispatch persists one record and fans it out, in that order.
func (c *Coordinator) dispatch(sid string, rec *messages.Record) {
	if err := c.store.AppendMessage(sid, rec); err != nil {
		c.logger.WithSession(sid).Error("failed to persist message", zap.Error(err))
	}
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.OnMessage(sid, rec.Clone())
	}
}

func (c *Coordinator) fanOutToolCall(sid string, call *messages.ToolCall) {
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.OnToolCall(sid, call.Clone())
	}
}

// --- permissions.Sessions surface ---
//
// The broker mutates sessions through the coordinator so every transition it
// causes reaches the observers.

// Get returns a session snapshot.
func (c *Coordinator) Get(sid string) (*session.Session, error) {
	return c.sessions.Get(sid)
}

// Update applies a guarded session mutation.
func (c *Coordinator) Update(sid string, mutate func(*session.Session) error) (*session.Session, error) {
	return c.sessions.Update(sid, mutate)
}

// Transition moves the session through the lifecycle and notifies observers.
func (c *Coordinator) Transition(sid string, next session.State) (*session.Session, error) {
	return c.transition(sid, next)
}

func (c *Coordinator) transition(sid string, next session.State) (*session.Session, error) {
	before, err := c.sessions.Get(sid)
	if err != nil {
		return nil, err
	}
	s, err := c.sessions.Transition(sid, next)
	if err != nil {
		return nil, err
	}
	if before.State != s.State {
		c.obsMu.RLock()
		observers := c.observers
		c.obsMu.RUnlock()
		for _, o := range observers {
			o.OnStateChange(sid, string(before.State), string(s.State))
		}
	}
	return s, nil
}

func (c *Coordinator) setProcessing(sid string, processing bool) {
	if _, err := c.sessions.SetProcessing(sid, processing); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.logger.WithSession(sid).Warn("failed to update processing flag", zap.Error(err))
	}
}

// --- startup ---

// Startup loads persisted state and repairs the references a crash can leave
// dangling: sessions pointing at missing projects, project rosters missing
// their sessions, and child lists naming disposed minions.
func (c *Coordinator) Startup() error {
	if err := c.projects.LoadAll(); err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	if err := c.sessions.LoadAll(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	for _, s := range c.sessions.List() {
		log := c.logger.WithSession(s.ID)

		if _, err := c.projects.Get(s.ProjectID); err != nil {
			proj := c.projectForDir(s.WorkingDir)
			log.Warn("session referenced a missing project, reattaching",
				zap.String("old_project_id", s.ProjectID), zap.String("project_id", proj.ID))
			if _, err := c.sessions.Update(s.ID, func(sess *session.Session) error {
				sess.ProjectID = proj.ID
				return nil
			}); err != nil {
				log.Warn("failed to reattach session", zap.Error(err))
				continue
			}
			s.ProjectID = proj.ID
		}
		if _, err := c.projects.AttachSession(s.ProjectID, s.ID); err != nil {
			log.Warn("failed to register session on its project", zap.Error(err))
		}

		var dangling []string
		for _, cid := range s.ChildIDs {
			if !c.sessions.Exists(cid) {
				dangling = append(dangling, cid)
			}
		}
		if len(dangling) > 0 || s.IsOverseer != (len(s.ChildIDs)-len(dangling) > 0) {
			log.Warn("pruning dangling child references", zap.Strings("children", dangling))
			if _, err := c.sessions.Update(s.ID, func(sess *session.Session) error {
				sess.ChildIDs = slices.DeleteFunc(sess.ChildIDs, func(cid string) bool {
					return slices.Contains(dangling, cid)
				})
				sess.IsOverseer = len(sess.ChildIDs) > 0
				return nil
			}); err != nil {
				log.Warn("failed to prune children", zap.Error(err))
			}
		}

		if len(s.Capabilities) > 0 {
			c.capabilities.Register(s.ID, s.Capabilities)
		}
	}

	for _, p := range c.projects.List() {
		ghosts := 0
		for _, sid := range p.SessionIDs {
			if !c.sessions.Exists(sid) {
				ghosts++
			}
		}
		if ghosts == 0 {
			continue
		}
		if _, err := c.projects.Update(p.ID, func(proj *project.Project) error {
			proj.SessionIDs = slices.DeleteFunc(proj.SessionIDs, func(sid string) bool {
				return !c.sessions.Exists(sid)
			})
			return nil
		}); err != nil {
			c.logger.WithProject(p.ID).Warn("failed to prune project roster", zap.Error(err))
		}
	}
	return nil
}

// projectForDir finds the project owning dir, creating one when none exists.
func (c *Coordinator) projectForDir(dir string) *project.Project {
	for _, p := range c.projects.List() {
		if p.WorkingDir == dir {
			return p
		}
	}
	p := project.New(uuid.New().String(), filepath.Base(dir), dir)
	if err := c.projects.Add(p); err != nil {
		c.logger.Warn("failed to persist new project", zap.String("dir", dir), zap.Error(err))
	}
	return p
}

// --- creation ---

// CreateParams describes a new session.
type CreateParams struct {
	WorkingDir string
	Name       string

	Model                string
	PermissionMode       session.PermissionMode
	SystemPrompt         string
	SystemPromptOverride bool
	AllowedTools         []string
	DisallowedTools      []string
	Sandbox              map[string]any
	SettingSources       []string

	ParentID     string
	Level        int
	HordeID      string
	Capabilities []string
}

// CreateSession registers a new session in the Created state.
func (c *Coordinator) CreateSession(ctx context.Context, params CreateParams) (*session.Session, error) {
	if !filepath.IsAbs(params.WorkingDir) {
		return nil, apperr.Validation("working directory must be absolute, got %q", params.WorkingDir)
	}

	sid := uuid.New().String()
	name := params.Name
	if name == "" {
		name = "minion-" + sid[:8]
	}
	proj := c.projectForDir(params.WorkingDir)
	if _, exists := c.sessions.FindByName(proj.ID, name); exists {
		return nil, apperr.Validation("session name %q already exists in this legion", name)
	}

	s := session.New(sid, name, params.WorkingDir, proj.ID)
	s.Model = params.Model
	if params.PermissionMode != "" {
		if !session.ValidMode(params.PermissionMode) {
			return nil, apperr.Validation("unknown permission mode %q", params.PermissionMode)
		}
		s.PermissionMode = params.PermissionMode
	}
	s.SystemPrompt = params.SystemPrompt
	s.SystemPromptOverride = params.SystemPromptOverride
	if len(params.AllowedTools) > 0 {
		s.AllowedTools = slices.Clone(params.AllowedTools)
	}
	if len(params.DisallowedTools) > 0 {
		s.DisallowedTools = slices.Clone(params.DisallowedTools)
	}
	s.Sandbox = params.Sandbox
	s.SettingSources = params.SettingSources
	s.ParentID = params.ParentID
	s.OverseerLevel = params.Level
	s.HordeID = params.HordeID
	s.Capabilities = params.Capabilities

	if err := c.store.InitSessionDir(sid); err != nil {
		return nil, apperr.Storage("init session dir", err)
	}
	if err := c.sessions.Add(s); err != nil {
		return nil, err
	}
	if _, err := c.projects.AttachSession(proj.ID, sid); err != nil {
		_ = c.sessions.Remove(sid)
		return nil, err
	}
	if len(params.Capabilities) > 0 {
		c.capabilities.Register(sid, params.Capabilities)
	}
	c.logger.WithSession(sid).Info("session created",
		zap.String("name", name), zap.String("project_id", proj.ID))
	return s.Clone(), nil
}

// CreateMinion creates a spawned child session from the hierarchy controller.
func (c *Coordinator) CreateMinion(ctx context.Context, spec overseer.SpawnSpec) (*session.Session, error) {
	proj, err := c.projects.Get(spec.ProjectID)
	if err != nil {
		return nil, apperr.Validation("spawn into unknown legion %s", spec.ProjectID)
	}
	return c.CreateSession(ctx, CreateParams{
		WorkingDir:           proj.WorkingDir,
		Name:                 spec.Name,
		Model:                spec.Model,
		SystemPrompt:         spec.SystemPrompt,
		SystemPromptOverride: spec.SystemPromptOverride,
		ParentID:             spec.ParentID,
		Level:                spec.Level,
		HordeID:              spec.HordeID,
		Capabilities:         spec.Capabilities,
	})
}

// --- lifecycle operations ---

// Start launches the session's SDK subprocess and waits for it to
// initialize. Starting an already-live session is a no-op.
func (c *Coordinator) Start(ctx context.Context, sid string) error {
	s, err := c.sessions.Get(sid)
	if err != nil {
		return err
	}
	if s.State == session.StateActive || s.State == session.StateStarting {
		return nil
	}
	if _, err := c.transition(sid, session.StateStarting); err != nil {
		return err
	}

	rt, err := c.launch(s)
	if err != nil {
		c.failStart(sid, err, nil)
		return apperr.SDK("launch sdk subprocess", err)
	}
	c.mu.Lock()
	c.runtimes[sid] = rt
	c.mu.Unlock()

	c.dispatch(sid, c.processor.Synthetic(sid, messages.SubtypeClientLaunched, "Client launched", nil))

	select {
	case <-rt.initCh:
	case <-rt.exited:
		c.teardownRuntime(sid)
		err := fmt.Errorf("sdk exited before initializing")
		c.failStart(sid, err, rt.proc.StderrTail())
		return apperr.SDK("sdk initialization", err)
	case <-time.After(c.opts.LaunchTimeout):
		c.teardownRuntime(sid)
		err := fmt.Errorf("sdk did not initialize within %v", c.opts.LaunchTimeout)
		c.failStart(sid, err, rt.proc.StderrTail())
		return apperr.SDK("sdk initialization", err)
	case <-ctx.Done():
		c.teardownRuntime(sid)
		_, _ = c.transition(sid, session.StateError)
		return ctx.Err()
	}

	if _, err := c.transition(sid, session.StateActive); err != nil {
		return err
	}
	c.logger.WithSession(sid).Info("session started")
	go c.pumpQueue(sid)
	return nil
}

// failStart records a startup failure as a human-readable synthetic message.
func (c *Coordinator) failStart(sid string, cause error, stderrTail []string) {
	content := sanitizeSDKError(cause, stderrTail)
	c.dispatch(sid, c.processor.Synthetic(sid, messages.SubtypeSessionFailed, content, nil))
	if _, err := c.transition(sid, session.StateError); err != nil {
		c.logger.WithSession(sid).Warn("failed to mark session errored", zap.Error(err))
	}
}

// Terminate stops the SDK subprocess. Queue items stay on disk for the next
// start.
func (c *Coordinator) Terminate(ctx context.Context, sid string) error {
	if _, err := c.sessions.Get(sid); err != nil {
		return err
	}
	c.teardownRuntime(sid)
	c.broker.CancelSession(sid)
	c.setProcessing(sid, false)
	_, err := c.transition(sid, session.StateTerminated)
	return err
}

// Restart terminates and relaunches the subprocess, continuing the same
// conversation via the resume token.
func (c *Coordinator) Restart(ctx context.Context, sid string) error {
	if err := c.Terminate(ctx, sid); err != nil {
		return err
	}
	return c.Start(ctx, sid)
}

// Reset discards the conversation: the subprocess stops, the resume token and
// message log are cleared, and the next start begins fresh.
func (c *Coordinator) Reset(ctx context.Context, sid string) error {
	if _, err := c.sessions.Get(sid); err != nil {
		return err
	}
	c.teardownRuntime(sid)
	c.broker.CancelSession(sid)
	if _, err := c.sessions.Update(sid, func(s *session.Session) error {
		s.ResumeToken = ""
		s.Processing = false
		return nil
	}); err != nil {
		return err
	}
	if err := c.store.TruncateMessages(sid); err != nil {
		return apperr.Storage("truncate conversation", err)
	}
	c.processor.Forget(sid)
	_, err := c.transition(sid, session.StateTerminated)
	return err
}

// Pause suspends delivery without touching the subprocess.
func (c *Coordinator) Pause(sid string) error {
	_, err := c.transition(sid, session.StatePaused)
	return err
}

// Resume reactivates a paused session and pumps its queue.
func (c *Coordinator) Resume(sid string) error {
	if _, err := c.transition(sid, session.StateActive); err != nil {
		return err
	}
	go c.pumpQueue(sid)
	return nil
}

// SendMessage injects one user prompt into the live session. A session with
// an inflight turn rejects the send; callers queue instead.
func (c *Coordinator) SendMessage(ctx context.Context, sid, content string) error {
	return c.send(ctx, sid, content, nil)
}

// Interrupt cancels the inflight turn and deny-resolves every pending
// permission request the session owns.
func (c *Coordinator) Interrupt(ctx context.Context, sid string) error {
	if _, err := c.sessions.Get(sid); err != nil {
		return err
	}
	c.dispatch(sid, c.processor.Synthetic(sid, messages.SubtypeInterrupt, "Interrupt requested", nil))

	if rt := c.runtimeFor(sid); rt != nil {
		if err := rt.proc.Client.Interrupt(ctx, c.opts.ControlTimeout); err != nil {
			c.logger.WithSession(sid).Warn("sdk interrupt failed", zap.Error(err))
		}
	}
	cancelled := c.broker.CancelSession(sid)
	c.setProcessing(sid, false)

	c.dispatch(sid, c.processor.Synthetic(sid, messages.SubtypeInterruptSuccess, "Interrupted",
		map[string]any{"cancelled_permissions": cancelled}))
	return nil
}

// SetPermissionMode persists the mode and pushes it to the live subprocess.
func (c *Coordinator) SetPermissionMode(ctx context.Context, sid string, mode session.PermissionMode) error {
	if !session.ValidMode(mode) {
		return apperr.Validation("unknown permission mode %q", mode)
	}
	if _, err := c.sessions.Update(sid, func(s *session.Session) error {
		s.PermissionMode = mode
		return nil
	}); err != nil {
		return err
	}
	if rt := c.runtimeFor(sid); rt != nil {
		if err := rt.proc.Client.SetPermissionMode(ctx, string(mode), c.opts.ControlTimeout); err != nil {
			return apperr.SDK("set permission mode", err)
		}
	}
	return nil
}

// exitPlanDone reverts a session that finished ExitPlanMode while still in
// plan mode back to default. A mode suggestion accepted during the permission
// round-trip has already moved the mode on, in which case nothing happens.
func (c *Coordinator) exitPlanDone(sid string) {
	s, err := c.sessions.Get(sid)
	if err != nil || s.PermissionMode != session.ModePlan {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ControlTimeout)
	defer cancel()
	if err := c.SetPermissionMode(ctx, sid, session.ModeDefault); err != nil {
		c.logger.WithSession(sid).Warn("failed to leave plan mode", zap.Error(err))
	}
}

// --- disposal ---

// Delete disposes the session and every descendant, depth-first, archiving
// each conversation before its directory is removed.
func (c *Coordinator) Delete(ctx context.Context, sid, reason string) error {
	s, err := c.sessions.Get(sid)
	if err != nil {
		return err
	}
	descendants := c.countDescendants(sid)

	for _, cid := range s.ChildIDs {
		if !c.sessions.Exists(cid) {
			c.logger.WithSession(sid).Warn("skipping dangling child reference",
				zap.String("child_id", cid))
			continue
		}
		if err := c.Delete(ctx, cid, reason); err != nil {
			return fmt.Errorf("dispose descendant %s: %w", cid, err)
		}
	}

	c.teardownRuntime(sid)
	c.broker.CancelSession(sid)
	c.queues.Forget(sid)
	c.processor.Forget(sid)
	c.resources.Forget(sid)
	c.capabilities.Unregister(sid)
	if c.schedules != nil {
		c.schedules.CancelForMinion(sid)
	}
	if c.channels != nil {
		if err := c.channels.RemoveFromAll(sid); err != nil {
			c.logger.WithSession(sid).Warn("failed to leave channels", zap.Error(err))
		}
	}
	if err := c.hordes.Leave(sid); err != nil {
		c.logger.WithSession(sid).Warn("failed to leave horde", zap.Error(err))
	}

	if s.ParentID != "" && c.sessions.Exists(s.ParentID) {
		if _, err := c.sessions.Update(s.ParentID, func(parent *session.Session) error {
			idx := slices.Index(parent.ChildIDs, sid)
			if idx >= 0 {
				parent.ChildIDs = slices.Delete(parent.ChildIDs, idx, idx+1)
			}
			parent.IsOverseer = len(parent.ChildIDs) > 0
			return nil
		}); err != nil {
			c.logger.WithSession(sid).Warn("failed to detach from parent", zap.Error(err))
		}
	}

	if _, err := c.store.ArchiveSession(sid, storage.DisposalMetadata{
		Reason:           reason,
		ParentID:         s.ParentID,
		FinalState:       string(s.State),
		DescendantsCount: descendants,
	}); err != nil {
		return apperr.Storage("archive session", err)
	}
	if err := c.store.RemoveSessionDir(s.ProjectID, sid); err != nil {
		return apperr.Storage("remove session dir", err)
	}
	if err := c.sessions.Remove(sid); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	if err := c.projects.DetachSession(s.ProjectID, sid); err != nil && !errors.Is(err, project.ErrNotFound) {
		c.logger.WithSession(sid).Warn("failed to detach from project", zap.Error(err))
	}

	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.OnStateChange(sid, string(s.State), string(session.StateTerminated))
	}
	c.logger.WithSession(sid).Info("session disposed",
		zap.String("reason", reason), zap.Int("descendants", descendants))
	return nil
}

func (c *Coordinator) countDescendants(sid string) int {
	s, err := c.sessions.Get(sid)
	if err != nil {
		return 0
	}
	count := 0
	for _, cid := range s.ChildIDs {
		if !c.sessions.Exists(cid) {
			continue
		}
		count += 1 + c.countDescendants(cid)
	}
	return count
}

// Shutdown stops every live runtime.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	sids := make([]string, 0, len(c.runtimes))
	for sid := range c.runtimes {
		sids = append(sids, sid)
	}
	c.mu.Unlock()

	for _, sid := range sids {
		if err := c.Terminate(ctx, sid); err != nil {
			c.logger.WithSession(sid).Warn("failed to terminate on shutdown", zap.Error(err))
		}
	}
}
