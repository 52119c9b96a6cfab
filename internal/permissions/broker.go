package permissions

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/pkg/agentsdk"
)

// Sessions is the slice of the session registry the broker mutates: mode
// updates, rule persistence, and the Paused/Active transitions around a
// pending request.
type Sessions interface {
	Get(sid string) (*session.Session, error)
	Update(sid string, mutate func(*session.Session) error) (*session.Session, error)
	Transition(sid string, next session.State) (*session.Session, error)
}

// ResourcePaths reports the file paths registered to a session, used for the
// uploaded-file auto-approval short-circuit.
type ResourcePaths interface {
	Paths(sid string) []string
}

// RequestFunc observes a new pending request (persist + notify UI).
type RequestFunc func(req *Request)

// ResponseFunc observes a resolved request with the user's decision and the
// response latency in seconds.
type ResponseFunc func(req *Request, resp *Response, latency float64)

// pendingRequest is one rendezvous: the SDK goroutine parks on ch until a
// correlated Respond or a session teardown resolves it.
type pendingRequest struct {
	req       *Request
	ch        chan *Response
	createdAt float64
}

// Broker owns the rendezvous table. There is no timeout: a request waits
// indefinitely for the user unless its session is interrupted or terminated.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	sessions  Sessions
	resources ResourcePaths

	onRequest  RequestFunc
	onResponse ResponseFunc

	logger *logger.Logger
}

// NewBroker creates a broker. resources may be nil to disable the uploaded-
// file short-circuit.
func NewBroker(sessions Sessions, resources ResourcePaths, log *logger.Logger) *Broker {
	return &Broker{
		pending:   make(map[string]*pendingRequest),
		sessions:  sessions,
		resources: resources,
		logger:    log.WithFields(zap.String("component", "permission-broker")),
	}
}

// OnRequest registers the pending-request observer.
func (b *Broker) OnRequest(fn RequestFunc) {
	b.onRequest = fn
}

// OnResponse registers the resolution observer.
func (b *Broker) OnResponse(fn ResponseFunc) {
	b.onResponse = fn
}

// Request runs the full permission round-trip for one can_use_tool hook
// invocation and returns the SDK verdict. It blocks until the user decides
// or the session is torn down.
func (b *Broker) Request(ctx context.Context, sid, toolName string, input map[string]any, toolUseID string, suggestions []agentsdk.PermissionSuggestion) (*agentsdk.PermissionResult, error) {
	log := b.logger.WithSession(sid).WithFields(zap.String("tool", toolName))

	// Reads of files the user uploaded for this session are pre-approved.
	if b.autoApproveRead(sid, toolName, input) {
		log.Debug("auto-approving read of registered resource")
		return &agentsdk.PermissionResult{Behavior: agentsdk.BehaviorAllow}, nil
	}

	suggestions = b.injectPlanModeSuggestion(sid, toolName, suggestions)

	req := &Request{
		RequestID:   uuid.New().String(),
		SessionID:   sid,
		ToolName:    toolName,
		Input:       input,
		ToolUseID:   toolUseID,
		Suggestions: suggestions,
		Timestamp:   timeutil.UnixNow(),
	}
	pr := &pendingRequest{req: req, ch: make(chan *Response, 1), createdAt: req.Timestamp}

	b.mu.Lock()
	b.pending[req.RequestID] = pr
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.RequestID)
		b.mu.Unlock()
	}()

	if b.onRequest != nil {
		b.onRequest(req.Clone())
	}

	// The session is blocked on the user while the request is open.
	if _, err := b.sessions.Transition(sid, session.StatePaused); err != nil {
		log.Debug("session not paused for permission wait", zap.Error(err))
	}

	var resp *Response
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp = <-pr.ch:
	}

	latency := timeutil.UnixNow() - pr.createdAt
	result := b.applyResponse(req, resp, log)

	if b.onResponse != nil {
		b.onResponse(req.Clone(), resp, latency)
	}

	// Restore Active without touching the SDK handle; the subprocess never
	// went away.
	b.restoreActive(sid)
	return result, nil
}

// Respond resolves one pending request with the user's decision.
func (b *Broker) Respond(resp *Response) error {
	b.mu.Lock()
	pr, ok := b.pending[resp.RequestID]
	if ok {
		delete(b.pending, resp.RequestID)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	pr.ch <- resp
	return nil
}

// CancelSession resolves every pending request owned by sid with deny. Used
// on interrupt and termination.
func (b *Broker) CancelSession(sid string) int {
	b.mu.Lock()
	var cancelled []*pendingRequest
	for id, pr := range b.pending {
		if pr.req.SessionID == sid {
			cancelled = append(cancelled, pr)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, pr := range cancelled {
		pr.ch <- &Response{
			RequestID: pr.req.RequestID,
			Decision:  DecisionDeny,
			Interrupt: true,
			Reason:    "session interrupted",
		}
	}
	if len(cancelled) > 0 {
		b.logger.WithSession(sid).Info("cancelled pending permission requests",
			zap.Int("count", len(cancelled)))
	}
	return len(cancelled)
}

// Pending returns snapshots of the requests currently awaiting a decision
// for one session.
func (b *Broker) Pending(sid string) []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Request
	for _, pr := range b.pending {
		if pr.req.SessionID == sid {
			out = append(out, pr.req.Clone())
		}
	}
	return out
}

// autoApproveRead reports whether toolName is a Read against a registered
// uploaded file.
func (b *Broker) autoApproveRead(sid, toolName string, input map[string]any) bool {
	if b.resources == nil || toolName != "Read" {
		return false
	}
	path, _ := input["file_path"].(string)
	if path == "" {
		return false
	}
	for _, registered := range b.resources.Paths(sid) {
		if registered == path {
			return true
		}
	}
	return false
}

// injectPlanModeSuggestion prepends a setMode acceptEdits suggestion when
// ExitPlanMode fires while the session is in plan mode, so the UI can offer
// the natural next mode in one click.
func (b *Broker) injectPlanModeSuggestion(sid, toolName string, suggestions []agentsdk.PermissionSuggestion) []agentsdk.PermissionSuggestion {
	if toolName != "ExitPlanMode" {
		return suggestions
	}
	s, err := b.sessions.Get(sid)
	if err != nil || s.PermissionMode != session.ModePlan {
		return suggestions
	}
	head := agentsdk.PermissionSuggestion{
		Type:        agentsdk.SuggestionSetMode,
		Mode:        string(session.ModeAcceptEdits),
		Destination: "session",
	}
	return append([]agentsdk.PermissionSuggestion{head}, suggestions...)
}

// applyResponse turns the user's decision into the SDK verdict, applying
// accepted suggestions to the session as it goes.
func (b *Broker) applyResponse(req *Request, resp *Response, log *logger.Logger) *agentsdk.PermissionResult {
	if resp.Decision != DecisionAllow {
		message := resp.ClarificationMessage
		result := &agentsdk.PermissionResult{Behavior: agentsdk.BehaviorDeny}
		if message != "" {
			// Deny-with-guidance: the SDK continues the turn with this
			// feedback instead of aborting.
			result.Message = message
			interrupt := false
			result.Interrupt = &interrupt
		} else {
			result.Message = DefaultDenyMessage
			if resp.Interrupt {
				interrupt := true
				result.Interrupt = &interrupt
			}
		}
		return result
	}

	result := &agentsdk.PermissionResult{Behavior: agentsdk.BehaviorAllow}
	if len(resp.UpdatedInput) > 0 {
		result.UpdatedInput = resp.UpdatedInput
	}

	applied := b.selectSuggestions(req, resp)
	if len(applied) == 0 {
		return result
	}
	result.UpdatedPermissions = applied

	for _, sug := range applied {
		switch sug.Type {
		case agentsdk.SuggestionSetMode:
			mode := session.PermissionMode(sug.Mode)
			if !session.ValidMode(mode) {
				log.Warn("ignoring setMode suggestion with unknown mode", zap.String("mode", sug.Mode))
				continue
			}
			if _, err := b.sessions.Update(req.SessionID, func(s *session.Session) error {
				s.PermissionMode = mode
				return nil
			}); err != nil {
				log.Warn("failed to persist mode change", zap.Error(err))
			}
		case agentsdk.SuggestionAddRules:
			if sug.Behavior != "" && sug.Behavior != agentsdk.BehaviorAllow {
				continue
			}
			if _, err := b.sessions.Update(req.SessionID, func(s *session.Session) error {
				for _, rule := range sug.Rules {
					text := rule.String()
					found := false
					for _, existing := range s.AllowedTools {
						if existing == text {
							found = true
							break
						}
					}
					if !found {
						s.AllowedTools = append(s.AllowedTools, text)
					}
				}
				return nil
			}); err != nil {
				log.Warn("failed to persist allowed rules", zap.Error(err))
			}
		}
	}
	return result
}

// selectSuggestions picks the suggestions to apply: the explicit selection
// when provided, the full offered list when apply_suggestions is set, none
// otherwise.
func (b *Broker) selectSuggestions(req *Request, resp *Response) []agentsdk.PermissionSuggestion {
	if len(resp.SelectedSuggestions) > 0 {
		return resp.SelectedSuggestions
	}
	if resp.ApplySuggestions {
		return req.Suggestions
	}
	return nil
}

func (b *Broker) restoreActive(sid string) {
	s, err := b.sessions.Get(sid)
	if err != nil || s.State != session.StatePaused {
		return
	}
	if _, err := b.sessions.Transition(sid, session.StateActive); err != nil {
		b.logger.WithSession(sid).Debug("could not restore active state", zap.Error(err))
	}
}
