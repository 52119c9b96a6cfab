package messages

import (
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
	"github.com/legionhq/legion/pkg/agentsdk"
)

// ExitPlanModeTool is the SDK tool that ends plan mode; its completion may
// reset the session's permission mode.
const ExitPlanModeTool = "ExitPlanMode"

// ToolCallFunc observes a tool-call lifecycle update.
type ToolCallFunc func(sid string, call *ToolCall)

// ExitPlanDoneFunc observes the completion of an ExitPlanMode invocation.
type ExitPlanDoneFunc func(sid string)

// Processor classifies SDK messages into storage records and maintains the
// per-session tool-use table that drives tool-call projections. One processor
// serves all sessions.
type Processor struct {
	mu        sync.Mutex
	toolNames map[string]map[string]string    // sid -> tool_use_id -> tool name
	toolCalls map[string]map[string]*ToolCall // sid -> tool_use_id -> call

	onToolCall     ToolCallFunc
	onExitPlanDone ExitPlanDoneFunc

	logger *logger.Logger
}

// NewProcessor creates a processor.
func NewProcessor(log *logger.Logger) *Processor {
	return &Processor{
		toolNames: make(map[string]map[string]string),
		toolCalls: make(map[string]map[string]*ToolCall),
		logger:    log.WithFields(zap.String("component", "message-processor")),
	}
}

// OnToolCall registers the tool-call projection observer.
func (p *Processor) OnToolCall(fn ToolCallFunc) {
	p.onToolCall = fn
}

// OnExitPlanDone registers the ExitPlanMode completion observer.
func (p *Processor) OnExitPlanDone(fn ExitPlanDoneFunc) {
	p.onExitPlanDone = fn
}

// Process classifies one SDK stream message into a storage record. The
// returned record is nil for frames with no storage representation.
func (p *Processor) Process(sid string, msg *agentsdk.Message) *Record {
	rec := &Record{
		Type:      msg.Type,
		Subtype:   msg.Subtype,
		Timestamp: timeutil.UnixNow(),
		SessionID: sid,
	}

	switch msg.Type {
	case agentsdk.MessageTypeSystem:
		p.classifySystem(msg, rec)
	case agentsdk.MessageTypeAssistant:
		p.classifyAssistant(sid, msg, rec)
	case agentsdk.MessageTypeUser:
		p.classifyUser(sid, msg, rec)
	case agentsdk.MessageTypeResult:
		p.classifyResult(msg, rec)
	default:
		p.logger.Debug("unclassified sdk frame",
			zap.String("session_id", sid), zap.String("type", msg.Type))
		return nil
	}
	return rec
}

func (p *Processor) classifySystem(msg *agentsdk.Message, rec *Record) {
	if msg.Subtype == agentsdk.SystemSubtypeInit {
		init := map[string]any{}
		if msg.Model != "" {
			init["model"] = msg.Model
		}
		if msg.CWD != "" {
			init["cwd"] = msg.CWD
		}
		if len(msg.Tools) > 0 {
			init["tools"] = msg.Tools
		}
		if msg.SessionID != "" {
			init["resume_token"] = msg.SessionID
		}
		rec.Metadata = map[string]any{MetaInitData: init}
		rec.Content = "Session initialized"
		return
	}
	rec.Content = msg.Subtype
}

func (p *Processor) classifyAssistant(sid string, msg *agentsdk.Message, rec *Record) {
	if msg.Message == nil {
		return
	}
	var texts []string
	var thinking []string
	var uses []ToolUse
	for _, block := range msg.Message.Blocks() {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "thinking":
			thinking = append(thinking, block.Thinking)
		case "tool_use":
			uses = append(uses, ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
			p.trackToolUse(sid, block.ID, block.Name, block.Input)
		}
	}
	rec.Content = strings.Join(texts, "\n")
	meta := map[string]any{}
	if len(uses) > 0 {
		meta[MetaToolUses] = uses
	}
	if len(thinking) > 0 {
		meta[MetaThinking] = strings.Join(thinking, "\n")
	}
	if len(meta) > 0 {
		rec.Metadata = meta
	}
}

func (p *Processor) classifyUser(sid string, msg *agentsdk.Message, rec *Record) {
	if msg.Message == nil {
		return
	}
	if text, ok := msg.Message.ContentText(); ok {
		rec.Content = text
		return
	}
	var results []ToolResult
	for _, block := range msg.Message.Blocks() {
		if block.Type != "tool_result" {
			continue
		}
		results = append(results, ToolResult{
			ToolUseID: block.ToolUseID,
			Content:   decodeResultContent(block.Content),
			IsError:   block.IsError,
		})
		p.trackToolResult(sid, block.ToolUseID, decodeResultContent(block.Content), block.IsError)
	}
	if len(results) > 0 {
		rec.Metadata = map[string]any{MetaToolResults: results}
	}
}

func (p *Processor) classifyResult(msg *agentsdk.Message, rec *Record) {
	rec.Content = msg.ResultText()
	meta := map[string]any{
		MetaDurationMS: msg.DurationMS,
		MetaNumTurns:   msg.NumTurns,
		MetaIsError:    msg.IsError,
	}
	if msg.Usage != nil {
		meta[MetaUsage] = msg.Usage
	}
	rec.Metadata = meta
}

// decodeResultContent renders a tool_result content field as text whether it
// arrived as a plain string or a nested block list.
func decodeResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []agentsdk.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

// Synthetic builds an orchestrator-generated system record.
func (p *Processor) Synthetic(sid, subtype, content string, metadata map[string]any) *Record {
	return &Record{
		Type:      TypeSystem,
		Subtype:   subtype,
		Content:   content,
		Timestamp: timeutil.UnixNow(),
		SessionID: sid,
		Metadata:  metadata,
	}
}

// UserEcho builds the stored record for text the server itself injected into
// the SDK, e.g. a queued delivery, so the conversation log stays complete
// even when the SDK does not echo it.
func (p *Processor) UserEcho(sid, content string, metadata map[string]any) *Record {
	return &Record{
		Type:      TypeUser,
		Content:   content,
		Timestamp: timeutil.UnixNow(),
		SessionID: sid,
		Metadata:  metadata,
	}
}

// HistoryRecord re-serves one persisted line in record form. Records that
// already carry classified metadata are reused as stored; anything else is
// wrapped with the fields available.
func (p *Processor) HistoryRecord(sid string, raw json.RawMessage) *Record {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		p.logger.Warn("undecodable history record", zap.String("session_id", sid), zap.Error(err))
		return nil
	}
	if rec.SessionID == "" {
		rec.SessionID = sid
	}
	return &rec
}

// --- tool-call derivation ---

// trackToolUse records the id→name mapping and emits a pending tool call.
func (p *Processor) trackToolUse(sid, toolUseID, name string, input map[string]any) {
	if toolUseID == "" {
		return
	}
	p.mu.Lock()
	if p.toolNames[sid] == nil {
		p.toolNames[sid] = make(map[string]string)
		p.toolCalls[sid] = make(map[string]*ToolCall)
	}
	p.toolNames[sid][toolUseID] = name
	call := &ToolCall{ToolUseID: toolUseID, Name: name, Input: input, State: ToolCallPending}
	p.toolCalls[sid][toolUseID] = call
	snapshot := call.Clone()
	p.mu.Unlock()

	p.emitToolCall(sid, snapshot)
}

// trackToolResult completes the call and detects ExitPlanMode finishing.
func (p *Processor) trackToolResult(sid, toolUseID, content string, isError bool) {
	if toolUseID == "" {
		return
	}
	p.mu.Lock()
	name := p.toolNames[sid][toolUseID]
	call, ok := p.toolCalls[sid][toolUseID]
	if !ok {
		call = &ToolCall{ToolUseID: toolUseID, Name: name}
		if p.toolCalls[sid] == nil {
			p.toolCalls[sid] = make(map[string]*ToolCall)
		}
		p.toolCalls[sid][toolUseID] = call
	}
	call.Result = content
	call.IsError = isError
	if isError {
		call.State = ToolCallFailed
	} else {
		call.State = ToolCallCompleted
	}
	snapshot := call.Clone()
	p.mu.Unlock()

	p.emitToolCall(sid, snapshot)
	if name == ExitPlanModeTool && !isError && p.onExitPlanDone != nil {
		p.onExitPlanDone(sid)
	}
}

// SetToolCallPermission moves a pending call into the permission phase.
func (p *Processor) SetToolCallPermission(sid, toolUseID, requestID string) {
	p.updateToolCall(sid, toolUseID, func(call *ToolCall) {
		call.State = ToolCallAwaitingPermission
		call.Permission = requestID
	})
}

// ResolveToolCallPermission records the permission verdict.
func (p *Processor) ResolveToolCallPermission(sid, toolUseID string, allowed bool) {
	p.updateToolCall(sid, toolUseID, func(call *ToolCall) {
		if allowed {
			call.State = ToolCallRunning
		} else {
			call.State = ToolCallDenied
		}
	})
}

func (p *Processor) updateToolCall(sid, toolUseID string, mutate func(*ToolCall)) {
	if toolUseID == "" {
		return
	}
	p.mu.Lock()
	call, ok := p.toolCalls[sid][toolUseID]
	if !ok {
		p.mu.Unlock()
		return
	}
	mutate(call)
	snapshot := call.Clone()
	p.mu.Unlock()

	p.emitToolCall(sid, snapshot)
}

func (p *Processor) emitToolCall(sid string, call *ToolCall) {
	if p.onToolCall != nil {
		p.onToolCall(sid, call)
	}
}

// PendingToolUse finds a tool call for name that has not yet entered the
// permission phase. Fallback correlation for permission frames that omit
// tool_use_id; ambiguous when several same-named calls are pending, so
// callers prefer the id from the wire.
func (p *Processor) PendingToolUse(sid, name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var found string
	for id, call := range p.toolCalls[sid] {
		if call.Name == name && call.State == ToolCallPending {
			found = id
		}
	}
	return found, found != ""
}

// ToolName returns the recorded name for a tool use id.
func (p *Processor) ToolName(sid, toolUseID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.toolNames[sid][toolUseID]
	return name, ok
}

// Forget drops all per-session tracking state.
func (p *Processor) Forget(sid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.toolNames, sid)
	delete(p.toolCalls, sid)
}
