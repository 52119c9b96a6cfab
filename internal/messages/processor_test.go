package messages

import (
	"encoding/json"
	"testing"

	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/pkg/agentsdk"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return data
}

func assistantMsg(t *testing.T, blocks []agentsdk.ContentBlock) *agentsdk.Message {
	t.Helper()
	return &agentsdk.Message{
		Type:    agentsdk.MessageTypeAssistant,
		Message: &agentsdk.MessageBody{Role: "assistant", Content: mustRaw(t, blocks)},
	}
}

func toolResultMsg(t *testing.T, toolUseID, content string, isError bool) *agentsdk.Message {
	t.Helper()
	blocks := []agentsdk.ContentBlock{{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   mustRaw(t, content),
		IsError:   isError,
	}}
	return &agentsdk.Message{
		Type:    agentsdk.MessageTypeUser,
		Message: &agentsdk.MessageBody{Role: "user", Content: mustRaw(t, blocks)},
	}
}

func TestProcessSystemInit(t *testing.T) {
	p := NewProcessor(testLogger(t))

	rec := p.Process("s1", &agentsdk.Message{
		Type:      agentsdk.MessageTypeSystem,
		Subtype:   agentsdk.SystemSubtypeInit,
		Model:     "m-large",
		CWD:       "/tmp/work",
		Tools:     []string{"Bash", "Read"},
		SessionID: "resume-xyz",
	})
	if rec == nil {
		t.Fatal("init frame produced no record")
	}
	if rec.Type != TypeSystem || rec.Subtype != SubtypeInit {
		t.Errorf("record = %s/%s", rec.Type, rec.Subtype)
	}
	init, ok := rec.Metadata[MetaInitData].(map[string]any)
	if !ok {
		t.Fatalf("init metadata missing: %v", rec.Metadata)
	}
	if init["model"] != "m-large" || init["resume_token"] != "resume-xyz" {
		t.Errorf("init data = %v", init)
	}
}

func TestProcessAssistantBlocks(t *testing.T) {
	p := NewProcessor(testLogger(t))

	var calls []*ToolCall
	p.OnToolCall(func(sid string, call *ToolCall) { calls = append(calls, call) })

	rec := p.Process("s1", assistantMsg(t, []agentsdk.ContentBlock{
		{Type: "thinking", Thinking: "consider the layout"},
		{Type: "text", Text: "Looking at the files."},
		{Type: "tool_use", ID: "tu1", Name: "Bash", Input: map[string]any{"command": "ls"}},
		{Type: "text", Text: "Done."},
	}))
	if rec == nil {
		t.Fatal("assistant frame produced no record")
	}
	if rec.Content != "Looking at the files.\nDone." {
		t.Errorf("content = %q", rec.Content)
	}
	uses, ok := rec.Metadata[MetaToolUses].([]ToolUse)
	if !ok || len(uses) != 1 || uses[0].Name != "Bash" {
		t.Errorf("tool uses = %v", rec.Metadata[MetaToolUses])
	}
	if rec.Metadata[MetaThinking] != "consider the layout" {
		t.Errorf("thinking = %v", rec.Metadata[MetaThinking])
	}

	if len(calls) != 1 || calls[0].State != ToolCallPending || calls[0].ToolUseID != "tu1" {
		t.Fatalf("tool call emission = %v", calls)
	}
}

func TestProcessUserPlainText(t *testing.T) {
	p := NewProcessor(testLogger(t))
	rec := p.Process("s1", &agentsdk.Message{
		Type:    agentsdk.MessageTypeUser,
		Message: &agentsdk.MessageBody{Role: "user", Content: mustRaw(t, "run the tests")},
	})
	if rec == nil || rec.Content != "run the tests" {
		t.Errorf("record = %+v", rec)
	}
}

func TestProcessToolResultCompletesCall(t *testing.T) {
	p := NewProcessor(testLogger(t))
	var calls []*ToolCall
	p.OnToolCall(func(sid string, call *ToolCall) { calls = append(calls, call) })

	p.Process("s1", assistantMsg(t, []agentsdk.ContentBlock{
		{Type: "tool_use", ID: "tu1", Name: "Bash", Input: map[string]any{"command": "ls"}},
	}))
	rec := p.Process("s1", toolResultMsg(t, "tu1", "file.go", false))
	if rec == nil {
		t.Fatal("tool result frame produced no record")
	}
	results, ok := rec.Metadata[MetaToolResults].([]ToolResult)
	if !ok || len(results) != 1 || results[0].Content != "file.go" {
		t.Errorf("tool results = %v", rec.Metadata[MetaToolResults])
	}

	last := calls[len(calls)-1]
	if last.State != ToolCallCompleted || last.Result != "file.go" {
		t.Errorf("final call = %+v", last)
	}
}

func TestProcessToolResultError(t *testing.T) {
	p := NewProcessor(testLogger(t))
	var calls []*ToolCall
	p.OnToolCall(func(sid string, call *ToolCall) { calls = append(calls, call) })

	p.Process("s1", assistantMsg(t, []agentsdk.ContentBlock{
		{Type: "tool_use", ID: "tu1", Name: "Bash", Input: nil},
	}))
	p.Process("s1", toolResultMsg(t, "tu1", "command not found", true))

	last := calls[len(calls)-1]
	if last.State != ToolCallFailed || !last.IsError {
		t.Errorf("failed call = %+v", last)
	}
}

func TestExitPlanModeCompletionObserver(t *testing.T) {
	p := NewProcessor(testLogger(t))
	var exited []string
	p.OnExitPlanDone(func(sid string) { exited = append(exited, sid) })

	p.Process("s1", assistantMsg(t, []agentsdk.ContentBlock{
		{Type: "tool_use", ID: "tu1", Name: ExitPlanModeTool},
	}))
	// An errored ExitPlanMode does not fire the observer.
	p.Process("s1", toolResultMsg(t, "tu1", "rejected", true))
	if len(exited) != 0 {
		t.Fatalf("observer fired on error: %v", exited)
	}

	p.Process("s1", assistantMsg(t, []agentsdk.ContentBlock{
		{Type: "tool_use", ID: "tu2", Name: ExitPlanModeTool},
	}))
	p.Process("s1", toolResultMsg(t, "tu2", "ok", false))
	if len(exited) != 1 || exited[0] != "s1" {
		t.Errorf("observer = %v", exited)
	}
}

func TestNestedToolResultContent(t *testing.T) {
	p := NewProcessor(testLogger(t))

	nested := mustRaw(t, []agentsdk.ContentBlock{
		{Type: "text", Text: "line one"},
		{Type: "text", Text: "line two"},
	})
	blocks := []agentsdk.ContentBlock{{Type: "tool_result", ToolUseID: "tu1", Content: nested}}
	rec := p.Process("s1", &agentsdk.Message{
		Type:    agentsdk.MessageTypeUser,
		Message: &agentsdk.MessageBody{Role: "user", Content: mustRaw(t, blocks)},
	})
	results := rec.Metadata[MetaToolResults].([]ToolResult)
	if results[0].Content != "line one\nline two" {
		t.Errorf("decoded content = %q", results[0].Content)
	}
}

func TestProcessResult(t *testing.T) {
	p := NewProcessor(testLogger(t))
	rec := p.Process("s1", &agentsdk.Message{
		Type:       agentsdk.MessageTypeResult,
		Result:     mustRaw(t, "turn complete"),
		DurationMS: 1234,
		NumTurns:   3,
		Usage:      &agentsdk.Usage{InputTokens: 10, OutputTokens: 20},
	})
	if rec.Content != "turn complete" {
		t.Errorf("content = %q", rec.Content)
	}
	if rec.Metadata[MetaDurationMS] != int64(1234) || rec.Metadata[MetaNumTurns] != 3 {
		t.Errorf("metadata = %v", rec.Metadata)
	}
	if rec.Metadata[MetaUsage] == nil {
		t.Error("usage missing from metadata")
	}
}

func TestUnknownFrameDropped(t *testing.T) {
	p := NewProcessor(testLogger(t))
	if rec := p.Process("s1", &agentsdk.Message{Type: "control_response"}); rec != nil {
		t.Errorf("control frame classified as %+v", rec)
	}
}

func TestPendingToolUseCorrelation(t *testing.T) {
	p := NewProcessor(testLogger(t))

	p.Process("s1", assistantMsg(t, []agentsdk.ContentBlock{
		{Type: "tool_use", ID: "tu1", Name: "Bash"},
		{Type: "tool_use", ID: "tu2", Name: "Read"},
	}))

	id, ok := p.PendingToolUse("s1", "Bash")
	if !ok || id != "tu1" {
		t.Errorf("pending = %q, %v", id, ok)
	}
	if _, ok := p.PendingToolUse("s1", "Write"); ok {
		t.Error("found a pending call for a tool never used")
	}

	// Once the broker owns the call it is no longer pending.
	p.SetToolCallPermission("s1", "tu1", "req1")
	if _, ok := p.PendingToolUse("s1", "Bash"); ok {
		t.Error("call awaiting permission still reported pending")
	}
}

func TestPermissionPhaseTransitions(t *testing.T) {
	p := NewProcessor(testLogger(t))
	var calls []*ToolCall
	p.OnToolCall(func(sid string, call *ToolCall) { calls = append(calls, call) })

	p.Process("s1", assistantMsg(t, []agentsdk.ContentBlock{
		{Type: "tool_use", ID: "tu1", Name: "Bash"},
	}))
	p.SetToolCallPermission("s1", "tu1", "req1")

	last := calls[len(calls)-1]
	if last.State != ToolCallAwaitingPermission || last.Permission != "req1" {
		t.Errorf("awaiting call = %+v", last)
	}

	p.ResolveToolCallPermission("s1", "tu1", true)
	if calls[len(calls)-1].State != ToolCallRunning {
		t.Errorf("allowed call state = %s", calls[len(calls)-1].State)
	}

	p.ResolveToolCallPermission("s1", "tu1", false)
	if calls[len(calls)-1].State != ToolCallDenied {
		t.Errorf("denied call state = %s", calls[len(calls)-1].State)
	}
}

func TestSyntheticAndUserEcho(t *testing.T) {
	p := NewProcessor(testLogger(t))

	syn := p.Synthetic("s1", SubtypeInterrupt, "interrupt requested", nil)
	if syn.Type != TypeSystem || syn.Subtype != SubtypeInterrupt || syn.SessionID != "s1" {
		t.Errorf("synthetic = %+v", syn)
	}

	echo := p.UserEcho("s1", "queued delivery", map[string]any{"source": "queue"})
	if echo.Type != TypeUser || echo.Content != "queued delivery" {
		t.Errorf("echo = %+v", echo)
	}
	if echo.Metadata["source"] != "queue" {
		t.Errorf("echo metadata = %v", echo.Metadata)
	}
}

func TestHistoryRecord(t *testing.T) {
	p := NewProcessor(testLogger(t))

	raw := mustRaw(t, map[string]any{"type": "assistant", "content": "hello"})
	rec := p.HistoryRecord("s1", raw)
	if rec == nil || rec.Content != "hello" || rec.SessionID != "s1" {
		t.Errorf("history record = %+v", rec)
	}

	if rec := p.HistoryRecord("s1", json.RawMessage("{broken")); rec != nil {
		t.Errorf("undecodable line produced %+v", rec)
	}
}

func TestForget(t *testing.T) {
	p := NewProcessor(testLogger(t))
	p.Process("s1", assistantMsg(t, []agentsdk.ContentBlock{
		{Type: "tool_use", ID: "tu1", Name: "Bash"},
	}))
	p.Forget("s1")
	if _, ok := p.PendingToolUse("s1", "Bash"); ok {
		t.Error("tracking state survived Forget")
	}
	if _, ok := p.ToolName("s1", "tu1"); ok {
		t.Error("tool name survived Forget")
	}
}
