package agentsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
)

// MessageHandler consumes one stream message from the SDK.
type MessageHandler func(msg *Message)

// CanUseToolFunc decides a tool-permission request. toolUseID correlates the
// request with the tool_use block that announced it. The hook may block
// indefinitely; the SDK waits for the verdict.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any, toolUseID string, suggestions []PermissionSuggestion) (*PermissionResult, error)

// Client speaks stream-json over an SDK subprocess's stdin/stdout. It reads
// the output stream on a single goroutine, dispatches control requests to
// the permission hook, and correlates control responses with the requests
// the server sent.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	mu             sync.RWMutex
	messageHandler MessageHandler
	canUseTool     CanUseToolFunc

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *ControlResponse

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient wraps the subprocess streams. Handlers must be registered before
// Start.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		logger:  log.WithFields(zap.String("component", "agentsdk-client")),
		pending: make(map[string]chan *ControlResponse),
		done:    make(chan struct{}),
	}
}

// SetMessageHandler registers the stream message consumer.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// SetCanUseTool registers the permission hook.
func (c *Client) SetCanUseTool(hook CanUseToolFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canUseTool = hook
}

// Start begins the read loop. The returned channel closes once the loop is
// consuming output.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop terminates the read loop and fails every pending control request.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
}

// Done reports client shutdown.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SendUserMessage hands one user prompt to the SDK.
func (c *Client) SendUserMessage(content string) error {
	return c.send(&userMessageFrame{
		Type:    MessageTypeUser,
		Message: userMessageBody{Role: "user", Content: content},
	})
}

// Initialize performs the initialize control round-trip.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, controlRequest{Subtype: SubtypeInitialize}, timeout)
	return err
}

// Interrupt cancels the in-flight SDK turn.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, controlRequest{Subtype: SubtypeInterrupt}, timeout)
	return err
}

// SetPermissionMode switches the SDK's permission mode mid-conversation.
func (c *Client) SetPermissionMode(ctx context.Context, mode string, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, controlRequest{Subtype: SubtypeSetPermissionMode, Mode: mode}, timeout)
	return err
}

// roundTrip sends one control request and waits for its correlated response.
func (c *Client) roundTrip(ctx context.Context, req controlRequest, timeout time.Duration) (*ControlResponse, error) {
	requestID := uuid.New().String()
	ch := make(chan *ControlResponse, 1)

	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	frame := &controlRequestFrame{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   req,
	}
	if err := c.send(frame); err != nil {
		return nil, fmt.Errorf("send %s request: %w", req.Subtype, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s: client stopped", req.Subtype)
	case <-time.After(timeout):
		return nil, fmt.Errorf("%s request timed out after %v", req.Subtype, timeout)
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: client stopped", req.Subtype)
		}
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", req.Subtype, resp.Error)
		}
		return resp, nil
	}
}

// send writes one LF-terminated JSON line. Writes are serialized so frames
// from concurrent callers never interleave.
func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.handleLine(ctx, bytes.Clone(line))
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("sdk read loop ended", zap.Error(err))
	}
}

func (c *Client) handleLine(ctx context.Context, line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("unparseable sdk frame", zap.Error(err), zap.ByteString("line", line))
		return
	}
	msg.Raw = line

	switch msg.Type {
	case MessageTypeControlRequest:
		if msg.Request != nil {
			c.handleControlRequest(ctx, msg.RequestID, msg.Request)
		}
	case MessageTypeControlResponse:
		if msg.Response != nil {
			c.handleControlResponse(msg.Response)
		}
	default:
		c.mu.RLock()
		handler := c.messageHandler
		c.mu.RUnlock()
		if handler != nil {
			handler(&msg)
		}
	}
}

// handleControlRequest dispatches a can_use_tool hook on its own goroutine:
// the verdict may take minutes of user thinking and the read loop must keep
// consuming the stream meanwhile.
func (c *Client) handleControlRequest(ctx context.Context, requestID string, req *ControlRequest) {
	if req.Subtype != SubtypeCanUseTool {
		c.respondError(requestID, fmt.Sprintf("unsupported control request: %s", req.Subtype))
		return
	}

	c.mu.RLock()
	hook := c.canUseTool
	c.mu.RUnlock()
	if hook == nil {
		c.respondError(requestID, "no permission hook registered")
		return
	}

	go func() {
		result, err := hook(ctx, req.ToolName, req.Input, req.ToolUseID, req.Suggestions)
		if err != nil {
			c.respondError(requestID, err.Error())
			return
		}
		resp := &controlResponseFrame{
			Type: MessageTypeControlResponse,
			Response: &ControlResponse{
				Subtype:   "success",
				RequestID: requestID,
				Result:    result,
			},
		}
		if err := c.send(resp); err != nil {
			c.logger.Warn("failed to answer permission request",
				zap.String("request_id", requestID), zap.Error(err))
		}
	}()
}

func (c *Client) respondError(requestID, message string) {
	resp := &controlResponseFrame{
		Type: MessageTypeControlResponse,
		Response: &ControlResponse{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
	if err := c.send(resp); err != nil {
		c.logger.Warn("failed to send control error", zap.Error(err))
	}
}

func (c *Client) handleControlResponse(resp *ControlResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("control response for unknown request",
			zap.String("request_id", resp.RequestID))
		return
	}
	ch <- resp
}
