package agentsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
)

// Options selects how one SDK subprocess is launched.
type Options struct {
	// Command is the SDK executable; Args are prepended before the protocol
	// flags.
	Command string
	Args    []string

	// WorkingDir is the session's immutable working directory.
	WorkingDir string

	Model           string
	PermissionMode  string
	AllowedTools    []string
	DisallowedTools []string

	// SystemPrompt is appended to the SDK's preset unless Override replaces
	// it entirely.
	SystemPrompt         string
	SystemPromptOverride bool

	// Resume continues the logical conversation behind this token.
	Resume string

	// MCPServers configures tool servers, keyed by server name.
	MCPServers map[string]MCPServerConfig

	// Sandbox is forwarded opaquely to the SDK.
	Sandbox map[string]any

	// SettingSources selects which setting scopes the SDK loads.
	SettingSources []string

	Env []string
}

// MCPServerConfig describes one MCP server endpoint for the SDK.
type MCPServerConfig struct {
	Type    string            `json:"type"` // e.g. "http"
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// args renders the stream-json protocol flags.
func (o *Options) args() ([]string, error) {
	args := append([]string{}, o.Args...)
	args = append(args,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	)
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}
	if o.SystemPrompt != "" {
		if o.SystemPromptOverride {
			args = append(args, "--system-prompt", o.SystemPrompt)
		} else {
			args = append(args, "--append-system-prompt", o.SystemPrompt)
		}
	}
	if o.Resume != "" {
		args = append(args, "--resume", o.Resume)
	}
	if len(o.MCPServers) > 0 {
		cfg, err := json.Marshal(map[string]any{"mcpServers": o.MCPServers})
		if err != nil {
			return nil, fmt.Errorf("marshal mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(cfg))
	}
	if len(o.Sandbox) > 0 {
		cfg, err := json.Marshal(o.Sandbox)
		if err != nil {
			return nil, fmt.Errorf("marshal sandbox config: %w", err)
		}
		args = append(args, "--sandbox", string(cfg))
	}
	if len(o.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(o.SettingSources, ","))
	}
	return args, nil
}

// Process is one live SDK subprocess with its protocol client attached.
type Process struct {
	Client *Client

	cmd    *exec.Cmd
	logger *logger.Logger

	stderrMu   sync.Mutex
	stderrTail []string

	waitOnce sync.Once
	waitErr  error
}

// Launch spawns the SDK subprocess described by opts. The protocol client is
// not reading yet: register handlers on p.Client, then call p.Client.Start so
// no early frame races the registration.
func Launch(ctx context.Context, opts Options, log *logger.Logger) (*Process, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("sdk command not configured")
	}
	args, err := opts.args()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, opts.Command, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sdk stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sdk stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sdk stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sdk subprocess: %w", err)
	}

	plog := log.WithFields(zap.String("component", "agentsdk-process"), zap.Int("pid", cmd.Process.Pid))
	p := &Process{
		Client: NewClient(stdin, stdout, log),
		cmd:    cmd,
		logger: plog,
	}
	go p.drainStderr(stderr)
	return p, nil
}

// drainStderr keeps the last lines of stderr for failure diagnostics.
func (p *Process) drainStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.logger.Debug("sdk stderr", zap.String("line", line))
		p.stderrMu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > 20 {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-20:]
		}
		p.stderrMu.Unlock()
	}
}

// StderrTail returns the retained stderr lines.
func (p *Process) StderrTail() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return append([]string{}, p.stderrTail...)
}

// Wait blocks until the subprocess exits, returning its exit error once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// Close stops the protocol client and terminates the subprocess, escalating
// to kill when it ignores the interrupt signal.
func (p *Process) Close() error {
	p.Client.Stop()
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
	} else {
		done := make(chan struct{})
		go func() {
			p.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = p.cmd.Process.Kill()
		}
	}
	_ = p.Wait()
	return nil
}
