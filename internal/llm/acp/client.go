package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/logging"
)

// clientHandler implements acp.Client: it answers the runtime's filesystem
// and permission requests, and accumulates assistant text for the turn
// currently in flight.
type clientHandler struct {
	logger *logging.Logger
	root   string

	mu   sync.Mutex
	text strings.Builder
}

func newClientHandler(log *logging.Logger, workspaceRoot string) *clientHandler {
	if workspaceRoot == "" {
		workspaceRoot = "/"
	}
	return &clientHandler{logger: log.WithFields(zap.String("component", "llm-acp-client")), root: workspaceRoot}
}

func (c *clientHandler) resetTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text.Reset()
}

func (c *clientHandler) turnText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.String()
}

// RequestPermission auto-approves by picking the first allow option, or the
// first option of any kind if no allow option is offered. tinycrab runs
// unattended — there is no human in the loop to ask.
func (c *clientHandler) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	selected := &p.Options[0]
	for i := range p.Options {
		if p.Options[i].Kind == acp.PermissionOptionKindAllowOnce || p.Options[i].Kind == acp.PermissionOptionKindAllowAlways {
			selected = &p.Options[i]
			break
		}
	}
	c.logger.Debug("auto-approving permission request", zap.String("option_id", string(selected.OptionId)))
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId}},
	}, nil
}

// SessionUpdate accumulates AgentMessageChunk text; tool-call and plan
// notifications are logged but otherwise opaque to the façade, which
// executes tool calls without surfacing their details to callers.
func (c *clientHandler) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil:
		c.mu.Lock()
		c.text.WriteString(u.AgentMessageChunk.Content.Text.Text)
		c.mu.Unlock()
	case u.ToolCall != nil:
		c.logger.Debug("tool call", zap.String("tool_call_id", string(u.ToolCall.ToolCallId)), zap.String("title", u.ToolCall.Title))
	}
	return nil
}

func (c *clientHandler) path(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.root, p)
	}
	rel, err := filepath.Rel(c.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes workspace root: %s", p)
	}
	return p, nil
}

func (c *clientHandler) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	path, err := c.path(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *clientHandler) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	path, err := c.path(p.Path)
	if err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(path, []byte(p.Content), 0o644)
}

// Terminal operations are not offered to sessions — tinycrab's runtimes get
// their shell access, if any, through their own tool set, not through ACP's
// terminal extension.
func (c *clientHandler) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal operations not supported")
}

func (c *clientHandler) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal operations not supported")
}

func (c *clientHandler) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal operations not supported")
}

func (c *clientHandler) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *clientHandler) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal operations not supported")
}

var _ acp.Client = (*clientHandler)(nil)
