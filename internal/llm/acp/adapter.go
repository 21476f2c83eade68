// Package acp implements the llm.Session façade over the Agent Client
// Protocol: JSON-RPC 2.0 exchanged with a spawned tool-calling
// runtime over its stdin/stdout. The runtime's subprocess lifecycle is owned
// by internal/procmgr; this package only speaks ACP across the pipes it
// exposes.
package acp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/llm"
	"github.com/tinycrab/tinycrab/internal/logging"
	"github.com/tinycrab/tinycrab/internal/procmgr"
)

// RuntimeCommand builds the argv used to launch the ACP-speaking runtime for
// a session, given the façade's model and workspace configuration.
type RuntimeCommand func(cfg llm.Config) (procmgr.Config, error)

// toolMcpServers builds the McpServers list handed to the runtime at session
// creation. cfg.ToolsURL, when set, points at an internal/toolserver SSE
// endpoint exposing tinycrab's remember/recall/spawn_subagent/etc tools; the
// main-vs-subagent variant is chosen by whoever set cfg.ToolsURL, not here.
// Shape grounded on kdlbs-kandev's toACPMcpServers
// (internal/agentctl/server/adapter/acp_adapter.go).
func toolMcpServers(cfg llm.Config) []acp.McpServer {
	if cfg.ToolsURL == "" {
		return []acp.McpServer{}
	}
	return []acp.McpServer{
		{
			Sse: &acp.McpServerSse{
				Name:    "tinycrab-tools",
				Url:     cfg.ToolsURL,
				Type:    "sse",
				Headers: []acp.HttpHeader{},
			},
		},
	}
}

// Session is an llm.Session backed by a live ACP subprocess. It satisfies
// llm.Session and llm.Closer; it does not satisfy ContextUsageReporter
// because the ACP protocol this adapter speaks does not expose token-window
// accounting — callers relying on the pre-compaction flush must use a
// runtime that reports usage some other way.
type Session struct {
	logger *logging.Logger
	proc   *procmgr.Manager
	client *clientHandler

	mu        sync.Mutex
	conn      *acp.ClientSideConnection
	sessionID acp.SessionId
	lastText  string
	closed    bool
}

// Start spawns the runtime described by build(cfg), performs the ACP
// handshake, and opens a new session in cfg.WorkspacePath.
func Start(ctx context.Context, cfg llm.Config, build RuntimeCommand, log *logging.Logger) (*Session, error) {
	if log == nil {
		log = logging.Default()
	}
	pcfg, err := build(cfg)
	if err != nil {
		return nil, fmt.Errorf("acp: building runtime command: %w", err)
	}

	proc := procmgr.NewManager(pcfg, log)
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("acp: starting runtime: %w", err)
	}

	client := newClientHandler(log, cfg.WorkspacePath)
	conn := acp.NewClientSideConnection(client, proc.Stdin(), proc.Stdout())
	conn.SetLogger(slog.Default().With("component", "acp-conn"))

	s := &Session{logger: log.WithFields(zap.String("component", "llm-acp")), proc: proc, client: client, conn: conn}

	if _, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: "tinycrab", Version: "0.1.0"},
	}); err != nil {
		stopCtx := ctx
		proc.Stop(stopCtx)
		return nil, fmt.Errorf("acp: initialize handshake: %w", err)
	}

	resp, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: cfg.WorkspacePath, McpServers: toolMcpServers(cfg)})
	if err != nil {
		proc.Stop(ctx)
		return nil, fmt.Errorf("acp: new session: %w", err)
	}
	s.sessionID = resp.SessionId

	if cfg.ToolsURL != "" {
		s.logger.Info("attached mcp tool server",
			zap.String("url", cfg.ToolsURL),
			zap.Int("advertisedTools", len(cfg.CustomTools)),
			zap.Bool("isSubagent", cfg.IsSubagent))
	}

	return s, nil
}

// Factory adapts Start into an llm.Factory for a fixed runtime command
// builder, for wiring into the session manager and subagent manager.
func Factory(build RuntimeCommand, log *logging.Logger) llm.Factory {
	return func(ctx context.Context, cfg llm.Config) (llm.Session, error) {
		return Start(ctx, cfg, build, log)
	}
}

// Prompt sends text as the user turn and blocks until the runtime's prompt
// cycle settles, recording the final assistant text chunk seen.
func (s *Session) Prompt(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("acp: session closed")
	}
	conn, sessionID := s.conn, s.sessionID
	s.client.resetTurn()
	s.mu.Unlock()

	if _, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	}); err != nil {
		return fmt.Errorf("acp: prompt: %w", err)
	}

	s.mu.Lock()
	s.lastText = s.client.turnText()
	s.mu.Unlock()
	return nil
}

// LastAssistantText returns the text accumulated from AgentMessageChunk
// updates during the most recent Prompt call.
func (s *Session) LastAssistantText() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastText == "" {
		return "", false
	}
	return s.lastText, true
}

// Close tears down the ACP connection and stops the runtime subprocess.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.Close()
	return s.proc.Stop(context.Background())
}

var (
	_ llm.Session = (*Session)(nil)
	_ llm.Closer  = (*Session)(nil)
)
