// Package toolserver exposes tinycrab's memory, subagent, and cron
// operations as Model Context Protocol tools, so the wrapped LLM runtime can
// call remember/recall/spawn_subagent/stop_subagent/list_subagents/
// cron_schedule/cron_list/cron_cancel during a conversation instead of
// leaving them reachable only from tinycrab's own HTTP surface.
//
// The SSE transport and lifecycle shape are grounded on
// kdlbs-kandev's internal/mcpserver/server.go; the tool registration
// patterns (mcp.NewTool/WithString/AddTool, RequireString, NewToolResultText/
// NewToolResultError) are grounded on its internal/mcpserver/tools.go.
package toolserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/cron"
	"github.com/tinycrab/tinycrab/internal/logging"
	"github.com/tinycrab/tinycrab/internal/memory"
	"github.com/tinycrab/tinycrab/internal/subagent"
)

// Deps bundles the stores and managers the registered tools call into.
type Deps struct {
	Memory    *memory.Store
	Subagents *subagent.Manager
	Cron      *cron.Service
}

// Host owns two MCP SSE endpoints for one agent process: a main endpoint
// exposing the full tool set to top-level and cron-driven sessions, and a
// subagent endpoint that only exposes spawn_subagent, which always answers
// with a structured nested_spawn_blocked error. Spawned subagents have no
// other use for remember/recall/cron_*/stop_subagent/list_subagents — those
// are already excluded from their tool list by subagent.FilterDeniedTools.
type Host struct {
	deps   Deps
	logger *logging.Logger

	mainListener net.Listener
	subListener  net.Listener
	mainURL      string
	subURL       string

	mu         sync.Mutex
	mainSSE    *server.SSEServer
	subSSE     *server.SSEServer
	mainServer *http.Server
	subServer  *http.Server
	running    bool
}

// NewHost binds loopback listeners for both endpoints immediately, so
// MainURL/SubagentURL are available to callers before Start is invoked.
func NewHost(deps Deps, log *logging.Logger) (*Host, error) {
	if log == nil {
		log = logging.Default()
	}
	mainListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("toolserver: binding main endpoint: %w", err)
	}
	subListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		mainListener.Close()
		return nil, fmt.Errorf("toolserver: binding subagent endpoint: %w", err)
	}

	h := &Host{
		deps:         deps,
		logger:       log.WithFields(zap.String("component", "toolserver")),
		mainListener: mainListener,
		subListener:  subListener,
		mainURL:      fmt.Sprintf("http://%s/sse", mainListener.Addr()),
		subURL:       fmt.Sprintf("http://%s/sse", subListener.Addr()),
	}
	return h, nil
}

// SetCron attaches the cron service once it exists. It must be called
// before Start; tool handlers only read it after the listeners start
// accepting connections.
func (h *Host) SetCron(c *cron.Service) {
	h.deps.Cron = c
}

// MainURL is the SSE endpoint for full-tool-set sessions.
func (h *Host) MainURL() string { return h.mainURL }

// SubagentURL is the SSE endpoint for subagent sessions.
func (h *Host) SubagentURL() string { return h.subURL }

// Start serves both endpoints in background goroutines.
func (h *Host) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("toolserver: already running")
	}
	h.running = true
	h.mu.Unlock()

	mainMCP := server.NewMCPServer("tinycrab-tools", "1.0.0", server.WithToolCapabilities(true))
	registerMainTools(mainMCP, &h.deps, h.logger)
	h.mainSSE = server.NewSSEServer(mainMCP)
	mainMux := http.NewServeMux()
	mainMux.Handle("/sse", h.mainSSE.SSEHandler())
	mainMux.Handle("/message", h.mainSSE.MessageHandler())
	h.mainServer = &http.Server{Handler: mainMux}

	subMCP := server.NewMCPServer("tinycrab-tools-subagent", "1.0.0", server.WithToolCapabilities(true))
	registerSubagentTools(subMCP, &h.deps, h.logger)
	h.subSSE = server.NewSSEServer(subMCP)
	subMux := http.NewServeMux()
	subMux.Handle("/sse", h.subSSE.SSEHandler())
	subMux.Handle("/message", h.subSSE.MessageHandler())
	h.subServer = &http.Server{Handler: subMux}

	go func() {
		h.logger.Info("main tool endpoint listening", zap.String("url", h.mainURL))
		if err := h.mainServer.Serve(h.mainListener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("main tool endpoint exited", zap.Error(err))
		}
	}()
	go func() {
		h.logger.Info("subagent tool endpoint listening", zap.String("url", h.subURL))
		if err := h.subServer.Serve(h.subListener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("subagent tool endpoint exited", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts down both endpoints.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	running := h.running
	h.running = false
	h.mu.Unlock()
	if !running {
		return nil
	}
	var firstErr error
	if h.mainServer != nil {
		if err := h.mainServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.subServer != nil {
		if err := h.subServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.mainSSE != nil {
		if err := h.mainSSE.Shutdown(ctx); err != nil {
			h.logger.Warn("main tool endpoint sse shutdown", zap.Error(err))
		}
	}
	if h.subSSE != nil {
		if err := h.subSSE.Shutdown(ctx); err != nil {
			h.logger.Warn("subagent tool endpoint sse shutdown", zap.Error(err))
		}
	}
	return firstErr
}
