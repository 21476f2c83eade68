// Package agentserver implements the per-agent HTTP server: a loopback-only
// gin server owning one session manager, one memory store, one subagent
// manager, one cron service, and the MCP tool server bridging them into the
// wrapped runtime, all for a single agent, plus the startup protocol the
// supervisor (internal/supervisor) uses to launch it.
//
// Endpoint shape and signal-driven shutdown are grounded on cmd/agentctl
// and internal/debug/handlers.go's gin conventions; the
// server.pid/workspace/sessions/memory bootstrap mirrors
// internal/agentctl/process.Manager's directory handling.
package agentserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/cron"
	"github.com/tinycrab/tinycrab/internal/llm"
	"github.com/tinycrab/tinycrab/internal/logging"
	"github.com/tinycrab/tinycrab/internal/memory"
	"github.com/tinycrab/tinycrab/internal/session"
	"github.com/tinycrab/tinycrab/internal/sessionkey"
	"github.com/tinycrab/tinycrab/internal/subagent"
	"github.com/tinycrab/tinycrab/internal/toolserver"
)

// Paths collects the directories a single agent server owns within its
// supervisor-assigned data directory.
type Paths struct {
	Root      string // data/agents/<id>
	Workspace string
	Sessions  string
	Memory    string
	PIDFile   string
}

// Bootstrap ensures workspace/, sessions/, and memory/ exist under
// dataDir/agents/<id>.
func Bootstrap(dataDir, id string) (Paths, error) {
	root := filepath.Join(dataDir, "agents", id)
	p := Paths{
		Root:      root,
		Workspace: filepath.Join(root, "workspace"),
		Sessions:  filepath.Join(root, "sessions"),
		Memory:    filepath.Join(root, "memory"),
		PIDFile:   filepath.Join(root, "server.pid"),
	}
	for _, dir := range []string{p.Workspace, p.Sessions, p.Memory} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("agentserver: creating %s: %w", dir, err)
		}
	}
	return p, nil
}

// ReadAPIKey consumes a single newline-terminated line from stdin, waiting
// up to timeout. If nothing arrives, it falls back to envVar and deletes it
// from the process environment once read.
func ReadAPIKey(stdin io.Reader, envVar string, timeout time.Duration) string {
	lineCh := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(stdin)
		line, err := reader.ReadString('\n')
		if err == nil || len(line) > 0 {
			lineCh <- trimNewline(line)
			return
		}
		lineCh <- ""
	}()

	select {
	case line := <-lineCh:
		if line != "" {
			return line
		}
	case <-time.After(timeout):
	}

	key := os.Getenv(envVar)
	if key != "" {
		os.Unsetenv(envVar)
	}
	return key
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// sessionIDPattern matches ids already bearing a trusted random suffix.
var sessionIDPattern = regexp.MustCompile(`.+-[0-9a-f]{16}$`)

// resolveSessionID applies the session-id trust rules: a missing id is
// generated fresh, a client-supplied id matching the trusted suffix pattern
// is reused verbatim, and anything else gets a random suffix appended so
// two unrelated callers can never collide on a chosen id.
func resolveSessionID(clientID string) (string, error) {
	if clientID == "" {
		suffix, err := randomHex16()
		if err != nil {
			return "", err
		}
		return "session-" + suffix, nil
	}
	if sessionIDPattern.MatchString(clientID) {
		return clientID, nil
	}
	suffix, err := randomHex16()
	if err != nil {
		return "", err
	}
	return clientID + "-" + suffix, nil
}

func randomHex16() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("agentserver: generating session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Server is the per-agent HTTP server.
type Server struct {
	id        string
	port      int
	paths     Paths
	sessions  *session.Manager
	memory    *memory.Store
	subagents *subagent.Manager
	cron      *cron.Service
	tools     *toolserver.Host
	logger    *logging.Logger
	startedAt time.Time

	engine *gin.Engine
	http   *http.Server
}

// New builds a Server for agent id, wiring sessions, mem, subagents, cron,
// and tools into its handlers. subagents, cronSvc, and tools may be nil in
// tests that only exercise the chat/session surface.
func New(id string, port int, paths Paths, sessions *session.Manager, mem *memory.Store, subagents *subagent.Manager, cronSvc *cron.Service, tools *toolserver.Host, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		id:        id,
		port:      port,
		paths:     paths,
		sessions:  sessions,
		memory:    mem,
		subagents: subagents,
		cron:      cronSvc,
		tools:     tools,
		logger:    log.WithFields(zap.String("component", "agentserver"), zap.String("agent", id)),
		startedAt: time.Now(),
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Handler returns the server's http.Handler, for tests that want to drive
// it with httptest without binding a real port.
func (s *Server) Handler() http.Handler { return s.engine }

// Memory exposes the agent's memory store, for the pre-compaction flush and
// for tests that want to assert on remembered entries directly.
func (s *Server) Memory() *memory.Store { return s.memory }

// Sessions exposes the agent's session manager.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Subagents exposes the agent's subagent manager, for operators polling
// task state outside of a chat turn.
func (s *Server) Subagents() *subagent.Manager { return s.subagents }

// Cron exposes the agent's cron service.
func (s *Server) Cron() *cron.Service { return s.cron }

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/info", s.handleInfo)
	s.engine.POST("/chat", s.handleChat)
	s.engine.GET("/sessions", s.handleSessions)
	s.engine.POST("/stop", s.handleStop)
	s.engine.GET("/tasks", s.handleTasks)
	s.engine.GET("/tasks/:id", s.handleTask)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agent": s.id})
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"id":             s.id,
		"status":         "running",
		"port":           s.port,
		"pid":            os.Getpid(),
		"workspace":      s.paths.Workspace,
		"sessionsDir":    s.paths.Sessions,
		"memoryDir":      s.paths.Memory,
		"activeSessions": s.sessions.Len(),
	})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	sessionID, err := resolveSessionID(req.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	key := sessionkey.Build("http", sessionID, "")
	var reply string
	cfg := llm.Config{WorkspacePath: s.paths.Workspace, SessionDirectory: filepath.Join(s.paths.Sessions, sessionID)}
	if s.tools != nil {
		cfg.ToolsURL = s.tools.MainURL()
		cfg.CustomTools = toolserver.DomainTools()
	}
	err = s.sessions.WithSession(c.Request.Context(), key, cfg, func(sess *session.Session) error {
		if err := sess.LLM.Prompt(c.Request.Context(), req.Message); err != nil {
			return err
		}
		if text, ok := sess.LLM.LastAssistantText(); ok {
			reply = text
		}
		return nil
	})
	if err != nil {
		s.logger.Error("chat turn failed", zap.String("session", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"response": reply, "session_id": sessionID})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.Keys()})
}

func (s *Server) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.subagents.List(subagent.Status(c.Query("status")))})
}

func (s *Server) handleTask(c *gin.Context) {
	task, ok := s.subagents.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleStop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		if s.http != nil {
			s.http.Shutdown(context.Background())
		}
	}()
}

// Run writes server.pid, binds to 127.0.0.1:port, and blocks until ctx is
// cancelled or a /stop request triggers shutdown, then removes server.pid.
func (s *Server) Run(ctx context.Context) error {
	if err := os.WriteFile(s.paths.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("agentserver: writing pid file: %w", err)
	}
	defer os.Remove(s.paths.PIDFile)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agent server listening", zap.Int("port", s.port))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("agentserver: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
