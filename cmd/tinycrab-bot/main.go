// Command tinycrab-bot runs tinycrab's in-process deployment mode: one
// process owns the bus, session manager, subagent manager, cron service,
// and dispatch loop directly, with no supervisor and no per-agent
// subprocess. A small gin server turns HTTP requests into bus round-trips
// without forking a process per agent. Its surface is its own: POST
// /message takes chat_id and message (agentserver's POST /chat takes
// session_id instead), and only GET /tasks and GET /health sit beside it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/authstore"
	"github.com/tinycrab/tinycrab/internal/bus"
	"github.com/tinycrab/tinycrab/internal/config"
	"github.com/tinycrab/tinycrab/internal/cron"
	"github.com/tinycrab/tinycrab/internal/llm"
	"github.com/tinycrab/tinycrab/internal/llm/acp"
	"github.com/tinycrab/tinycrab/internal/logging"
	"github.com/tinycrab/tinycrab/internal/memory"
	"github.com/tinycrab/tinycrab/internal/orchestrator/dispatch"
	"github.com/tinycrab/tinycrab/internal/runtimecmd"
	"github.com/tinycrab/tinycrab/internal/session"
	"github.com/tinycrab/tinycrab/internal/sessionkey"
	"github.com/tinycrab/tinycrab/internal/subagent"
	"github.com/tinycrab/tinycrab/internal/toolserver"
)

// httpChannel is the single outbound channel every HTTP-originated message
// replies on; requests are disambiguated by ChatID, not by channel name, so
// one long-lived subscription serves every request instead of leaking one
// subscriber per call.
const httpChannel = "http"

func main() {
	port := flag.Int("port", 8088, "HTTP port to bind 127.0.0.1 on")
	flag.Parse()

	log, err := logging.New(logging.Config{Level: "info", Format: "text", OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "tinycrab-bot: building logger:", err)
		os.Exit(1)
	}
	log = log.WithFields(zap.String("component", "tinycrab-bot"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("loading configuration", zap.Error(err))
	}

	auth := authstore.New()
	for _, provider := range []string{"openai", "anthropic", "gemini", "groq", "cerebras", "xai", "openrouter", "mistral"} {
		if key := os.Getenv(config.ProviderAPIKeyEnvVar(provider)); key != "" {
			auth.Set(provider, key)
		}
	}

	workspace := filepath.Join(cfg.Agent.DataDir, "bot", "workspace")
	sessionsDir := filepath.Join(cfg.Agent.DataDir, "bot", "sessions")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		log.Fatal("creating bot workspace", zap.Error(err))
	}
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		log.Fatal("creating bot sessions directory", zap.Error(err))
	}

	factory := acp.Factory(runtimecmd.Build(cfg.Agent.RuntimeCommand, cfg.Agent.Provider, cfg.Agent.Model, auth), log)
	sessions, err := session.New(session.Config{
		MaxSessions: cfg.Session.MaxSessions,
		SessionTTL:  time.Duration(cfg.Session.SessionTTLMs) * time.Millisecond,
	}, factory, log)
	if err != nil {
		log.Fatal("building session manager", zap.Error(err))
	}
	defer sessions.Close()

	b := bus.New(log)
	subagents := subagent.New(b, factory, log)

	memPath := filepath.Join(cfg.Agent.DataDir, "bot", "memory", "entries.jsonl")
	mem, err := memory.Open(memPath, log)
	if err != nil {
		log.Fatal("opening memory store", zap.Error(err))
	}
	defer mem.Close()

	tools, err := toolserver.NewHost(toolserver.Deps{Memory: mem, Subagents: subagents}, log)
	if err != nil {
		log.Fatal("binding tool server", zap.Error(err))
	}
	subagents.SetToolsURL(tools.SubagentURL())

	if cfg.NATS.URL != "" {
		bridge, err := bus.NewNATSBridge(b, cfg.NATS.URL, cfg.NATS.ClientID, log)
		if err != nil {
			log.Fatal("connecting nats bridge", zap.Error(err))
		}
		defer bridge.Close()
		log.Info("bridging bus to nats", zap.String("url", cfg.NATS.URL))
	}

	cfgFunc := func(key string) llm.Config {
		return llm.Config{
			WorkspacePath:    workspace,
			SessionDirectory: filepath.Join(sessionsDir, key),
			AuthStore:        auth,
			ToolsURL:         tools.MainURL(),
			CustomTools:      toolserver.DomainTools(),
		}
	}

	orch := dispatch.New(b, sessions, subagents, cfgFunc, log)

	cronPath := cfg.Cron.StorePath
	if cronPath == "" {
		cronPath = filepath.Join(cfg.Agent.DataDir, "bot", "cron.json")
	}
	cronSvc := cron.New(cronPath, orch.CronExecutor(), log)
	tools.SetCron(cronSvc)
	if err := cronSvc.Start(); err != nil {
		log.Fatal("starting cron service", zap.Error(err))
	}
	defer cronSvc.Stop()

	if err := tools.Start(); err != nil {
		log.Fatal("starting tool server", zap.Error(err))
	}
	defer tools.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := orch.Run(ctx); err != nil {
			log.Error("dispatch loop exited with error", zap.Error(err))
		}
	}()

	srv := newHTTPServer(*port, b, subagents, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received termination signal")
		cancel()
		srv.Shutdown(context.Background())
	}()

	log.Info("tinycrab-bot listening", zap.Int("port", *port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("http server exited with error", zap.Error(err))
	}
}

type pendingRequest struct {
	replyCh chan bus.Message
}

type httpBridge struct {
	bus       *bus.Bus
	subagents *subagent.Manager
	logger    *logging.Logger

	mu      sync.Mutex
	pending map[string]pendingRequest
}

func newHTTPServer(port int, b *bus.Bus, subagents *subagent.Manager, log *logging.Logger) *http.Server {
	bridge := &httpBridge{
		bus:       b,
		subagents: subagents,
		logger:    log.WithFields(zap.String("component", "http-bridge")),
		pending:   make(map[string]pendingRequest),
	}
	b.Subscribe(httpChannel, bridge.deliver)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	engine.GET("/tasks", bridge.handleTasks)
	engine.POST("/message", bridge.handleMessage)

	return &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

func (h *httpBridge) deliver(m bus.Message) {
	h.mu.Lock()
	req, ok := h.pending[m.ChatID]
	h.mu.Unlock()
	if !ok {
		return
	}
	req.replyCh <- m
}

func (h *httpBridge) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.subagents.List("")})
}

type messageRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

func (h *httpBridge) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = sessionkey.Build("http", uuid.NewString(), "")
	}

	replyCh := make(chan bus.Message, 1)
	h.mu.Lock()
	h.pending[chatID] = pendingRequest{replyCh: replyCh}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, chatID)
		h.mu.Unlock()
	}()

	h.bus.PublishInbound(bus.Message{Channel: httpChannel, ChatID: chatID, Content: req.Message})

	select {
	case reply := <-replyCh:
		c.JSON(http.StatusOK, gin.H{"response": reply.Content, "chat_id": chatID})
	case <-time.After(60 * time.Second):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timed out waiting for a reply", "chat_id": chatID})
	case <-c.Request.Context().Done():
	}
}
