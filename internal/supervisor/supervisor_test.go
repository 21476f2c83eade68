package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/tinycrab/tinycrab/internal/agentserver"
	"github.com/tinycrab/tinycrab/internal/authstore"
	"github.com/tinycrab/tinycrab/internal/llm/llmtest"
	"github.com/tinycrab/tinycrab/internal/memory"
	"github.com/tinycrab/tinycrab/internal/procmgr"
	"github.com/tinycrab/tinycrab/internal/session"
)

// TestHelperAgentProcess is not a real test. Spawn re-executes the test
// binary itself with this test selected and TINYCRAB_HELPER_PROCESS=1, so it
// runs as a standalone process hosting a real agentserver.Server — the same
// "helper subprocess" trick the standard library's os/exec tests use, since
// there is no compiled cmd/tinycrab-agent binary available at test time.
func TestHelperAgentProcess(t *testing.T) {
	if os.Getenv("TINYCRAB_HELPER_PROCESS") != "1" {
		return
	}

	id := os.Getenv("TINYCRAB_HELPER_ID")
	dataDir := os.Getenv("TINYCRAB_HELPER_DATA_DIR")
	var port int
	fmt.Sscanf(os.Getenv("TINYCRAB_HELPER_PORT"), "%d", &port)

	paths, err := agentserver.Bootstrap(dataDir, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		os.Exit(1)
	}
	sessions, err := session.New(session.Config{MaxSessions: 10, SessionTTL: time.Hour}, llmtest.Factory(nil), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "session.New:", err)
		os.Exit(1)
	}
	mem, err := memory.Open(filepath.Join(paths.Memory, "entries.jsonl"), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "memory.Open:", err)
		os.Exit(1)
	}

	// Consume the API key the supervisor pipes over stdin, same as a real
	// cmd/tinycrab-agent startup would.
	agentserver.ReadAPIKey(os.Stdin, "UNUSED_HELPER_ENV_VAR", time.Second)

	srv := agentserver.New(id, port, paths, sessions, mem, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// helperCommandBuilder returns a CommandBuilder that spawns this same test
// binary in helper-process mode, standing in for cmd/tinycrab-agent.
func helperCommandBuilder() CommandBuilder {
	return func(id string, port int, dataDir string, opts SpawnOptions) procmgr.Config {
		env := append(os.Environ(),
			"TINYCRAB_HELPER_PROCESS=1",
			"TINYCRAB_HELPER_ID="+id,
			"TINYCRAB_HELPER_DATA_DIR="+dataDir,
			fmt.Sprintf("TINYCRAB_HELPER_PORT=%d", port),
		)
		return procmgr.Config{
			Args: []string{os.Args[0], "-test.run=TestHelperAgentProcess"},
			Env:  env,
		}
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestInitCreatesAgentsDirectory(t *testing.T) {
	dataDir := t.TempDir()
	s := New(dataDir, authstore.New(), helperCommandBuilder(), nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	info, err := os.Stat(filepath.Join(dataDir, "agents"))
	if err != nil || !info.IsDir() {
		t.Fatalf("expected agents directory, err=%v", err)
	}
}

func TestSpawnStartsAgentAndBecomesHealthy(t *testing.T) {
	dataDir := t.TempDir()
	auth := authstore.New()
	auth.Set("openai", "sk-test")

	s := New(dataDir, auth, helperCommandBuilder(), nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := s.Spawn(ctx, "worker-1", SpawnOptions{Provider: "openai", Model: "gpt-test"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop(context.Background())

	if h.Probe() != StatusRunning {
		t.Fatalf("expected running, got %s", h.Status())
	}

	metaPath := filepath.Join(dataDir, "agents", "worker-1", "meta.json")
	b, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("reading meta.json: %v", err)
	}
	var m meta
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal meta.json: %v", err)
	}
	if m.Port != h.Port {
		t.Fatalf("expected meta.json port %d, got %d", h.Port, m.Port)
	}
}

func TestSpawnReturnsCachedHandleWhenAlreadyRunning(t *testing.T) {
	dataDir := t.TempDir()
	auth := authstore.New()
	auth.Set("openai", "sk-test")

	s := New(dataDir, auth, helperCommandBuilder(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := s.Spawn(ctx, "worker-2", SpawnOptions{Provider: "openai"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer first.Stop(context.Background())

	second, err := s.Spawn(ctx, "worker-2", SpawnOptions{Provider: "openai"})
	if err != nil {
		t.Fatalf("spawn again: %v", err)
	}
	if second != first {
		t.Fatal("expected the cached handle to be returned")
	}
}

func TestChatForwardsToAgentServer(t *testing.T) {
	dataDir := t.TempDir()
	auth := authstore.New()
	auth.Set("openai", "sk-test")

	s := New(dataDir, auth, helperCommandBuilder(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := s.Spawn(ctx, "worker-3", SpawnOptions{Provider: "openai"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop(context.Background())

	resp, err := h.Chat(ctx, "What is 2+2?", "")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Response != "4" {
		t.Fatalf("expected 4, got %q", resp.Response)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a generated session id")
	}
}

func TestListRefreshesStatusAfterStop(t *testing.T) {
	dataDir := t.TempDir()
	auth := authstore.New()
	auth.Set("openai", "sk-test")

	s := New(dataDir, auth, helperCommandBuilder(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := s.Spawn(ctx, "worker-4", SpawnOptions{Provider: "openai"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	handles := s.List(ctx)
	if len(handles) != 1 || handles[0].Status() != StatusStopped {
		t.Fatalf("expected one stopped handle, got %+v", handles)
	}
}

func TestDestroyRemovesDirectoryWhenCleanupRequested(t *testing.T) {
	dataDir := t.TempDir()
	auth := authstore.New()
	auth.Set("openai", "sk-test")

	s := New(dataDir, auth, helperCommandBuilder(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := s.Spawn(ctx, "worker-5", SpawnOptions{Provider: "openai"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := h.Destroy(context.Background(), true); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(h.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected agent directory to be removed, err=%v", err)
	}
}

func TestInitReconcilesRunningAgentAcrossRestart(t *testing.T) {
	dataDir := t.TempDir()
	auth := authstore.New()
	auth.Set("openai", "sk-test")

	first := New(dataDir, auth, helperCommandBuilder(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := first.Spawn(ctx, "worker-6", SpawnOptions{Provider: "openai"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Stop(context.Background())

	// A fresh Supervisor pointed at the same data directory, standing in for
	// a supervisor process restart while the agent keeps running.
	second := New(dataDir, auth, helperCommandBuilder(), nil)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	restored, ok := second.Get("worker-6")
	if !ok {
		t.Fatal("expected worker-6 to be reconciled from disk")
	}
	if restored.Status() != StatusRunning {
		t.Fatalf("expected reconciled agent to be running, got %s", restored.Status())
	}
	if restored.Port != h.Port {
		t.Fatalf("expected reconciled port %d, got %d", h.Port, restored.Port)
	}
}

func TestInitClearsStalePIDForDeadAgent(t *testing.T) {
	dataDir := t.TempDir()
	agentDir := filepath.Join(dataDir, "agents", "ghost")
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	port := freeTCPPort(t)
	if err := writeMeta(agentDir, meta{CreatedAt: time.Now().UnixMilli(), Port: port}); err != nil {
		t.Fatalf("writeMeta: %v", err)
	}
	if err := os.WriteFile(filepath.Join(agentDir, "server.pid"), []byte("999999999"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	s := New(dataDir, authstore.New(), helperCommandBuilder(), nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	h, ok := s.Get("ghost")
	if !ok {
		t.Fatal("expected ghost agent to be tracked")
	}
	if h.Status() != StatusStopped {
		t.Fatalf("expected stopped, got %s", h.Status())
	}
	if _, err := os.Stat(filepath.Join(agentDir, "server.pid")); !os.IsNotExist(err) {
		t.Fatal("expected stale server.pid to be removed")
	}
}
