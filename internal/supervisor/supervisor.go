// Package supervisor allocates ports, forks per-agent server processes
// (internal/agentserver, run via cmd/tinycrab-agent), hands API keys to them
// over stdin, and reconciles live processes with on-disk metadata across
// supervisor restarts.
//
// Process spawn/pipe wiring reuses internal/procmgr, the same manager the
// ACP façade spawns runtimes with. Directory reconciliation at boot mirrors
// a "recover, then verify liveness" sequence modeled on the lifecycle
// manager this project started from; port allocation is a simple serial
// probe rather than OS-assigned ephemeral ports.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/authstore"
	"github.com/tinycrab/tinycrab/internal/logging"
	"github.com/tinycrab/tinycrab/internal/procmgr"
)

// Status is an agent handle's observed lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// meta is the on-disk record persisted to <agent dir>/meta.json.
type meta struct {
	CreatedAt int64 `json:"createdAt"`
	Port      int   `json:"port"`
}

// SpawnOptions describes how to launch an agent's runtime.
type SpawnOptions struct {
	Provider string
	Model    string
}

// CommandBuilder builds the subprocess command for the per-agent server
// binary, given its id, allocated port, data directory, and spawn options.
type CommandBuilder func(id string, port int, dataDir string, opts SpawnOptions) procmgr.Config

// Handle is the supervisor's live view of one agent. It exposes the
// operations the dispatch loop and the CLI drive against a spawned agent
// server over HTTP.
type Handle struct {
	ID        string
	Port      int
	CreatedAt time.Time
	Dir       string

	supervisor *Supervisor
	proc       *procmgr.Manager

	mu     sync.Mutex
	status Status
}

func (h *Handle) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", h.Port)
}

// Status returns the handle's last-known status without probing the network.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Probe pings /health with the supervisor's 500ms cap and updates Status
// accordingly, returning the fresh status.
func (h *Handle) Probe() Status {
	if probeHealth(h.Port) {
		h.setStatus(StatusRunning)
	} else {
		h.setStatus(StatusStopped)
	}
	return h.Status()
}

// ChatResponse is the result of a Chat call.
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// Chat forwards message to the agent's POST /chat.
func (h *Handle) Chat(ctx context.Context, message, sessionID string) (ChatResponse, error) {
	body, _ := json.Marshal(map[string]string{"message": message, "session_id": sessionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL()+"/chat", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("supervisor: chat request: %w", err)
	}
	defer resp.Body.Close()

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChatResponse{}, fmt.Errorf("supervisor: decoding chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ChatResponse{}, fmt.Errorf("supervisor: chat failed with status %d", resp.StatusCode)
	}
	return out, nil
}

// Stop calls POST /stop, then sends a termination signal to the pid if it
// is still alive afterward.
func (h *Handle) Stop(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL()+"/stop", nil)
	if resp, err := http.DefaultClient.Do(req); err == nil {
		resp.Body.Close()
	}
	if pid, ok := readPID(filepath.Join(h.Dir, "server.pid")); ok && processAlive(pid) {
		if p, err := os.FindProcess(pid); err == nil {
			p.Signal(syscall.SIGTERM)
		}
	}
	h.setStatus(StatusStopped)
	if h.proc != nil {
		return h.proc.Stop(ctx)
	}
	return nil
}

// Destroy stops the agent and, if cleanup is requested, removes its
// directory from disk.
func (h *Handle) Destroy(ctx context.Context, cleanup bool) error {
	if err := h.Stop(ctx); err != nil {
		h.supervisor.logger.Warn("error stopping agent during destroy", zap.String("agent", h.ID), zap.Error(err))
	}
	if cleanup {
		return os.RemoveAll(h.Dir)
	}
	return nil
}

// Supervisor owns every known agent's process lifecycle and on-disk state.
type Supervisor struct {
	dataDir string
	auth    *authstore.Store
	build   CommandBuilder
	logger  *logging.Logger

	portMu   sync.Mutex // serializes port allocation across concurrent spawns
	highPort int

	mu     sync.Mutex
	agents map[string]*Handle
}

// New creates a Supervisor rooted at dataDir, resolving API keys from auth
// and building agent subprocess commands with build.
func New(dataDir string, auth *authstore.Store, build CommandBuilder, log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.Default()
	}
	return &Supervisor{
		dataDir:  dataDir,
		auth:     auth,
		build:    build,
		logger:   log.WithFields(zap.String("component", "supervisor")),
		highPort: 8999, // first allocated port is 9000
		agents:   make(map[string]*Handle),
	}
}

// Init creates the agents directory if missing, then reconciles every
// subdirectory carrying a meta.json against its recorded pid and port.
func (s *Supervisor) Init(ctx context.Context) error {
	agentsDir := filepath.Join(s.dataDir, "agents")
	if err := os.MkdirAll(agentsDir, 0o755); err != nil {
		return fmt.Errorf("supervisor: creating agents directory: %w", err)
	}

	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return fmt.Errorf("supervisor: reading agents directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		dir := filepath.Join(agentsDir, id)
		m, ok := readMeta(dir)
		if !ok {
			continue
		}

		h := &Handle{ID: id, Port: m.Port, CreatedAt: time.UnixMilli(m.CreatedAt), Dir: dir, supervisor: s, status: StatusStopped}

		pidFile := filepath.Join(dir, "server.pid")
		if pid, ok := readPID(pidFile); ok && processAlive(pid) && probeHealth(m.Port) {
			h.status = StatusRunning
		} else {
			os.Remove(pidFile)
			h.status = StatusStopped
		}

		s.agents[id] = h
		if m.Port > s.highPort {
			s.highPort = m.Port
		}
	}

	return nil
}

// Spawn returns the cached handle for id if it is present and running.
// Otherwise it ensures directories, allocates (or reuses) a port, starts the
// agent server subprocess detached, hands the API key over stdin, and waits
// for /health to succeed before returning.
func (s *Supervisor) Spawn(ctx context.Context, id string, opts SpawnOptions) (*Handle, error) {
	s.mu.Lock()
	if existing, ok := s.agents[id]; ok && existing.Probe() == StatusRunning {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	dir := filepath.Join(s.dataDir, "agents", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: creating agent directory: %w", err)
	}

	port, err := s.allocatePort(dir)
	if err != nil {
		return nil, err
	}

	pcfg := s.build(id, port, s.dataDir, opts)
	proc := procmgr.NewManager(pcfg, s.logger)
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("supervisor: starting agent process: %w", err)
	}

	apiKey, _ := s.auth.Get(opts.Provider)
	if stdin := proc.Stdin(); stdin != nil {
		fmt.Fprintf(stdin, "%s\n", apiKey)
		stdin.Close()
	}

	if !waitForReady(port, 30, 200*time.Millisecond) {
		proc.Stop(ctx)
		return nil, fmt.Errorf("supervisor: agent %q did not become ready", id)
	}

	if err := writeMeta(dir, meta{CreatedAt: time.Now().UnixMilli(), Port: port}); err != nil {
		proc.Stop(ctx)
		return nil, err
	}

	h := &Handle{ID: id, Port: port, CreatedAt: time.Now(), Dir: dir, supervisor: s, proc: proc, status: StatusRunning}
	s.mu.Lock()
	s.agents[id] = h
	s.mu.Unlock()
	return h, nil
}

// Get returns the handle for id, if known.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.agents[id]
	return h, ok
}

// List returns every known handle, refreshing each one's status via /health.
func (s *Supervisor) List(ctx context.Context) []*Handle {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.agents))
	for _, h := range s.agents {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Probe()
	}
	return handles
}

// Close issues POST /stop to every running agent, waits briefly, then
// discards every handle.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.agents))
	for _, h := range s.agents {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		if h.Status() != StatusRunning {
			continue
		}
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.Stop(ctx); err != nil {
				s.logger.Warn("error stopping agent during shutdown", zap.String("agent", h.ID), zap.Error(err))
			}
		}(h)
	}
	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	s.mu.Lock()
	s.agents = make(map[string]*Handle)
	s.mu.Unlock()
	return nil
}

// allocatePort serializes allocation through a single mutex chain so two
// concurrent spawns never race onto the same port, reusing any port already
// recorded in the agent's meta.json. Allocation is a serial chain starting
// at port 9000 and incrementing; a candidate port is free when it fails a
// /health probe.
func (s *Supervisor) allocatePort(dir string) (int, error) {
	s.portMu.Lock()
	defer s.portMu.Unlock()

	if m, ok := readMeta(dir); ok && m.Port > 0 && !probeHealth(m.Port) {
		return m.Port, nil
	}

	for {
		s.highPort++
		if !probeHealth(s.highPort) {
			return s.highPort, nil
		}
	}
}

func readMeta(dir string) (meta, bool) {
	b, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta{}, false
	}
	var m meta
	if err := json.Unmarshal(b, &m); err != nil {
		return meta{}, false
	}
	return m, true
}

func writeMeta(dir string, m meta) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("supervisor: encoding meta.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return fmt.Errorf("supervisor: writing meta.json: %w", err)
	}
	return nil
}

func readPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func probeHealth(port int) bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// waitForReady polls /health at interval up to attempts times.
func waitForReady(port, attempts int, interval time.Duration) bool {
	for i := 0; i < attempts; i++ {
		if probeHealth(port) {
			return true
		}
		time.Sleep(interval)
	}
	return false
}
