// Package subagent implements a fire-and-forget background task manager: a
// main agent can spawn a short-lived LLM session to chase down a task,
// which runs independently (its own façade session, its own tool list with
// the self-management tools stripped out) and announces its outcome back on
// the requester's channel when it settles.
//
// The deny-by-construction tool filtering and id/status/announce shape are
// grounded on pdtkts-goclaw's internal/tools/subagent_spawn_tool.go.
package subagent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/bus"
	"github.com/tinycrab/tinycrab/internal/llm"
	"github.com/tinycrab/tinycrab/internal/logging"
)

// ErrNestedSpawnBlocked is returned by Spawn when the caller marks the
// request as originating from a subagent session. Subagent task trees stay
// one level deep: a subagent cannot spawn another subagent.
var ErrNestedSpawnBlocked = errors.New("nested_spawn_blocked")

// DeniedTools is the set of tool names that must never appear in a
// subagent's tool list: the self-management surface (spawn/stop/list),
// memory tools, and cron tools. A subagent that needs any of these is
// misscoped — it should be a main-agent turn, not a background task.
var DeniedTools = []string{
	"spawn_subagent",
	"stop_subagent",
	"list_subagents",
	"remember",
	"recall",
	"cron_schedule",
	"cron_list",
	"cron_cancel",
}

// FilterDeniedTools returns tools with every DeniedTools entry removed.
func FilterDeniedTools(tools []string) []string {
	deny := make(map[string]bool, len(DeniedTools))
	for _, d := range DeniedTools {
		deny[d] = true
	}
	allowed := make([]string, 0, len(tools))
	for _, t := range tools {
		if !deny[t] {
			allowed = append(allowed, t)
		}
	}
	return allowed
}

// IsDenied reports whether toolName is on the subagent deny list, for tools
// that additionally short-circuit themselves when invoked with an
// isSubagent caller flag.
func IsDenied(toolName string) bool {
	for _, d := range DeniedTools {
		if d == toolName {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a subagent task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stats holds post-hoc measurements about a task's run, populated once the
// task leaves StatusRunning regardless of how it got there.
type Stats struct {
	RuntimeMs int64 `json:"runtimeMs"`
}

// Task is one spawned subagent's record.
type Task struct {
	ID          string
	Label       string
	Task        string
	ParentKey   string
	Channel     string
	ChatID      string
	Status      Status
	Result      string
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
	Stats       Stats

	cancel context.CancelFunc
	mu     sync.Mutex
}

func (t *Task) snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *t
	cp.cancel = nil
	return cp
}

// SpawnRequest describes a task to spawn.
type SpawnRequest struct {
	Task           string
	Label          string
	ParentKey      string
	Channel        string
	ChatID         string
	TimeoutSeconds int
	Tools          []string

	// IsSubagent marks a request made on behalf of a session that is
	// itself a subagent. It must be set by the caller's own context, never
	// taken from model-supplied tool arguments — Spawn rejects it
	// unconditionally with ErrNestedSpawnBlocked.
	IsSubagent bool
}

// Manager owns every in-flight and recently-completed subagent task.
type Manager struct {
	logger  *logging.Logger
	bus     *bus.Bus
	factory llm.Factory

	mu       sync.Mutex
	tasks    map[string]*Task
	toolsURL string
}

// New creates a Manager. factory builds a fresh façade session per
// subagent, independent of the main session manager — subagents never
// share sessions with the agent that spawned them.
func New(b *bus.Bus, factory llm.Factory, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		logger:  log.WithFields(zap.String("component", "subagent-manager")),
		bus:     b,
		factory: factory,
		tasks:   make(map[string]*Task),
	}
}

// Spawn registers req and starts its background worker, returning
// immediately with the new task's id.
func (m *Manager) Spawn(req SpawnRequest) (string, error) {
	if req.IsSubagent {
		return "", ErrNestedSpawnBlocked
	}
	if req.Task == "" {
		return "", fmt.Errorf("subagent: task is required")
	}

	id, err := newID()
	if err != nil {
		return "", fmt.Errorf("subagent: generating id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		ID:        id,
		Label:     req.Label,
		Task:      req.Task,
		ParentKey: req.ParentKey,
		Channel:   req.Channel,
		ChatID:    req.ChatID,
		Status:    StatusRunning,
		CreatedAt: time.Now(),
		cancel:    cancel,
	}

	m.mu.Lock()
	m.tasks[id] = task
	m.mu.Unlock()

	if req.TimeoutSeconds > 0 {
		timer := time.AfterFunc(time.Duration(req.TimeoutSeconds)*time.Second, func() {
			cancel()
			m.onTimeout(task)
		})
		go func() {
			<-ctx.Done()
			timer.Stop()
		}()
	}

	sessionKey := fmt.Sprintf("subagent:%s:%s", req.ParentKey, id)
	go m.run(ctx, task, sessionKey, FilterDeniedTools(req.Tools))

	return id, nil
}

// SetToolsURL points every subsequently-spawned subagent session at the
// tool server endpoint that enforces the subagent deny list at call time.
func (m *Manager) SetToolsURL(url string) {
	m.mu.Lock()
	m.toolsURL = url
	m.mu.Unlock()
}

func (m *Manager) currentToolsURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toolsURL
}

func (m *Manager) run(ctx context.Context, task *Task, sessionKey string, tools []string) {
	started := time.Now()

	sess, err := m.factory(ctx, llm.Config{Tools: tools, ToolsURL: m.currentToolsURL(), IsSubagent: true})
	if err != nil {
		if ctx.Err() != nil {
			return // timeout branch already handled this task
		}
		m.fail(task, err.Error())
		return
	}
	defer func() {
		if closer, ok := sess.(llm.Closer); ok {
			closer.Close()
		}
	}()

	prompt := fmt.Sprintf(
		"You are a background subagent with a limited role: complete exactly one task and report back.\n"+
			"Session: %s\nCreated: %s\n\nTask:\n%s",
		sessionKey, task.CreatedAt.Format(time.RFC3339), task.Task,
	)

	if err := sess.Prompt(ctx, prompt); err != nil {
		if ctx.Err() != nil {
			return // timeout branch already handled this task
		}
		m.fail(task, err.Error())
		return
	}

	result, ok := sess.LastAssistantText()
	if !ok || result == "" {
		result = "Done"
	}

	runtimeMs := time.Since(started).Milliseconds()

	task.mu.Lock()
	task.Status = StatusCompleted
	task.Result = result
	task.CompletedAt = time.Now()
	task.Stats = Stats{RuntimeMs: runtimeMs}
	task.mu.Unlock()

	header := fmt.Sprintf("[Subagent %s%s completed successfully]", task.ID, labelSuffix(task.Label))
	m.announce(task, fmt.Sprintf("%s\n%s\n\n(completed in %dms)", header, result, runtimeMs))
}

func (m *Manager) onTimeout(task *Task) {
	task.mu.Lock()
	if task.Status != StatusRunning {
		task.mu.Unlock()
		return
	}
	task.Status = StatusFailed
	task.Error = "Timeout exceeded"
	task.CompletedAt = time.Now()
	task.Stats = Stats{RuntimeMs: task.CompletedAt.Sub(task.CreatedAt).Milliseconds()}
	task.mu.Unlock()

	header := fmt.Sprintf("[Subagent %s%s failed]", task.ID, labelSuffix(task.Label))
	m.announce(task, fmt.Sprintf("%s\nTimeout exceeded", header))
}

func (m *Manager) fail(task *Task, message string) {
	task.mu.Lock()
	task.Status = StatusFailed
	task.Error = message
	task.CompletedAt = time.Now()
	task.Stats = Stats{RuntimeMs: task.CompletedAt.Sub(task.CreatedAt).Milliseconds()}
	task.mu.Unlock()

	header := fmt.Sprintf("[Subagent %s%s failed]", task.ID, labelSuffix(task.Label))
	m.announce(task, fmt.Sprintf("%s\n%s", header, message))
}

func (m *Manager) announce(task *Task, content string) {
	if m.bus == nil {
		return
	}
	m.bus.PublishOutbound(bus.Message{Channel: task.Channel, ChatID: task.ChatID, Content: content})
}

// Stop cancels a running task and reports it as stopped by request. It
// returns whether it found a running task to stop.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	task.mu.Lock()
	if task.Status != StatusRunning {
		task.mu.Unlock()
		return false
	}
	task.Status = StatusCompleted
	task.Result = "Stopped by request"
	task.CompletedAt = time.Now()
	task.Stats = Stats{RuntimeMs: task.CompletedAt.Sub(task.CreatedAt).Milliseconds()}
	cancel := task.cancel
	task.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	header := fmt.Sprintf("[Subagent %s%s stopped]", task.ID, labelSuffix(task.Label))
	m.announce(task, fmt.Sprintf("%s\nStopped by request", header))
	return true
}

// List returns a snapshot of tasks, optionally filtered by status.
func (m *Manager) List(status Status) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.snapshot())
	}
	return out
}

// Get returns the task with the given id, if known.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return Task{}, false
	}
	return task.snapshot(), true
}

// Cleanup removes non-running records older than maxAge (default 30
// minutes when maxAge is zero).
func (m *Manager) Cleanup(maxAge time.Duration) int {
	if maxAge == 0 {
		maxAge = 30 * time.Minute
	}
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		t.mu.Lock()
		stale := t.Status != StatusRunning && !t.CompletedAt.IsZero() && t.CompletedAt.Before(cutoff)
		t.mu.Unlock()
		if stale {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

func labelSuffix(label string) string {
	if label == "" {
		return ""
	}
	return " (" + label + ")"
}

func newID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
