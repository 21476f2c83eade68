// Package llm defines the abstract contract tinycrab consumes from an
// external LLM tool-calling runtime. Components never depend on a concrete
// runtime — only on this interface — so the session manager,
// subagent manager, and cron service can be exercised against the in-memory
// fake in internal/llm/llmtest without spawning a real subprocess.
package llm

import "context"

// AuthStore maps a provider name to the API key the façade should use when
// starting a session. Held strictly in memory, never persisted to disk.
type AuthStore interface {
	Get(provider string) (string, bool)
}

// SessionResumer lets a façade resume a prior session by the directory it
// was persisted to, when the runtime supports it.
type SessionResumer interface {
	Resume(ctx context.Context, directory string) (Session, error)
}

// ContextUsage reports how full the underlying conversation window is, as a
// hint for pre-compaction memory flushing.
type ContextUsage struct {
	Percent float64
}

// Config configures a new Session. Implementations may ignore fields they
// don't understand; consumers must tolerate a façade that ignores Tools,
// CustomTools, SessionManager, etc.
type Config struct {
	Model            string
	Tools            []string
	CustomTools      []CustomTool
	WorkspacePath    string
	SessionDirectory string
	AuthStore        AuthStore
	SessionManager   SessionResumer

	// ToolsURL, when set, is the base URL of an SSE MCP endpoint the façade
	// should attach to the session as an additional tool server, alongside
	// whatever tools the runtime already has built in.
	ToolsURL string

	// IsSubagent marks a session spawned by internal/subagent rather than a
	// main or cron-driven turn. Façades that expose it to the runtime let
	// the tool server apply the subagent deny list at call time.
	IsSubagent bool
}

// CustomTool is an opaque tool definition passed through to the runtime.
type CustomTool struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Session is one conversation with the external runtime. Implementations
// must persist their own history to Config.SessionDirectory.
type Session interface {
	// Prompt advances the conversation by one turn, executing tool calls
	// opaquely, and blocks until the turn settles.
	Prompt(ctx context.Context, text string) error

	// LastAssistantText returns the most recent assistant reply, if any.
	LastAssistantText() (string, bool)
}

// ContextUsageReporter is an optional Session capability used by the
// pre-compaction memory flush.
type ContextUsageReporter interface {
	ContextUsage() (ContextUsage, bool)
}

// Closer is an optional Session capability for releasing runtime resources.
type Closer interface {
	Close() error
}

// Factory creates a new Session for the given configuration.
type Factory func(ctx context.Context, cfg Config) (Session, error)
