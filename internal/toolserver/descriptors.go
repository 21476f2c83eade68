package toolserver

import "github.com/tinycrab/tinycrab/internal/llm"

// DomainTools describes the full tool set registered on the main endpoint,
// for callers that set llm.Config.CustomTools as a local record of what a
// session's tool server exposes (the actual tool listing happens over the
// MCP connection itself once the runtime attaches to ToolsURL).
func DomainTools() []llm.CustomTool {
	return []llm.CustomTool{
		{Name: "remember", Description: "Save a durable note to memory."},
		{Name: "recall", Description: "Search remembered notes."},
		{Name: "spawn_subagent", Description: "Spawn a background subagent."},
		{Name: "stop_subagent", Description: "Stop a running subagent task."},
		{Name: "list_subagents", Description: "List subagent tasks."},
		{Name: "cron_schedule", Description: "Schedule a future system event or agent turn."},
		{Name: "cron_list", Description: "List scheduled jobs."},
		{Name: "cron_cancel", Description: "Cancel a scheduled job."},
	}
}

// SubagentTools describes the tool set registered on the subagent endpoint.
func SubagentTools() []llm.CustomTool {
	return []llm.CustomTool{
		{Name: "spawn_subagent", Description: "Blocked for subagent sessions."},
	}
}
