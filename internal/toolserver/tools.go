package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/cron"
	"github.com/tinycrab/tinycrab/internal/logging"
	"github.com/tinycrab/tinycrab/internal/memory"
	"github.com/tinycrab/tinycrab/internal/subagent"
)

func registerMainTools(s *server.MCPServer, deps *Deps, log *logging.Logger) {
	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Save a durable note to memory, ranked later by recency, importance, and relevance."),
			mcp.WithString("content", mcp.Required(), mcp.Description("The note to remember")),
			mcp.WithString("importance", mcp.Description("0.0-1.0, defaults to 0.5")),
			mcp.WithString("tags", mcp.Description("Comma-separated tags")),
			mcp.WithString("session_id", mcp.Description("Session this note is scoped to, if any")),
		),
		rememberHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search remembered notes by text query and/or tags."),
			mcp.WithString("query", mcp.Description("Free-text query")),
			mcp.WithString("tags", mcp.Description("Comma-separated tags to filter by")),
			mcp.WithString("session_id", mcp.Description("Restrict results to this session id")),
			mcp.WithString("max_results", mcp.Description("Maximum results to return, defaults to 5")),
		),
		recallHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("spawn_subagent",
			mcp.WithDescription("Spawn a background subagent to chase down a task independently, reporting back when it settles."),
			mcp.WithString("task", mcp.Required(), mcp.Description("The task for the subagent to complete")),
			mcp.WithString("label", mcp.Description("Short label for the task, shown in announcements")),
			mcp.WithString("timeout_seconds", mcp.Description("Abort the subagent after this many seconds")),
		),
		spawnSubagentHandler(deps, log, false),
	)

	s.AddTool(
		mcp.NewTool("stop_subagent",
			mcp.WithDescription("Stop a running subagent task by id."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Task id returned by spawn_subagent")),
		),
		stopSubagentHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_subagents",
			mcp.WithDescription("List subagent tasks, optionally filtered by status."),
			mcp.WithString("status", mcp.Description("running, completed, or failed; omit for all")),
		),
		listSubagentsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("cron_schedule",
			mcp.WithDescription("Schedule a future system event or agent turn: once (at), repeating (every), or by cron expression."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Job name")),
			mcp.WithString("description", mcp.Description("Optional job description")),
			mcp.WithString("schedule_kind", mcp.Required(), mcp.Description("at, every, or cron")),
			mcp.WithString("schedule_value", mcp.Required(), mcp.Description("at: unix ms; every: interval ms; cron: cron expression")),
			mcp.WithString("timezone", mcp.Description("IANA timezone for cron kind, defaults to the server's local time zone")),
			mcp.WithString("payload_kind", mcp.Required(), mcp.Description("systemEvent or agentTurn")),
			mcp.WithString("text", mcp.Description("systemEvent text")),
			mcp.WithString("message", mcp.Description("agentTurn prompt")),
			mcp.WithString("deliver", mcp.Description("true to deliver the agentTurn reply, defaults to false")),
			mcp.WithString("channel", mcp.Description("Delivery channel when deliver is true")),
			mcp.WithString("chat_id", mcp.Description("Delivery chat id when deliver is true")),
			mcp.WithString("delete_after_run", mcp.Description("true to delete the job after it fires once, defaults to false")),
		),
		cronScheduleHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("cron_list",
			mcp.WithDescription("List scheduled jobs."),
			mcp.WithString("include_disabled", mcp.Description("true to include disabled jobs, defaults to false")),
		),
		cronListHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("cron_cancel",
			mcp.WithDescription("Cancel a scheduled job by id."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Job id")),
		),
		cronCancelHandler(deps, log),
	)

	log.Info("registered main tool set", zap.Int("count", 8))
}

// registerSubagentTools registers only spawn_subagent, which always reports
// nested_spawn_blocked. A subagent's other tool calls (remember, recall,
// stop_subagent, list_subagents, cron_*) are kept off its tool list entirely
// by subagent.FilterDeniedTools, so there is nothing else to register here.
func registerSubagentTools(s *server.MCPServer, deps *Deps, log *logging.Logger) {
	s.AddTool(
		mcp.NewTool("spawn_subagent",
			mcp.WithDescription("Unavailable to subagents: spawning nested subagents is blocked."),
			mcp.WithString("task", mcp.Required(), mcp.Description("Ignored; every call is blocked")),
		),
		spawnSubagentHandler(deps, log, true),
	)
	log.Info("registered subagent tool set", zap.Int("count", 1))
}

func safeLog(log *logging.Logger) *logging.Logger {
	if log == nil {
		return logging.Default()
	}
	return log
}

func errorResult(err error) *mcp.CallToolResult {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return mcp.NewToolResultText(string(payload))
}

func rememberHandler(deps *Deps, log *logging.Logger) server.ToolHandlerFunc {
	log = safeLog(log)
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := req.GetArguments()
		importance := parseFloatArg(args, "importance", 0.5)
		tags := parseTagsArg(args, "tags")
		sessionID, _ := args["session_id"].(string)

		entry, err := deps.Memory.Add(content, importance, tags, sessionID)
		if err != nil {
			log.Error("remember failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload, _ := json.Marshal(entry)
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func recallHandler(deps *Deps, log *logging.Logger) server.ToolHandlerFunc {
	log = safeLog(log)
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		query, _ := args["query"].(string)
		sessionID, _ := args["session_id"].(string)
		maxResults := parseIntArg(args, "max_results", 5)

		results, err := deps.Memory.Search(memory.SearchOptions{
			Query:      query,
			Tags:       parseTagsArg(args, "tags"),
			SessionID:  sessionID,
			MaxResults: maxResults,
		})
		if err != nil {
			log.Error("recall failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload, _ := json.Marshal(results)
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func spawnSubagentHandler(deps *Deps, log *logging.Logger, isSubagent bool) server.ToolHandlerFunc {
	log = safeLog(log)
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task, err := req.RequireString("task")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := req.GetArguments()
		label, _ := args["label"].(string)
		timeoutSeconds := parseIntArg(args, "timeout_seconds", 0)

		id, err := deps.Subagents.Spawn(subagent.SpawnRequest{
			Task:           task,
			Label:          label,
			ParentKey:      "mcp",
			TimeoutSeconds: timeoutSeconds,
			IsSubagent:     isSubagent,
		})
		if err != nil {
			if errors.Is(err, subagent.ErrNestedSpawnBlocked) {
				return errorResult(err), nil
			}
			log.Error("spawn_subagent failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload, _ := json.Marshal(map[string]string{"id": id})
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func stopSubagentHandler(deps *Deps, log *logging.Logger) server.ToolHandlerFunc {
	log = safeLog(log)
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		stopped := deps.Subagents.Stop(id)
		payload, _ := json.Marshal(map[string]bool{"stopped": stopped})
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func listSubagentsHandler(deps *Deps, log *logging.Logger) server.ToolHandlerFunc {
	log = safeLog(log)
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, _ := req.GetArguments()["status"].(string)
		tasks := deps.Subagents.List(subagent.Status(status))
		payload, _ := json.Marshal(tasks)
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func cronScheduleHandler(deps *Deps, log *logging.Logger) server.ToolHandlerFunc {
	log = safeLog(log)
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		scheduleKind, err := req.RequireString("schedule_kind")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		scheduleValue, err := req.RequireString("schedule_value")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		payloadKind, err := req.RequireString("payload_kind")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		args := req.GetArguments()
		var schedule cron.Schedule
		switch cron.ScheduleKind(scheduleKind) {
		case cron.ScheduleAt:
			ms, err := strconv.ParseInt(scheduleValue, 10, 64)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("schedule_value must be a unix millisecond timestamp for kind at: %v", err)), nil
			}
			schedule = cron.Schedule{Kind: cron.ScheduleAt, AtMs: ms}
		case cron.ScheduleEvery:
			ms, err := strconv.ParseInt(scheduleValue, 10, 64)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("schedule_value must be an interval in milliseconds for kind every: %v", err)), nil
			}
			schedule = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: ms}
		case cron.ScheduleCron:
			schedule = cron.Schedule{Kind: cron.ScheduleCron, Expr: scheduleValue, TZ: argString(args, "timezone")}
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown schedule_kind %q", scheduleKind)), nil
		}

		var payload cron.Payload
		switch cron.PayloadKind(payloadKind) {
		case cron.PayloadSystemEvent:
			payload = cron.Payload{Kind: cron.PayloadSystemEvent, Text: argString(args, "text")}
		case cron.PayloadAgentTurn:
			payload = cron.Payload{
				Kind:           cron.PayloadAgentTurn,
				Message:        argString(args, "message"),
				Deliver:        parseBoolArg(args, "deliver", false),
				DeliverChannel: argString(args, "channel"),
				DeliverChatID:  argString(args, "chat_id"),
			}
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown payload_kind %q", payloadKind)), nil
		}

		job, err := deps.Cron.Add(cron.AddInput{
			Name:           name,
			Description:    argString(args, "description"),
			Enabled:        true,
			DeleteAfterRun: parseBoolArg(args, "delete_after_run", false),
			Schedule:       schedule,
			Payload:        payload,
		})
		if err != nil {
			log.Error("cron_schedule failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, _ := json.Marshal(job)
		return mcp.NewToolResultText(string(result)), nil
	}
}

func cronListHandler(deps *Deps, log *logging.Logger) server.ToolHandlerFunc {
	log = safeLog(log)
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		includeDisabled := parseBoolArg(req.GetArguments(), "include_disabled", false)
		jobs := deps.Cron.List(includeDisabled)
		payload, _ := json.Marshal(jobs)
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func cronCancelHandler(deps *Deps, log *logging.Logger) server.ToolHandlerFunc {
	log = safeLog(log)
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := deps.Cron.Remove(id); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload, _ := json.Marshal(map[string]string{"id": id, "status": "cancelled"})
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func parseFloatArg(args map[string]any, key string, def float64) float64 {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func parseIntArg(args map[string]any, key string, def int) int {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func parseBoolArg(args map[string]any, key string, def bool) bool {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}

func parseTagsArg(args map[string]any, key string) []string {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
