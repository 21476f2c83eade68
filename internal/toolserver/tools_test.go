package toolserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tinycrab/tinycrab/internal/bus"
	"github.com/tinycrab/tinycrab/internal/cron"
	"github.com/tinycrab/tinycrab/internal/llm/llmtest"
	"github.com/tinycrab/tinycrab/internal/memory"
	"github.com/tinycrab/tinycrab/internal/subagent"
)

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected exactly one content block, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	mem, err := memory.Open(filepath.Join(t.TempDir(), "entries.jsonl"), nil)
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	b := bus.New(nil)
	subagents := subagent.New(b, llmtest.Factory(nil), nil)
	cronSvc := cron.New(filepath.Join(t.TempDir(), "cron.json"), func(cron.Job) error { return nil }, nil)
	if err := cronSvc.Start(); err != nil {
		t.Fatalf("cron.Start: %v", err)
	}
	t.Cleanup(cronSvc.Stop)
	return &Deps{Memory: mem, Subagents: subagents, Cron: cronSvc}
}

func TestRememberAndRecallRoundTrip(t *testing.T) {
	deps := newTestDeps(t)

	res, err := rememberHandler(deps, nil)(context.Background(), callReq("remember", map[string]any{
		"content":    "the deploy key rotates every 90 days",
		"importance": "0.8",
		"tags":       "ops, security",
	}))
	if err != nil || res.IsError {
		t.Fatalf("remember failed: err=%v res=%+v", err, res)
	}

	res, err = recallHandler(deps, nil)(context.Background(), callReq("recall", map[string]any{
		"query": "deploy key",
	}))
	if err != nil || res.IsError {
		t.Fatalf("recall failed: err=%v res=%+v", err, res)
	}
	var entries []memory.ScoredEntry
	if err := json.Unmarshal([]byte(resultText(t, res)), &entries); err != nil {
		t.Fatalf("decoding recall result: %v", err)
	}
	if len(entries) != 1 || entries[0].Content == "" {
		t.Fatalf("expected one matching entry, got %+v", entries)
	}
}

func TestSpawnSubagentMainVariantSucceeds(t *testing.T) {
	deps := newTestDeps(t)

	res, err := spawnSubagentHandler(deps, nil, false)(context.Background(), callReq("spawn_subagent", map[string]any{
		"task": "summarize the changelog",
	}))
	if err != nil || res.IsError {
		t.Fatalf("spawn_subagent failed: err=%v res=%+v", err, res)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(resultText(t, res)), &body); err != nil {
		t.Fatalf("decoding spawn result: %v", err)
	}
	if body["id"] == "" {
		t.Fatal("expected a task id")
	}
}

func TestSpawnSubagentSubagentVariantIsAlwaysBlocked(t *testing.T) {
	deps := newTestDeps(t)

	res, err := spawnSubagentHandler(deps, nil, true)(context.Background(), callReq("spawn_subagent", map[string]any{
		"task": "spawn another one",
	}))
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(resultText(t, res)), &body); err != nil {
		t.Fatalf("decoding blocked result: %v", err)
	}
	if body["error"] != "nested_spawn_blocked" {
		t.Fatalf("expected nested_spawn_blocked, got %+v", body)
	}
	if len(deps.Subagents.List("")) != 0 {
		t.Fatal("expected no task to have been created")
	}
}

func TestCronScheduleListCancel(t *testing.T) {
	deps := newTestDeps(t)

	res, err := cronScheduleHandler(deps, nil)(context.Background(), callReq("cron_schedule", map[string]any{
		"name":           "nightly-digest",
		"schedule_kind":  "cron",
		"schedule_value": "0 9 * * *",
		"payload_kind":   "systemEvent",
		"text":           "send the nightly digest",
	}))
	if err != nil || res.IsError {
		t.Fatalf("cron_schedule failed: err=%v res=%+v", err, res)
	}
	var job cron.Job
	if err := json.Unmarshal([]byte(resultText(t, res)), &job); err != nil {
		t.Fatalf("decoding job: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected a job id")
	}

	res, err = cronListHandler(deps, nil)(context.Background(), callReq("cron_list", nil))
	if err != nil || res.IsError {
		t.Fatalf("cron_list failed: err=%v res=%+v", err, res)
	}
	var jobs []cron.Job
	if err := json.Unmarshal([]byte(resultText(t, res)), &jobs); err != nil {
		t.Fatalf("decoding jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one job listed, got %d", len(jobs))
	}

	res, err = cronCancelHandler(deps, nil)(context.Background(), callReq("cron_cancel", map[string]any{"id": job.ID}))
	if err != nil || res.IsError {
		t.Fatalf("cron_cancel failed: err=%v res=%+v", err, res)
	}

	res, err = cronListHandler(deps, nil)(context.Background(), callReq("cron_list", nil))
	if err != nil || res.IsError {
		t.Fatalf("cron_list after cancel failed: err=%v res=%+v", err, res)
	}
	jobs = nil
	if err := json.Unmarshal([]byte(resultText(t, res)), &jobs); err != nil {
		t.Fatalf("decoding jobs after cancel: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected job to be gone after cancel, got %d", len(jobs))
	}
}
