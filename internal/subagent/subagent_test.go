package subagent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinycrab/tinycrab/internal/bus"
	"github.com/tinycrab/tinycrab/internal/llm"
	"github.com/tinycrab/tinycrab/internal/llm/llmtest"
)

func TestFilterDeniedToolsRemovesSelfManagementTools(t *testing.T) {
	in := []string{"read_file", "spawn_subagent", "write_file", "remember", "cron_schedule"}
	out := FilterDeniedTools(in)
	want := map[string]bool{"read_file": true, "write_file": true}
	if len(out) != len(want) {
		t.Fatalf("expected %d tools, got %d: %v", len(want), len(out), out)
	}
	for _, tool := range out {
		if !want[tool] {
			t.Fatalf("unexpected tool survived filtering: %s", tool)
		}
	}
}

func TestIsDenied(t *testing.T) {
	if !IsDenied("remember") {
		t.Fatal("expected remember to be denied")
	}
	if IsDenied("read_file") {
		t.Fatal("expected read_file to not be denied")
	}
}

func TestSpawnAnnouncesCompletion(t *testing.T) {
	b := bus.New(nil)
	received := make(chan bus.Message, 1)
	b.Subscribe("chat-1", func(m bus.Message) { received <- m })

	m := New(b, llmtest.Factory(nil), nil)
	id, err := m.Spawn(SpawnRequest{
		Task:      "what is 7+8",
		ParentKey: "main",
		Channel:   "chat-1",
		ChatID:    "c1",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(id) == 0 {
		t.Fatal("expected non-empty id")
	}

	select {
	case msg := <-received:
		if msg.Content == "" {
			t.Fatal("expected non-empty announcement")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for announcement")
	}

	task, ok := m.Get(id)
	if !ok || task.Status != StatusCompleted {
		t.Fatalf("expected completed task, got %+v ok=%v", task, ok)
	}
}

func TestSpawnBlocksNestedSubagentSpawn(t *testing.T) {
	b := bus.New(nil)
	m := New(b, llmtest.Factory(nil), nil)

	id, err := m.Spawn(SpawnRequest{
		Task:       "spawn yet another subagent",
		ParentKey:  "subagent:main:abc123",
		IsSubagent: true,
	})
	if !errors.Is(err, ErrNestedSpawnBlocked) {
		t.Fatalf("expected ErrNestedSpawnBlocked, got %v", err)
	}
	if id != "" {
		t.Fatalf("expected no task id on a blocked spawn, got %q", id)
	}
	if len(m.List("")) != 0 {
		t.Fatal("expected no task to be created for a blocked nested spawn")
	}
}

func TestSpawnPopulatesRuntimeStats(t *testing.T) {
	b := bus.New(nil)
	m := New(b, llmtest.Factory(nil), nil)
	id, err := m.Spawn(SpawnRequest{Task: "what is 7+8", ParentKey: "main"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if task, ok := m.Get(id); ok && task.Status == StatusCompleted {
			if task.Stats.RuntimeMs < 0 {
				t.Fatalf("expected non-negative runtime, got %d", task.Stats.RuntimeMs)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for task to complete")
}

func TestSpawnTimeoutMarksFailed(t *testing.T) {
	b := bus.New(nil)
	received := make(chan bus.Message, 1)
	b.Subscribe("chat-1", func(m bus.Message) { received <- m })

	blockingFactory := func(ctx context.Context, cfg llm.Config) (llm.Session, error) {
		return &blockingSession{}, nil
	}
	m := New(b, blockingFactory, nil)
	id, err := m.Spawn(SpawnRequest{
		Task:           "hang forever",
		ParentKey:      "main",
		Channel:        "chat-1",
		ChatID:         "c1",
		TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Content == "" {
			t.Fatal("expected non-empty timeout announcement")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for timeout announcement")
	}

	task, ok := m.Get(id)
	if !ok || task.Status != StatusFailed || task.Error != "Timeout exceeded" {
		t.Fatalf("expected failed-by-timeout task, got %+v ok=%v", task, ok)
	}
}

func TestStopRunningTask(t *testing.T) {
	b := bus.New(nil)
	b.Subscribe("chat-1", func(bus.Message) {})

	blockingFactory := func(ctx context.Context, cfg llm.Config) (llm.Session, error) {
		return &blockingSession{}, nil
	}
	m := New(b, blockingFactory, nil)
	id, _ := m.Spawn(SpawnRequest{Task: "hang", ParentKey: "main", Channel: "chat-1", ChatID: "c1"})

	time.Sleep(10 * time.Millisecond)
	if !m.Stop(id) {
		t.Fatal("expected stop to report success")
	}
	task, ok := m.Get(id)
	if !ok || task.Result != "Stopped by request" {
		t.Fatalf("expected stopped task, got %+v", task)
	}
	if task.Stats.RuntimeMs < 0 {
		t.Fatalf("expected non-negative runtime stat, got %d", task.Stats.RuntimeMs)
	}
}

func TestCleanupRemovesOldCompletedTasks(t *testing.T) {
	b := bus.New(nil)
	m := New(b, llmtest.Factory(nil), nil)
	id, _ := m.Spawn(SpawnRequest{Task: "quick task", ParentKey: "main"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if task, ok := m.Get(id); ok && task.Status == StatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	removed := m.Cleanup(-1) // force everything to look stale
	if removed != 1 {
		t.Fatalf("expected 1 task removed, got %d", removed)
	}
	if _, ok := m.Get(id); ok {
		t.Fatal("expected task to be gone after cleanup")
	}
}

// blockingSession never returns from Prompt until its context is cancelled,
// used to exercise the timeout and stop paths.
type blockingSession struct{}

func (b *blockingSession) Prompt(ctx context.Context, text string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingSession) LastAssistantText() (string, bool) { return "", false }
