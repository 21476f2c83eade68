package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinycrab/tinycrab/internal/bus"
	"github.com/tinycrab/tinycrab/internal/cron"
	"github.com/tinycrab/tinycrab/internal/llm"
	"github.com/tinycrab/tinycrab/internal/llm/llmtest"
	"github.com/tinycrab/tinycrab/internal/session"
	"github.com/tinycrab/tinycrab/internal/subagent"
)

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	sessions, err := session.New(session.Config{MaxSessions: 10, SessionTTL: time.Hour}, llmtest.Factory(nil), nil)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })
	subagents := subagent.New(b, llmtest.Factory(nil), nil)

	o := New(b, sessions, subagents, func(string) llm.Config { return llm.Config{} }, nil, opts...)
	return o, b
}

func collectOutbound(t *testing.T, b *bus.Bus, channel string) <-chan bus.Message {
	t.Helper()
	ch := make(chan bus.Message, 8)
	b.Subscribe(channel, func(m bus.Message) { ch <- m })
	return ch
}

func TestHandleTurnRunsSessionAndPublishesReply(t *testing.T) {
	o, b := newTestOrchestrator(t)
	out := collectOutbound(t, b, "chat")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	b.PublishInbound(bus.Message{Channel: "chat", ChatID: "user-1", Content: "What is 2+2?"})

	select {
	case msg := <-out:
		if msg.Content != "4" {
			t.Fatalf("expected reply 4, got %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestHandleStatusReportsTaskCounts(t *testing.T) {
	o, b := newTestOrchestrator(t)
	out := collectOutbound(t, b, "chat")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	b.PublishInbound(bus.Message{Channel: "chat", ChatID: "user-1", Content: "/status"})

	select {
	case msg := <-out:
		if msg.Content != "0 task(s) tracked, 0 running" {
			t.Fatalf("unexpected status reply: %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status reply")
	}
}

func TestHandleSpawnStartsSubagentAndAcknowledges(t *testing.T) {
	o, b := newTestOrchestrator(t)
	out := collectOutbound(t, b, "chat")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	b.PublishInbound(bus.Message{Channel: "chat", ChatID: "user-1", Content: "/spawn write a poem"})

	select {
	case msg := <-out:
		if !strings.Contains(msg.Content, "spawned task") {
			t.Fatalf("expected spawn acknowledgement, got %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for spawn acknowledgement")
	}
}

func TestMaybeFlushIssuesSilentTurnWhenContextNearlyFull(t *testing.T) {
	var mu sync.Mutex
	var seenFlush bool
	replyFunc := func(history []string, prompt string) string {
		if prompt == flushPrompt {
			mu.Lock()
			seenFlush = true
			mu.Unlock()
			return "NO_REPLY"
		}
		return "ok"
	}

	b := bus.New(nil)
	sessions, err := session.New(session.Config{MaxSessions: 10, SessionTTL: time.Hour}, llmtest.Factory(replyFunc), nil)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer sessions.Close()
	subagents := subagent.New(b, llmtest.Factory(nil), nil)
	o := New(b, sessions, subagents, func(string) llm.Config { return llm.Config{} }, nil)

	out := collectOutbound(t, b, "chat")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	// Prime the session and push its simulated usage above the threshold.
	b.PublishInbound(bus.Message{Channel: "chat", ChatID: "user-1", Content: "hello"})
	<-out

	sess, err := sessions.GetOrCreateByKey(ctx, "chat:user-1", llm.Config{})
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	sess.LLM.(*llmtest.Session).SetUsage(0.95)

	b.PublishInbound(bus.Message{Channel: "chat", ChatID: "user-1", Content: "another turn"})
	<-out

	mu.Lock()
	defer mu.Unlock()
	if !seenFlush {
		t.Fatal("expected pre-compaction flush prompt to be issued")
	}
}

func TestCronExecutorSystemEventPublishesInbound(t *testing.T) {
	o, b := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	out := collectOutbound(t, b, CronChannel)

	exec := o.CronExecutor()
	job := cron.Job{ID: "job-1", Payload: cron.Payload{Kind: cron.PayloadSystemEvent, Text: "/status"}}
	if err := exec(job); err != nil {
		t.Fatalf("executor: %v", err)
	}

	select {
	case msg := <-out:
		if msg.ChatID != "job-1" || msg.Content != "0 task(s) tracked, 0 running" {
			t.Fatalf("unexpected reply routed from the systemEvent-driven /status: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the orchestrator loop to process the systemEvent")
	}
}

func TestCronExecutorAgentTurnDeliversReply(t *testing.T) {
	o, b := newTestOrchestrator(t)
	out := collectOutbound(t, b, "digest")

	exec := o.CronExecutor()
	job := cron.Job{
		ID: "job-2",
		Payload: cron.Payload{
			Kind:           cron.PayloadAgentTurn,
			Message:        "What is 3+4?",
			Deliver:        true,
			DeliverChannel: "digest",
			DeliverChatID:  "daily",
		},
	}
	if err := exec(job); err != nil {
		t.Fatalf("executor: %v", err)
	}

	select {
	case msg := <-out:
		if msg.Content != "7" || msg.ChatID != "daily" {
			t.Fatalf("unexpected delivered message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered cron reply")
	}
}

func TestCronExecutorUnknownPayloadKindErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	exec := o.CronExecutor()
	err := exec(cron.Job{ID: "job-3", Payload: cron.Payload{Kind: "bogus"}})
	if err == nil {
		t.Fatal("expected an error for an unknown payload kind")
	}
}

