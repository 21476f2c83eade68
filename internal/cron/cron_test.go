package cron

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestService(t *testing.T, exec Executor, opts ...Option) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron.json")
	s := New(path, exec, nil, opts...)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestAddComputesNextRunAtForAtSchedule(t *testing.T) {
	s := newTestService(t, func(Job) error { return nil })
	future := time.Now().Add(time.Hour).UnixMilli()
	job, err := s.Add(AddInput{
		Name:     "one-shot",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, AtMs: future},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "hello"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if job.State.NextRunAtMs != future {
		t.Fatalf("expected next run at %d, got %d", future, job.State.NextRunAtMs)
	}
}

func TestAddOverdueAtSchedulesOneSecondGrace(t *testing.T) {
	s := newTestService(t, func(Job) error { return nil })
	past := time.Now().Add(-time.Hour).UnixMilli()
	before := time.Now()
	job, err := s.Add(AddInput{
		Name:     "overdue",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, AtMs: past},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "hello"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if job.State.NextRunAtMs <= before.UnixMilli() {
		t.Fatalf("expected grace-window next run in the future, got %d", job.State.NextRunAtMs)
	}
}

func TestEveryScheduleComputesNextMultiple(t *testing.T) {
	s := newTestService(t, func(Job) error { return nil })
	anchor := time.Now().Add(-90 * time.Second).UnixMilli()
	job, err := s.Add(AddInput{
		Name:     "every-60s",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000, AnchorMs: &anchor},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "tick"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	// anchor is 90s in the past; with a 60s interval the next run should be
	// anchor + 120s, i.e. 30s in the future.
	wantApprox := anchor + 120_000
	if diff := job.State.NextRunAtMs - wantApprox; diff < -1000 || diff > 1000 {
		t.Fatalf("expected next run near %d, got %d", wantApprox, job.State.NextRunAtMs)
	}
}

func TestCronScheduleParsesStandardExpression(t *testing.T) {
	s := newTestService(t, func(Job) error { return nil })
	job, err := s.Add(AddInput{
		Name:     "every-minute",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleCron, Expr: "* * * * *"},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "tick"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if job.State.NextRunAtMs <= time.Now().UnixMilli() {
		t.Fatal("expected a future next-run time")
	}
}

func TestCronScheduleParseFailureFallsBackSixtySeconds(t *testing.T) {
	s := newTestService(t, func(Job) error { return nil })
	before := time.Now()
	job, err := s.Add(AddInput{
		Name:     "bad-expr",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleCron, Expr: "not a cron expression"},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "tick"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	wantApprox := before.Add(60 * time.Second).UnixMilli()
	if diff := job.State.NextRunAtMs - wantApprox; diff < -1000 || diff > 1000 {
		t.Fatalf("expected fallback ~60s out, got %d vs %d", job.State.NextRunAtMs, wantApprox)
	}
}

func TestRunForceExecutesRegardlessOfNextRun(t *testing.T) {
	var calls atomic.Int64
	s := newTestService(t, func(Job) error { calls.Add(1); return nil })
	job, _ := s.Add(AddInput{
		Name:     "future",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(time.Hour).UnixMilli()},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "x"},
	})
	if err := s.Run(job.ID, RunForce); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one execution, got %d", calls.Load())
	}
}

func TestRunDueSkipsWhenNotYetDue(t *testing.T) {
	var calls atomic.Int64
	var events []EventType
	s := newTestService(t, func(Job) error { calls.Add(1); return nil }, WithEventHandler(func(e Event) {
		events = append(events, e.Type)
	}))
	job, _ := s.Add(AddInput{
		Name:     "future",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(time.Hour).UnixMilli()},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "x"},
	})
	if err := s.Run(job.ID, RunDue); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no execution, got %d", calls.Load())
	}
	if len(events) != 1 || events[0] != EventSkip {
		t.Fatalf("expected a single skip event, got %v", events)
	}
}

func TestRunFailurePropagatesErrorAndRecordsLastError(t *testing.T) {
	s := newTestService(t, func(Job) error { return fmt.Errorf("boom") })
	job, _ := s.Add(AddInput{
		Name:     "failing",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "x"},
	})
	err := s.Run(job.ID, RunForce)
	if err == nil {
		t.Fatal("expected the execution error to propagate")
	}
	got, ok := s.Get(job.ID)
	if !ok {
		t.Fatal("expected job to still exist")
	}
	if got.State.LastStatus != StatusError || got.State.LastError != "boom" {
		t.Fatalf("unexpected state: %+v", got.State)
	}
}

func TestDeleteAfterRunRemovesJob(t *testing.T) {
	s := newTestService(t, func(Job) error { return nil })
	job, _ := s.Add(AddInput{
		Name:           "one-and-done",
		Enabled:        true,
		DeleteAfterRun: true,
		Schedule:       Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:        Payload{Kind: PayloadSystemEvent, Text: "x"},
	})
	if err := s.Run(job.ID, RunForce); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := s.Get(job.ID); ok {
		t.Fatal("expected job to be removed after run")
	}
	if len(s.List(true)) != 0 {
		t.Fatal("expected job gone from list(includeDisabled=true) too")
	}
}

func TestUpdateIsImmutableOnIDAndCreatedAt(t *testing.T) {
	s := newTestService(t, func(Job) error { return nil })
	job, _ := s.Add(AddInput{
		Name:     "original",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "x"},
	})
	newName := "renamed"
	updated, err := s.Update(job.ID, UpdatePatch{Name: &newName})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != job.ID || updated.CreatedAtMs != job.CreatedAtMs {
		t.Fatal("expected id and createdAtMs to remain unchanged")
	}
	if updated.Name != "renamed" {
		t.Fatalf("expected name to update, got %q", updated.Name)
	}
}

func TestRemoveDropsJob(t *testing.T) {
	s := newTestService(t, func(Job) error { return nil })
	job, _ := s.Add(AddInput{Name: "x", Enabled: true, Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 1000}, Payload: Payload{Kind: PayloadSystemEvent, Text: "x"}})
	if err := s.Remove(job.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := s.Get(job.ID); ok {
		t.Fatal("expected job to be gone")
	}
}

func TestStartReloadsPersistedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	s1 := New(path, func(Job) error { return nil }, nil)
	if err := s1.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	s1.Add(AddInput{Name: "persisted", Enabled: true, Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000}, Payload: Payload{Kind: PayloadSystemEvent, Text: "x"}})
	s1.Stop()

	s2 := New(path, func(Job) error { return nil }, nil)
	if err := s2.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s2.Stop()
	jobs := s2.List(true)
	if len(jobs) != 1 || jobs[0].Name != "persisted" {
		t.Fatalf("expected reloaded job, got %+v", jobs)
	}
}
