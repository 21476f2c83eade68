// Package cron implements a durable job scheduler: JSON-persisted jobs with
// at/every/cron-expression schedules, one in-memory timer per enabled job,
// and every mutation serialized so the in-memory list and the file on disk
// never drift apart.
//
// Cron-expression parsing is grounded on
// teradata-labs-loom/pkg/scheduler/scheduler.go, which schedules workflows
// against standard 5-field cron expressions; this package reuses its
// dependency, robfig/cron/v3, purely for expression parsing rather than for
// that library's own run loop, since each job rearms its own timer after
// every run regardless of schedule kind.
package cron

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	cronparse "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/logging"
)

// ScheduleKind selects how NextRun is computed.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is the tagged schedule variant of a job's timing.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	AtMs int64 `json:"atMs,omitempty"`

	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs *int64 `json:"anchorMs,omitempty"`

	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// PayloadKind selects how Execute routes a job's payload.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent"
	PayloadAgentTurn   PayloadKind = "agentTurn"
)

// Payload is the tagged payload variant a job executes.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// systemEvent
	Text string `json:"text,omitempty"`

	// agentTurn
	Message        string `json:"message,omitempty"`
	Deliver        bool   `json:"deliver,omitempty"`
	DeliverChannel string `json:"channel,omitempty"`
	DeliverChatID  string `json:"chatId,omitempty"`
}

// LastStatus is the outcome of a job's most recent execution.
type LastStatus string

const (
	StatusOK      LastStatus = "ok"
	StatusError   LastStatus = "error"
	StatusSkipped LastStatus = "skipped"
)

// State is a job's mutable execution bookkeeping.
type State struct {
	NextRunAtMs    int64      `json:"nextRunAtMs,omitempty"`
	RunningAtMs    int64      `json:"runningAtMs,omitempty"`
	LastRunAtMs    int64      `json:"lastRunAtMs,omitempty"`
	LastStatus     LastStatus `json:"lastStatus,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastDurationMs int64      `json:"lastDurationMs,omitempty"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          State    `json:"state"`
}

// RunMode selects Run's due-check behavior.
type RunMode string

const (
	RunForce RunMode = "force"
	RunDue   RunMode = "due"
)

// EventType categorizes an Event emitted after an execution attempt.
type EventType string

const (
	EventRun   EventType = "run"
	EventError EventType = "error"
	EventSkip  EventType = "skip"
)

// Event is emitted after every execution path, for observability.
type Event struct {
	Type EventType
	Job  Job
	Err  error
}

// Executor runs a job's payload and reports whether it succeeded.
// Implementations route systemEvent payloads onto the inbound bus and
// agentTurn payloads through the session manager.
type Executor func(job Job) error

// AddInput describes a new job.
type AddInput struct {
	Name           string
	Description    string
	Enabled        bool
	DeleteAfterRun bool
	Schedule       Schedule
	Payload        Payload
}

// UpdatePatch carries optional field overrides for Update. Nil fields are
// left unchanged.
type UpdatePatch struct {
	Name           *string
	Description    *string
	Enabled        *bool
	DeleteAfterRun *bool
	Schedule       *Schedule
	Payload        *Payload
}

type fileFormat struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Service is the cron service.
type Service struct {
	logger *logging.Logger
	path   string
	exec   Executor

	// mu serializes every mutation — add/update/remove/run/persist — so the
	// in-memory list and the on-disk file never observe an interleaved
	// write.
	mu      sync.Mutex
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	running bool

	onEvent func(Event)
	idSeq   func() string
	now     func() time.Time
}

// Option customizes a Service at construction, primarily for tests.
type Option func(*Service)

// WithEventHandler registers a callback invoked after every execution path.
func WithEventHandler(f func(Event)) Option {
	return func(s *Service) { s.onEvent = f }
}

// WithIDFunc overrides job id generation.
func WithIDFunc(f func() string) Option {
	return func(s *Service) { s.idSeq = f }
}

// WithClock overrides the service's notion of "now".
func WithClock(f func() time.Time) Option {
	return func(s *Service) { s.now = f }
}

// New creates a Service persisting to path, executing due jobs via exec.
func New(path string, exec Executor, log *logging.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.Default()
	}
	s := &Service{
		logger: log.WithFields(zap.String("component", "cron")),
		path:   path,
		exec:   exec,
		jobs:   make(map[string]*Job),
		timers: make(map[string]*time.Timer),
		idSeq:  newJobID,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads persisted jobs (an absent file means an empty set) and arms a
// timer for every enabled job.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return err
	}
	s.jobs = jobs
	s.running = true

	for id, job := range s.jobs {
		if job.Enabled {
			s.arm(id)
		}
	}
	return nil
}

// Stop flips the running flag off and cancels every timer. Persisted state
// is left untouched so a subsequent Start resumes the same job set.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Add registers a new job and arms its timer if enabled.
func (s *Service) Add(input AddInput) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := Job{
		ID:             s.idSeq(),
		Name:           input.Name,
		Description:    input.Description,
		Enabled:        input.Enabled,
		DeleteAfterRun: input.DeleteAfterRun,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
		Schedule:       input.Schedule,
		Payload:        input.Payload,
	}

	next, err := s.nextRun(job.Schedule, now)
	if err != nil {
		return Job{}, err
	}
	job.State.NextRunAtMs = next

	s.jobs[job.ID] = &job
	if err := s.persist(); err != nil {
		return Job{}, err
	}
	if job.Enabled {
		s.arm(job.ID)
	}
	return job, nil
}

// Update merges patch into the job identified by id. ID and CreatedAtMs are
// immutable.
func (s *Service) Update(id string, patch UpdatePatch) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("cron: job %q not found", id)
	}

	scheduleChanged := false
	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Payload != nil {
		job.Payload = *patch.Payload
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	job.UpdatedAtMs = s.now().UnixMilli()

	if scheduleChanged {
		next, err := s.nextRun(job.Schedule, s.now())
		if err != nil {
			return Job{}, err
		}
		job.State.NextRunAtMs = next
	}

	if err := s.persist(); err != nil {
		return Job{}, err
	}

	s.disarm(id)
	if job.Enabled {
		s.arm(id)
	}
	return *job, nil
}

// Remove drops a job and cancels its timer.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron: job %q not found", id)
	}
	delete(s.jobs, id)
	s.disarm(id)
	return s.persist()
}

// Run executes job id. mode "force" runs unconditionally; mode "due" skips
// if the job's nextRunAtMs is still in the future.
func (s *Service) Run(id string, mode RunMode) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cron: job %q not found", id)
	}

	now := s.now()
	if mode == RunDue && job.State.NextRunAtMs > now.UnixMilli() {
		s.mu.Unlock()
		s.emit(Event{Type: EventSkip, Job: *job})
		return nil
	}
	s.mu.Unlock()

	return s.execute(id)
}

// List returns jobs, optionally including disabled ones.
func (s *Service) List(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !includeDisabled && !j.Enabled {
			continue
		}
		out = append(out, *j)
	}
	return out
}

// Get returns the job with the given id, if present.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// arm must be called with mu held. It cancels any existing timer for id and
// schedules a new one firing at the job's nextRunAtMs.
func (s *Service) arm(id string) {
	s.disarmLocked(id)
	job := s.jobs[id]
	if job == nil {
		return
	}
	delay := time.Until(time.UnixMilli(job.State.NextRunAtMs))
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.execute(id)
	})
}

// disarm cancels id's timer. It takes no lock of its own: callers must
// already hold mu.
func (s *Service) disarm(id string) {
	s.disarmLocked(id)
}

func (s *Service) disarmLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// execute runs the job's payload through exec and applies the post-run
// state transition.
func (s *Service) execute(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	started := s.now()
	job.State.RunningAtMs = started.UnixMilli()
	jobCopy := *job
	s.mu.Unlock()

	var execErr error
	if s.exec != nil {
		execErr = s.exec(jobCopy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok = s.jobs[id]
	if !ok {
		return execErr // removed mid-execution
	}

	now := s.now()
	job.State.RunningAtMs = 0
	job.State.LastRunAtMs = now.UnixMilli()
	job.State.LastDurationMs = now.Sub(started).Milliseconds()

	if execErr != nil {
		job.State.LastStatus = StatusError
		job.State.LastError = execErr.Error()
	} else {
		job.State.LastStatus = StatusOK
		job.State.LastError = ""
	}

	next, nextErr := s.nextRun(job.Schedule, now)
	if nextErr == nil {
		job.State.NextRunAtMs = next
	}

	finalJob := *job

	if job.DeleteAfterRun {
		delete(s.jobs, id)
		s.disarmLocked(id)
	} else if job.Enabled && s.running {
		s.arm(id)
	}

	if err := s.persistLocked(); err != nil {
		s.logger.Warn("failed to persist cron store after execution", zap.Error(err))
	}

	eventType := EventRun
	if execErr != nil {
		eventType = EventError
	}
	s.emitLocked(Event{Type: eventType, Job: finalJob, Err: execErr})

	return execErr
}

func (s *Service) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *Service) emitLocked(ev Event) {
	// onEvent callbacks must not call back into the Service synchronously;
	// they're invoked while mu is held to keep event ordering aligned with
	// the state transition that produced them.
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// nextRun computes the next fire time for sched relative to now, applying
// the at/every/cron schedule rules.
func (s *Service) nextRun(sched Schedule, now time.Time) (int64, error) {
	switch sched.Kind {
	case ScheduleAt:
		if sched.AtMs > now.UnixMilli() {
			return sched.AtMs, nil
		}
		return now.Add(time.Second).UnixMilli(), nil

	case ScheduleEvery:
		if sched.EveryMs <= 0 {
			return 0, fmt.Errorf("cron: every schedule requires a positive interval")
		}
		anchor := now.UnixMilli()
		if sched.AnchorMs != nil {
			anchor = *sched.AnchorMs
		}
		elapsed := now.UnixMilli() - anchor
		n := int64(math.Floor(float64(elapsed)/float64(sched.EveryMs))) + 1
		return anchor + n*sched.EveryMs, nil

	case ScheduleCron:
		loc := time.Local
		if sched.TZ != "" {
			if l, err := time.LoadLocation(sched.TZ); err == nil {
				loc = l
			}
		}
		schedule, err := cronparse.ParseStandard(sched.Expr)
		if err != nil {
			return now.Add(60 * time.Second).UnixMilli(), nil
		}
		return schedule.Next(now.In(loc)).UnixMilli(), nil

	default:
		return 0, fmt.Errorf("cron: unknown schedule kind %q", sched.Kind)
	}
}

func (s *Service) load() (map[string]*Job, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*Job), nil
		}
		return nil, fmt.Errorf("cron: reading store: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(b, &ff); err != nil {
		return nil, fmt.Errorf("cron: decoding store: %w", err)
	}
	jobs := make(map[string]*Job, len(ff.Jobs))
	for i := range ff.Jobs {
		j := ff.Jobs[i]
		jobs[j.ID] = &j
	}
	return jobs, nil
}

// persist must be called with mu held.
func (s *Service) persist() error {
	return s.persistLocked()
}

func (s *Service) persistLocked() error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cron: creating directory: %w", err)
		}
	}
	ff := fileFormat{Version: 1, Jobs: make([]Job, 0, len(s.jobs))}
	for _, j := range s.jobs {
		ff.Jobs = append(ff.Jobs, *j)
	}
	b, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("cron: encoding store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("cron: writing store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

var jobCounter int

func newJobID() string {
	jobCounter++
	return fmt.Sprintf("cron-%d-%d", time.Now().UnixNano(), jobCounter)
}
