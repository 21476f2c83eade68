// Package dispatch runs the in-process conversational loop that glues the
// message bus, session manager, and subagent manager together: it consumes
// inbound bus messages, routes "/spawn" to the subagent manager and
// "/status" to a synthetic reply, drives ordinary turns through the session
// manager behind a pre-compaction memory flush, and wires cron job
// execution (internal/cron.Executor) back onto the bus and session manager.
//
// Modeled on the single-consumer, command-prefix-switching dispatch loop in
// the sibling scheduler package, adapted to work off the bus instead of a
// persisted job queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/bus"
	"github.com/tinycrab/tinycrab/internal/cron"
	"github.com/tinycrab/tinycrab/internal/llm"
	"github.com/tinycrab/tinycrab/internal/logging"
	"github.com/tinycrab/tinycrab/internal/session"
	"github.com/tinycrab/tinycrab/internal/sessionkey"
	"github.com/tinycrab/tinycrab/internal/subagent"
)

// CronChannel is the fixed inbound channel name systemEvent cron payloads
// publish onto.
const CronChannel = "cron"

// flushPrompt is the fixed instruction issued as a silent turn before a real
// user turn once the façade reports the conversation window is nearly full.
const flushPrompt = "Your context window is nearly full. Call the remember tool for anything from this conversation worth preserving, then reply with the literal text NO_REPLY and nothing else."

// ConfigFunc builds the llm.Config a session turn on key should use —
// resolving workspace path, auth store, and tool list per call site (HTTP
// chat, cron, or subagent turns each scope these differently).
type ConfigFunc func(key string) llm.Config

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCompactionThreshold overrides the default 0.80 pre-compaction trigger.
func WithCompactionThreshold(pct float64) Option {
	return func(o *Orchestrator) { o.threshold = pct }
}

// Orchestrator drives the conversational dispatch loop and the cron
// executor over a shared session and subagent manager.
type Orchestrator struct {
	bus       *bus.Bus
	sessions  *session.Manager
	subagents *subagent.Manager
	cfg       ConfigFunc
	threshold float64
	logger    *logging.Logger
}

// New creates an Orchestrator wiring b, sessions, and subagents together.
// cfg supplies the llm.Config for any session key the loop or cron executor
// touches.
func New(b *bus.Bus, sessions *session.Manager, subagents *subagent.Manager, cfg ConfigFunc, log *logging.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logging.Default()
	}
	o := &Orchestrator{
		bus:       b,
		sessions:  sessions,
		subagents: subagents,
		cfg:       cfg,
		threshold: 0.80,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run consumes inbound bus messages until ctx is cancelled, dispatching each
// one in turn.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		msg, err := o.bus.ConsumeInbound(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		o.dispatch(ctx, msg)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, msg bus.Message) {
	switch {
	case strings.HasPrefix(msg.Content, "/spawn "):
		o.handleSpawn(msg)
	case msg.Content == "/status":
		o.handleStatus(msg)
	default:
		o.handleTurn(ctx, msg)
	}
}

func (o *Orchestrator) handleSpawn(msg bus.Message) {
	task := strings.TrimSpace(strings.TrimPrefix(msg.Content, "/spawn "))
	if task == "" {
		o.reply(msg, "usage: /spawn <task>")
		return
	}
	id, err := o.subagents.Spawn(subagent.SpawnRequest{
		Task:      task,
		ParentKey: sessionkey.Build(msg.Channel, msg.ChatID, ""),
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
	})
	if err != nil {
		o.logger.Warn("spawn failed", zap.Error(err))
		o.reply(msg, fmt.Sprintf("failed to spawn task: %v", err))
		return
	}
	o.reply(msg, fmt.Sprintf("spawned task %s", id))
}

func (o *Orchestrator) handleStatus(msg bus.Message) {
	tasks := o.subagents.List("")
	running := 0
	for _, t := range tasks {
		if t.Status == subagent.StatusRunning {
			running++
		}
	}
	o.reply(msg, fmt.Sprintf("%d task(s) tracked, %d running", len(tasks), running))
}

func (o *Orchestrator) handleTurn(ctx context.Context, msg bus.Message) {
	key := sessionkey.Build(msg.Channel, msg.ChatID, "")
	cfg := o.cfg(key)

	var reply string
	err := o.sessions.WithSession(ctx, key, cfg, func(sess *session.Session) error {
		o.maybeFlush(ctx, sess)
		if err := sess.LLM.Prompt(ctx, msg.Content); err != nil {
			return err
		}
		if text, ok := sess.LLM.LastAssistantText(); ok {
			reply = text
		}
		return nil
	})
	if err != nil {
		o.logger.Error("turn failed", zap.String("key", key), zap.Error(err))
		o.reply(msg, fmt.Sprintf("error: %v", err))
		return
	}
	o.reply(msg, reply)
}

// maybeFlush asks the session whether its context window is nearly full and,
// if so, runs a silent turn asking it to remember anything worth preserving
// before the real turn proceeds. Flush failures are logged and ignored —
// they never block or fail the caller's turn.
func (o *Orchestrator) maybeFlush(ctx context.Context, sess *session.Session) {
	reporter, ok := sess.LLM.(llm.ContextUsageReporter)
	if !ok {
		return
	}
	usage, ok := reporter.ContextUsage()
	if !ok || usage.Percent < o.threshold {
		return
	}
	if err := sess.LLM.Prompt(ctx, flushPrompt); err != nil {
		o.logger.Warn("pre-compaction flush failed", zap.String("key", sess.Key), zap.Error(err))
	}
}

func (o *Orchestrator) reply(msg bus.Message, content string) {
	o.bus.PublishOutbound(bus.Message{Channel: msg.Channel, ChatID: msg.ChatID, Content: content})
}

// CronExecutor returns a cron.Executor that routes systemEvent payloads onto
// the inbound bus on CronChannel (chatId = job id) and agentTurn payloads
// through the session manager on a "cron:<job id>" session key, optionally
// delivering the reply to an outbound channel.
func (o *Orchestrator) CronExecutor() cron.Executor {
	return func(job cron.Job) error {
		switch job.Payload.Kind {
		case cron.PayloadSystemEvent:
			o.bus.PublishInbound(bus.Message{Channel: CronChannel, ChatID: job.ID, Content: job.Payload.Text})
			return nil

		case cron.PayloadAgentTurn:
			key := sessionkey.Build(CronChannel, job.ID, "")
			cfg := o.cfg(key)

			var reply string
			err := o.sessions.WithSession(context.Background(), key, cfg, func(sess *session.Session) error {
				o.maybeFlush(context.Background(), sess)
				if err := sess.LLM.Prompt(context.Background(), job.Payload.Message); err != nil {
					return err
				}
				if text, ok := sess.LLM.LastAssistantText(); ok {
					reply = text
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("orchestrator: cron agent turn: %w", err)
			}
			if job.Payload.Deliver {
				o.bus.PublishOutbound(bus.Message{
					Channel: job.Payload.DeliverChannel,
					ChatID:  job.Payload.DeliverChatID,
					Content: reply,
				})
			}
			return nil

		default:
			return fmt.Errorf("orchestrator: unknown cron payload kind %q", job.Payload.Kind)
		}
	}
}
