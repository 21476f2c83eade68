// Command tinycrab-agent is the per-agent HTTP server the supervisor
// (internal/supervisor) spawns as a subprocess. It owns one session manager,
// one memory store, one subagent manager, one cron service, and the tool
// server bridging them into the runtime: parse --id/--port/--data-dir/--provider/--model,
// read the API key from stdin within 1s (falling back to the provider's
// environment variable and deleting it once consumed), bootstrap its data
// directory, and serve until a termination signal or a /stop request shuts
// it down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/agentserver"
	"github.com/tinycrab/tinycrab/internal/authstore"
	"github.com/tinycrab/tinycrab/internal/bus"
	"github.com/tinycrab/tinycrab/internal/config"
	"github.com/tinycrab/tinycrab/internal/cron"
	"github.com/tinycrab/tinycrab/internal/llm"
	"github.com/tinycrab/tinycrab/internal/llm/acp"
	"github.com/tinycrab/tinycrab/internal/logging"
	"github.com/tinycrab/tinycrab/internal/memory"
	"github.com/tinycrab/tinycrab/internal/runtimecmd"
	"github.com/tinycrab/tinycrab/internal/session"
	"github.com/tinycrab/tinycrab/internal/sessionkey"
	"github.com/tinycrab/tinycrab/internal/subagent"
	"github.com/tinycrab/tinycrab/internal/toolserver"
)

func main() {
	id := flag.String("id", "", "agent id")
	port := flag.Int("port", 0, "port to bind 127.0.0.1 on")
	dataDir := flag.String("data-dir", "", "supervisor data directory")
	provider := flag.String("provider", "openai", "LLM provider")
	model := flag.String("model", "", "LLM model")
	flag.Parse()

	if *id == "" || *port == 0 || *dataDir == "" {
		fmt.Fprintln(os.Stderr, "tinycrab-agent: --id, --port, and --data-dir are required")
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{Level: "info", Format: "text", OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tinycrab-agent: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.WithFields(zap.String("agent", *id))

	apiKey := agentserver.ReadAPIKey(os.Stdin, config.ProviderAPIKeyEnvVar(*provider), time.Second)

	paths, err := agentserver.Bootstrap(*dataDir, *id)
	if err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}

	auth := authstore.New()
	if apiKey != "" {
		auth.Set(*provider, apiKey)
	}

	runtimeCmd := os.Getenv("AGENT_RUNTIME_COMMAND")
	factory := acp.Factory(runtimecmd.Build(runtimeCmd, *provider, *model, auth), log)

	sessions, err := session.New(session.Config{}, factory, log)
	if err != nil {
		log.Fatal("failed to create session manager", zap.Error(err))
	}
	defer sessions.Close()

	mem, err := memory.Open(filepath.Join(paths.Memory, "entries.jsonl"), log)
	if err != nil {
		log.Fatal("failed to open memory store", zap.Error(err))
	}
	defer mem.Close()

	b := bus.New(log)
	subagents := subagent.New(b, factory, log)

	tools, err := toolserver.NewHost(toolserver.Deps{Memory: mem, Subagents: subagents}, log)
	if err != nil {
		log.Fatal("failed to bind tool server", zap.Error(err))
	}
	subagents.SetToolsURL(tools.SubagentURL())

	cronExecutor := func(job cron.Job) error {
		switch job.Payload.Kind {
		case cron.PayloadSystemEvent:
			log.Info("cron system event fired", zap.String("job", job.ID), zap.String("text", job.Payload.Text))
			return nil
		case cron.PayloadAgentTurn:
			key := sessionkey.Build("cron", job.ID, "")
			cfg := llm.Config{
				WorkspacePath:    paths.Workspace,
				SessionDirectory: filepath.Join(paths.Sessions, job.ID),
				AuthStore:        auth,
				ToolsURL:         tools.MainURL(),
				CustomTools:      toolserver.DomainTools(),
			}
			var reply string
			err := sessions.WithSession(context.Background(), key, cfg, func(sess *session.Session) error {
				if err := sess.LLM.Prompt(context.Background(), job.Payload.Message); err != nil {
					return err
				}
				if text, ok := sess.LLM.LastAssistantText(); ok {
					reply = text
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("tinycrab-agent: cron agent turn: %w", err)
			}
			if job.Payload.Deliver {
				log.Info("cron turn completed", zap.String("job", job.ID), zap.String("reply", reply))
			}
			return nil
		default:
			return fmt.Errorf("tinycrab-agent: unknown cron payload kind %q", job.Payload.Kind)
		}
	}

	cronSvc := cron.New(filepath.Join(paths.Root, "cron.json"), cronExecutor, log)
	tools.SetCron(cronSvc)
	if err := cronSvc.Start(); err != nil {
		log.Fatal("failed to start cron service", zap.Error(err))
	}
	defer cronSvc.Stop()

	if err := tools.Start(); err != nil {
		log.Fatal("failed to start tool server", zap.Error(err))
	}
	defer tools.Stop(context.Background())

	srv := agentserver.New(*id, *port, paths, sessions, mem, subagents, cronSvc, tools, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received termination signal")
		cancel()
	}()

	log.Info("starting agent server", zap.Int("port", *port), zap.String("provider", *provider))
	if err := srv.Run(ctx); err != nil {
		log.Fatal("agent server exited with error", zap.Error(err))
	}
}
