// Package commands implements the tinycrab CLI's cobra command tree.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tinycrab/tinycrab/internal/authstore"
	"github.com/tinycrab/tinycrab/internal/config"
	"github.com/tinycrab/tinycrab/internal/procmgr"
	"github.com/tinycrab/tinycrab/internal/supervisor"
)

var (
	dataDir string
	cfg     *config.Config
	sup     *supervisor.Supervisor
)

var rootCmd = &cobra.Command{
	Use:   "tinycrab",
	Short: "Supervise long-running conversational agent processes",
	Long: `tinycrab spawns, inspects, and tears down per-agent HTTP servers,
handing each one an API key over its standard input and reconciling their
liveness against what's recorded on disk.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if dataDir != "" {
			cfg.Agent.DataDir = dataDir
		}

		auth := authstore.New()
		for _, provider := range []string{"openai", "anthropic", "gemini", "groq", "cerebras", "xai", "openrouter", "mistral"} {
			if key := os.Getenv(config.ProviderAPIKeyEnvVar(provider)); key != "" {
				auth.Set(provider, key)
			}
		}

		sup = supervisor.New(cfg.Agent.DataDir, auth, agentCommandBuilder, nil)
		return sup.Init(context.Background())
	},
}

// agentCommandBuilder launches cmd/tinycrab-agent as a sibling of the
// currently running tinycrab binary, overridable via TINYCRAB_AGENT_BIN for
// development trees where the two binaries aren't installed side by side.
func agentCommandBuilder(id string, port int, dataDir string, opts supervisor.SpawnOptions) procmgr.Config {
	return procmgr.Config{
		Args: []string{
			agentBinaryPath(),
			"--id", id,
			"--port", fmt.Sprintf("%d", port),
			"--data-dir", dataDir,
			"--provider", opts.Provider,
			"--model", opts.Model,
		},
	}
}

func agentBinaryPath() string {
	if path := os.Getenv("TINYCRAB_AGENT_BIN"); path != "" {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return "tinycrab-agent"
	}
	return filepath.Join(filepath.Dir(exe), "tinycrab-agent")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "supervisor data directory (default: $AGENT_DATA_DIR or ~/.tinycrab)")

	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(destroyCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
