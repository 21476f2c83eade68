package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinycrab/tinycrab/internal/supervisor"
)

var (
	spawnProvider string
	spawnModel    string
)

var spawnCmd = &cobra.Command{
	Use:   "spawn <id>",
	Short: "Start (or reuse) the agent server for <id>",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if spawnProvider == "" {
			spawnProvider = cfg.Agent.Provider
		}
		if spawnModel == "" {
			spawnModel = cfg.Agent.Model
		}

		h, err := sup.Spawn(context.Background(), id, supervisor.SpawnOptions{
			Provider: spawnProvider,
			Model:    spawnModel,
		})
		if err != nil {
			return fmt.Errorf("spawning %q: %w", id, err)
		}
		fmt.Printf("%s running on port %d\n", h.ID, h.Port)
		return nil
	},
}

func init() {
	spawnCmd.Flags().StringVar(&spawnProvider, "provider", "", "LLM provider (default: configured default)")
	spawnCmd.Flags().StringVar(&spawnModel, "model", "", "LLM model (default: configured default)")
}
