package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var destroyCleanup bool

var destroyCmd = &cobra.Command{
	Use:   "destroy <id>",
	Short: "Stop an agent and optionally remove its data directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		h, ok := sup.Get(id)
		if !ok {
			return fmt.Errorf("unknown agent %q", id)
		}
		if err := h.Destroy(context.Background(), destroyCleanup); err != nil {
			return fmt.Errorf("destroying %q: %w", id, err)
		}
		fmt.Printf("%s destroyed\n", id)
		return nil
	},
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyCleanup, "cleanup", false, "also remove the agent's data directory")
}
