package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop an agent's server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		h, ok := sup.Get(id)
		if !ok {
			return fmt.Errorf("unknown agent %q", id)
		}
		if err := h.Stop(context.Background()); err != nil {
			return fmt.Errorf("stopping %q: %w", id, err)
		}
		fmt.Printf("%s stopped\n", id)
		return nil
	},
}
