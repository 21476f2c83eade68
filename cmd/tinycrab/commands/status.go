package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Report whether an agent's server is running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		h, ok := sup.Get(id)
		if !ok {
			return fmt.Errorf("unknown agent %q", id)
		}
		fmt.Printf("%s: %s (port %d)\n", h.ID, h.Probe(), h.Port)
		return nil
	},
}
