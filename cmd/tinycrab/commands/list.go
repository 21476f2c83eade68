package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known agent and its status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		handles := sup.List(context.Background())
		if len(handles) == 0 {
			fmt.Println("no agents")
			return nil
		}
		for _, h := range handles {
			fmt.Printf("%s\t%s\tport %d\n", h.ID, h.Status(), h.Port)
		}
		return nil
	},
}
