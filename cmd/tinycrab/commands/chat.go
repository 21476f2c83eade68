package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat <id> <message>",
	Short: "Send a chat message to an agent and print its reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, message := args[0], args[1]
		h, ok := sup.Get(id)
		if !ok {
			return fmt.Errorf("unknown agent %q", id)
		}
		resp, err := h.Chat(context.Background(), message, chatSessionID)
		if err != nil {
			return fmt.Errorf("chat with %q: %w", id, err)
		}
		fmt.Println(resp.Response)
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session-id", "", "session id to reuse, if any")
}
