package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"duskline/internal/domain"
)

var recvConversation string

// recvCmd drains whatever the relay is currently holding for one
// conversation through the envelope pipeline and the live coordinator
// (spec §4.6/§4.7); decrypted messages print via the coordinator's Emit
// hook as they land, not as this command's return value.
func recvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt queued messages for a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			if recvConversation == "" {
				return fmt.Errorf("--conversation required")
			}

			n, err := appCtx.MessageSvc.Recv(cmd.Context(), sess.Self(), domain.ConversationID(recvConversation))
			if err != nil {
				return fmt.Errorf("recv: %w", err)
			}

			fmt.Printf("Delivered %d message(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&recvConversation, "conversation", "", "conversation id (required)")
	return cmd
}
