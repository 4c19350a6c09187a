package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"duskline/internal/domain"
)

var (
	sendTo     string
	sendDevice string
)

// sendCmd resolves or bootstraps a DR session with the named peer and sends
// one plaintext message through it (spec §4.2 Encrypt, §4.3 handshake).
func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send an end-to-end encrypted message to a contact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			if sendTo == "" {
				return fmt.Errorf("--to required (peer account digest)")
			}
			peerDigest, err := domain.NewAccountDigest(sendTo)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			var peerDevice *domain.DeviceID
			if sendDevice != "" {
				d := domain.DeviceID(sendDevice)
				peerDevice = &d
			}

			plaintext := []byte(strings.Join(args, " "))
			sent, err := appCtx.MessageSvc.Send(cmd.Context(), passphrase, sess, peerDigest, peerDevice, plaintext)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}

			fmt.Printf("Sent #%d to %s (conversation %s)\n", sent.Counter, peerDigest, sent.ConversationID)
			return nil
		},
	}

	cmd.Flags().StringVar(&sendTo, "to", "", "peer account digest (required)")
	cmd.Flags().StringVar(&sendDevice, "device", "", "peer device id (optional, pins a specific device)")
	return cmd
}
