package commands

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"duskline/internal/aead"
	"duskline/internal/contactshare"
	"duskline/internal/crypto"
	"duskline/internal/domain"
)

var (
	shareTo       string
	shareDevice   string
	shareNickname string

	applySecret string
	applyBlob   string
)

// shareCmd groups the contact-share side-channel (spec §4.11): `create`
// mints a one-time invite secret and a sealed bootstrap payload for a new
// peer to exchange out of band (QR code, paste, whatever); `apply` consumes
// one received that way and completes the responder side of X3DH.
func shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Bootstrap a conversation via an out-of-band contact-share",
	}
	cmd.AddCommand(shareCreateCmd(), shareApplyCmd())
	return cmd
}

func shareCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an invite secret and sealed contact-share payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			if shareTo == "" {
				return fmt.Errorf("--to required (peer account digest)")
			}
			peerDigest, err := domain.NewAccountDigest(shareTo)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			var peerDevice *domain.DeviceID
			if shareDevice != "" {
				d := domain.DeviceID(shareDevice)
				peerDevice = &d
			}

			initiated, err := appCtx.SessionSvc.InitiateConversation(cmd.Context(), passphrase, sess.AccountDigest, sess.DeviceID, peerDigest, peerDevice)
			if err != nil {
				return fmt.Errorf("initiate conversation: %w", err)
			}
			appCtx.Sessions.Put(initiated.Peer, initiated.State)

			var secret domain.MasterKey
			if _, err := rand.Read(secret[:]); err != nil {
				return fmt.Errorf("generating invite secret: %w", err)
			}
			defer crypto.Wipe(secret[:])

			now := time.Now().Unix()
			payload := domain.ContactSharePayload{
				Nickname: shareNickname,
				Conversation: domain.ConversationRef{
					TokenB64:       initiated.Base.ConversationToken,
					ConversationID: initiated.Base.ConversationID,
					DRInit:         &initiated.DRInit,
					PeerDeviceID:   sess.DeviceID,
				},
				AddedAt:          now,
				ProfileUpdatedAt: now,
			}
			// PeerAccountDigest in the payload names the recipient of this
			// invite from the recipient's own point of view: on their side,
			// the peer they're adding is this device's account.
			payload.PeerAccountDigest = sess.AccountDigest

			env, err := contactshare.Encode(payload, secret)
			if err != nil {
				return fmt.Errorf("sealing contact-share: %w", err)
			}
			blob, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("encoding envelope: %w", err)
			}

			appCtx.Contacts.TrackInvite(peerDigest, initiated.Peer.DeviceID, payload)

			fmt.Println("Invite secret (share out of band, do not send over the relay):")
			fmt.Println(crypto.B64(secret[:]))
			fmt.Println("Sealed payload (send alongside the secret):")
			fmt.Println(string(blob))
			return nil
		},
	}

	cmd.Flags().StringVar(&shareTo, "to", "", "peer account digest (required)")
	cmd.Flags().StringVar(&shareDevice, "device", "", "peer device id (optional, pins a specific device)")
	cmd.Flags().StringVar(&shareNickname, "nickname", "", "nickname to present to the peer")
	return cmd
}

func shareApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a received contact-share payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := requireSession(); err != nil {
				return err
			}
			if applySecret == "" || applyBlob == "" {
				return fmt.Errorf("--secret and --blob are both required")
			}

			secretBytes, err := crypto.FromB64(applySecret)
			if err != nil {
				return fmt.Errorf("decoding invite secret: %w", err)
			}
			if len(secretBytes) != 32 {
				return fmt.Errorf("invite secret must decode to 32 bytes, got %d", len(secretBytes))
			}
			var secret domain.MasterKey
			copy(secret[:], secretBytes)
			defer crypto.Wipe(secret[:])

			var env aead.Envelope
			if err := json.Unmarshal([]byte(applyBlob), &env); err != nil {
				return fmt.Errorf("decoding envelope json: %w", err)
			}
			payload, err := contactshare.Decode(env, secret)
			if err != nil {
				return fmt.Errorf("opening contact-share: %w", err)
			}

			entry, err := appCtx.Contacts.Apply(payload)
			if err != nil {
				return fmt.Errorf("applying contact-share: %w", err)
			}

			fmt.Printf("Added contact %s (conversation %s)\n", entry.PeerAccountDigest, entry.ConversationID)
			return nil
		},
	}

	cmd.Flags().StringVar(&applySecret, "secret", "", "invite secret, base64 (required)")
	cmd.Flags().StringVar(&applyBlob, "blob", "", "sealed contact-share payload JSON (required)")
	return cmd
}
