package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"duskline/internal/crypto"
	"duskline/internal/domain"
)

var (
	loginUID        string
	loginSDMMAC     string
	loginSDMCounter string
	loginNonce      string
)

// loginCmd exchanges a physical-credential tap for an account session (spec
// §6 `/auth/sdm/exchange`): it fetches the account token/digest and the
// account-scoped server material, derives the Master Key locally, and seals
// it for reuse by later commands on this device.
func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange a physical-credential tap for an unlocked session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			if loginUID == "" {
				return fmt.Errorf("--uid required (the physical credential's identifier)")
			}

			result, err := appCtx.RelayClient.AuthSDMExchange(cmd.Context(), loginUID, loginSDMMAC, loginSDMCounter, loginNonce)
			if err != nil {
				return fmt.Errorf("sdm exchange: %w", err)
			}
			serverMaterial, err := crypto.FromB64(result.WrappedMK)
			if err != nil {
				return fmt.Errorf("decoding server material: %w", err)
			}
			mk, err := crypto.DeriveMasterKey(serverMaterial)
			if err != nil {
				return fmt.Errorf("deriving master key: %w", err)
			}

			existing, found, err := appCtx.AccountStore.LoadAccountProfile()
			if err != nil {
				return fmt.Errorf("loading account profile: %w", err)
			}
			deviceID := domain.DeviceID(uuid.NewString())
			if found && existing.AccountDigest == result.AccountDigest {
				deviceID = existing.DeviceID
			}

			profile := domain.AccountProfile{
				ServerURL:     relayURL,
				AccountDigest: result.AccountDigest,
				DeviceID:      deviceID,
				AccountToken:  result.AccountToken,
			}
			if err := appCtx.AccountStore.SaveAccountProfile(profile); err != nil {
				return fmt.Errorf("saving account profile: %w", err)
			}
			if err := appCtx.MKStore.SaveMK(passphrase, mk); err != nil {
				return fmt.Errorf("sealing master key: %w", err)
			}

			appCtx.SetSession(domain.Session{
				MK:            mk,
				AccountDigest: profile.AccountDigest,
				DeviceID:      profile.DeviceID,
				AccountToken:  profile.AccountToken,
				ServerURL:     profile.ServerURL,
			}, passphrase)

			fmt.Printf("Logged in as %s on device %s\n", profile.AccountDigest, profile.DeviceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&loginUID, "uid", "", "physical credential UID (required)")
	cmd.Flags().StringVar(&loginSDMMAC, "sdmmac", "", "SDM message authentication code from the tap")
	cmd.Flags().StringVar(&loginSDMCounter, "sdmcounter", "", "SDM read counter from the tap")
	cmd.Flags().StringVar(&loginNonce, "nonce", "", "client nonce for replay resistance")
	return cmd
}
