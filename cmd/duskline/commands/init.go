package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"duskline/internal/crypto"
	"duskline/internal/domain"
)

// initCmd creates a new identity by generating a fresh X25519 and Ed25519
// keypair and storing them encrypted on disk.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create your local identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			xpriv, xpub, err := crypto.GenerateX25519()
			if err != nil {
				return fmt.Errorf("generating X25519 key: %w", err)
			}
			edpriv, edpub, err := crypto.GenerateEd25519()
			if err != nil {
				return fmt.Errorf("generating Ed25519 key: %w", err)
			}

			id := domain.Identity{XPub: xpub, XPriv: xpriv, EdPub: edpub, EdPriv: edpriv}
			if err := appCtx.IdentityStore.SaveIdentity(passphrase, id); err != nil {
				return fmt.Errorf("saving identity: %w", err)
			}

			fmt.Println("Identity created.")
			fmt.Printf("Fingerprint: %s\n", crypto.Fingerprint(id.XPub[:]))
			return nil
		},
	}
}
