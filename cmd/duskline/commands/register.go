package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// registerCmd generates a signed pre-key and a batch of one-time pre-keys,
// then publishes the resulting bundle to the relay (spec §4.3).
func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Publish your prekey bundle to the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			id, err := appCtx.IdentityStore.LoadIdentity(passphrase)
			if err != nil {
				return fmt.Errorf("loading identity: %w", err)
			}

			if _, _, err := appCtx.PrekeySvc.GenerateAndStore(passphrase); err != nil {
				return fmt.Errorf("generating prekeys: %w", err)
			}
			if err := appCtx.PrekeySvc.PublishBundle(cmd.Context(), sess.Self(), id.XPub); err != nil {
				return fmt.Errorf("publishing bundle: %w", err)
			}

			fmt.Println("Registered prekeys with relay")
			return nil
		},
	}
}
