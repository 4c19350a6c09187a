package commands

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"duskline/internal/app"
	"duskline/internal/config"
	"duskline/internal/domain"
	"duskline/internal/store"
)

var (
	// These flags are shared across all commands.
	homeDir    string
	relayURL   string
	passphrase string

	// appCtx holds the wired dependencies after PersistentPreRunE.
	appCtx *app.Wire
)

// Execute initialises the application context and runs the root cobra command.
func Execute() error {
	root := &cobra.Command{
		Use:   "duskline",
		Short: "End-to-end encrypted messaging CLI",
		// Before any sub-command runs we need to build out our Wire (dependencies).
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if homeDir == "" {
				if h, err := os.UserHomeDir(); err == nil {
					homeDir = filepath.Join(h, ".duskline")
				}
			}
			if err := os.MkdirAll(homeDir, 0o700); err != nil {
				return fmt.Errorf("creating config dir: %w", err)
			}

			httpClient := &http.Client{
				Timeout: 15 * time.Second,
				Transport: &http.Transport{
					Proxy: http.ProxyFromEnvironment,
					DialContext: (&net.Dialer{
						Timeout:   5 * time.Second,
						KeepAlive: 30 * time.Second,
					}).DialContext,
					TLSHandshakeTimeout:   5 * time.Second,
					ExpectContinueTimeout: 1 * time.Second,
					IdleConnTimeout:       90 * time.Second,
					MaxIdleConns:          100,
					MaxIdleConnsPerHost:   10,
				},
			}

			// self becomes known only once an account has logged in once on
			// this device; until then the coordinator/gap-queue simply never
			// see packets addressed to it, which is fine for init/login.
			var self domain.PeerKey
			profile, found, err := store.NewAccountFileStore(homeDir).LoadAccountProfile()
			if err != nil {
				return fmt.Errorf("loading account profile: %w", err)
			}
			if found {
				self = domain.PeerKey{AccountDigest: profile.AccountDigest, DeviceID: profile.DeviceID}
				if relayURL == "" {
					relayURL = profile.ServerURL
				}
			}

			cfg := config.Config{
				HomeDir:  homeDir,
				RelayURL: relayURL,
				HTTP:     httpClient,
			}
			appCtx, err = app.NewWire(cfg, self, nil)
			if err != nil {
				return fmt.Errorf("initialising application: %w", err)
			}
			appCtx.Coordinator.Emit = printDecrypted

			autoUnlock(found, profile, passphrase)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&homeDir, "home", "", "config directory (default: $HOME/.duskline)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting your local identity and session")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay URL, e.g. http://127.0.0.1:8080")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		loginCmd(),
		registerCmd(),
		sendCmd(),
		recvCmd(),
		shareCmd(),
		syncCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	root.SetContext(ctx)

	return root.Execute()
}

// autoUnlock unseals the Master Key that a prior login sealed under the
// passphrase via MKStore (spec §3: MK is never persisted in cleartext, but a passphrase-
// sealed copy lets later commands skip re-running the SDM exchange), and
// installs it as the current session. It is a best-effort convenience: any
// failure here just leaves the session unready, and commands that need one
// report that plainly rather than treating this as fatal.
func autoUnlock(foundProfile bool, profile domain.AccountProfile, passphrase string) {
	if !foundProfile || passphrase == "" {
		return
	}
	mk, ok, err := appCtx.MKStore.LoadMK(passphrase)
	if err != nil || !ok {
		return
	}
	appCtx.SetSession(domain.Session{
		MK:            mk,
		AccountDigest: profile.AccountDigest,
		DeviceID:      profile.DeviceID,
		AccountToken:  profile.AccountToken,
		ServerURL:     profile.ServerURL,
	}, passphrase)
}

func printDecrypted(msg domain.DecryptedMessage) {
	fmt.Printf("[%s #%d] %s\n", msg.Peer, msg.Counter, string(msg.Plaintext))
}

func requireSession() (domain.Session, error) {
	sess := appCtx.Session()
	if !sess.Ready() {
		return domain.Session{}, fmt.Errorf("no unlocked session: run `duskline login` first")
	}
	return sess, nil
}
