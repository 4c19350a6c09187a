package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"duskline/internal/config"
	"duskline/internal/contactshare"
	"duskline/internal/coordinator"
	"duskline/internal/domain"
	"duskline/internal/gapqueue"
	"duskline/internal/relay"
	"duskline/internal/replay"
	"duskline/internal/restore"
	messagesvc "duskline/internal/services/message"
	prekeysvc "duskline/internal/services/prekey"
	sessionsvc "duskline/internal/services/session"
	"duskline/internal/sessionstore"
	"duskline/internal/store"
	"duskline/internal/vault"
)

// Wire bundles every store, service, and client the CLI and the restore/
// live/replay pipelines need, built once at process start from Config
// (adapted from the teacher's internal/app/wire.go NewWire).
type Wire struct {
	Config config.Config

	IdentityStore   domain.IdentityStore
	PrekeyStore     domain.PrekeyStore
	BundleStore     domain.PrekeyBundleStore
	AccountStore    domain.AccountStore
	MKStore         domain.MKStore
	ContactStore    domain.ContactStore
	VaultCacheStore domain.VaultCacheStore
	DRSnapshotStore domain.DRSnapshotStore

	RelayClient domain.RelayClient
	HTTPClient  *http.Client

	PrekeySvc  *prekeysvc.Service
	SessionSvc *sessionsvc.Service
	MessageSvc *messagesvc.Service

	Sessions    *sessionstore.Store
	Vault       *vault.Vault
	Coordinator *coordinator.Coordinator
	Replay      *replay.Fetcher
	GapQueue    *gapqueue.Queue
	Restore     *restore.Pipeline
	Contacts    *contactshare.Manager

	Logger *slog.Logger

	session *sessionHolder
}

// NewWire constructs the full dependency graph from cfg. self identifies
// this device, used by the gap queue and coordinator to classify wire
// packets into ReplayItems; it becomes known once the account profile has
// been loaded (AccountStore.LoadAccountProfile), before NewWire runs.
func NewWire(cfg config.Config, self domain.PeerKey, logger *slog.Logger) (*Wire, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := store.EnsureDir(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("app: ensure home dir: %w", err)
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	idStore := store.NewIdentityFileStore(cfg.HomeDir)
	prekeyStore := store.NewPrekeyFileStore(cfg.HomeDir)
	bundleStore := store.NewBundleFileStore(cfg.HomeDir)
	accountStore := store.NewAccountFileStore(cfg.HomeDir)
	mkStore := store.NewMKFileStore(cfg.HomeDir)
	contactStore := store.NewContactFileStore(cfg.HomeDir)
	vaultCacheStore := store.NewVaultCacheFileStore(cfg.HomeDir)
	drSnapshotStore := store.NewDRSnapshotFileStore(cfg.HomeDir)

	w := &Wire{
		Config:          cfg,
		IdentityStore:   idStore,
		PrekeyStore:     prekeyStore,
		BundleStore:     bundleStore,
		AccountStore:    accountStore,
		MKStore:         mkStore,
		ContactStore:    contactStore,
		VaultCacheStore: vaultCacheStore,
		DRSnapshotStore: drSnapshotStore,
		HTTPClient:      httpClient,
		Logger:          logger,
		session:         &sessionHolder{},
	}

	relayClient := relay.NewHTTP(cfg.RelayURL, httpClient, func() relay.AuthHeaders {
		s := w.session.Get()
		return relay.AuthHeaders{AccountToken: s.AccountToken, AccountDigest: s.AccountDigest, DeviceID: s.DeviceID}
	})
	w.RelayClient = relayClient

	w.PrekeySvc = prekeysvc.New(idStore, prekeyStore, bundleStore, relayClient)
	w.SessionSvc = sessionsvc.New(idStore, prekeyStore, relayClient)

	w.Sessions = sessionstore.New(drSnapshotStore)
	w.Vault = vault.New(relayClient, vaultCacheStore)
	w.Coordinator = coordinator.New(w.Sessions, w.Vault, w.session.Get)
	w.Coordinator.Logger = logger
	w.Replay = replay.New(relayClient, w.Coordinator, w.session.Get)
	w.GapQueue = gapqueue.New(relayClient, w.Coordinator, self)
	w.Restore = restore.New(contactStore, drSnapshotStore, relayClient, w.Sessions, w.Vault, w.GapQueue, logger)

	w.Contacts = contactshare.New(contactStore, self.AccountDigest)
	w.Contacts.OnConversationBootstrap = w.bootstrapFromContactShare

	w.MessageSvc = messagesvc.New(w.Sessions, w.Vault, relayClient, w.SessionSvc, w.Coordinator, contactStore)

	return w, nil
}

// SetSession installs s as the current unlocked session, visible to every
// component that reads the session lazily (coordinator, replay, relay
// auth headers). passphrase is retained for the session's lifetime to
// service later handshake operations (IdentityStore reads).
func (w *Wire) SetSession(s domain.Session, passphrase string) {
	w.session.Set(s, passphrase)
}

// Session returns the currently installed session.
func (w *Wire) Session() domain.Session {
	return w.session.Get()
}

// Lock clears the in-memory session and passphrase.
func (w *Wire) Lock() {
	w.session.Clear()
}

// bootstrapFromContactShare completes the responder side of X3DH for a
// contact-share payload carrying a dr_init blob, and registers the
// resulting DR state (spec §4.11 "bootstrap a DR session from a one-time
// invite secret"). It is wired as contactshare.Manager.OnConversationBootstrap.
//
// peerIKPub is not carried by ContactSharePayload (only PeerKey identity is
// asserted by the invite secret itself, not a fresh X25519 key exchange
// proof) — this device fetches it once via FetchPeerBundle rather than
// trusting an unauthenticated field in the payload.
func (w *Wire) bootstrapFromContactShare(payload domain.ContactSharePayload) {
	ctx := context.Background()
	peer := domain.PeerKey{AccountDigest: payload.PeerAccountDigest, DeviceID: payload.Conversation.PeerDeviceID}

	bundle, err := w.RelayClient.FetchPeerBundle(ctx, payload.PeerAccountDigest, &payload.Conversation.PeerDeviceID)
	if err != nil {
		w.Logger.Error("contactshare:bootstrap", "peer", peer, "err", err)
		return
	}

	base := domain.BaseKey{
		ConversationID:    payload.Conversation.ConversationID,
		PeerAccountDigest: payload.PeerAccountDigest,
		PeerDeviceID:      payload.Conversation.PeerDeviceID,
		Role:              "responder",
		ConversationToken: payload.Conversation.TokenB64,
	}
	state, err := w.SessionSvc.AcceptConversation(w.session.Passphrase(), bundle.IKPub, *payload.Conversation.DRInit, base)
	if err != nil {
		w.Logger.Error("contactshare:bootstrap", "peer", peer, "err", err)
		return
	}
	w.Sessions.Put(peer, state)
}
