package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"

	"duskline/internal/aead"
	"duskline/internal/crypto"
	"duskline/internal/domain"
	"duskline/internal/ratchet"
	"duskline/internal/sessionstore"
	"duskline/internal/vault"
	"duskline/internal/xerrors"
)

// pendingQueueCap bounds each peer actor's FIFO (spec §5 backpressure).
const pendingQueueCap = 500

// liveRetryMax is the number of retries attempted for recoverable failures,
// on top of the initial attempt, with exponential backoff 1s, 2s, 4s.
const liveRetryMax = 3

// ErrQueueFull is returned by Submit when a peer's pending queue is at
// capacity; callers should route the item to the gap queue instead of
// blocking the live path (spec §5).
var ErrQueueFull = errors.New("coordinator: pending queue full")

// BootstrapFunc builds a brand-new DR receiver state for a peer the
// coordinator has never seen, e.g. by completing a pending X3DH accept or
// consulting a contact-share dr_init payload. Returning an error leaves the
// job in KindSecurePending, which is retried.
type BootstrapFunc func(ctx context.Context, peer domain.PeerKey) (*ratchet.State, error)

// EmitFunc receives a successfully decrypted message for downstream
// delivery (UI timeline, read-receipt dispatch, ...).
type EmitFunc func(domain.DecryptedMessage)

// Coordinator runs the Route B live decrypt pipeline (spec §4.7).
type Coordinator struct {
	sessions *sessionstore.Store
	vault    *vault.Vault
	session  func() domain.Session

	Bootstrap BootstrapFunc
	Emit      EmitFunc
	Logger    *slog.Logger

	mu    sync.Mutex
	peers map[domain.PeerKey]*peerActor
}

type peerActor struct {
	queue chan job
}

type job struct {
	ctx  context.Context
	item domain.ReplayItem
	done chan error
}

// New constructs a Coordinator. sessionFn supplies the current unlocked
// Session (MK, account digest, device id) on every call, so a fresh
// snapshot is read per job rather than captured once at construction.
func New(sessions *sessionstore.Store, v *vault.Vault, sessionFn func() domain.Session) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		vault:    v,
		session:  sessionFn,
		Logger:   slog.Default(),
		peers:    make(map[domain.PeerKey]*peerActor),
	}
}

// Submit enqueues item onto its peer's FIFO, starting the peer's actor
// goroutine on first use, and blocks until that job has been processed (or
// ctx is cancelled first). Submit from multiple goroutines is safe; jobs
// for the same peer are always processed in submission order.
func (c *Coordinator) Submit(ctx context.Context, item domain.ReplayItem) error {
	a := c.actorFor(item.PeerKey)
	done := make(chan error, 1)
	select {
	case a.queue <- job{ctx: ctx, item: item, done: done}:
	default:
		return fmt.Errorf("%w: peer %s", ErrQueueFull, item.PeerKey)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) actorFor(peer domain.PeerKey) *peerActor {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.peers[peer]
	if ok {
		return a
	}
	a = &peerActor{queue: make(chan job, pendingQueueCap)}
	c.peers[peer] = a
	go c.drain(peer, a)
	return a
}

func (c *Coordinator) drain(peer domain.PeerKey, a *peerActor) {
	for j := range a.queue {
		err := c.runWithRetry(j.ctx, j.item)
		if err != nil {
			c.Logger.Warn("coordinator: job failed", "peer", peer, "counter", j.item.Counter, "err", err)
		}
		if j.done != nil {
			j.done <- err
		}
	}
}

// runWithRetry retries processItem for recoverable xerrors.Kind values only
// (SecurePending, DRStateUnavailable, VaultPutFailed);
// integrity and skipped-key failures surface on the first attempt (spec
// §4.7 retry policy).
func (c *Coordinator) runWithRetry(ctx context.Context, item domain.ReplayItem) error {
	return retry.Do(
		func() error { return c.processItem(ctx, item) },
		retry.Context(ctx),
		retry.Attempts(liveRetryMax+1),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			kind, _ := xerrors.KindOf(err)
			return kind.Recoverable()
		}),
	)
}

// processItem runs the six-step sequence from spec §4.7: readiness, ensure
// DR state, clone-before-mutate, decrypt, vault-put commit gate, then
// promote the clone and emit. A failure at any step before the vault put
// leaves the live session state untouched, since mutation only ever
// happens on the clone.
func (c *Coordinator) processItem(ctx context.Context, item domain.ReplayItem) error {
	sess := c.session()
	if !sess.Ready() {
		return xerrors.New(xerrors.KindIdentityMissing, nil, map[string]any{"peer": item.PeerKey})
	}

	state, err := c.ensureState(ctx, item.PeerKey)
	if err != nil {
		return err
	}

	clone := state.Clone()
	plaintext, mk, err := clone.DecryptWithKey(item.Raw.SenderDeviceID, item.Counter, item.Header, item.Ciphertext)
	if err != nil {
		return err
	}
	defer crypto.Wipe(mk)

	vctx := vaultContextFor(item)
	wrappedMK, sealedSnapshot, err := sealForVault(clone, vctx, mk, sess.MK)
	if err != nil {
		return xerrors.New(xerrors.KindVaultPutFailed, err, nil)
	}

	params := domain.VaultPutParams{
		ConversationID: item.ConversationID,
		MessageID:      item.MessageID,
		SenderDeviceID: item.Raw.SenderDeviceID,
		WrappedMK:      wrappedMK,
		DRState:        sealedSnapshot,
		Context:        vctx,
	}
	if _, err := c.vault.Put(ctx, item.PeerKey, params); err != nil {
		return xerrors.New(xerrors.KindVaultPutFailed, err, map[string]any{"peer": item.PeerKey, "counter": item.Counter})
	}

	// Commit: only now does the clone — carrying the advanced Nr/NrTotal —
	// become the live state (spec §4.5 "Critical contract").
	c.sessions.Put(item.PeerKey, clone)
	if err := c.sessions.PersistDrSnapshot(item.PeerKey, sess.MK); err != nil {
		c.Logger.Warn("coordinator: persist dr snapshot failed", "peer", item.PeerKey, "err", err)
	}

	if c.Emit != nil {
		c.Emit(domain.DecryptedMessage{
			MessageID:      item.MessageID,
			ConversationID: item.ConversationID,
			Peer:           item.PeerKey,
			Direction:      item.Direction,
			Plaintext:      plaintext,
			Counter:        item.Counter,
			Timestamp:      item.Timestamp,
		})
	}
	return nil
}

// ensureState returns the peer's live DR state, bootstrapping one via
// Bootstrap when none exists yet (spec §4.7 step 2). A peer with no state
// and no bootstrap path is SecurePending, which is retried in case the
// handshake completes concurrently.
func (c *Coordinator) ensureState(ctx context.Context, peer domain.PeerKey) (*ratchet.State, error) {
	if st, ok := c.sessions.Get(peer); ok {
		return st, nil
	}
	if c.Bootstrap == nil {
		return nil, xerrors.New(xerrors.KindSecurePending, nil, map[string]any{"peer": peer})
	}
	st, err := c.sessions.GetOrInit(peer, func() (*ratchet.State, error) {
		return c.Bootstrap(ctx, peer)
	})
	if err != nil {
		return nil, xerrors.New(xerrors.KindSecurePending, err, map[string]any{"peer": peer})
	}
	return st, nil
}

// vaultContextFor builds the VaultKeyContext metadata carried alongside a
// vault put (spec §4.5).
func vaultContextFor(item domain.ReplayItem) domain.VaultKeyContext {
	return domain.VaultKeyContext{
		Version:        1,
		ConversationID: item.ConversationID,
		MessageID:      item.MessageID,
		SenderDeviceID: item.Raw.SenderDeviceID,
		TargetDeviceID: item.Raw.TargetDeviceID,
		Direction:      item.Direction,
		MsgType:        item.Raw.MsgType,
		HeaderCounter:  item.Counter,
		CreatedAt:      item.Timestamp,
	}
}

// sealForVault builds the wrapped_mk envelope and the optional sealed
// DR-state snapshot that ride along with a vault put (spec §4.5).
func sealForVault(clone *ratchet.State, vctx domain.VaultKeyContext, mk []byte, masterKey domain.MasterKey) (wrappedMK, sealedSnapshot string, err error) {
	wrappedMK, err = vault.SealedKey(crypto.B64(mk), vctx, masterKey)
	if err != nil {
		return "", "", err
	}

	snap := clone.Snapshot(vctx.CreatedAt)
	env, err := aead.WrapJSON(snap, masterKey, aead.InfoDRState)
	if err != nil {
		return "", "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", "", err
	}
	return wrappedMK, string(raw), nil
}
