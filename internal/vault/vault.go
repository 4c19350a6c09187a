package vault

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"duskline/internal/aead"
	"duskline/internal/domain"
)

// hotCacheSize is the in-process LRU size for (peerKey -> wrapped key
// material) per spec §4.5.
const hotCacheSize = 400

type hotEntry struct {
	MKB64   string
	DRState string
}

// Vault is the Message Key Vault client: relay-backed puts/gets, a local
// disk cache for offline durability of getLatestState, and a small hot LRU.
type Vault struct {
	relay     domain.RelayClient
	diskCache domain.VaultCacheStore
	hot       *lru.Cache[domain.PeerKey, hotEntry]
}

// New constructs a Vault. diskCache may be nil to disable offline fallback.
func New(relay domain.RelayClient, diskCache domain.VaultCacheStore) *Vault {
	hot, _ := lru.New[domain.PeerKey, hotEntry](hotCacheSize)
	return &Vault{relay: relay, diskCache: diskCache, hot: hot}
}

// SealedKey builds the wrapped_mk envelope, JSON-serialized, for params.Context
// (spec §4.5 wrapped_mk shape).
func SealedKey(mkB64 string, vctx domain.VaultKeyContext, mk domain.MasterKey) (string, error) {
	payload := struct {
		MKB64   string                `json:"mk_b64"`
		Context domain.VaultKeyContext `json:"context"`
	}{MKB64: mkB64, Context: vctx}
	env, err := aead.WrapJSON(payload, mk, aead.InfoMessageKey)
	if err != nil {
		return "", fmt.Errorf("vault: seal message key: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("vault: marshal envelope: %w", err)
	}
	return string(raw), nil
}

// UnsealKey reverses SealedKey, extracting the raw message key and its context.
func UnsealKey(wrappedMK string, mk domain.MasterKey) (mkB64 string, vctx domain.VaultKeyContext, err error) {
	var env aead.Envelope
	if err = json.Unmarshal([]byte(wrappedMK), &env); err != nil {
		return "", domain.VaultKeyContext{}, fmt.Errorf("vault: decode envelope: %w", err)
	}
	var payload struct {
		MKB64   string                `json:"mk_b64"`
		Context domain.VaultKeyContext `json:"context"`
	}
	if err = aead.UnwrapJSON(env, mk, []string{aead.InfoMessageKey}, &payload); err != nil {
		return "", domain.VaultKeyContext{}, err
	}
	return payload.MKB64, payload.Context, nil
}

// Put durably stores the per-message key via the relay (the coordinator's
// commit point — spec §4.5 "Critical contract"), then mirrors it to the
// local disk cache and hot LRU on success. put is idempotent: re-putting an
// identical (conv, msg, sender) is a no-op server-side and returns
// duplicate=true.
func (v *Vault) Put(ctx context.Context, peer domain.PeerKey, params domain.VaultPutParams) (duplicate bool, err error) {
	duplicate, err = v.relay.VaultPut(ctx, params)
	if err != nil {
		return false, fmt.Errorf("vault: put: %w", err)
	}

	entry := domain.VaultEntry{WrappedMK: params.WrappedMK, DRState: params.DRState, Context: params.Context, Duplicate: duplicate}
	getParams := domain.VaultGetParams{ConversationID: params.ConversationID, MessageID: params.MessageID, SenderDeviceID: params.SenderDeviceID}
	if v.diskCache != nil {
		_ = v.diskCache.SaveVaultEntry(getParams, entry)
	}
	v.hot.Add(peer, hotEntry{MKB64: params.WrappedMK, DRState: params.DRState})
	return duplicate, nil
}

// Get fetches a vault entry. If batchProvided is non-nil (a wrapped key
// returned inline during a bulk Route A list), it is preferred over a
// network round trip (spec §4.5 "Operations: get").
func (v *Vault) Get(ctx context.Context, params domain.VaultGetParams, batchProvided *domain.VaultEntry) (domain.VaultEntry, bool, error) {
	if batchProvided != nil {
		return *batchProvided, true, nil
	}
	entry, ok, err := v.relay.VaultGet(ctx, params)
	if err == nil && ok {
		if v.diskCache != nil {
			_ = v.diskCache.SaveVaultEntry(params, entry)
		}
		return entry, true, nil
	}
	if v.diskCache != nil {
		if cached, found, cerr := v.diskCache.LoadVaultEntry(params); cerr == nil && found {
			return cached, true, nil
		}
	}
	if err != nil {
		return domain.VaultEntry{}, false, fmt.Errorf("vault: get: %w", err)
	}
	return domain.VaultEntry{}, false, nil
}

// Delete removes a vault entry, used by self-healing on an unrecoverable
// unwrap failure (spec §4.5).
func (v *Vault) Delete(ctx context.Context, params domain.VaultGetParams) error {
	if err := v.relay.VaultDelete(ctx, params); err != nil {
		return fmt.Errorf("vault: delete: %w", err)
	}
	if v.diskCache != nil {
		_ = v.diskCache.DeleteVaultEntry(params)
	}
	return nil
}

// GetLatestState returns the highest processed counter per direction — the
// authoritative local processed counter (spec §4.5/§4.9). Falls back to the
// disk cache when the relay is unreachable.
func (v *Vault) GetLatestState(ctx context.Context, conversationID domain.ConversationID, senderDeviceID domain.DeviceID) (domain.VaultLatestState, error) {
	state, err := v.relay.VaultLatestState(ctx, conversationID, senderDeviceID)
	if err == nil {
		return state, nil
	}
	if v.diskCache != nil {
		if cached, found, cerr := v.diskCache.LoadLatestState(conversationID, senderDeviceID); cerr == nil && found {
			return cached, nil
		}
	}
	return domain.VaultLatestState{}, fmt.Errorf("vault: get latest state: %w", err)
}
