package interfaces

import types "duskline/internal/domain/types"

// IdentityStore persists the device's long-term identity keys, wrapped
// under a passphrase-derived key (scrypt, teacher idiom).
type IdentityStore interface {
	SaveIdentity(passphrase string, id types.Identity) error
	LoadIdentity(passphrase string) (types.Identity, error)
}

// PrekeyStore manages the device's own signed and one-time pre-keys on disk.
type PrekeyStore interface {
	SaveSignedPreKey(priv types.X25519Private, pub types.X25519Public, sig []byte) error
	LoadSignedPreKey() (priv types.X25519Private, pub types.X25519Public, sig []byte, ok bool, err error)

	SaveOneTimePreKeys(pairs []types.OneTimePreKeyPair) error
	ConsumeOneTimePreKey(id types.OneTimePreKeyID) (priv types.X25519Private, pub types.X25519Public, ok bool, err error)
	ListOneTimePreKeyPublics() ([]types.OneTimePreKeyPublic, error)
}

// PrekeyBundleStore caches the last bundle published to the relay.
type PrekeyBundleStore interface {
	SavePrekeyBundle(bundle types.PrekeyBundle) error
	LoadPrekeyBundle() (types.PrekeyBundle, bool, error)
}

// AccountStore persists the account profile (server URL, digest, device id, token).
type AccountStore interface {
	SaveAccountProfile(profile types.AccountProfile) error
	LoadAccountProfile() (types.AccountProfile, bool, error)
}

// MKStore persists the Master Key across CLI invocations, passphrase-sealed
// so it is never written in cleartext (spec §3). The MK itself is re-
// derivable any time from a fresh SDM exchange (internal/crypto.
// DeriveMasterKey), but sealing it locally after the first unlock lets
// later commands in the same device skip re-exchanging with the relay.
type MKStore interface {
	SaveMK(passphrase string, mk types.MasterKey) error
	LoadMK(passphrase string) (types.MasterKey, bool, error)
}

// VaultCacheStore is the local disk cache backing offline durability of
// getLatestState and put results (spec §4.5).
type VaultCacheStore interface {
	SaveVaultEntry(key types.VaultGetParams, entry types.VaultEntry) error
	LoadVaultEntry(key types.VaultGetParams) (types.VaultEntry, bool, error)
	DeleteVaultEntry(key types.VaultGetParams) error
	LoadLatestState(conversationID types.ConversationID, senderDeviceID types.DeviceID) (types.VaultLatestState, bool, error)
}

// ContactStore persists applied contact entries and conversation secrets.
type ContactStore interface {
	UpsertContact(entry types.ContactEntry) error
	LoadContact(peerDigest types.AccountDigest, peerDevice types.DeviceID) (types.ContactEntry, bool, error)
	ListContacts() ([]types.ContactEntry, error)
}

// DRSnapshotStore persists/loads per-peer DR state snapshots (spec §4.4
// persistDrSnapshot/hydrateDrStatesFromContactSecrets). The value stored is
// always an MK-sealed aead envelope, JSON-marshaled to a string by the
// caller — this interface never sees DR key material in the clear.
type DRSnapshotStore interface {
	SaveSnapshot(peer types.PeerKey, sealedEnvelopeJSON string) error
	LoadAllSnapshots() (map[types.PeerKey]string, error)
	DeleteSnapshot(peer types.PeerKey) error
}
