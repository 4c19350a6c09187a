package store

import (
	"fmt"
	"path/filepath"
	"sync"

	"duskline/internal/domain"
)

const (
	vaultEntriesFilename = "vault_entries.json"
	vaultStateFilename   = "vault_latest_state.json"
)

func vaultEntryKey(k domain.VaultGetParams) string {
	return fmt.Sprintf("%s|%s|%s", k.ConversationID, k.MessageID, k.SenderDeviceID)
}

func vaultStateKey(conversationID domain.ConversationID, senderDeviceID domain.DeviceID) string {
	return fmt.Sprintf("%s|%s", conversationID, senderDeviceID)
}

// VaultCacheFileStore is the local disk cache backing offline durability of
// the Message Key Vault (spec §4.5): every successful put is mirrored here
// so getLatestState and replay can proceed without the relay.
type VaultCacheFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewVaultCacheFileStore returns a VaultCacheFileStore rooted at dir.
func NewVaultCacheFileStore(dir string) *VaultCacheFileStore {
	return &VaultCacheFileStore{dir: dir}
}

// SaveVaultEntry caches entry and advances the per-direction latest-state
// counter if entry's header counter is newer.
func (s *VaultCacheFileStore) SaveVaultEntry(key domain.VaultGetParams, entry domain.VaultEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entriesPath := filepath.Join(s.dir, vaultEntriesFilename)
	entries := map[string]domain.VaultEntry{}
	if err := readJSON(entriesPath, &entries); err != nil {
		return err
	}
	entries[vaultEntryKey(key)] = entry
	if err := writeJSON(entriesPath, entries, 0o600); err != nil {
		return err
	}

	statePath := filepath.Join(s.dir, vaultStateFilename)
	states := map[string]domain.VaultLatestState{}
	if err := readJSON(statePath, &states); err != nil {
		return err
	}
	sk := vaultStateKey(key.ConversationID, key.SenderDeviceID)
	st := states[sk]
	switch entry.Context.Direction {
	case domain.DirectionIncoming:
		if entry.Context.HeaderCounter > st.IncomingHeaderCounter {
			st.IncomingHeaderCounter = entry.Context.HeaderCounter
		}
	case domain.DirectionOutgoing:
		if entry.Context.HeaderCounter > st.OutgoingHeaderCounter {
			st.OutgoingHeaderCounter = entry.Context.HeaderCounter
		}
	}
	states[sk] = st
	return writeJSON(statePath, states, 0o600)
}

// LoadVaultEntry returns a previously cached entry, if any.
func (s *VaultCacheFileStore) LoadVaultEntry(key domain.VaultGetParams) (domain.VaultEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := map[string]domain.VaultEntry{}
	if err := readJSON(filepath.Join(s.dir, vaultEntriesFilename), &entries); err != nil {
		return domain.VaultEntry{}, false, err
	}
	entry, ok := entries[vaultEntryKey(key)]
	return entry, ok, nil
}

// DeleteVaultEntry evicts a cached entry, used when an unwrap failure forces
// a self-healing re-fetch.
func (s *VaultCacheFileStore) DeleteVaultEntry(key domain.VaultGetParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, vaultEntriesFilename)
	entries := map[string]domain.VaultEntry{}
	if err := readJSON(path, &entries); err != nil {
		return err
	}
	delete(entries, vaultEntryKey(key))
	return writeJSON(path, entries, 0o600)
}

// LoadLatestState returns the highest cached header counter per direction
// for (conversationID, senderDeviceID).
func (s *VaultCacheFileStore) LoadLatestState(conversationID domain.ConversationID, senderDeviceID domain.DeviceID) (domain.VaultLatestState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := map[string]domain.VaultLatestState{}
	if err := readJSON(filepath.Join(s.dir, vaultStateFilename), &states); err != nil {
		return domain.VaultLatestState{}, false, err
	}
	st, ok := states[vaultStateKey(conversationID, senderDeviceID)]
	return st, ok, nil
}

var _ domain.VaultCacheStore = (*VaultCacheFileStore)(nil)
