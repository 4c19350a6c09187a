package store

import (
	"path/filepath"
	"sync"

	"duskline/internal/domain"
)

const drSnapshotFilename = "dr_snapshots.json"

// DRSnapshotFileStore persists per-peer DR state snapshots. Every value is
// already an MK-sealed aead envelope JSON-marshaled to a string by the
// caller (internal/sessionstore) — this store never sees key material.
type DRSnapshotFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewDRSnapshotFileStore returns a DRSnapshotFileStore rooted at dir.
func NewDRSnapshotFileStore(dir string) *DRSnapshotFileStore {
	return &DRSnapshotFileStore{dir: dir}
}

// SaveSnapshot writes or replaces the sealed snapshot for peer.
func (s *DRSnapshotFileStore) SaveSnapshot(peer domain.PeerKey, sealedEnvelopeJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, drSnapshotFilename)
	m := map[string]string{}
	if err := readJSON(path, &m); err != nil {
		return err
	}
	m[peer.String()] = sealedEnvelopeJSON
	return writeJSON(path, m, 0o600)
}

// LoadAllSnapshots returns every stored sealed snapshot, keyed by peer.
func (s *DRSnapshotFileStore) LoadAllSnapshots() (map[domain.PeerKey]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := map[string]string{}
	if err := readJSON(filepath.Join(s.dir, drSnapshotFilename), &m); err != nil {
		return nil, err
	}
	out := make(map[domain.PeerKey]string, len(m))
	for k, v := range m {
		peer, err := domain.ParsePeerKey(k)
		if err != nil {
			continue
		}
		out[peer] = v
	}
	return out, nil
}

// DeleteSnapshot removes peer's stored snapshot, if any.
func (s *DRSnapshotFileStore) DeleteSnapshot(peer domain.PeerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, drSnapshotFilename)
	m := map[string]string{}
	if err := readJSON(path, &m); err != nil {
		return err
	}
	delete(m, peer.String())
	return writeJSON(path, m, 0o600)
}

var _ domain.DRSnapshotStore = (*DRSnapshotFileStore)(nil)
