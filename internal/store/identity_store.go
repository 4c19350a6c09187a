package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"duskline/internal/domain"
)

const identityFilename = "identity.json.enc"

// IdentityFileStore persists the device's long-term identity keys behind a
// passphrase-derived scrypt key, matching the teacher's identity.json.enc
// layout.
type IdentityFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir}
}

func (s *IdentityFileStore) path() string {
	return filepath.Join(s.dir, identityFilename)
}

// SaveIdentity writes the passphrase-sealed identity to disk, refusing to
// overwrite an existing one — identity is created once, never silently
// replaced.
func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path()); err == nil {
		return fmt.Errorf("store: identity already exists at %s", s.path())
	}

	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("store: encode identity: %w", err)
	}
	sealed, err := sealWithPassphrase(passphrase, raw)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(), sealed, 0o600)
}

// LoadIdentity reads and unseals the identity.
func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path())
	if err != nil {
		return domain.Identity{}, fmt.Errorf("store: read identity: %w", err)
	}
	raw, err := openWithPassphrase(passphrase, b)
	if err != nil {
		return domain.Identity{}, err
	}
	var out domain.Identity
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.Identity{}, fmt.Errorf("store: decode identity: %w", err)
	}
	return out, nil
}

var _ domain.IdentityStore = (*IdentityFileStore)(nil)
