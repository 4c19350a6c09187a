package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"duskline/internal/domain"
)

const mkFilename = "session.json.enc"

// MKFileStore persists the unlocked Master Key behind a passphrase-derived
// scrypt key, the same sealed-envelope layout as IdentityFileStore, so a
// CLI process can skip re-running the SDM exchange on every invocation
// without ever writing MK in cleartext.
type MKFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewMKFileStore returns an MKFileStore rooted at dir.
func NewMKFileStore(dir string) *MKFileStore {
	return &MKFileStore{dir: dir}
}

func (s *MKFileStore) path() string {
	return filepath.Join(s.dir, mkFilename)
}

// SaveMK seals mk under passphrase, replacing any previously sealed value —
// unlike identity, a Master Key is expected to be re-sealed every time the
// SDM exchange is re-run (re-login, new device), not created once.
func (s *MKFileStore) SaveMK(passphrase string, mk domain.MasterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := sealWithPassphrase(passphrase, mk.Slice())
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(), sealed, 0o600)
}

// LoadMK reads and unseals the Master Key, if one has been saved.
func (s *MKFileStore) LoadMK(passphrase string) (domain.MasterKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return domain.MasterKey{}, false, nil
	}
	if err != nil {
		return domain.MasterKey{}, false, fmt.Errorf("store: read session: %w", err)
	}
	raw, err := openWithPassphrase(passphrase, b)
	if err != nil {
		return domain.MasterKey{}, false, err
	}
	if len(raw) != len(domain.MasterKey{}) {
		return domain.MasterKey{}, false, fmt.Errorf("store: corrupt sealed master key")
	}
	var mk domain.MasterKey
	copy(mk[:], raw)
	return mk, true, nil
}

var _ domain.MKStore = (*MKFileStore)(nil)
