package store

import (
	"path/filepath"
	"sync"

	"duskline/internal/domain"
)

const bundleFilename = "bundle.json"

// BundleFileStore caches the last prekey bundle this device published.
type BundleFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewBundleFileStore returns a BundleFileStore rooted at dir.
func NewBundleFileStore(dir string) *BundleFileStore {
	return &BundleFileStore{dir: dir}
}

// SavePrekeyBundle writes the bundle to disk.
func (s *BundleFileStore) SavePrekeyBundle(bundle domain.PrekeyBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, bundleFilename), bundle, 0o600)
}

// LoadPrekeyBundle returns the cached bundle and whether one has been saved.
func (s *BundleFileStore) LoadPrekeyBundle() (domain.PrekeyBundle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bundle domain.PrekeyBundle
	if err := readJSON(filepath.Join(s.dir, bundleFilename), &bundle); err != nil {
		return domain.PrekeyBundle{}, false, err
	}
	if bundle.DeviceID == "" {
		return domain.PrekeyBundle{}, false, nil
	}
	return bundle, true, nil
}

var _ domain.PrekeyBundleStore = (*BundleFileStore)(nil)
