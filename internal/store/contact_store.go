package store

import (
	"fmt"
	"path/filepath"
	"sync"

	"duskline/internal/domain"
)

const contactsFilename = "contacts.json"

func contactKey(peerDigest domain.AccountDigest, peerDevice domain.DeviceID) string {
	return fmt.Sprintf("%s|%s", peerDigest, peerDevice)
}

// ContactFileStore persists applied contact-share entries and their
// conversation bindings.
type ContactFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewContactFileStore returns a ContactFileStore rooted at dir.
func NewContactFileStore(dir string) *ContactFileStore {
	return &ContactFileStore{dir: dir}
}

// UpsertContact writes or replaces entry, keyed by (peer digest, peer device).
func (s *ContactFileStore) UpsertContact(entry domain.ContactEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, contactsFilename)
	m := map[string]domain.ContactEntry{}
	if err := readJSON(path, &m); err != nil {
		return err
	}
	m[contactKey(entry.PeerAccountDigest, entry.PeerDeviceID)] = entry
	return writeJSON(path, m, 0o600)
}

// LoadContact returns a single contact entry, if present.
func (s *ContactFileStore) LoadContact(peerDigest domain.AccountDigest, peerDevice domain.DeviceID) (domain.ContactEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := map[string]domain.ContactEntry{}
	if err := readJSON(filepath.Join(s.dir, contactsFilename), &m); err != nil {
		return domain.ContactEntry{}, false, err
	}
	entry, ok := m[contactKey(peerDigest, peerDevice)]
	return entry, ok, nil
}

// ListContacts returns every stored contact entry, in no particular order.
func (s *ContactFileStore) ListContacts() ([]domain.ContactEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := map[string]domain.ContactEntry{}
	if err := readJSON(filepath.Join(s.dir, contactsFilename), &m); err != nil {
		return nil, err
	}
	out := make([]domain.ContactEntry, 0, len(m))
	for _, entry := range m {
		out = append(out, entry)
	}
	return out, nil
}

var _ domain.ContactStore = (*ContactFileStore)(nil)
