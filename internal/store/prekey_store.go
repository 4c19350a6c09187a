package store

import (
	"path/filepath"
	"sync"

	"duskline/internal/domain"
)

const (
	signedPreKeyFile  = "signed_prekey.json"
	oneTimePreKeyFile = "one_time_prekeys.json"
)

type signedPreKeyDisk struct {
	Priv domain.X25519Private `json:"priv"`
	Pub  domain.X25519Public  `json:"pub"`
	Sig  []byte               `json:"sig"`
}

// PrekeyFileStore persists this device's signed and one-time pre-keys.
type PrekeyFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewPrekeyFileStore returns a PrekeyFileStore rooted at dir.
func NewPrekeyFileStore(dir string) *PrekeyFileStore {
	return &PrekeyFileStore{dir: dir}
}

// SaveSignedPreKey overwrites the device's current signed pre-key.
func (s *PrekeyFileStore) SaveSignedPreKey(priv domain.X25519Private, pub domain.X25519Public, sig []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, signedPreKeyFile), signedPreKeyDisk{Priv: priv, Pub: pub, Sig: sig}, 0o600)
}

// LoadSignedPreKey returns the device's current signed pre-key, if any.
func (s *PrekeyFileStore) LoadSignedPreKey() (priv domain.X25519Private, pub domain.X25519Public, sig []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, signedPreKeyFile)
	var d signedPreKeyDisk
	if err = readJSON(path, &d); err != nil {
		return priv, pub, nil, false, err
	}
	if d.Pub == (domain.X25519Public{}) {
		return priv, pub, nil, false, nil
	}
	return d.Priv, d.Pub, d.Sig, true, nil
}

// SaveOneTimePreKeys merges newly generated one-time pre-key pairs into the store.
func (s *PrekeyFileStore) SaveOneTimePreKeys(pairs []domain.OneTimePreKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, oneTimePreKeyFile)
	m := map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair{}
	if err := readJSON(path, &m); err != nil {
		return err
	}
	for _, p := range pairs {
		m[p.ID] = p
	}
	return writeJSON(path, m, 0o600)
}

// ConsumeOneTimePreKey removes and returns a single one-time pre-key by id,
// so this device never completes two handshakes with the same OPK.
func (s *PrekeyFileStore) ConsumeOneTimePreKey(id domain.OneTimePreKeyID) (priv domain.X25519Private, pub domain.X25519Public, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, oneTimePreKeyFile)
	m := map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair{}
	if err = readJSON(path, &m); err != nil {
		return priv, pub, false, err
	}
	p, found := m[id]
	if !found {
		return priv, pub, false, nil
	}
	delete(m, id)
	if err = writeJSON(path, m, 0o600); err != nil {
		return priv, pub, false, err
	}
	return p.Priv, p.Pub, true, nil
}

// ListOneTimePreKeyPublics exposes only the public halves, for bundling.
func (s *PrekeyFileStore) ListOneTimePreKeyPublics() ([]domain.OneTimePreKeyPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, oneTimePreKeyFile)
	m := map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair{}
	if err := readJSON(path, &m); err != nil {
		return nil, err
	}
	out := make([]domain.OneTimePreKeyPublic, 0, len(m))
	for id, p := range m {
		out = append(out, domain.OneTimePreKeyPublic{ID: id, Pub: p.Pub})
	}
	return out, nil
}

var _ domain.PrekeyStore = (*PrekeyFileStore)(nil)
