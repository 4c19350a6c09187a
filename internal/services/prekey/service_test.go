package prekey_test

import (
	"context"
	"testing"

	"duskline/internal/crypto"
	"duskline/internal/domain"
	"duskline/internal/services/prekey"
)

type fakeIdentityStore struct {
	id domain.Identity
}

func (s *fakeIdentityStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.id = id
	return nil
}
func (s *fakeIdentityStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	return s.id, nil
}

type fakePrekeyStore struct {
	spkPriv domain.X25519Private
	spkPub  domain.X25519Public
	spkSig  []byte
	haveSPK bool
	otps    map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair
}

func newFakePrekeyStore() *fakePrekeyStore {
	return &fakePrekeyStore{otps: make(map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair)}
}
func (s *fakePrekeyStore) SaveSignedPreKey(priv domain.X25519Private, pub domain.X25519Public, sig []byte) error {
	s.spkPriv, s.spkPub, s.spkSig, s.haveSPK = priv, pub, sig, true
	return nil
}
func (s *fakePrekeyStore) LoadSignedPreKey() (domain.X25519Private, domain.X25519Public, []byte, bool, error) {
	return s.spkPriv, s.spkPub, s.spkSig, s.haveSPK, nil
}
func (s *fakePrekeyStore) SaveOneTimePreKeys(pairs []domain.OneTimePreKeyPair) error {
	for _, p := range pairs {
		s.otps[p.ID] = p
	}
	return nil
}
func (s *fakePrekeyStore) ConsumeOneTimePreKey(id domain.OneTimePreKeyID) (domain.X25519Private, domain.X25519Public, bool, error) {
	p, ok := s.otps[id]
	if ok {
		delete(s.otps, id)
	}
	return p.Priv, p.Pub, ok, nil
}
func (s *fakePrekeyStore) ListOneTimePreKeyPublics() ([]domain.OneTimePreKeyPublic, error) {
	out := make([]domain.OneTimePreKeyPublic, 0, len(s.otps))
	for _, p := range s.otps {
		out = append(out, domain.OneTimePreKeyPublic{ID: p.ID, Pub: p.Pub})
	}
	return out, nil
}

type fakeBundleStore struct {
	bundle domain.PrekeyBundle
	have   bool
}

func (s *fakeBundleStore) SavePrekeyBundle(bundle domain.PrekeyBundle) error {
	s.bundle, s.have = bundle, true
	return nil
}
func (s *fakeBundleStore) LoadPrekeyBundle() (domain.PrekeyBundle, bool, error) {
	return s.bundle, s.have, nil
}

type fakeRelay struct {
	published domain.PrekeyBundle
	peerBundle domain.PrekeyBundle
}

func (f *fakeRelay) AuthSDMExchange(context.Context, string, string, string, string) (domain.SDMExchangeResult, error) {
	return domain.SDMExchangeResult{}, nil
}
func (f *fakeRelay) PublishBundle(ctx context.Context, bundle domain.PrekeyBundle) error {
	f.published = bundle
	return nil
}
func (f *fakeRelay) FetchPeerBundle(ctx context.Context, peerDigest domain.AccountDigest, peerDevice *domain.DeviceID) (domain.PrekeyBundle, error) {
	return f.peerBundle, nil
}
func (f *fakeRelay) StoreDeviceKeys(context.Context, string) error          { return nil }
func (f *fakeRelay) FetchDeviceKeys(context.Context) (string, bool, error) { return "", false, nil }
func (f *fakeRelay) SendSecureMessage(context.Context, domain.Envelope) error { return nil }
func (f *fakeRelay) ListSecureMessages(context.Context, domain.ListSecureMessagesParams) ([]domain.WireEnvelope, error) {
	return nil, nil
}
func (f *fakeRelay) FetchByCounter(context.Context, domain.ConversationID, uint64, domain.DeviceID) (domain.WireEnvelope, bool, error) {
	return domain.WireEnvelope{}, false, nil
}
func (f *fakeRelay) FetchMaxCounter(context.Context, domain.ConversationID, domain.DeviceID) (uint64, error) {
	return 0, nil
}
func (f *fakeRelay) VaultPut(context.Context, domain.VaultPutParams) (bool, error) { return false, nil }
func (f *fakeRelay) VaultGet(context.Context, domain.VaultGetParams) (domain.VaultEntry, bool, error) {
	return domain.VaultEntry{}, false, nil
}
func (f *fakeRelay) VaultDelete(context.Context, domain.VaultGetParams) error { return nil }
func (f *fakeRelay) VaultLatestState(context.Context, domain.ConversationID, domain.DeviceID) (domain.VaultLatestState, error) {
	return domain.VaultLatestState{}, nil
}
func (f *fakeRelay) ContactsUplink(context.Context, string, bool) error  { return nil }
func (f *fakeRelay) ContactsDownlink(context.Context) ([]string, error) { return nil, nil }

var _ domain.RelayClient = (*fakeRelay)(nil)

func TestGenerateAndStoreThenPublishBundle(t *testing.T) {
	ids := &fakeIdentityStore{}
	pks := newFakePrekeyStore()
	bundles := &fakeBundleStore{}
	relay := &fakeRelay{}

	svc := prekey.New(ids, pks, bundles, relay)

	id, err := newTestIdentity()
	if err != nil {
		t.Fatalf("build identity: %v", err)
	}
	ids.id = id

	spkPub, publics, err := svc.GenerateAndStore("pw")
	if err != nil {
		t.Fatalf("generate and store: %v", err)
	}
	if len(publics) == 0 {
		t.Fatal("want one-time prekeys minted")
	}
	if spkPub != pks.spkPub {
		t.Fatal("want returned SPK public to match stored SPK public")
	}

	self := domain.PeerKey{AccountDigest: "AAAA", DeviceID: "dev-a"}
	if err := svc.PublishBundle(context.Background(), self, id.XPub); err != nil {
		t.Fatalf("publish bundle: %v", err)
	}
	if relay.published.IKPub != id.XPub {
		t.Fatal("want published bundle to carry the identity public key")
	}
	if relay.published.OPK == nil {
		t.Fatal("want published bundle to include one OPK")
	}
	if !bundles.have {
		t.Fatal("want the published bundle cached locally")
	}
}

func TestReplenishOpksToppsUpToTarget(t *testing.T) {
	ids := &fakeIdentityStore{}
	pks := newFakePrekeyStore()
	relay := &fakeRelay{}
	svc := prekey.New(ids, pks, &fakeBundleStore{}, relay)

	id, err := newTestIdentity()
	if err != nil {
		t.Fatalf("build identity: %v", err)
	}
	ids.id = id
	if _, _, err := svc.GenerateAndStore("pw"); err != nil {
		t.Fatalf("generate and store: %v", err)
	}

	// Simulate consumption of most OPKs.
	consumed := 0
	for id := range pks.otps {
		if consumed >= 15 {
			break
		}
		delete(pks.otps, id)
		consumed++
	}

	self := domain.PeerKey{AccountDigest: "AAAA", DeviceID: "dev-a"}
	if err := svc.ReplenishOpks(context.Background(), self, id.XPub); err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if len(pks.otps) != 20 {
		t.Fatalf("want pool topped back up to 20, got %d", len(pks.otps))
	}
}

func TestFetchPeerBundle(t *testing.T) {
	relay := &fakeRelay{peerBundle: domain.PrekeyBundle{AccountDigest: "BBBB"}}
	svc := prekey.New(&fakeIdentityStore{}, newFakePrekeyStore(), &fakeBundleStore{}, relay)

	bundle, err := svc.FetchPeerBundle(context.Background(), "BBBB", nil)
	if err != nil {
		t.Fatalf("fetch peer bundle: %v", err)
	}
	if bundle.AccountDigest != "BBBB" {
		t.Fatal("want the fetched bundle's account digest")
	}
}

func newTestIdentity() (domain.Identity, error) {
	return crypto.NewIdentity()
}
