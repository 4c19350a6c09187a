package session_test

import (
	"context"
	"testing"

	"duskline/internal/crypto"
	"duskline/internal/domain"
	"duskline/internal/services/session"
)

type fakeIdentityStore struct{ id domain.Identity }

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
	otps    map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair
}

func (s *fakePrekeyStore) SaveSignedPreKey(priv domain.X25519Private, pub domain.X25519Public, sig []byte) error {
	s.spkPriv, s.spkPub = priv, pub
	return nil
}
func (s *fakePrekeyStore) LoadSignedPreKey() (domain.X25519Private, domain.X25519Public, []byte, bool, error) {
	return s.spkPriv, s.spkPub, nil, true, nil
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

type fakeRelay struct{ bundle domain.PrekeyBundle }

func (f *fakeRelay) AuthSDMExchange(context.Context, string, string, string, string) (domain.SDMExchangeResult, error) {
	return domain.SDMExchangeResult{}, nil
}
func (f *fakeRelay) PublishBundle(context.Context, domain.PrekeyBundle) error { return nil }
func (f *fakeRelay) FetchPeerBundle(ctx context.Context, peerDigest domain.AccountDigest, peerDevice *domain.DeviceID) (domain.PrekeyBundle, error) {
	return f.bundle, nil
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

func TestInitiateThenAcceptConversationAgreeOnRootKey(t *testing.T) {
	alice, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	bob, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("bob identity: %v", err)
	}
	bobSPKPriv, bobSPKPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("bob spk: %v", err)
	}
	bobOTPPriv, bobOTPPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("bob otp: %v", err)
	}
	otpID := domain.OneTimePreKeyID(1)

	bobBundle := domain.PrekeyBundle{
		AccountDigest: "BBBB",
		DeviceID:      "dev-b",
		IKPub:         bob.XPub,
		SPKPub:        bobSPKPub,
		OPK:           &domain.OneTimePreKeyPublic{ID: otpID, Pub: bobOTPPub},
	}

	aliceIDs := &fakeIdentityStore{id: alice}
	aliceRelay := &fakeRelay{bundle: bobBundle}
	initiatorSvc := session.New(aliceIDs, &fakePrekeyStore{otps: map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair{}}, aliceRelay)

	initiated, err := initiatorSvc.InitiateConversation(context.Background(), "pw", "AAAA", "dev-a", "BBBB", nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if initiated.DRInit.UsedOPKID == nil || *initiated.DRInit.UsedOPKID != otpID {
		t.Fatal("want dr_init to reference the bundle's one-time prekey")
	}

	bobIDs := &fakeIdentityStore{id: bob}
	bobPrekeys := &fakePrekeyStore{
		spkPriv: bobSPKPriv,
		spkPub:  bobSPKPub,
		otps:    map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair{otpID: {ID: otpID, Priv: bobOTPPriv, Pub: bobOTPPub}},
	}
	responderSvc := session.New(bobIDs, bobPrekeys, &fakeRelay{})

	base := domain.BaseKey{
		ConversationID:    initiated.Base.ConversationID,
		PeerAccountDigest: "AAAA",
		PeerDeviceID:      "dev-a",
		Role:              "responder",
		ConversationToken: initiated.Base.ConversationToken,
	}
	responderState, err := responderSvc.AcceptConversation("pw", alice.XPub, initiated.DRInit, base)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if string(initiated.State.RK) != string(responderState.RK) {
		t.Fatal("want both sides to derive the same initial root key")
	}
	if len(bobPrekeys.otps) != 0 {
		t.Fatal("want the referenced one-time prekey consumed")
	}
}
