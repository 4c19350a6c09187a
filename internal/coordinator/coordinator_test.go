package coordinator_test

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"duskline/internal/coordinator"
	"duskline/internal/crypto"
	"duskline/internal/domain"
	"duskline/internal/ratchet"
	"duskline/internal/sessionstore"
	"duskline/internal/vault"
	"duskline/internal/xerrors"
)

// fakeRelay implements domain.RelayClient, tracking VaultPut calls and
// letting tests force failures on demand.
type fakeRelay struct {
	mu    sync.Mutex
	puts  []domain.VaultPutParams
	failN int // fail this many Put calls before succeeding
}

func (f *fakeRelay) AuthSDMExchange(context.Context, string, string, string, string) (domain.SDMExchangeResult, error) {
	return domain.SDMExchangeResult{}, nil
}
func (f *fakeRelay) PublishBundle(context.Context, domain.PrekeyBundle) error { return nil }
func (f *fakeRelay) FetchPeerBundle(context.Context, domain.AccountDigest, *domain.DeviceID) (domain.PrekeyBundle, error) {
	return domain.PrekeyBundle{}, nil
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
func (f *fakeRelay) VaultPut(ctx context.Context, params domain.VaultPutParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return false, errors.New("fakeRelay: forced vault put failure")
	}
	f.puts = append(f.puts, params)
	return false, nil
}
func (f *fakeRelay) VaultGet(context.Context, domain.VaultGetParams) (domain.VaultEntry, bool, error) {
	return domain.VaultEntry{}, false, nil
}
func (f *fakeRelay) VaultDelete(context.Context, domain.VaultGetParams) error { return nil }
func (f *fakeRelay) VaultLatestState(context.Context, domain.ConversationID, domain.DeviceID) (domain.VaultLatestState, error) {
	return domain.VaultLatestState{}, nil
}
func (f *fakeRelay) ContactsUplink(context.Context, string, bool) error  { return nil }
func (f *fakeRelay) ContactsDownlink(context.Context) ([]string, error) { return nil, nil }

func (f *fakeRelay) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func randMK(t *testing.T) domain.MasterKey {
	t.Helper()
	var mk domain.MasterKey
	if _, err := rand.Read(mk[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return mk
}

// linkedStates builds a pair of DR states (sender, receiver) already sharing
// a root key, as if X3DH had already completed, so the test can exercise
// Encrypt/Decrypt directly without running the full handshake.
func linkedStates(t *testing.T) (sender, receiver *ratchet.State) {
	t.Helper()
	root := make([]byte, 32)
	if _, err := rand.Read(root); err != nil {
		t.Fatalf("rand: %v", err)
	}

	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate spk: %v", err)
	}
	ekPriv, ekPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate ek: %v", err)
	}

	base := domain.BaseKey{ConversationID: "conv-1", Role: "test"}

	sender, err = ratchet.InitAsInitiator(root, ekPriv, ekPub, spkPub, base)
	if err != nil {
		t.Fatalf("init as initiator: %v", err)
	}
	receiver, err = ratchet.InitAsResponder(root, spkPriv, spkPub, ekPub, base)
	if err != nil {
		t.Fatalf("init as responder: %v", err)
	}
	return sender, receiver
}

func TestCoordinatorCommitsOnSuccessfulVaultPut(t *testing.T) {
	sender, receiver := linkedStates(t)
	header, counter, ct, err := sender.Encrypt("dev-sender", []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	relay := &fakeRelay{}
	v := vault.New(relay, nil)
	sessions := sessionstore.New(nil)
	peer := domain.NewPeerKey("AAAA", "dev-sender")
	sessions.Put(peer, receiver)

	mk := randMK(t)
	sess := domain.Session{MK: mk, AccountDigest: "BBBB", DeviceID: "dev-receiver", AccountToken: "tok"}
	c := coordinator.New(sessions, v, func() domain.Session { return sess })

	var mu sync.Mutex
	var delivered []domain.DecryptedMessage
	c.Emit = func(m domain.DecryptedMessage) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, m)
	}

	item := domain.ReplayItem{
		MessageID:      "11111111-1111-4111-8111-111111111111",
		ConversationID: "conv-1",
		PeerKey:        peer,
		Counter:        counter,
		Direction:      domain.DirectionIncoming,
		Header:         header,
		Ciphertext:     ct,
		Raw:            domain.WireEnvelope{Envelope: domain.Envelope{SenderDeviceID: "dev-sender"}},
	}

	if err := c.Submit(context.Background(), item); err != nil {
		t.Fatalf("submit: %v", err)
	}

	mu.Lock()
	n := len(delivered)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("want 1 delivered message, got %d", n)
	}
	if string(delivered[0].Plaintext) != "hello" {
		t.Fatalf("want plaintext %q, got %q", "hello", delivered[0].Plaintext)
	}
	if relay.putCount() != 1 {
		t.Fatalf("want 1 vault put, got %d", relay.putCount())
	}

	st, ok := sessions.Get(peer)
	if !ok {
		t.Fatalf("expected live state for peer")
	}
	if st.Nr != 1 {
		t.Fatalf("want Nr advanced to 1, got %d", st.Nr)
	}
}

func TestCoordinatorIdentityMissingNotRetried(t *testing.T) {
	relay := &fakeRelay{}
	v := vault.New(relay, nil)
	sessions := sessionstore.New(nil)
	c := coordinator.New(sessions, v, func() domain.Session { return domain.Session{} })

	item := domain.ReplayItem{PeerKey: domain.NewPeerKey("AAAA", "dev-x"), Counter: 1}
	err := c.Submit(context.Background(), item)
	if err == nil {
		t.Fatalf("want error for unready session")
	}
	kind, ok := xerrors.KindOf(err)
	if !ok || kind != xerrors.KindIdentityMissing {
		t.Fatalf("want KindIdentityMissing, got %v (%v)", kind, err)
	}
}

func TestCoordinatorCancelledContextReturnsError(t *testing.T) {
	relay := &fakeRelay{}
	v := vault.New(relay, nil)
	sessions := sessionstore.New(nil)
	c := coordinator.New(sessions, v, func() domain.Session { return domain.Session{} })

	peer := domain.NewPeerKey("AAAA", "dev-x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Submit(ctx, domain.ReplayItem{PeerKey: peer})
	if err == nil {
		t.Fatalf("want error for cancelled context")
	}
}
