package replay_test

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"

	"duskline/internal/crypto"
	"duskline/internal/domain"
	"duskline/internal/ratchet"
	"duskline/internal/replay"
	"duskline/internal/vault"
)

type stubRelay struct {
	byConversation map[domain.ConversationID][]domain.WireEnvelope
}

func (s *stubRelay) AuthSDMExchange(context.Context, string, string, string, string) (domain.SDMExchangeResult, error) {
	return domain.SDMExchangeResult{}, nil
}
func (s *stubRelay) PublishBundle(context.Context, domain.PrekeyBundle) error { return nil }
func (s *stubRelay) FetchPeerBundle(context.Context, domain.AccountDigest, *domain.DeviceID) (domain.PrekeyBundle, error) {
	return domain.PrekeyBundle{}, nil
}
func (s *stubRelay) StoreDeviceKeys(context.Context, string) error          { return nil }
func (s *stubRelay) FetchDeviceKeys(context.Context) (string, bool, error) { return "", false, nil }
func (s *stubRelay) SendSecureMessage(context.Context, domain.Envelope) error { return nil }
func (s *stubRelay) ListSecureMessages(_ context.Context, params domain.ListSecureMessagesParams) ([]domain.WireEnvelope, error) {
	return s.byConversation[params.ConversationID], nil
}
func (s *stubRelay) FetchByCounter(context.Context, domain.ConversationID, uint64, domain.DeviceID) (domain.WireEnvelope, bool, error) {
	return domain.WireEnvelope{}, false, nil
}
func (s *stubRelay) FetchMaxCounter(context.Context, domain.ConversationID, domain.DeviceID) (uint64, error) {
	return 0, nil
}
func (s *stubRelay) VaultPut(context.Context, domain.VaultPutParams) (bool, error) { return false, nil }
func (s *stubRelay) VaultGet(context.Context, domain.VaultGetParams) (domain.VaultEntry, bool, error) {
	return domain.VaultEntry{}, false, nil
}
func (s *stubRelay) VaultDelete(context.Context, domain.VaultGetParams) error { return nil }
func (s *stubRelay) VaultLatestState(context.Context, domain.ConversationID, domain.DeviceID) (domain.VaultLatestState, error) {
	return domain.VaultLatestState{}, nil
}
func (s *stubRelay) ContactsUplink(context.Context, string, bool) error  { return nil }
func (s *stubRelay) ContactsDownlink(context.Context) ([]string, error) { return nil, nil }

type recordingSubmitter struct {
	mu    sync.Mutex
	items []domain.ReplayItem
}

func (r *recordingSubmitter) Submit(_ context.Context, item domain.ReplayItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func randMK(t *testing.T) domain.MasterKey {
	t.Helper()
	var mk domain.MasterKey
	if _, err := rand.Read(mk[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return mk
}

func TestFetchAndReplayFastPathUsesInlineKey(t *testing.T) {
	mk := randMK(t)
	sess := domain.Session{MK: mk, AccountDigest: "BBBB", DeviceID: "dev-receiver", AccountToken: "tok"}
	self := domain.NewPeerKey(sess.AccountDigest, sess.DeviceID)

	messageMK := make([]byte, 32)
	if _, err := rand.Read(messageMK); err != nil {
		t.Fatalf("rand: %v", err)
	}
	header := domain.RatchetHeader{Version: 1, DeviceID: "dev-sender", N: 0}
	counter := uint64(1)
	ad := ratchet.CanonicalAAD(header.Version, "dev-sender", counter)
	plaintext := []byte("hello from the vault fast path")
	ct, err := sealForTest(messageMK, header.N, ad, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	vctx := domain.VaultKeyContext{Version: 1, ConversationID: "conv-1", HeaderCounter: counter}
	wrappedMK, err := vault.SealedKey(crypto.B64(messageMK), vctx, mk)
	if err != nil {
		t.Fatalf("sealed key: %v", err)
	}

	relay := &stubRelay{byConversation: map[domain.ConversationID][]domain.WireEnvelope{
		"conv-1": {
			{
				Envelope: domain.Envelope{
					ID:             "11111111-1111-4111-8111-111111111111",
					ConversationID: "conv-1",
					Header:         header,
					CiphertextB64:  crypto.B64(ct),
					Counter:        counter,
					SenderDeviceID: "dev-sender",
				},
				SenderDigest:   "AAAA",
				TargetDeviceID: "dev-receiver",
				WrappedMK:      wrappedMK,
			},
		},
	}}

	sub := &recordingSubmitter{}
	f := replay.New(relay, sub, func() domain.Session { return sess })

	res, err := f.FetchAndReplay(context.Background(), []domain.ConversationID{"conv-1"}, self)
	if err != nil {
		t.Fatalf("FetchAndReplay: %v", err)
	}
	if res.FastPathCount != 1 {
		t.Fatalf("want 1 fast-path delivery, got %d", res.FastPathCount)
	}
	if sub.count() != 0 {
		t.Fatalf("want no fallback submissions, got %d", sub.count())
	}
	if len(res.Delivered) != 1 || string(res.Delivered[0].Plaintext) != string(plaintext) {
		t.Fatalf("unexpected delivered result: %+v", res.Delivered)
	}
}

func TestFetchAndReplayFallsBackWithoutInlineKey(t *testing.T) {
	mk := randMK(t)
	sess := domain.Session{MK: mk, AccountDigest: "BBBB", DeviceID: "dev-receiver", AccountToken: "tok"}
	self := domain.NewPeerKey(sess.AccountDigest, sess.DeviceID)

	relay := &stubRelay{byConversation: map[domain.ConversationID][]domain.WireEnvelope{
		"conv-1": {
			{
				Envelope: domain.Envelope{
					ID:             "22222222-2222-4222-8222-222222222222",
					ConversationID: "conv-1",
					CiphertextB64:  "",
					Counter:        1,
					SenderDeviceID: "dev-sender",
				},
				SenderDigest:   "AAAA",
				TargetDeviceID: "dev-receiver",
			},
		},
	}}

	sub := &recordingSubmitter{}
	f := replay.New(relay, sub, func() domain.Session { return sess })

	res, err := f.FetchAndReplay(context.Background(), []domain.ConversationID{"conv-1"}, self)
	if err != nil {
		t.Fatalf("FetchAndReplay: %v", err)
	}
	if res.FallbackCount != 1 {
		t.Fatalf("want 1 fallback submission, got %d", res.FallbackCount)
	}
	if sub.count() != 1 {
		t.Fatalf("want submitter to see 1 item, got %d", sub.count())
	}
}

// sealForTest mirrors ratchet's internal chacha20poly1305 seal (32-byte key,
// 12-byte nonce with n big-endian in the last 4 bytes), so the test can
// build a ciphertext openable by ratchet.OpenWithKey without depending on
// ratchet's unexported seal function.
func sealForTest(mk []byte, n uint32, ad, plaintext []byte) ([]byte, error) {
	aeadCipher, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], n)
	return aeadCipher.Seal(nil, nonce, plaintext, ad), nil
}
