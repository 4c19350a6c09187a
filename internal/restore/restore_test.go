package restore_test

import (
	"context"
	"encoding/json"
	"testing"

	"duskline/internal/aead"
	"duskline/internal/domain"
	"duskline/internal/gapqueue"
	"duskline/internal/restore"
	"duskline/internal/sessionstore"
	"duskline/internal/vault"
)

type fakeContactStore struct {
	entries []domain.ContactEntry
}

func (s *fakeContactStore) UpsertContact(entry domain.ContactEntry) error { return nil }
func (s *fakeContactStore) LoadContact(peerDigest domain.AccountDigest, peerDevice domain.DeviceID) (domain.ContactEntry, bool, error) {
	return domain.ContactEntry{}, false, nil
}
func (s *fakeContactStore) ListContacts() ([]domain.ContactEntry, error) { return s.entries, nil }

type fakeSnapshotStore struct {
	saved   map[domain.PeerKey]string
	loadAll map[domain.PeerKey]string
	saveErr error
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{saved: make(map[domain.PeerKey]string), loadAll: make(map[domain.PeerKey]string)}
}
func (s *fakeSnapshotStore) SaveSnapshot(peer domain.PeerKey, sealedEnvelopeJSON string) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[peer] = sealedEnvelopeJSON
	return nil
}
func (s *fakeSnapshotStore) LoadAllSnapshots() (map[domain.PeerKey]string, error) {
	out := make(map[domain.PeerKey]string, len(s.loadAll))
	for k, v := range s.loadAll {
		out[k] = v
	}
	return out, nil
}
func (s *fakeSnapshotStore) DeleteSnapshot(peer domain.PeerKey) error {
	delete(s.saved, peer)
	return nil
}

type fakeRelay struct {
	downlink       []string
	downlinkErr    error
	maxCounter     map[domain.ConversationID]uint64
	maxCounterErr  error
	listResult     []domain.WireEnvelope
	listErr        error
}

func (f *fakeRelay) AuthSDMExchange(ctx context.Context, uid, sdmmac, sdmcounter, nonce string) (domain.SDMExchangeResult, error) {
	return domain.SDMExchangeResult{}, nil
}
func (f *fakeRelay) PublishBundle(ctx context.Context, bundle domain.PrekeyBundle) error { return nil }
func (f *fakeRelay) FetchPeerBundle(ctx context.Context, peerDigest domain.AccountDigest, peerDevice *domain.DeviceID) (domain.PrekeyBundle, error) {
	return domain.PrekeyBundle{}, nil
}
func (f *fakeRelay) StoreDeviceKeys(ctx context.Context, wrappedDev string) error { return nil }
func (f *fakeRelay) FetchDeviceKeys(ctx context.Context) (string, bool, error)   { return "", false, nil }
func (f *fakeRelay) SendSecureMessage(ctx context.Context, env domain.Envelope) error { return nil }
func (f *fakeRelay) ListSecureMessages(ctx context.Context, params domain.ListSecureMessagesParams) ([]domain.WireEnvelope, error) {
	return f.listResult, f.listErr
}
func (f *fakeRelay) FetchByCounter(ctx context.Context, conversationID domain.ConversationID, counter uint64, senderDeviceID domain.DeviceID) (domain.WireEnvelope, bool, error) {
	return domain.WireEnvelope{}, false, nil
}
func (f *fakeRelay) FetchMaxCounter(ctx context.Context, conversationID domain.ConversationID, senderDeviceID domain.DeviceID) (uint64, error) {
	if f.maxCounterErr != nil {
		return 0, f.maxCounterErr
	}
	return f.maxCounter[conversationID], nil
}
func (f *fakeRelay) VaultPut(ctx context.Context, params domain.VaultPutParams) (bool, error) { return false, nil }
func (f *fakeRelay) VaultGet(ctx context.Context, params domain.VaultGetParams) (domain.VaultEntry, bool, error) {
	return domain.VaultEntry{}, false, nil
}
func (f *fakeRelay) VaultDelete(ctx context.Context, params domain.VaultGetParams) error { return nil }
func (f *fakeRelay) VaultLatestState(ctx context.Context, conversationID domain.ConversationID, senderDeviceID domain.DeviceID) (domain.VaultLatestState, error) {
	return domain.VaultLatestState{}, nil
}
func (f *fakeRelay) ContactsUplink(ctx context.Context, encryptedBlob string, isBlocked bool) error {
	return nil
}
func (f *fakeRelay) ContactsDownlink(ctx context.Context) ([]string, error) {
	return f.downlink, f.downlinkErr
}

var _ domain.RelayClient = (*fakeRelay)(nil)

func testSession(mk domain.MasterKey) domain.Session {
	return domain.Session{
		MK:            mk,
		AccountDigest: "AAAA",
		DeviceID:      "dev-a",
		AccountToken:  "token",
	}
}

func TestRunHaltsAtStage0WhenSessionNotReady(t *testing.T) {
	p := restore.New(&fakeContactStore{}, newFakeSnapshotStore(), &fakeRelay{}, sessionstore.New(newFakeSnapshotStore()), vault.New(&fakeRelay{}, nil), gapqueue.New(&fakeRelay{}, nil, domain.PeerKey{}), nil)

	report := p.Run(context.Background(), domain.Session{})
	if report.HaltedAtStage != 0 {
		t.Fatalf("want halt at stage 0, got %d", report.HaltedAtStage)
	}
	if len(report.Stages) != 6 {
		t.Fatalf("want 6 stage results logged, got %d", len(report.Stages))
	}
	for i := 1; i < 6; i++ {
		if report.Stages[i].OK {
			t.Fatalf("want stage %d skipped, got ok", i)
		}
		if report.Stages[i].ReasonCode != restore.ReasonStageSkipped {
			t.Fatalf("want stage %d ReasonStageSkipped, got %s", i, report.Stages[i].ReasonCode)
		}
	}
}

func TestRunMergesRemoteBackupAndHydrates(t *testing.T) {
	var mk domain.MasterKey
	mk[0] = 0x42
	session := testSession(mk)

	peer := domain.PeerKey{AccountDigest: "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", DeviceID: "dev-b"}
	bundle := map[string]string{peer.String(): `{"sealed":"snapshot"}`}
	raw, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	env, err := aead.WrapJSON(json.RawMessage(raw), mk, aead.InfoDRState)
	if err != nil {
		t.Fatalf("wrap backup blob: %v", err)
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	relay := &fakeRelay{downlink: []string{string(envJSON)}}
	contacts := &fakeContactStore{}
	snapshots := newFakeSnapshotStore()

	p := restore.New(contacts, snapshots, relay, sessionstore.New(snapshots), vault.New(relay, nil), gapqueue.New(relay, nil, session.Self()), nil)

	report := p.Run(context.Background(), session)
	if report.HaltedAtStage != 0 {
		t.Fatalf("want pipeline to complete, halted at stage %d", report.HaltedAtStage)
	}
	if len(snapshots.saved) != 1 {
		t.Fatalf("want one merged snapshot, got %d", len(snapshots.saved))
	}
	if _, ok := snapshots.saved[peer]; !ok {
		t.Fatal("want the peer's snapshot merged")
	}
}

func TestRunHaltsWhenBackupFetchFails(t *testing.T) {
	var mk domain.MasterKey
	mk[0] = 0x42
	session := testSession(mk)

	relay := &fakeRelay{downlinkErr: errPlain("network down")}
	snapshots := newFakeSnapshotStore()
	p := restore.New(&fakeContactStore{}, snapshots, relay, sessionstore.New(snapshots), vault.New(relay, nil), gapqueue.New(relay, nil, session.Self()), nil)

	report := p.Run(context.Background(), session)
	if report.HaltedAtStage != 2 {
		t.Fatalf("want halt at stage 2, got %d", report.HaltedAtStage)
	}
	if report.Stages[2].ReasonCode != restore.ReasonBackupFetchFailed {
		t.Fatalf("want ReasonBackupFetchFailed, got %s", report.Stages[2].ReasonCode)
	}
	if report.Stages[3].ReasonCode != restore.ReasonStageSkipped {
		t.Fatalf("want stage 3 skipped, got %s", report.Stages[3].ReasonCode)
	}
}

func TestScanConversationsEnqueuesGapsWhenNotLazy(t *testing.T) {
	var mk domain.MasterKey
	mk[0] = 0x42
	session := testSession(mk)

	contacts := &fakeContactStore{entries: []domain.ContactEntry{
		{PeerAccountDigest: "BBBB", PeerDeviceID: "dev-b", ConversationID: "conv-1"},
	}}
	relay := &fakeRelay{
		maxCounter: map[domain.ConversationID]uint64{"conv-1": 3},
		listResult: []domain.WireEnvelope{{WrappedMK: "wrapped"}},
	}
	snapshots := newFakeSnapshotStore()
	gq := gapqueue.New(relay, nil, session.Self())
	p := restore.New(contacts, snapshots, relay, sessionstore.New(snapshots), vault.New(relay, nil), gq, nil)

	report := p.Run(context.Background(), session)
	if report.HaltedAtStage != 0 {
		t.Fatalf("want pipeline to complete, halted at %d", report.HaltedAtStage)
	}
	if len(report.Conversations) != 1 {
		t.Fatalf("want 1 conversation summary, got %d", len(report.Conversations))
	}
	got := report.Conversations[0]
	if got.Lazy {
		t.Fatal("want non-lazy gap fill")
	}
	if got.Enqueued != 3 {
		t.Fatalf("want 3 enqueued jobs (counters 1..3), got %d", got.Enqueued)
	}
}

func TestScanConversationsRecordsOfflineUnreadWhenLazy(t *testing.T) {
	var mk domain.MasterKey
	mk[0] = 0x42
	session := testSession(mk)

	contacts := &fakeContactStore{entries: []domain.ContactEntry{
		{PeerAccountDigest: "BBBB", PeerDeviceID: "dev-b", ConversationID: "conv-1"},
	}}
	relay := &fakeRelay{
		maxCounter: map[domain.ConversationID]uint64{"conv-1": 5},
		listResult: []domain.WireEnvelope{{}},
	}
	snapshots := newFakeSnapshotStore()
	gq := gapqueue.New(relay, nil, session.Self())
	p := restore.New(contacts, snapshots, relay, sessionstore.New(snapshots), vault.New(relay, nil), gq, nil)

	report := p.Run(context.Background(), session)
	if report.HaltedAtStage != 0 {
		t.Fatalf("want pipeline to complete, halted at %d", report.HaltedAtStage)
	}
	got := report.Conversations[0]
	if !got.Lazy {
		t.Fatal("want lazy gap handling")
	}
	if got.OfflineUnreadCount != 5 {
		t.Fatalf("want offline unread count 5, got %d", got.OfflineUnreadCount)
	}
	if got.Enqueued != 0 {
		t.Fatalf("want nothing enqueued in lazy mode, got %d", got.Enqueued)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
