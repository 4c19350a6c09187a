package contactshare_test

import (
	"testing"

	"duskline/internal/contactshare"
	"duskline/internal/domain"
)

type memContactStore struct {
	byKey map[string]domain.ContactEntry
}

func newMemContactStore() *memContactStore {
	return &memContactStore{byKey: make(map[string]domain.ContactEntry)}
}

func (s *memContactStore) key(digest domain.AccountDigest, device domain.DeviceID) string {
	return string(digest) + "|" + string(device)
}

func (s *memContactStore) UpsertContact(entry domain.ContactEntry) error {
	s.byKey[s.key(entry.PeerAccountDigest, entry.PeerDeviceID)] = entry
	return nil
}

func (s *memContactStore) LoadContact(peerDigest domain.AccountDigest, peerDevice domain.DeviceID) (domain.ContactEntry, bool, error) {
	entry, ok := s.byKey[s.key(peerDigest, peerDevice)]
	return entry, ok, nil
}

func (s *memContactStore) ListContacts() ([]domain.ContactEntry, error) {
	out := make([]domain.ContactEntry, 0, len(s.byKey))
	for _, e := range s.byKey {
		out = append(out, e)
	}
	return out, nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var key domain.MasterKey
	key[0] = 0xAB

	payload := domain.ContactSharePayload{
		PeerAccountDigest: "BBBB",
		Nickname:          "bob",
		Conversation: domain.ConversationRef{
			ConversationID: "conv-1",
			PeerDeviceID:   "dev-b",
		},
		AddedAt:          1000,
		ProfileUpdatedAt: 1000,
	}

	env, err := contactshare.Encode(payload, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := contactshare.Decode(env, key)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PeerAccountDigest != payload.PeerAccountDigest || got.Conversation.ConversationID != payload.Conversation.ConversationID {
		t.Fatal("payload mismatch after round trip")
	}
}

func TestApplyRejectsSelfGhost(t *testing.T) {
	store := newMemContactStore()
	m := contactshare.New(store, "AAAA")

	payload := domain.ContactSharePayload{
		PeerAccountDigest: "AAAA",
		Conversation:      domain.ConversationRef{ConversationID: "conv-1", PeerDeviceID: "dev-a"},
		ProfileUpdatedAt:  1,
	}
	if _, err := m.Apply(payload); err != contactshare.ErrSelfGhost {
		t.Fatalf("want ErrSelfGhost, got %v", err)
	}
}

func TestApplyRejectsStaleAndEqualProfileUpdatedAt(t *testing.T) {
	store := newMemContactStore()
	m := contactshare.New(store, "AAAA")

	first := domain.ContactSharePayload{
		PeerAccountDigest: "BBBB",
		Nickname:          "bob",
		Conversation:      domain.ConversationRef{ConversationID: "conv-1", PeerDeviceID: "dev-b"},
		ProfileUpdatedAt:  100,
	}
	if _, err := m.Apply(first); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	equal := first
	equal.Nickname = "bobby"
	if _, err := m.Apply(equal); err != contactshare.ErrStaleProfile {
		t.Fatalf("want ErrStaleProfile for equal timestamp, got %v", err)
	}

	older := first
	older.ProfileUpdatedAt = 50
	if _, err := m.Apply(older); err != contactshare.ErrStaleProfile {
		t.Fatalf("want ErrStaleProfile for older timestamp, got %v", err)
	}

	newer := first
	newer.Nickname = "robert"
	newer.ProfileUpdatedAt = 200
	entry, err := m.Apply(newer)
	if err != nil {
		t.Fatalf("newer apply: %v", err)
	}
	if entry.Nickname != "robert" {
		t.Fatalf("want updated nickname, got %q", entry.Nickname)
	}
}

func TestApplyFiresCallbacksAndClearsPendingInvite(t *testing.T) {
	store := newMemContactStore()
	m := contactshare.New(store, "AAAA")

	payload := domain.ContactSharePayload{
		PeerAccountDigest: "BBBB",
		Conversation:      domain.ConversationRef{ConversationID: "conv-1", PeerDeviceID: "dev-b"},
		ProfileUpdatedAt:  10,
	}
	m.TrackInvite("BBBB", "dev-b", payload)

	var changed bool
	var updated domain.ContactEntry
	m.OnContactsChanged = func() { changed = true }
	m.OnEntryUpdated = func(e domain.ContactEntry) { updated = e }

	if _, err := m.Apply(payload); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatal("want OnContactsChanged fired")
	}
	if updated.PeerAccountDigest != "BBBB" {
		t.Fatal("want OnEntryUpdated fired with the applied entry")
	}
}
