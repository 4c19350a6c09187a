package store_test

import (
	"testing"

	"duskline/internal/domain"
	"duskline/internal/store"
)

func TestIdentitySaveLoadRoundTrip(t *testing.T) {
	home := t.TempDir()
	ids := store.NewIdentityFileStore(home)

	id := domain.Identity{
		XPub:   domain.X25519Public{1},
		XPriv:  domain.X25519Private{2},
		EdPub:  domain.Ed25519Public{3},
		EdPriv: domain.Ed25519Private{4},
	}
	if err := ids.SaveIdentity("correct horse", id); err != nil {
		t.Fatalf("save identity: %v", err)
	}

	got, err := ids.LoadIdentity("correct horse")
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if got.XPub != id.XPub || got.EdPub != id.EdPub {
		t.Fatal("identity mismatch after round trip")
	}
}

func TestIdentityWrongPassphraseFails(t *testing.T) {
	home := t.TempDir()
	ids := store.NewIdentityFileStore(home)

	id := domain.Identity{XPub: domain.X25519Public{1}, XPriv: domain.X25519Private{2}}
	if err := ids.SaveIdentity("correct", id); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	if _, err := ids.LoadIdentity("wrong"); err == nil {
		t.Fatal("want error with wrong passphrase")
	}
}

func TestIdentitySecondSaveRejected(t *testing.T) {
	home := t.TempDir()
	ids := store.NewIdentityFileStore(home)
	id := domain.Identity{XPub: domain.X25519Public{1}}
	if err := ids.SaveIdentity("p", id); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := ids.SaveIdentity("p", id); err == nil {
		t.Fatal("want error re-saving an existing identity")
	}
}

func TestOneTimePreKeyConsumeIsOneShot(t *testing.T) {
	home := t.TempDir()
	pk := store.NewPrekeyFileStore(home)

	pairs := []domain.OneTimePreKeyPair{
		{ID: 1, Priv: domain.X25519Private{1}, Pub: domain.X25519Public{1}},
		{ID: 2, Priv: domain.X25519Private{2}, Pub: domain.X25519Public{2}},
	}
	if err := pk.SaveOneTimePreKeys(pairs); err != nil {
		t.Fatalf("save: %v", err)
	}

	pub, err := pk.ListOneTimePreKeyPublics()
	if err != nil || len(pub) != 2 {
		t.Fatalf("list publics: %v %d", err, len(pub))
	}

	_, _, ok, err := pk.ConsumeOneTimePreKey(1)
	if err != nil || !ok {
		t.Fatalf("consume: %v %v", err, ok)
	}
	_, _, ok, err = pk.ConsumeOneTimePreKey(1)
	if err != nil || ok {
		t.Fatal("want consumed id unavailable on second consume")
	}

	pub, err = pk.ListOneTimePreKeyPublics()
	if err != nil || len(pub) != 1 {
		t.Fatalf("list after consume: %v %d", err, len(pub))
	}
}

func TestVaultCacheLatestStateTracksMax(t *testing.T) {
	home := t.TempDir()
	vc := store.NewVaultCacheFileStore(home)

	key := domain.VaultGetParams{ConversationID: "conv-1", MessageID: "m1", SenderDeviceID: "dev-b"}
	entry := domain.VaultEntry{
		WrappedMK: "sealed-1",
		Context: domain.VaultKeyContext{
			ConversationID: "conv-1",
			SenderDeviceID: "dev-b",
			Direction:      domain.DirectionIncoming,
			HeaderCounter:  5,
		},
	}
	if err := vc.SaveVaultEntry(key, entry); err != nil {
		t.Fatalf("save entry: %v", err)
	}

	lowerKey := domain.VaultGetParams{ConversationID: "conv-1", MessageID: "m0", SenderDeviceID: "dev-b"}
	lowerEntry := entry
	lowerEntry.Context.HeaderCounter = 2
	if err := vc.SaveVaultEntry(lowerKey, lowerEntry); err != nil {
		t.Fatalf("save lower entry: %v", err)
	}

	st, ok, err := vc.LoadLatestState("conv-1", "dev-b")
	if err != nil || !ok {
		t.Fatalf("load latest state: %v %v", err, ok)
	}
	if st.IncomingHeaderCounter != 5 {
		t.Fatalf("want latest state to stay at the max counter 5, got %d", st.IncomingHeaderCounter)
	}

	got, ok, err := vc.LoadVaultEntry(key)
	if err != nil || !ok || got.WrappedMK != "sealed-1" {
		t.Fatalf("load entry: %v %v %q", err, ok, got.WrappedMK)
	}

	if err := vc.DeleteVaultEntry(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := vc.LoadVaultEntry(key); ok {
		t.Fatal("want entry gone after delete")
	}
}

func TestDRSnapshotRoundTrip(t *testing.T) {
	home := t.TempDir()
	ds := store.NewDRSnapshotFileStore(home)
	peer := domain.NewPeerKey("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "dev-a")

	if err := ds.SaveSnapshot(peer, "sealed-blob"); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	all, err := ds.LoadAllSnapshots()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if all[peer] != "sealed-blob" {
		t.Fatalf("want sealed-blob, got %q", all[peer])
	}

	if err := ds.DeleteSnapshot(peer); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, err = ds.LoadAllSnapshots()
	if err != nil {
		t.Fatalf("load all after delete: %v", err)
	}
	if _, ok := all[peer]; ok {
		t.Fatal("want snapshot gone after delete")
	}
}
