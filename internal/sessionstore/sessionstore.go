package sessionstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"duskline/internal/aead"
	"duskline/internal/domain"
	"duskline/internal/ratchet"
)

const traceCapacity = 200

// TraceEvent is one bounded forensics entry emitted on every create/clear
// (spec §4.4).
type TraceEvent struct {
	At     time.Time
	Peer   domain.PeerKey
	Action string // "create" | "clear" | "clear-account" | "hydrate"
}

// Store is the in-memory map[PeerKey]*ratchet.State (spec §4.4). The store
// itself performs no DR-state mutation locking: Get returns the live
// pointer, and callers mutating it (the live coordinator, inside its
// per-peer actor) are solely responsible for serializing writes (spec §5).
// The map's own membership (insert/delete) is guarded by mu.
type Store struct {
	mu       sync.RWMutex
	sessions map[domain.PeerKey]*ratchet.State
	trace    *lru.Cache[int, TraceEvent]
	traceSeq int

	snapshots domain.DRSnapshotStore
}

// New constructs an empty Store, optionally backed by a DRSnapshotStore for
// persistDrSnapshot/hydrateDrStatesFromContactSecrets.
func New(snapshots domain.DRSnapshotStore) *Store {
	trace, _ := lru.New[int, TraceEvent](traceCapacity)
	return &Store{
		sessions:  make(map[domain.PeerKey]*ratchet.State),
		trace:     trace,
		snapshots: snapshots,
	}
}

func (s *Store) recordTrace(peer domain.PeerKey, action string) {
	s.traceSeq++
	s.trace.Add(s.traceSeq, TraceEvent{At: time.Now(), Peer: peer, Action: action})
}

// Trace returns the bounded trace of create/clear events, oldest first.
func (s *Store) Trace() []TraceEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.trace.Keys()
	out := make([]TraceEvent, 0, len(keys))
	for _, k := range keys {
		if ev, ok := s.trace.Peek(k); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Get returns the DR state for peer, if any.
func (s *Store) Get(peer domain.PeerKey) (*ratchet.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[peer]
	return st, ok
}

// GetOrInit returns the existing DR state for peer, or calls initFn to build
// and register a new one (spec §4.4 getOrInit; spec invariant 1: at most one
// DR state per peerKey).
func (s *Store) GetOrInit(peer domain.PeerKey, initFn func() (*ratchet.State, error)) (*ratchet.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[peer]; ok {
		return st, nil
	}
	st, err := initFn()
	if err != nil {
		return nil, err
	}
	s.sessions[peer] = st
	s.recordTrace(peer, "create")
	return st, nil
}

// Put registers an already-built state for peer, overwriting any existing
// entry. Used by X3DH completion and contact-share dr_init bootstrap.
func (s *Store) Put(peer domain.PeerKey, st *ratchet.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[peer] = st
	s.recordTrace(peer, "create")
}

// Clear removes the DR state for peer (explicit logout/reset of one peer).
func (s *Store) Clear(peer domain.PeerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, peer)
	s.recordTrace(peer, "clear")
}

// ClearByAccount removes every DR state belonging to the given account
// digest, across all of that account's devices (spec §4.4).
func (s *Store) ClearByAccount(digest domain.AccountDigest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for peer := range s.sessions {
		if peer.AccountDigest == digest {
			delete(s.sessions, peer)
			s.recordTrace(peer, "clear-account")
		}
	}
}

// PersistDrSnapshot seals the current DR state for peer under MK and hands
// the envelope to the DRSnapshotStore (spec §4.4).
func (s *Store) PersistDrSnapshot(peer domain.PeerKey, mk domain.MasterKey) error {
	if s.snapshots == nil {
		return nil
	}
	st, ok := s.Get(peer)
	if !ok {
		return fmt.Errorf("sessionstore: no DR state for %s", peer)
	}
	snap := st.Snapshot(time.Now().Unix())
	env, err := aead.WrapJSON(snap, mk, aead.InfoDRState)
	if err != nil {
		return fmt.Errorf("sessionstore: seal snapshot: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal envelope: %w", err)
	}
	return s.snapshots.SaveSnapshot(peer, string(raw))
}

// HydrateDrStatesFromContactSecrets restores every persisted DR state
// snapshot after unlock (spec §4.4/§4.10 stage3). Skipped-key entries are
// never persisted, so hydrated states start with an empty skipped table
// (spec §3 lifecycle).
func (s *Store) HydrateDrStatesFromContactSecrets(mk domain.MasterKey) (int, error) {
	if s.snapshots == nil {
		return 0, nil
	}
	sealed, err := s.snapshots.LoadAllSnapshots()
	if err != nil {
		return 0, fmt.Errorf("sessionstore: load snapshots: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for peer, raw := range sealed {
		var env aead.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		var snap domain.DRStateSnapshot
		if err := aead.UnwrapJSON(env, mk, []string{aead.InfoDRState}, &snap); err != nil {
			continue
		}
		s.sessions[peer] = ratchet.FromSnapshot(snap)
		s.traceSeq++
		s.trace.Add(s.traceSeq, TraceEvent{At: time.Now(), Peer: peer, Action: "hydrate"})
		n++
	}
	return n, nil
}
