package ratchet

import (
	"encoding/base64"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"duskline/internal/domain"
)

const (
	maxSkippedPerChain = 1000
	maxSkippedTotal    = 2000
)

type skippedGlobalKey struct {
	chain string
	n     uint32
}

// skippedKeyTable bounds skipped message keys per-chain (1000) and globally
// (2000), per spec §4.2 and the resolved Open Question (a): a per-chain LRU
// evicts first; if a chain is under its own cap but the global total is at
// capacity, the globally-oldest entry across all chains is evicted instead,
// so one noisy peer cannot evict another peer's pending skipped keys.
type skippedKeyTable struct {
	mu     sync.Mutex
	chains map[string]*lru.Cache[uint32, []byte]
	global *lru.Cache[skippedGlobalKey, struct{}]
}

func newSkippedKeyTable() *skippedKeyTable {
	t := &skippedKeyTable{chains: make(map[string]*lru.Cache[uint32, []byte])}
	global, _ := lru.NewWithEvict[skippedGlobalKey, struct{}](maxSkippedTotal, func(key skippedGlobalKey, _ struct{}) {
		if chain, ok := t.chains[key.chain]; ok {
			chain.Remove(key.n)
		}
	})
	t.global = global
	return t
}

func chainID(pub domain.X25519Public) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

func (t *skippedKeyTable) chainFor(id string) *lru.Cache[uint32, []byte] {
	chain, ok := t.chains[id]
	if ok {
		return chain
	}
	chain, _ = lru.NewWithEvict[uint32, []byte](maxSkippedPerChain, func(n uint32, _ []byte) {
		t.global.Remove(skippedGlobalKey{chain: id, n: n})
	})
	t.chains[id] = chain
	return chain
}

// Put memoizes a skipped message key for (chainPub, n).
func (t *skippedKeyTable) Put(chainPub domain.X25519Public, n uint32, mk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := chainID(chainPub)
	t.chainFor(id).Add(n, mk)
	t.global.Add(skippedGlobalKey{chain: id, n: n}, struct{}{})
}

// Take retrieves and removes a skipped key, reporting whether it was present.
func (t *skippedKeyTable) Take(chainPub domain.X25519Public, n uint32) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := chainID(chainPub)
	chain, ok := t.chains[id]
	if !ok {
		return nil, false
	}
	mk, ok := chain.Peek(n)
	if !ok {
		return nil, false
	}
	chain.Remove(n)
	t.global.Remove(skippedGlobalKey{chain: id, n: n})
	return mk, true
}

// Len reports the total number of memoized skipped keys across all chains.
func (t *skippedKeyTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.global.Len()
}

// Clone deep-copies the table for DR-state snapshot/rollback (spec §4.4/§4.7).
func (t *skippedKeyTable) Clone() *skippedKeyTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := newSkippedKeyTable()
	for id, chain := range t.chains {
		for _, n := range chain.Keys() {
			if mk, ok := chain.Peek(n); ok {
				cp := append([]byte(nil), mk...)
				out.chainFor(id).Add(n, cp)
				out.global.Add(skippedGlobalKey{chain: id, n: n}, struct{}{})
			}
		}
	}
	return out
}
