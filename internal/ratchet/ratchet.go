// Package ratchet implements the Double Ratchet algorithm: root/chain KDFs,
// the DH ratchet step, header construction with canonical AAD, and the
// skipped-message-key table, adapted from the teacher's
// protocol/ratchet/ratchet.go and generalized per spec §4.2.
package ratchet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"duskline/internal/crypto"
	"duskline/internal/domain"
	"duskline/internal/xerrors"
)

const (
	aeadKeySize = chacha20poly1305.KeySize
	nonceSize   = chacha20poly1305.NonceSize
	headerVersion = 1
)

var errChainUninitialised = errors.New("ratchet: chain key uninitialised")

// State is the live, mutable Double Ratchet session for one peerKey. It
// carries the teacher's Ns/Nr chain indices plus the transport-wide
// NsTotal/NrTotal counters spec §3 requires, and is mutated in place by
// Encrypt/Decrypt — callers needing commit/rollback semantics (the live
// coordinator, §4.7) snapshot via Clone before calling Decrypt and discard
// the mutated State on failure.
type State struct {
	RK              []byte
	CKSend          []byte
	CKRecv          []byte
	Ns              uint32
	Nr              uint32
	PN              uint32
	NsTotal         uint64
	NrTotal         uint64
	MyRatchetPriv   domain.X25519Private
	MyRatchetPub    domain.X25519Public
	TheirRatchetPub domain.X25519Public
	Base            domain.BaseKey
	Skipped         *skippedKeyTable
}

// Clone deep-copies the state for snapshot/rollback (spec §4.4/§4.7).
func (st *State) Clone() *State {
	cp := *st
	cp.RK = append([]byte(nil), st.RK...)
	cp.CKSend = append([]byte(nil), st.CKSend...)
	cp.CKRecv = append([]byte(nil), st.CKRecv...)
	if st.Skipped != nil {
		cp.Skipped = st.Skipped.Clone()
	} else {
		cp.Skipped = newSkippedKeyTable()
	}
	return &cp
}

// Snapshot produces the JSON-serializable form used for persistence and the
// vault's optional dr_state payload (spec §4.4/§4.5).
func (st *State) Snapshot(updatedAt int64) domain.DRStateSnapshot {
	return domain.DRStateSnapshot{
		RK:                 st.RK,
		CKSend:             st.CKSend,
		CKRecv:             st.CKRecv,
		Ns:                 st.Ns,
		Nr:                 st.Nr,
		PN:                 st.PN,
		NsTotal:            st.NsTotal,
		NrTotal:            st.NrTotal,
		MyRatchetPriv:      st.MyRatchetPriv,
		MyRatchetPub:       st.MyRatchetPub,
		TheirRatchetPub:    st.TheirRatchetPub,
		Base:               st.Base,
		UpdatedAt:          updatedAt,
	}
}

// FromSnapshot rebuilds a live State from a persisted snapshot. The skipped
// key table starts empty: evicted-by-design skipped keys are never
// persisted across restarts (spec §3 lifecycle).
func FromSnapshot(snap domain.DRStateSnapshot) *State {
	return &State{
		RK:              snap.RK,
		CKSend:          snap.CKSend,
		CKRecv:          snap.CKRecv,
		Ns:              snap.Ns,
		Nr:              snap.Nr,
		PN:              snap.PN,
		NsTotal:         snap.NsTotal,
		NrTotal:         snap.NrTotal,
		MyRatchetPriv:   snap.MyRatchetPriv,
		MyRatchetPub:    snap.MyRatchetPub,
		TheirRatchetPub: snap.TheirRatchetPub,
		Base:            snap.Base,
		Skipped:         newSkippedKeyTable(),
	}
}

// InitAsInitiator builds the sending-side state after X3DH: root is SK, and
// the ratchet DH keypair is the initiator's ephemeral EK (already generated
// during X3DH), paired against the responder's signed prekey.
func InitAsInitiator(root []byte, ekPriv domain.X25519Private, ekPub domain.X25519Public, peerSPKPub domain.X25519Public, base domain.BaseKey) (*State, error) {
	dh, err := crypto.DH(ekPriv, peerSPKPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: init as initiator: %w", err)
	}
	newRoot, sendCK := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])
	return &State{
		RK:              newRoot,
		MyRatchetPriv:   ekPriv,
		MyRatchetPub:    ekPub,
		TheirRatchetPub: peerSPKPub,
		CKSend:          sendCK,
		Base:            base,
		Skipped:         newSkippedKeyTable(),
	}, nil
}

// InitAsResponder builds the receiving-side state after X3DH accept: root is
// SK, and the chain key is derived against the initiator's ephemeral.
func InitAsResponder(root []byte, ourSPKPriv domain.X25519Private, ourSPKPub domain.X25519Public, initiatorEKPub domain.X25519Public, base domain.BaseKey) (*State, error) {
	dh, err := crypto.DH(ourSPKPriv, initiatorEKPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: init as responder: %w", err)
	}
	newRoot, recvCK := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])
	return &State{
		RK:              newRoot,
		MyRatchetPriv:   ourSPKPriv,
		MyRatchetPub:    ourSPKPub,
		TheirRatchetPub: initiatorEKPub,
		CKRecv:          recvCK,
		Base:            base,
		Skipped:         newSkippedKeyTable(),
	}, nil
}

// CanonicalAAD builds the spec §3 invariant 4 / §6 associated data string:
// "v:<ver>;d:<senderDeviceId>;c:<headerCounter>". headerCounter is the
// transport-wide counter (NsTotal at send time), not the per-chain index.
func CanonicalAAD(version int, senderDeviceID domain.DeviceID, headerCounter uint64) []byte {
	return []byte(fmt.Sprintf("v:%d;d:%s;c:%d", version, senderDeviceID, headerCounter))
}

// Encrypt advances the send chain and seals plaintext, performing a lazy
// ratchet step first if no send chain key exists yet (a fresh responder, or
// a state whose send chain key has been cleared).
func (st *State) Encrypt(senderDeviceID domain.DeviceID, plaintext []byte) (domain.RatchetHeader, uint64, []byte, error) {
	header, headerCounter, ct, mk, err := st.EncryptWithKey(senderDeviceID, plaintext)
	crypto.Wipe(mk)
	return header, headerCounter, ct, err
}

// EncryptWithKey is Encrypt but also returns the per-message key that
// sealed the envelope, so a caller vaulting the outgoing message (spec
// §4.5 "any of the user's devices replay any prior message") can wrap the
// exact key that opens it rather than a chain key. The returned key is
// sensitive; callers must crypto.Wipe it once the vault write has been
// attempted.
func (st *State) EncryptWithKey(senderDeviceID domain.DeviceID, plaintext []byte) (domain.RatchetHeader, uint64, []byte, []byte, error) {
	if st == nil {
		return domain.RatchetHeader{}, 0, nil, nil, xerrors.New(xerrors.KindDRStateUnavailable, errors.New("nil state"), nil)
	}
	if st.CKSend == nil {
		if err := st.stepSendChain(); err != nil {
			return domain.RatchetHeader{}, 0, nil, nil, err
		}
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return domain.RatchetHeader{}, 0, nil, nil, xerrors.New(xerrors.KindDRStateUnavailable, err, nil)
	}

	st.NsTotal++
	headerCounter := st.NsTotal
	iv := make([]byte, 0, 8)
	header := domain.RatchetHeader{
		Version:    headerVersion,
		DeviceID:   senderDeviceID,
		N:          st.Ns,
		PN:         st.PN,
		RatchetPub: st.MyRatchetPub,
		IV:         iv,
	}
	ad := CanonicalAAD(header.Version, senderDeviceID, headerCounter)
	ct, err := seal(mk, st.Ns, ad, plaintext)
	if err != nil {
		crypto.Wipe(mk)
		return domain.RatchetHeader{}, 0, nil, nil, xerrors.New(xerrors.KindIntegrityFailure, err, nil)
	}
	st.Ns++
	return header, headerCounter, ct, mk, nil
}

// stepSendChain performs the DH ratchet step needed to start a new send
// chain (used for the responder's first send and whenever CKSend is nil;
// ratchetStep itself always leaves CKSend set).
func (st *State) stepSendChain() error {
	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0

	priv, pub, err := newRatchetKeypair()
	if err != nil {
		return xerrors.New(xerrors.KindDRStateUnavailable, err, nil)
	}
	dh, err := crypto.DH(priv, st.TheirRatchetPub)
	if err != nil {
		return xerrors.New(xerrors.KindDRStateUnavailable, err, nil)
	}
	newRoot, sendCK := kdfRK(st.RK, dh[:])
	crypto.Wipe(dh[:])

	st.RK, st.MyRatchetPriv, st.MyRatchetPub, st.CKSend = newRoot, priv, pub, sendCK
	return nil
}

// Decrypt runs the full receive path: skipped-key lookup, DH ratchet step
// on a new ratchetPub, chain-key advance, and AEAD open. On success it has
// already advanced Nr/NrTotal in place; callers implementing the vault-put
// commit/rollback contract (spec §4.2/§4.5/§4.7) must snapshot st via Clone
// before calling and discard the mutated state on vault-put failure.
func (st *State) Decrypt(senderDeviceID domain.DeviceID, headerCounter uint64, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	pt, mk, err := st.DecryptWithKey(senderDeviceID, headerCounter, header, ciphertext)
	crypto.Wipe(mk)
	return pt, err
}

// DecryptWithKey is Decrypt but also returns the per-message key that
// opened the envelope, so the live coordinator can wrap and vault-put it
// before committing the Nr/NrTotal advance this call already performed on
// st (spec §4.5 "Critical contract": the caller, not this method, owns the
// commit/rollback decision by discarding a Clone on vault-put failure).
// The returned key is sensitive; callers must crypto.Wipe it once the vault
// write has been attempted.
func (st *State) DecryptWithKey(senderDeviceID domain.DeviceID, headerCounter uint64, header domain.RatchetHeader, ciphertext []byte) ([]byte, []byte, error) {
	if st == nil {
		return nil, nil, xerrors.New(xerrors.KindDRStateUnavailable, errors.New("nil state"), nil)
	}
	ad := CanonicalAAD(header.Version, senderDeviceID, headerCounter)

	// A skipped-key lookup only ever makes sense against the CURRENT chain:
	// a DH-ratchet step resets the sender's n to 0, so header.N < st.Nr can
	// be true for the first packet of a brand-new chain (e.g. st.Nr=7,
	// header.N=0) even though no skipped key for that chain exists yet.
	// Gate the fast path on the ratchetPub actually matching the chain we
	// have skipped keys for; otherwise fall through to the ratchet-step
	// branch below, which derives the new chain and reaches this n via
	// skipUntil.
	if header.N < st.Nr && equal32(st.TheirRatchetPub[:], header.RatchetPub[:]) {
		mk, ok := st.Skipped.Take(header.RatchetPub, header.N)
		if !ok {
			return nil, nil, xerrors.New(xerrors.KindSkippedMissing, nil, map[string]any{"n": header.N})
		}
		pt, err := open(mk, header.N, ad, ciphertext)
		if err != nil {
			crypto.Wipe(mk)
			return nil, nil, xerrors.New(xerrors.KindIntegrityFailure, err, nil)
		}
		return pt, mk, nil
	}

	if !equal32(st.TheirRatchetPub[:], header.RatchetPub[:]) {
		// Stash any remaining skipped keys from the OLD receive chain up to
		// the sender's reported previous-chain length before switching
		// chains (spec §4.2 step 1; TESTABLE PROPERTIES scenario 4).
		if st.CKRecv != nil {
			if err := st.skipUntil(header.PN); err != nil {
				return nil, nil, err
			}
		}
		if err := st.ratchetStep(header); err != nil {
			return nil, nil, err
		}
	}

	if header.N > st.Nr {
		if err := st.skipUntil(header.N); err != nil {
			return nil, nil, err
		}
	}

	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, nil, xerrors.New(xerrors.KindDRStateUnavailable, err, nil)
	}
	pt, err := open(mk, header.N, ad, ciphertext)
	if err != nil {
		crypto.Wipe(mk)
		return nil, nil, xerrors.New(xerrors.KindIntegrityFailure, err, nil)
	}
	st.Nr++
	if headerCounter > st.NrTotal {
		st.NrTotal = headerCounter
	}
	return pt, mk, nil
}

// OpenWithKey opens ciphertext using an already-known message key, without
// touching any State — the Route A replay fast path uses this when the
// Message Key Vault returns a wrapped key inline with the batch, so a
// cold-start restore need not walk the DR chain in order (spec §4.5/§4.8).
func OpenWithKey(mk []byte, n uint32, ad, ciphertext []byte) ([]byte, error) {
	pt, err := open(mk, n, ad, ciphertext)
	if err != nil {
		return nil, xerrors.New(xerrors.KindIntegrityFailure, err, nil)
	}
	return pt, nil
}

// ratchetStep performs the two-sided DH ratchet step (spec §4.2 "Ratchet step"):
// stash the sending chain's position as PN, derive a new receive chain from
// the peer's new ratchetPub, then generate our own new ratchet keypair and
// derive a fresh send chain — leaving CKSend ready for the next Encrypt.
func (st *State) ratchetStep(header domain.RatchetHeader) error {
	dh, err := crypto.DH(st.MyRatchetPriv, header.RatchetPub)
	if err != nil {
		return xerrors.New(xerrors.KindDRStateUnavailable, err, nil)
	}
	newRoot, recvCK := kdfRK(st.RK, dh[:])
	crypto.Wipe(dh[:])

	priv, pub, err := newRatchetKeypair()
	if err != nil {
		return xerrors.New(xerrors.KindDRStateUnavailable, err, nil)
	}
	dh2, err := crypto.DH(priv, header.RatchetPub)
	if err != nil {
		return xerrors.New(xerrors.KindDRStateUnavailable, err, nil)
	}
	rk2, sendCK := kdfRK(newRoot, dh2[:])
	crypto.Wipe(dh2[:])

	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.RK = rk2
	st.MyRatchetPriv, st.MyRatchetPub = priv, pub
	st.TheirRatchetPub = header.RatchetPub
	st.CKSend, st.CKRecv = sendCK, recvCK
	return nil
}

// skipUntil derives and memoizes receive-chain keys for n in [Nr, target),
// advancing Nr to target — the caller advances Nr past target after
// successfully opening the target message.
func (st *State) skipUntil(target uint32) error {
	for st.Nr < target {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return xerrors.New(xerrors.KindDRStateUnavailable, err, nil)
		}
		st.Skipped.Put(st.TheirRatchetPub, st.Nr, mk)
		st.Nr++
	}
	return nil
}

func newRatchetKeypair() (domain.X25519Private, domain.X25519Public, error) {
	var priv domain.X25519Private
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, domain.X25519Public{}, err
	}
	crypto.ClampX25519PrivateKey(&priv)
	pubBytes, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return priv, domain.X25519Public{}, err
	}
	var pub domain.X25519Public
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

func kdfRK(root, dh []byte) (newRoot, ck []byte) {
	hk := hkdf.New(sha256.New, dh, root, []byte("DR|rk"))
	newRoot = make([]byte, 32)
	ck = make([]byte, 32)
	io.ReadFull(hk, newRoot)
	io.ReadFull(hk, ck)
	return
}

func kdfCKSend(st *State) ([]byte, error) {
	if st.CKSend == nil {
		return nil, errChainUninitialised
	}
	hk := hkdf.New(sha256.New, st.CKSend, nil, []byte("DR|ck"))
	nextCK := make([]byte, 32)
	mk := make([]byte, 32)
	io.ReadFull(hk, nextCK)
	io.ReadFull(hk, mk)
	st.CKSend = nextCK
	return mk, nil
}

func kdfCKRecv(st *State) ([]byte, error) {
	if st.CKRecv == nil {
		return nil, errChainUninitialised
	}
	hk := hkdf.New(sha256.New, st.CKRecv, nil, []byte("DR|ck"))
	nextCK := make([]byte, 32)
	mk := make([]byte, 32)
	io.ReadFull(hk, nextCK)
	io.ReadFull(hk, mk)
	st.CKRecv = nextCK
	return mk, nil
}

func seal(mk []byte, n uint32, ad, plaintext []byte) ([]byte, error) {
	aeadCipher, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], n)
	return aeadCipher.Seal(nil, nonce, plaintext, ad), nil
}

func open(mk []byte, n uint32, ad, ciphertext []byte) ([]byte, error) {
	aeadCipher, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], n)
	return aeadCipher.Open(nil, nonce, ciphertext, ad)
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
