package ratchet_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"duskline/internal/crypto"
	"duskline/internal/domain"
	"duskline/internal/ratchet"
)

func makeIdentity(t *testing.T) (priv domain.X25519Private, pub domain.X25519Public) {
	t.Helper()
	p, P, err := crypto.GenerateX25519()
	require.NoError(t, err)
	return p, P
}

func pair(t *testing.T) (a, b *ratchet.State) {
	t.Helper()
	rk := bytes.Repeat([]byte{0x42}, 32)

	aPriv, aPub := makeIdentity(t)
	bPriv, bPub := makeIdentity(t)

	a, err := ratchet.InitAsInitiator(rk, aPriv, aPub, bPub, domain.BaseKey{Role: "initiator"})
	require.NoError(t, err)
	b, err = ratchet.InitAsResponder(rk, bPriv, bPub, a.MyRatchetPub, domain.BaseKey{Role: "responder"})
	require.NoError(t, err)
	return a, b
}

func TestDoubleRatchet_OneRoundTrip(t *testing.T) {
	a, b := pair(t)

	header, counter, ct, err := a.Encrypt("device-a", []byte("hi"))
	require.NoError(t, err)
	pt, err := b.Decrypt("device-a", counter, header, ct)
	require.NoError(t, err)
	require.Equal(t, "hi", string(pt))
	require.EqualValues(t, 1, b.Nr)
}

func TestDoubleRatchet_OutOfOrderTriple(t *testing.T) {
	a, b := pair(t)

	type sent struct {
		header  domain.RatchetHeader
		counter uint64
		ct      []byte
	}
	var msgs []sent
	for n := 0; n < 4; n++ {
		h, c, ct, err := a.Encrypt("device-a", []byte{byte(n)})
		require.NoErrorf(t, err, "Encrypt n=%d", n)
		msgs = append(msgs, sent{h, c, ct})
	}

	order := []int{0, 2, 1, 3}
	for _, idx := range order {
		m := msgs[idx]
		pt, err := b.Decrypt("device-a", m.counter, m.header, m.ct)
		require.NoErrorf(t, err, "Decrypt idx=%d", idx)
		require.Equalf(t, byte(idx), pt[0], "Decrypt idx=%d", idx)
	}
	require.EqualValues(t, 4, b.Nr)
	require.Zero(t, b.Skipped.Len())
}

func TestDoubleRatchet_RatchetStep(t *testing.T) {
	a, b := pair(t)

	// a sends 10 messages on its first chain; b decrypts only the first 7 in
	// order, so n=7,8,9 are never delivered and b.Nr stops at 7.
	for n := 0; n < 10; n++ {
		h, c, ct, err := a.Encrypt("device-a", []byte{byte(n)})
		require.NoErrorf(t, err, "Encrypt n=%d", n)
		if n >= 7 {
			continue
		}
		_, err = b.Decrypt("device-a", c, h, ct)
		require.NoErrorf(t, err, "Decrypt n=%d", n)
	}
	require.EqualValues(t, 7, b.Nr)

	// Now a re-keys (its send chain is cleared to force a fresh ratchet
	// step) and sends a message that should trigger a's own ratchet step
	// from a's own send side; b should see a new ratchetPub and a header
	// reporting pn=10 (a's prior Ns), n=0, and stash the keys for n=7,8,9
	// of the old chain.
	a.CKSend = nil
	header, counter, ct, err := a.Encrypt("device-a", []byte("next-chain"))
	require.NoError(t, err)
	require.EqualValues(t, 10, header.PN)
	require.EqualValues(t, 0, header.N)

	pt, err := b.Decrypt("device-a", counter, header, ct)
	require.NoError(t, err)
	require.Equal(t, "next-chain", string(pt))
	require.EqualValues(t, 1, b.Nr)
	require.EqualValues(t, 3, b.Skipped.Len())
}

func TestDoubleRatchet_DecryptWithKeyExposesMessageKey(t *testing.T) {
	a, b := pair(t)
	header, counter, ct, err := a.Encrypt("device-a", []byte("hi"))
	require.NoError(t, err)
	pt, mk, err := b.DecryptWithKey("device-a", counter, header, ct)
	require.NoError(t, err)
	require.Equal(t, "hi", string(pt))
	require.Len(t, mk, 32)
	var zero [32]byte
	require.NotEqual(t, zero[:], mk, "message key must not be all-zero")
}

func TestDoubleRatchet_BitFlipFailsIntegrity(t *testing.T) {
	a, b := pair(t)
	header, counter, ct, err := a.Encrypt("device-a", []byte("hi"))
	require.NoError(t, err)
	ct[0] ^= 0xFF
	_, err = b.Decrypt("device-a", counter, header, ct)
	require.Error(t, err, "expected integrity failure on bit-flipped ciphertext")
}
