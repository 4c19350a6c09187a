package x3dh_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"duskline/internal/crypto"
	"duskline/internal/x3dh"
)

func TestRootKeySymmetry_NoOPK(t *testing.T) {
	aliceIKPriv, aliceIKPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	aliceEKPriv, aliceEKPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bobIKPriv, bobIKPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bobSPKPriv, bobSPKPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	rkAlice, err := x3dh.InitiatorRootKey(aliceIKPriv, aliceEKPriv, bobIKPub, bobSPKPub, nil)
	require.NoError(t, err)
	rkBob, err := x3dh.ResponderRootKey(bobIKPriv, bobSPKPriv, nil, aliceIKPub, aliceEKPub)
	require.NoError(t, err)

	require.Equal(t, rkAlice, rkBob, "root keys differ between initiator and responder (no OPK)")
}

func TestRootKeySymmetry_WithOPK(t *testing.T) {
	aliceIKPriv, aliceIKPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	aliceEKPriv, aliceEKPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bobIKPriv, bobIKPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bobSPKPriv, bobSPKPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bobOPKPriv, bobOPKPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	rkAlice, err := x3dh.InitiatorRootKey(aliceIKPriv, aliceEKPriv, bobIKPub, bobSPKPub, &bobOPKPub)
	require.NoError(t, err)
	rkBob, err := x3dh.ResponderRootKey(bobIKPriv, bobSPKPriv, &bobOPKPriv, aliceIKPub, aliceEKPub)
	require.NoError(t, err)

	require.Equal(t, rkAlice, rkBob, "root keys differ between initiator and responder (with OPK)")
}

func TestVerifySPK(t *testing.T) {
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	_, spkPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	sig := crypto.SignEd25519(edPriv, spkPub.Slice())

	require.True(t, x3dh.VerifySPK(edPub, spkPub, sig), "expected valid signature to verify")

	sig[0] ^= 0xFF
	require.False(t, x3dh.VerifySPK(edPub, spkPub, sig), "expected tampered signature to fail verification")
}
