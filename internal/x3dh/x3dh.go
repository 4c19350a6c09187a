package x3dh

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"duskline/internal/crypto"
	"duskline/internal/domain"
)

// infoX3DH is the HKDF info string for the SK derivation (spec §4.3).
const infoX3DH = "x3dh/v1"

// InitiatorRootKey derives SK for the initiator side of X3DH:
// DH1=DH(IKa,SPKb), DH2=DH(EKa,IKb), DH3=DH(EKa,SPKb), DH4=DH(EKa,OPKb) if
// an OPK was present in the fetched bundle (spec §4.3; DH4 is optional).
func InitiatorRootKey(
	ourIdentityPriv domain.X25519Private,
	ourEphemeralPriv domain.X25519Private,
	peerIdentityPub domain.X25519Public,
	peerSignedPreKeyPub domain.X25519Public,
	peerOneTimePreKeyPub *domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(ourIdentityPriv, peerSignedPreKeyPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh1: %w", err)
	}
	dh2, err := crypto.DH(ourEphemeralPriv, peerIdentityPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh2: %w", err)
	}
	dh3, err := crypto.DH(ourEphemeralPriv, peerSignedPreKeyPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh3: %w", err)
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if peerOneTimePreKeyPub != nil {
		dh4, err := crypto.DH(ourEphemeralPriv, *peerOneTimePreKeyPub)
		if err != nil {
			return nil, fmt.Errorf("x3dh: dh4: %w", err)
		}
		concat = append(concat, dh4[:]...)
	}

	root, err := deriveRootKey(concat)
	crypto.Wipe(concat)
	return root, err
}

// ResponderRootKey derives SK symmetrically on the responder side: DH1
// pairs our signed prekey against the initiator's identity key, DH2 our
// identity key against the initiator's ephemeral, DH3 our signed prekey
// against the ephemeral, and DH4 (optional) our consumed one-time prekey
// against the ephemeral.
func ResponderRootKey(
	ourIdentityPriv domain.X25519Private,
	ourSignedPreKeyPriv domain.X25519Private,
	ourOneTimePreKeyPriv *domain.X25519Private,
	peerIdentityPub domain.X25519Public,
	peerEphemeralPub domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(ourSignedPreKeyPriv, peerIdentityPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh1: %w", err)
	}
	dh2, err := crypto.DH(ourIdentityPriv, peerEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh2: %w", err)
	}
	dh3, err := crypto.DH(ourSignedPreKeyPriv, peerEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh3: %w", err)
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if ourOneTimePreKeyPriv != nil {
		dh4, err := crypto.DH(*ourOneTimePreKeyPriv, peerEphemeralPub)
		if err != nil {
			return nil, fmt.Errorf("x3dh: dh4: %w", err)
		}
		concat = append(concat, dh4[:]...)
	}

	root, err := deriveRootKey(concat)
	crypto.Wipe(concat)
	return root, err
}

// VerifySPK checks the signed prekey's Ed25519 signature against the
// identity key that signed it (spec §4.3).
func VerifySPK(identityEdPub domain.Ed25519Public, signedPreKeyPub domain.X25519Public, sig []byte) bool {
	return crypto.VerifyEd25519(identityEdPub, signedPreKeyPub.Slice(), sig)
}

func deriveRootKey(dhConcat []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, dhConcat, nil, []byte(infoX3DH))
	root := make([]byte, 32)
	if _, err := io.ReadFull(h, root); err != nil {
		return nil, fmt.Errorf("x3dh: hkdf derive: %w", err)
	}
	return root, nil
}
