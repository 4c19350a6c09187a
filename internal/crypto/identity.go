package crypto

import "duskline/internal/domain"

// NewIdentity generates a fresh long-term Identity: an X25519 pair for
// Diffie-Hellman and an Ed25519 pair for signing.
func NewIdentity() (domain.Identity, error) {
	xpriv, xpub, err := GenerateX25519()
	if err != nil {
		return domain.Identity{}, err
	}
	edpriv, edpub, err := GenerateEd25519()
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{
		XPub:   xpub,
		XPriv:  xpriv,
		EdPub:  edpub,
		EdPriv: edpriv,
	}, nil
}

// IdentityFingerprint returns the display fingerprint of an Identity's
// X25519 public key (the key used to bind DR sessions).
func IdentityFingerprint(id domain.Identity) domain.Fingerprint {
	return domain.Fingerprint(Fingerprint(id.XPub.Slice()))
}
