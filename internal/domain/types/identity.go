package types

// Identity holds a device's long-term X25519 (DH/X3DH) and Ed25519
// (signing) key pairs.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// DevicePrivateBundle is the full private device bundle, wrapped under MK
// and stored server-side as an opaque blob (spec §3).
type DevicePrivateBundle struct {
	IKPriv    X25519Private         `json:"ik_priv"`
	IKPub     X25519Public          `json:"ik_pub"`
	SPKPriv   X25519Private         `json:"spk_priv"`
	SPKPub    X25519Public          `json:"spk_pub"`
	SPKSig    []byte                `json:"spk_sig"`
	NextOPKID uint64                `json:"next_opk_id"`
	OPKs      []OneTimePreKeyPair   `json:"opks"`
}

// AccountProfile identifies an account on a specific relay server.
type AccountProfile struct {
	ServerURL     string        `json:"server_url"`
	AccountDigest AccountDigest `json:"account_digest"`
	DeviceID      DeviceID      `json:"device_id"`
	AccountToken  string        `json:"account_token,omitempty"`
}
