package types

// OneTimePreKeyID uniquely identifies a one-time pre-key.
type OneTimePreKeyID uint64

// OneTimePreKeyPair is the full (private+public) one-time pre-key stored locally.
type OneTimePreKeyPair struct {
	ID   OneTimePreKeyID `json:"id"`
	Priv X25519Private   `json:"priv"`
	Pub  X25519Public    `json:"pub"`
}

// OneTimePreKeyPublic is only the public half (sent in bundles); consumed at
// most once by the server per fetch (spec §4.3).
type OneTimePreKeyPublic struct {
	ID  OneTimePreKeyID `json:"id"`
	Pub X25519Public    `json:"pub"`
}

// PrekeyBundle is the peer-facing prekey bundle: { ik_pub, spk_pub, spk_sig, opk? }.
type PrekeyBundle struct {
	AccountDigest AccountDigest        `json:"account_digest"`
	DeviceID      DeviceID             `json:"device_id"`
	IKPub         X25519Public         `json:"ik_pub"`
	SPKPub        X25519Public         `json:"spk_pub"`
	SPKSig        []byte               `json:"spk_sig"`
	OPK           *OneTimePreKeyPublic `json:"opk,omitempty"`
}

// PrekeyMessage ("dr_init") is the initiator bootstrap blob emitted on X3DH
// init and consumed by the responder (spec §4.2/GLOSSARY).
type PrekeyMessage struct {
	EKPub     X25519Public     `json:"ek_pub"`
	UsedOPKID *OneTimePreKeyID `json:"used_opk_id,omitempty"`
}
