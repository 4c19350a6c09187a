package types

// ConversationRef is the conversation bootstrap payload carried inside a
// contact-share (spec §4.11).
type ConversationRef struct {
	TokenB64       string         `json:"token_b64"`
	ConversationID ConversationID `json:"conversation_id"`
	DRInit         *PrekeyMessage `json:"dr_init,omitempty"`
	PeerDeviceID   DeviceID       `json:"peerDeviceId"`
}

// ContactSharePayload bootstraps a new DR session and propagates profile
// updates between a user's own devices or to a peer (spec §4.11).
type ContactSharePayload struct {
	Type             string          `json:"type"`
	PeerAccountDigest AccountDigest  `json:"peer_account_digest"`
	Nickname         string          `json:"nickname,omitempty"`
	Avatar           string          `json:"avatar,omitempty"`
	Conversation     ConversationRef `json:"conversation"`
	AddedAt          int64           `json:"addedAt"`
	ProfileUpdatedAt int64           `json:"profileUpdatedAt"`
}

// ContactEntry is the locally stored, applied form of a contact-share.
type ContactEntry struct {
	PeerAccountDigest AccountDigest
	PeerDeviceID      DeviceID
	Nickname          string
	Avatar            string
	ConversationID    ConversationID
	ProfileUpdatedAt  int64
}
