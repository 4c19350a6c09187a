package types

// VaultKeyContext is the metadata stored alongside a wrapped message key
// (spec §4.5).
type VaultKeyContext struct {
	Version        int            `json:"version"`
	ConversationID ConversationID `json:"conversationId"`
	MessageID      MessageID      `json:"messageId"`
	SenderDeviceID DeviceID       `json:"senderDeviceId"`
	TargetDeviceID DeviceID       `json:"targetDeviceId"`
	Direction      Direction      `json:"direction"`
	MsgType        string         `json:"msgType"`
	HeaderCounter  uint64         `json:"headerCounter"`
	CreatedAt      int64          `json:"createdAt"`
}

// VaultPutParams identifies and carries the payload for a Message Key Vault
// write.
type VaultPutParams struct {
	ConversationID ConversationID
	MessageID      MessageID
	SenderDeviceID DeviceID
	WrappedMK      string // aead envelope, JSON-serialized
	DRState        string // optional aead-sealed DRStateSnapshot, JSON-serialized
	Context        VaultKeyContext
}

// VaultGetParams identifies a Message Key Vault read.
type VaultGetParams struct {
	ConversationID ConversationID
	MessageID      MessageID
	SenderDeviceID DeviceID
}

// VaultEntry is a stored (or in-batch-provided) vault record.
type VaultEntry struct {
	WrappedMK string
	DRState   string
	Context   VaultKeyContext
	Duplicate bool
}

// VaultLatestState is the result of getLatestState: the highest header
// counter processed per direction — the authoritative local processed
// counter (spec §4.5/§4.9/GLOSSARY "localProcessed").
type VaultLatestState struct {
	IncomingHeaderCounter uint64
	OutgoingHeaderCounter uint64
}
