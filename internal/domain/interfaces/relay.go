// Package interfaces declares the ports the secure-messaging core depends
// on: the relay transport and the local persistence stores. Every method
// threads a context.Context, mirroring the teacher's RelayClient contract.
package interfaces

import (
	"context"

	types "duskline/internal/domain/types"
)

// ListSecureMessagesParams is the query for `GET /messages/secure`.
type ListSecureMessagesParams struct {
	ConversationID types.ConversationID
	Limit          int
	CursorTs       int64
	CursorID       string
	IncludeKeys    bool
}

// SDMExchangeResult is what `POST /auth/sdm/exchange` returns.
type SDMExchangeResult struct {
	AccountToken  string              `json:"account_token"`
	AccountDigest types.AccountDigest `json:"account_digest"`
	WrappedMK     string              `json:"wrapped_mk"`
}

// RelayClient is the transport port: the opaque-blob-only server boundary
// named in spec §1/§6. The server sees ciphertext and routing tokens only.
type RelayClient interface {
	AuthSDMExchange(ctx context.Context, uid, sdmmac, sdmcounter, nonce string) (SDMExchangeResult, error)

	PublishBundle(ctx context.Context, bundle types.PrekeyBundle) error
	FetchPeerBundle(ctx context.Context, peerDigest types.AccountDigest, peerDevice *types.DeviceID) (types.PrekeyBundle, error)

	StoreDeviceKeys(ctx context.Context, wrappedDev string) error
	FetchDeviceKeys(ctx context.Context) (string, bool, error)

	SendSecureMessage(ctx context.Context, env types.Envelope) error
	ListSecureMessages(ctx context.Context, params ListSecureMessagesParams) ([]types.WireEnvelope, error)
	FetchByCounter(ctx context.Context, conversationID types.ConversationID, counter uint64, senderDeviceID types.DeviceID) (types.WireEnvelope, bool, error)
	FetchMaxCounter(ctx context.Context, conversationID types.ConversationID, senderDeviceID types.DeviceID) (uint64, error)

	VaultPut(ctx context.Context, params types.VaultPutParams) (duplicate bool, err error)
	VaultGet(ctx context.Context, params types.VaultGetParams) (types.VaultEntry, bool, error)
	VaultDelete(ctx context.Context, params types.VaultGetParams) error
	VaultLatestState(ctx context.Context, conversationID types.ConversationID, senderDeviceID types.DeviceID) (types.VaultLatestState, error)

	ContactsUplink(ctx context.Context, encryptedBlob string, isBlocked bool) error
	ContactsDownlink(ctx context.Context) ([]string, error)
}
