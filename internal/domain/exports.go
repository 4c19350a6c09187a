package domain

import (
	interfaces "duskline/internal/domain/interfaces"
	types "duskline/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	AccountDigest       = types.AccountDigest
	DeviceID            = types.DeviceID
	PeerKey             = types.PeerKey
	Fingerprint         = types.Fingerprint
	ConversationID      = types.ConversationID
	MessageID           = types.MessageID
	Direction           = types.Direction
	MessageKind         = types.MessageKind
	MasterKey           = types.MasterKey
	Identity            = types.Identity
	DevicePrivateBundle = types.DevicePrivateBundle
	AccountProfile      = types.AccountProfile
	OneTimePreKeyID     = types.OneTimePreKeyID
	OneTimePreKeyPair   = types.OneTimePreKeyPair
	OneTimePreKeyPublic = types.OneTimePreKeyPublic
	PrekeyBundle        = types.PrekeyBundle
	PrekeyMessage       = types.PrekeyMessage
	RatchetHeader       = types.RatchetHeader
	BaseKey             = types.BaseKey
	SkippedKeyID        = types.SkippedKeyID
	DRStateSnapshot     = types.DRStateSnapshot
	Envelope            = types.Envelope
	WireEnvelope        = types.WireEnvelope
	ReplayItem          = types.ReplayItem
	DecryptedMessage    = types.DecryptedMessage
	VaultKeyContext     = types.VaultKeyContext
	VaultPutParams      = types.VaultPutParams
	VaultGetParams      = types.VaultGetParams
	VaultEntry          = types.VaultEntry
	VaultLatestState    = types.VaultLatestState
	Session             = types.Session
	ConversationRef     = types.ConversationRef
	ContactSharePayload = types.ContactSharePayload
	ContactEntry        = types.ContactEntry
	X25519Public        = types.X25519Public
	X25519Private       = types.X25519Private
	Ed25519Public       = types.Ed25519Public
	Ed25519Private      = types.Ed25519Private
)

const (
	DirectionUnknown  = types.DirectionUnknown
	DirectionIncoming = types.DirectionIncoming
	DirectionOutgoing = types.DirectionOutgoing

	KindUnknown         = types.KindUnknown
	KindUserMessage     = types.KindUserMessage
	KindControlState    = types.KindControlState
	KindTransientSignal = types.KindTransientSignal
)

var (
	NewAccountDigest = types.NewAccountDigest
	NewPeerKey       = types.NewPeerKey
	ParsePeerKey     = types.ParsePeerKey
	GapPlaceholderID = types.GapPlaceholderID
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	RelayClient             = interfaces.RelayClient
	ListSecureMessagesParams = interfaces.ListSecureMessagesParams
	SDMExchangeResult       = interfaces.SDMExchangeResult
	IdentityStore           = interfaces.IdentityStore
	PrekeyStore             = interfaces.PrekeyStore
	PrekeyBundleStore       = interfaces.PrekeyBundleStore
	AccountStore            = interfaces.AccountStore
	VaultCacheStore         = interfaces.VaultCacheStore
	ContactStore            = interfaces.ContactStore
	DRSnapshotStore         = interfaces.DRSnapshotStore
	MKStore                 = interfaces.MKStore
)
