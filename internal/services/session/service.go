package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"duskline/internal/crypto"
	"duskline/internal/domain"
	"duskline/internal/ratchet"
	"duskline/internal/x3dh"
)

// Service runs X3DH key agreement for both conversation roles and turns the
// derived root key into a ratchet.State, ready for sessionstore.Store.Put.
type Service struct {
	identity domain.IdentityStore
	prekeys  domain.PrekeyStore
	relay    domain.RelayClient
}

// New constructs a Service from its collaborators.
func New(identity domain.IdentityStore, prekeys domain.PrekeyStore, relay domain.RelayClient) *Service {
	return &Service{identity: identity, prekeys: prekeys, relay: relay}
}

// Initiated is the result of starting a new conversation as the initiator:
// the ready-to-use DR state plus the dr_init bootstrap blob the peer needs
// to complete their side (spec §4.2 "X3DH init (initiator)").
type Initiated struct {
	Peer     domain.PeerKey
	Base     domain.BaseKey
	State    *ratchet.State
	DRInit   domain.PrekeyMessage
}

// InitiateConversation fetches peerDigest's bundle, runs the initiator side
// of X3DH, and initializes a fresh DR state bound to a newly minted
// conversation id. The caller is responsible for registering the returned
// state into the session store and persisting/transmitting DRInit (e.g. as
// part of a contact-share payload, spec §4.11).
func (s *Service) InitiateConversation(ctx context.Context, passphrase string, self domain.AccountDigest, selfDevice domain.DeviceID, peerDigest domain.AccountDigest, peerDevice *domain.DeviceID) (Initiated, error) {
	id, err := s.identity.LoadIdentity(passphrase)
	if err != nil {
		return Initiated{}, fmt.Errorf("session: load identity: %w", err)
	}

	bundle, err := s.relay.FetchPeerBundle(ctx, peerDigest, peerDevice)
	if err != nil {
		return Initiated{}, fmt.Errorf("session: fetch peer bundle: %w", err)
	}

	ekPriv, ekPub, err := crypto.GenerateX25519()
	if err != nil {
		return Initiated{}, fmt.Errorf("session: generate ephemeral key: %w", err)
	}

	root, err := x3dh.InitiatorRootKey(id.XPriv, ekPriv, bundle.IKPub, bundle.SPKPub, optionalOPKPub(bundle))
	if err != nil {
		return Initiated{}, fmt.Errorf("session: derive root key: %w", err)
	}

	peerKey := domain.PeerKey{AccountDigest: peerDigest, DeviceID: bundle.DeviceID}
	base := domain.BaseKey{
		ConversationID:    domain.ConversationID(uuid.NewString()),
		PeerAccountDigest: peerDigest,
		PeerDeviceID:      bundle.DeviceID,
		Role:              "initiator",
		ConversationToken: newConversationToken(),
	}

	state, err := ratchet.InitAsInitiator(root, ekPriv, ekPub, bundle.SPKPub, base)
	if err != nil {
		return Initiated{}, fmt.Errorf("session: init ratchet state: %w", err)
	}

	drInit := domain.PrekeyMessage{EKPub: ekPub}
	if bundle.OPK != nil {
		id := bundle.OPK.ID
		drInit.UsedOPKID = &id
	}

	return Initiated{Peer: peerKey, Base: base, State: state, DRInit: drInit}, nil
}

// AcceptConversation runs the responder side of X3DH against an incoming
// dr_init blob (spec §4.2 "X3DH init (responder)"), consuming the
// referenced one-time pre-key if any, and initializes the DR state. The
// caller supplies peerIKPub out of band (fetched once via FetchPeerBundle,
// or trusted from an already-applied contact-share).
func (s *Service) AcceptConversation(passphrase string, peerIKPub domain.X25519Public, drInit domain.PrekeyMessage, base domain.BaseKey) (*ratchet.State, error) {
	id, err := s.identity.LoadIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("session: load identity: %w", err)
	}
	spkPriv, spkPub, _, ok, err := s.prekeys.LoadSignedPreKey()
	if err != nil {
		return nil, fmt.Errorf("session: load signed prekey: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("session: no local signed prekey")
	}

	var otpPriv *domain.X25519Private
	if drInit.UsedOPKID != nil {
		priv, _, found, err := s.prekeys.ConsumeOneTimePreKey(*drInit.UsedOPKID)
		if err != nil {
			return nil, fmt.Errorf("session: consume one-time prekey: %w", err)
		}
		if found {
			otpPriv = &priv
		}
	}

	root, err := x3dh.ResponderRootKey(id.XPriv, spkPriv, otpPriv, peerIKPub, drInit.EKPub)
	if err != nil {
		return nil, fmt.Errorf("session: derive root key: %w", err)
	}

	state, err := ratchet.InitAsResponder(root, spkPriv, spkPub, drInit.EKPub, base)
	if err != nil {
		return nil, fmt.Errorf("session: init ratchet state: %w", err)
	}
	return state, nil
}

func optionalOPKPub(bundle domain.PrekeyBundle) *domain.X25519Public {
	if bundle.OPK == nil {
		return nil
	}
	pub := bundle.OPK.Pub
	return &pub
}

// newConversationToken mints the random token bound into BaseKey,
// distinguishing this conversation's AAD from any other between the same
// two peers (spec §3 base_key.conversation_token).
func newConversationToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b[:])
}
