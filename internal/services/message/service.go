package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"duskline/internal/aead"
	"duskline/internal/coordinator"
	"duskline/internal/crypto"
	"duskline/internal/domain"
	"duskline/internal/pipeline"
	sessionsvc "duskline/internal/services/session"
	"duskline/internal/sessionstore"
	"duskline/internal/vault"
)

// Service is the CLI-facing send/receive surface: it resolves or
// bootstraps a peer's DR session, encrypts outgoing plaintext, and
// classifies+replays incoming packets through the live coordinator
// (spec §4.2 Encrypt, §4.6 envelope pipeline, §4.7 live coordinator).
type Service struct {
	sessions    *sessionstore.Store
	vault       *vault.Vault
	relay       domain.RelayClient
	sessionSvc  *sessionsvc.Service
	coordinator *coordinator.Coordinator
	contacts    domain.ContactStore
}

// New constructs a Service from its collaborators.
func New(sessions *sessionstore.Store, v *vault.Vault, relay domain.RelayClient, sessionSvc *sessionsvc.Service, coord *coordinator.Coordinator, contacts domain.ContactStore) *Service {
	return &Service{sessions: sessions, vault: v, relay: relay, sessionSvc: sessionSvc, coordinator: coord, contacts: contacts}
}

// Sent describes the result of a successful Send.
type Sent struct {
	ConversationID domain.ConversationID
	MessageID      domain.MessageID
	Counter        uint64
}

// Send resolves (or bootstraps via X3DH) a DR session with peerDigest/
// peerDevice, encrypts plaintext, posts the envelope, and durably vaults
// the outgoing message key before persisting the advanced DR snapshot —
// mirroring the live coordinator's commit-then-persist ordering for the
// send side of the conversation (spec §4.2/§4.5).
func (s *Service) Send(ctx context.Context, passphrase string, self domain.Session, peerDigest domain.AccountDigest, peerDevice *domain.DeviceID, plaintext []byte) (Sent, error) {
	peer, convID, drInit, err := s.resolvePeer(ctx, passphrase, self, peerDigest, peerDevice)
	if err != nil {
		return Sent{}, err
	}

	state, ok := s.sessions.Get(peer)
	if !ok {
		return Sent{}, fmt.Errorf("message: no DR state for %s after resolve", peer)
	}

	header, headerCounter, ct, mk, err := state.EncryptWithKey(self.DeviceID, plaintext)
	if err != nil {
		return Sent{}, fmt.Errorf("message: encrypt: %w", err)
	}
	defer crypto.Wipe(mk)

	msgID := domain.MessageID(uuid.NewString())
	env := domain.Envelope{
		ID:               msgID,
		ConversationID:   convID,
		Header:           header,
		CiphertextB64:    crypto.B64(ct),
		Counter:          headerCounter,
		SenderDeviceID:   self.DeviceID,
		ReceiverDigest:   peerDigest,
		ReceiverDeviceID: peer.DeviceID,
		CreatedAt:        time.Now().Unix(),
		PrekeyMessage:    drInit,
	}
	if err := s.relay.SendSecureMessage(ctx, env); err != nil {
		return Sent{}, fmt.Errorf("message: send: %w", err)
	}

	if err := s.vaultOutgoing(ctx, self, peer, convID, msgID, headerCounter, mk); err != nil {
		return Sent{}, fmt.Errorf("message: vault outgoing key: %w", err)
	}
	if err := s.sessions.PersistDrSnapshot(peer, self.MK); err != nil {
		return Sent{}, fmt.Errorf("message: persist dr snapshot: %w", err)
	}
	if err := s.contacts.UpsertContact(domain.ContactEntry{
		PeerAccountDigest: peerDigest,
		PeerDeviceID:      peer.DeviceID,
		ConversationID:    convID,
	}); err != nil {
		return Sent{}, fmt.Errorf("message: record conversation: %w", err)
	}

	return Sent{ConversationID: convID, MessageID: msgID, Counter: headerCounter}, nil
}

// resolvePeer finds an existing DR session + conversation for peerDigest
// (optionally pinned to peerDevice), or runs the initiator side of X3DH
// against a freshly fetched bundle when none exists yet (spec §4.3/§4.2).
func (s *Service) resolvePeer(ctx context.Context, passphrase string, self domain.Session, peerDigest domain.AccountDigest, peerDevice *domain.DeviceID) (domain.PeerKey, domain.ConversationID, *domain.PrekeyMessage, error) {
	if peerDevice != nil {
		peer := domain.PeerKey{AccountDigest: peerDigest, DeviceID: *peerDevice}
		if _, ok := s.sessions.Get(peer); ok {
			entry, found, err := s.contacts.LoadContact(peerDigest, *peerDevice)
			if err != nil {
				return domain.PeerKey{}, "", nil, err
			}
			if found {
				return peer, entry.ConversationID, nil, nil
			}
		}
	} else if entries, err := s.contacts.ListContacts(); err == nil {
		for _, entry := range entries {
			if entry.PeerAccountDigest != peerDigest {
				continue
			}
			peer := domain.PeerKey{AccountDigest: peerDigest, DeviceID: entry.PeerDeviceID}
			if _, ok := s.sessions.Get(peer); ok {
				return peer, entry.ConversationID, nil, nil
			}
		}
	}

	initiated, err := s.sessionSvc.InitiateConversation(ctx, passphrase, self.AccountDigest, self.DeviceID, peerDigest, peerDevice)
	if err != nil {
		return domain.PeerKey{}, "", nil, fmt.Errorf("message: initiate conversation: %w", err)
	}
	s.sessions.Put(initiated.Peer, initiated.State)
	return initiated.Peer, initiated.Base.ConversationID, &initiated.DRInit, nil
}

// vaultOutgoing wraps mk (the exact per-message key EncryptWithKey returned)
// and the post-send DR snapshot under MK the same way the coordinator wraps
// an incoming key, so any of the account's devices can later replay this
// outgoing message from the vault (spec §4.5).
func (s *Service) vaultOutgoing(ctx context.Context, self domain.Session, peer domain.PeerKey, convID domain.ConversationID, msgID domain.MessageID, headerCounter uint64, mk []byte) error {
	state, ok := s.sessions.Get(peer)
	if !ok {
		return fmt.Errorf("no DR state for %s", peer)
	}
	now := time.Now().Unix()
	vctx := domain.VaultKeyContext{
		Version:        1,
		ConversationID: convID,
		MessageID:      msgID,
		SenderDeviceID: self.DeviceID,
		TargetDeviceID: peer.DeviceID,
		Direction:      domain.DirectionOutgoing,
		MsgType:        domain.KindUserMessage.String(),
		HeaderCounter:  headerCounter,
		CreatedAt:      now,
	}
	wrappedMK, err := vault.SealedKey(crypto.B64(mk), vctx, self.MK)
	if err != nil {
		return err
	}
	env, err := aead.WrapJSON(state.Snapshot(now), self.MK, aead.InfoDRState)
	if err != nil {
		return err
	}
	sealedSnapshot, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.vault.Put(ctx, peer, domain.VaultPutParams{
		ConversationID: convID,
		MessageID:      msgID,
		SenderDeviceID: self.DeviceID,
		WrappedMK:      wrappedMK,
		DRState:        string(sealedSnapshot),
		Context:        vctx,
	})
	return err
}

// Recv fetches every packet queued in conversationID, classifies it through
// the envelope pipeline, and submits it to the live coordinator in
// (senderDeviceId, counter) order — the same Route B path used for live
// delivery, run once against whatever the relay is currently holding
// (spec §4.6/§4.7). Decrypted messages arrive via the coordinator's Emit
// hook, not this call's return value.
func (s *Service) Recv(ctx context.Context, self domain.PeerKey, conversationID domain.ConversationID) (int, error) {
	raw, err := s.relay.ListSecureMessages(ctx, domain.ListSecureMessagesParams{ConversationID: conversationID})
	if err != nil {
		return 0, fmt.Errorf("message: list secure messages: %w", err)
	}

	items := make([]domain.ReplayItem, 0, len(raw))
	for _, packet := range raw {
		item, err := pipeline.Classify(packet, self)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	pipeline.SortBatch(items)

	delivered := 0
	for _, item := range items {
		if err := s.coordinator.Submit(ctx, item); err != nil {
			return delivered, fmt.Errorf("message: submit counter=%d: %w", item.Counter, err)
		}
		delivered++
	}
	return delivered, nil
}
