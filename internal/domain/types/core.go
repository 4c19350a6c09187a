// Package types holds the shared value types passed between the
// secure-messaging core's packages. It carries no third-party imports and no
// behavior beyond simple validation/formatting helpers.
package types

import (
	"fmt"
	"regexp"
	"strings"
)

var hex64 = regexp.MustCompile(`^[0-9A-F]{64}$`)

// AccountDigest is the 64-hex opaque hash identifying an account.
// It is always normalized to uppercase; NewAccountDigest rejects anything
// else at the boundary (spec invariant 6).
type AccountDigest string

// NewAccountDigest validates and normalizes a raw digest string.
func NewAccountDigest(raw string) (AccountDigest, error) {
	up := strings.ToUpper(strings.TrimSpace(raw))
	if !hex64.MatchString(up) {
		return "", fmt.Errorf("account digest must be 64 hex characters, got %q", raw)
	}
	return AccountDigest(up), nil
}

func (d AccountDigest) String() string { return string(d) }

// DeviceID is a device identifier string, opaque beyond non-emptiness.
type DeviceID string

func (d DeviceID) String() string { return string(d) }

// PeerKey is the unique session endpoint "${accountDigest}::${deviceId}".
// It is a struct rather than a bare string so that two peer keys compare
// equal only when both fields match, preventing accidental construction of
// unequal-but-equivalent composite keys from ad-hoc string concatenation.
type PeerKey struct {
	AccountDigest AccountDigest
	DeviceID      DeviceID
}

// NewPeerKey builds a PeerKey from its parts.
func NewPeerKey(digest AccountDigest, device DeviceID) PeerKey {
	return PeerKey{AccountDigest: digest, DeviceID: device}
}

// String renders the canonical "${digest}::${device}" form.
func (k PeerKey) String() string {
	return fmt.Sprintf("%s::%s", k.AccountDigest, k.DeviceID)
}

// ParsePeerKey parses the canonical "${digest}::${device}" form back into a PeerKey.
func ParsePeerKey(s string) (PeerKey, error) {
	parts := strings.SplitN(s, "::", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return PeerKey{}, fmt.Errorf("invalid peer key %q", s)
	}
	digest, err := NewAccountDigest(parts[0])
	if err != nil {
		return PeerKey{}, err
	}
	return PeerKey{AccountDigest: digest, DeviceID: DeviceID(parts[1])}, nil
}

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// ConversationID identifies a conversation (pairwise or group-projected).
type ConversationID string

func (id ConversationID) String() string { return string(id) }

// MessageID is a UUIDv4 string assigned at send time, or the deterministic
// placeholder "gap:v1:<counter>" for gap-filled messages until the
// authoritative UUID is learned (spec invariant 5).
type MessageID string

func (id MessageID) String() string { return string(id) }

// GapPlaceholderID returns the deterministic placeholder message id used for
// a gap-filled counter until the real id is learned.
func GapPlaceholderID(counter uint64) MessageID {
	return MessageID(fmt.Sprintf("gap:v1:%d", counter))
}

// IsGapPlaceholder reports whether id is a gap placeholder rather than a
// real UUID.
func (id MessageID) IsGapPlaceholder() bool {
	return strings.HasPrefix(string(id), "gap:v1:")
}

// Direction classifies a message relative to the local device.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionIncoming
	DirectionOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "incoming"
	case DirectionOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// MessageKind classifies an envelope pipeline item (spec §4.6).
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindUserMessage
	KindControlState
	KindTransientSignal
)

func (k MessageKind) String() string {
	switch k {
	case KindUserMessage:
		return "user-message"
	case KindControlState:
		return "control-state"
	case KindTransientSignal:
		return "transient-signal"
	default:
		return "unknown"
	}
}
