package pipeline

import (
	"errors"
	"sort"

	"github.com/google/uuid"

	"duskline/internal/crypto"
	"duskline/internal/domain"
)

// ErrFallbackRejected is returned for packets carrying the legacy
// "fallback" marker, which this pipeline never processes (spec §4.6).
var ErrFallbackRejected = errors.New("pipeline: fallback packet rejected")

// ErrMissingDRMarker is returned when a packet carries no sender device id,
// no counter (neither a transport counter nor a non-zero header n), or
// ciphertext that is not valid base64 — such items are dropped from the
// pipeline, though callers may still render a UI placeholder (spec §4.6).
// Whether a DR header is present is not checked.
var ErrMissingDRMarker = errors.New("pipeline: missing dr marker, counter, or sender device")

// Classify turns a raw WireEnvelope into a canonical ReplayItem relative to
// self (spec §4.6). It resolves the message id (authoritative UUID vs gap
// placeholder), the transport counter (transport field takes precedence
// over the header's per-chain index), direction, and message kind.
func Classify(raw domain.WireEnvelope, self domain.PeerKey) (domain.ReplayItem, error) {
	if raw.Fallback {
		return domain.ReplayItem{}, ErrFallbackRejected
	}
	if raw.SenderDeviceID == "" {
		return domain.ReplayItem{}, ErrMissingDRMarker
	}

	counter := resolveCounter(raw)
	if counter == 0 {
		return domain.ReplayItem{}, ErrMissingDRMarker
	}

	msgID := resolveMessageID(raw, counter)
	direction := resolveDirection(raw, self)
	kind := classifyKind(raw.MsgType)
	peer := domain.NewPeerKey(peerDigestFor(raw, direction), raw.SenderDeviceID)

	ciphertext, err := decodeCiphertext(raw.CiphertextB64)
	if err != nil {
		return domain.ReplayItem{}, ErrMissingDRMarker
	}

	return domain.ReplayItem{
		MessageID:      msgID,
		ConversationID: raw.ConversationID,
		PeerKey:        peer,
		Counter:        counter,
		Direction:      direction,
		Kind:           kind,
		Header:         raw.Header,
		Ciphertext:     ciphertext,
		WrappedMK:      raw.WrappedMK,
		Timestamp:      raw.Timestamp,
		Raw:            raw,
	}, nil
}

// resolveCounter extracts the transport-wide counter, preferring the
// server-reported transport counter over the header's per-chain index n
// (spec §4.6 precedence: transport > header).
func resolveCounter(raw domain.WireEnvelope) uint64 {
	if raw.Counter > 0 {
		return raw.Counter
	}
	return uint64(raw.Header.N)
}

// resolveMessageID returns the authoritative UUIDv4 if raw.ID parses as one,
// else the deterministic gap placeholder for counter (spec invariant 5).
func resolveMessageID(raw domain.WireEnvelope, counter uint64) domain.MessageID {
	if raw.ID != "" {
		if _, err := uuid.Parse(raw.ID.String()); err == nil {
			return raw.ID
		}
	}
	return domain.GapPlaceholderID(counter)
}

// resolveDirection compares {targetDeviceId, senderDeviceId, senderDigest}
// against self (spec §4.6).
func resolveDirection(raw domain.WireEnvelope, self domain.PeerKey) domain.Direction {
	if raw.SenderDeviceID == self.DeviceID && raw.SenderDigest == self.AccountDigest {
		return domain.DirectionOutgoing
	}
	if raw.TargetDeviceID == self.DeviceID {
		return domain.DirectionIncoming
	}
	return domain.DirectionUnknown
}

func peerDigestFor(raw domain.WireEnvelope, direction domain.Direction) domain.AccountDigest {
	if direction == domain.DirectionOutgoing {
		return raw.ReceiverDigest
	}
	return raw.SenderDigest
}

func classifyKind(msgType string) domain.MessageKind {
	switch msgType {
	case "user", "user-message", "":
		return domain.KindUserMessage
	case "control", "control-state":
		return domain.KindControlState
	case "transient", "transient-signal":
		return domain.KindTransientSignal
	default:
		return domain.KindUnknown
	}
}

func decodeCiphertext(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	return crypto.FromB64(b64)
}

// SortBatch orders items primarily by (senderDeviceId, counter) ascending
// and secondarily by timestamp, which only breaks ties between items with
// the same sender device and counter (spec §4.6: same-sender counter order
// is the sole correctness criterion).
func SortBatch(items []domain.ReplayItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.PeerKey.DeviceID != b.PeerKey.DeviceID {
			return a.PeerKey.DeviceID < b.PeerKey.DeviceID
		}
		if a.Counter != b.Counter {
			return a.Counter < b.Counter
		}
		return a.Timestamp < b.Timestamp
	})
}
