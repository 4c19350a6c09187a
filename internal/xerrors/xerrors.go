// Package xerrors enumerates the recoverable/fatal error kinds that cross
// the secure-messaging core's package boundaries, so callers can switch on
// Kind instead of matching against sentinel values or message text.
package xerrors

import "fmt"

// Kind identifies a class of failure the coordinator, pipeline and restore
// stages need to branch on (retry, roll back, surface to the UI, ...).
type Kind int

const (
	// KindUnknown is the zero value; never produced intentionally.
	KindUnknown Kind = iota
	// KindIdentityMissing means MK/account/deviceId are not present in process memory.
	KindIdentityMissing
	// KindSecurePending means the DR session is not yet ready for this peer.
	KindSecurePending
	// KindDRStateUnavailable means the ratchet state is missing or corrupt.
	KindDRStateUnavailable
	// KindSkippedMissing means an out-of-order message's key was already evicted.
	KindSkippedMissing
	// KindIntegrityFailure means AEAD authentication failed.
	KindIntegrityFailure
	// KindVaultPutFailed means the durable vault write did not complete.
	KindVaultPutFailed
	// KindCounterTooLow means the server rejected a send because our counter lags.
	KindCounterTooLow
	// KindNetworkUnavailable means a transient network failure occurred.
	KindNetworkUnavailable
	// KindRestoreStageFail means a restore-pipeline stage failed outright.
	KindRestoreStageFail
	// KindGapQueueFail means a gap-queue job exhausted its retry budget.
	KindGapQueueFail
)

func (k Kind) String() string {
	switch k {
	case KindIdentityMissing:
		return "IDENTITY_MISSING"
	case KindSecurePending:
		return "SECURE_PENDING"
	case KindDRStateUnavailable:
		return "DR_STATE_UNAVAILABLE"
	case KindSkippedMissing:
		return "SKIPPED_MISSING"
	case KindIntegrityFailure:
		return "INTEGRITY_FAILURE"
	case KindVaultPutFailed:
		return "VAULT_PUT_FAILED"
	case KindCounterTooLow:
		return "COUNTER_TOO_LOW"
	case KindNetworkUnavailable:
		return "NETWORK_UNAVAILABLE"
	case KindRestoreStageFail:
		return "RESTORE_STAGE_FAIL"
	case KindGapQueueFail:
		return "GAP_QUEUE_FAIL"
	default:
		return "UNKNOWN"
	}
}

// Recoverable reports whether the live coordinator should retry a job that
// failed with this kind (spec: SecurePending, DRStateUnavailable, VaultPutFailed).
func (k Kind) Recoverable() bool {
	switch k {
	case KindSecurePending, KindDRStateUnavailable, KindVaultPutFailed:
		return true
	default:
		return false
	}
}

// Error is the error value carried across package boundaries: a Kind plus
// free-form context (peerKey, counter, stage, ...) for logging.
type Error struct {
	Kind    Kind
	Context map[string]any
	cause   error
}

// New constructs an Error of the given kind wrapping cause, with context.
func New(kind Kind, cause error, context map[string]any) *Error {
	return &Error{Kind: kind, Context: context, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is(err, xerrors.New(kind, nil, nil)) style comparisons by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return KindUnknown, false
	}
	return e.Kind, true
}
