// Package message is the CLI-facing send/receive surface for the
// secure-messaging core: it bootstraps an X3DH session on first contact,
// seals plaintext through the Double Ratchet, and posts the resulting
// envelope to the relay, adapted from the teacher's
// internal/services/message/service.go.
package message
