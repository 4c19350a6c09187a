// Package aead implements the secure-messaging core's one authenticated
// encryption primitive: a strict JSON envelope wrapping ChaCha20-Poly1305,
// with HKDF-SHA-256 deriving a per-call sub-key from a salt and an
// info-tag drawn from a caller-supplied allow-list.
//
// This generalizes the teacher's store/crypto_envelope.go sealed-blob
// pattern (which derived its key directly via scrypt from a passphrase)
// into a standalone primitive keyed by any raw 32-byte key, as required by
// the Message Key Vault, session snapshots, and contact-share payloads.
package aead
