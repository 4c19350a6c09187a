// Package store persists the device's local state to disk: scrypt+
// ChaCha20-Poly1305-sealed identity material and Master Key (adapted from the teacher's
// store/crypto_envelope.go and identity_store.go), plaintext JSON for
// everything whose confidentiality is already handled by its caller
// (prekeys, account profile, vault cache, contacts, DR snapshots — each of
// these either holds only local key material with no remote exposure, or
// is already an MK-sealed opaque string by the time it reaches this
// package), and atomic temp-file-then-rename writes throughout (teacher's
// json_io.go idiom).
package store
