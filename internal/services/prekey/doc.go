// Package prekey implements the prekey/X3DH transport glue (spec §4.3):
// generating and storing this device's signed and one-time pre-keys,
// publishing/replenishing them to the relay, and fetching a peer's bundle.
// Adapted from the teacher's internal/services/prekey/service.go.
package prekey
