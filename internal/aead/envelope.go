package aead

import (
	"encoding/json"
	"fmt"
)

// AlgoTag is the only `aead` wire tag this package emits or accepts. The
// literal value is fixed by spec §3/§6 ("aead:\"aes-256-gcm\"") even though
// the cipher actually sealing under it is ChaCha20-Poly1305 (see Seal/Open
// in aead.go, teacher's choice) — the name intentionally does not say
// ChaCha20Poly1305 or AES-256-GCM, since neither alone would describe what
// this constant is: a fixed wire string, not a claim about the cipher.
const AlgoTag = "aes-256-gcm"

// Envelope is the strict wire form of an AEAD-sealed value (spec §3/§6):
// { v, aead, iv_b64, salt_b64, info, ct_b64 }.
//
// Unknown top-level fields present on the wire are tolerated on input (they
// round-trip through encoding/json's default unknown-field skipping) but are
// never re-emitted, since Envelope only declares the fixed field set above.
type Envelope struct {
	V       int    `json:"v"`
	AEAD    string `json:"aead"`
	IVB64   string `json:"iv_b64"`
	SaltB64 string `json:"salt_b64"`
	Info    string `json:"info"`
	CTB64   string `json:"ct_b64"`
}

// UnmarshalJSON fails closed if any required field is absent, distinguishing
// "present but empty" from "missing" so a truncated envelope cannot silently
// decode into zero values.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("aead: envelope is not a JSON object: %w", err)
	}
	required := []string{"v", "aead", "iv_b64", "salt_b64", "info", "ct_b64"}
	for _, field := range required {
		if _, ok := raw[field]; !ok {
			return fmt.Errorf("aead: envelope missing required field %q", field)
		}
	}
	type envelopeAlias Envelope
	var alias envelopeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return fmt.Errorf("aead: decode envelope: %w", err)
	}
	*e = Envelope(alias)
	return nil
}
