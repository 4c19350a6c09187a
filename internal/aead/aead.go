package aead

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"duskline/internal/crypto"
	"duskline/internal/domain"
)

const (
	saltSize = 16
	ivSize   = chacha20poly1305.NonceSize // 12 bytes, 96-bit
)

// ErrIntegrityFailure is returned when AEAD authentication fails — a
// distinguishable error per spec §4.1/§7.
var ErrIntegrityFailure = errors.New("aead: integrity failure")

func deriveSubkey(key32 domain.MasterKey, salt []byte, infoTag string) ([]byte, error) {
	h := hkdf.New(sha256.New, key32.Slice(), salt, []byte(infoTag))
	sub := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, sub); err != nil {
		return nil, fmt.Errorf("aead: hkdf derive: %w", err)
	}
	return sub, nil
}

// Encrypt seals plaintext under key32, tagging the envelope with infoTag.
// infoTag membership in the caller's allow-list is the caller's
// responsibility at decrypt time (the allow-list is per call site, not
// global).
func Encrypt(plaintext []byte, key32 domain.MasterKey, infoTag string) (Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Envelope{}, fmt.Errorf("aead: generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("aead: generate iv: %w", err)
	}
	sub, err := deriveSubkey(key32, salt, infoTag)
	if err != nil {
		return Envelope{}, err
	}
	defer crypto.Wipe(sub)

	aeadCipher, err := chacha20poly1305.New(sub)
	if err != nil {
		return Envelope{}, fmt.Errorf("aead: init cipher: %w", err)
	}
	ct := aeadCipher.Seal(nil, iv, plaintext, nil)

	return Envelope{
		V:       1,
		AEAD:    AlgoTag,
		IVB64:   crypto.B64(iv),
		SaltB64: crypto.B64(salt),
		Info:    infoTag,
		CTB64:   crypto.B64(ct),
	}, nil
}

// Decrypt opens env with key32, rejecting any envelope whose aead tag isn't
// recognized, whose info isn't in allowedInfo, or whose iv/salt lengths are
// wrong, before attempting authentication.
func Decrypt(env Envelope, key32 domain.MasterKey, allowedInfo []string) ([]byte, error) {
	if env.AEAD != AlgoTag {
		return nil, fmt.Errorf("aead: unsupported algorithm %q", env.AEAD)
	}
	if !infoAllowed(env.Info, allowedInfo) {
		return nil, fmt.Errorf("aead: info tag %q not in allow-list", env.Info)
	}
	salt, err := crypto.FromB64(env.SaltB64)
	if err != nil || len(salt) != saltSize {
		return nil, fmt.Errorf("aead: invalid salt")
	}
	iv, err := crypto.FromB64(env.IVB64)
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("aead: invalid iv")
	}
	ct, err := crypto.FromB64(env.CTB64)
	if err != nil {
		return nil, fmt.Errorf("aead: invalid ciphertext encoding")
	}

	sub, err := deriveSubkey(key32, salt, env.Info)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(sub)

	aeadCipher, err := chacha20poly1305.New(sub)
	if err != nil {
		return nil, fmt.Errorf("aead: init cipher: %w", err)
	}
	pt, err := aeadCipher.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrIntegrityFailure
	}
	return pt, nil
}

func infoAllowed(info string, allowed []string) bool {
	for _, a := range allowed {
		if a == info {
			return true
		}
	}
	return false
}

// WrapJSON marshals obj and seals it as an envelope.
func WrapJSON(obj any, key32 domain.MasterKey, infoTag string) (Envelope, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return Envelope{}, fmt.Errorf("aead: marshal payload: %w", err)
	}
	return Encrypt(raw, key32, infoTag)
}

// UnwrapJSON opens env and unmarshals the plaintext into out.
func UnwrapJSON(env Envelope, key32 domain.MasterKey, allowedInfo []string, out any) error {
	pt, err := Decrypt(env, key32, allowedInfo)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(pt, out); err != nil {
		return fmt.Errorf("aead: unmarshal payload: %w", err)
	}
	return nil
}
