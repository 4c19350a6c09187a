package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// passphraseBlobVersion is the on-disk format version for passphrase-sealed
// blobs (the identity file and the sealed Master Key file).
const passphraseBlobVersion = 1

// errWrongPassphrase is returned when the passphrase is wrong or the blob
// has been tampered with — scrypt+AEAD gives no way to tell which.
var errWrongPassphrase = errors.New("store: wrong passphrase or corrupted file")

// passphraseBlob is the on-disk JSON envelope for a passphrase-sealed file.
type passphraseBlob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_n"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

func scryptParamsDefault() (n, r, p int) { return 1 << 15, 8, 1 }

// sealWithPassphrase derives a key from passphrase via scrypt and seals raw
// behind it. The salt doubles as AEAD associated data, binding the sealed
// blob's KDF parameters to the ciphertext.
func sealWithPassphrase(passphrase string, raw []byte) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("store: generate salt: %w", err)
	}
	n, r, p := scryptParamsDefault()
	key, err := scrypt.Key([]byte(passphrase), salt[:], n, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("store: derive key: %w", err)
	}
	aeadCipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("store: init cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte // salt is fresh per call, so an all-zero nonce is safe
	ct := aeadCipher.Seal(nil, nonce[:], raw, salt[:])

	return json.Marshal(passphraseBlob{
		V: passphraseBlobVersion, Salt: salt[:], N: n, R: r, P: p, Cipher: ct,
	})
}

// SealWithPassphrase derives a scrypt key from passphrase and seals raw
// behind it. Exported for callers outside this package that need the same
// passphrase-sealing idiom (the Master Key unlock flow in internal/app).
func SealWithPassphrase(passphrase string, raw []byte) ([]byte, error) {
	return sealWithPassphrase(passphrase, raw)
}

// OpenWithPassphrase reverses SealWithPassphrase.
func OpenWithPassphrase(passphrase string, b []byte) ([]byte, error) {
	return openWithPassphrase(passphrase, b)
}

// openWithPassphrase reverses sealWithPassphrase.
func openWithPassphrase(passphrase string, b []byte) ([]byte, error) {
	var blob passphraseBlob
	if err := json.Unmarshal(b, &blob); err != nil {
		return nil, fmt.Errorf("store: decode sealed blob: %w", err)
	}
	if blob.V > passphraseBlobVersion {
		return nil, fmt.Errorf("store: unsupported sealed blob version %d", blob.V)
	}
	key, err := scrypt.Key([]byte(passphrase), blob.Salt, blob.N, blob.R, blob.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("store: derive key: %w", err)
	}
	aeadCipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("store: init cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aeadCipher.Open(nil, nonce[:], blob.Cipher, blob.Salt)
	if err != nil {
		return nil, errWrongPassphrase
	}
	return pt, nil
}
