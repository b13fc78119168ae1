// Package crypto provides the symmetric authenticated encryption used to
// protect per-device credentials at rest (spec.md §3, CredentialSet).
//
// The scheme is NaCl secretbox (XSalsa20-Poly1305), the same authenticated
// construction used for streaming encryption in the reference corpus
// (siderolabs-omni's internal/.../blocks package). Ciphertext is
// self-identifying: a one-byte version tag, a 24-byte random nonce, then
// the sealed box.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keyLen     = 32
	nonceLen   = 24
	version1   = 0x01
	headerLen  = 1 + nonceLen
)

// Key is a process-wide 256-bit symmetric key, decoded once at startup from
// the FERNET_KEY environment variable (spec.md §6): a 44-char URL-safe
// base64 string decoding to 32 bytes.
type Key [keyLen]byte

// ParseKey decodes the 44-char URL-safe base64 FERNET_KEY value into a Key.
func ParseKey(encoded string) (Key, error) {
	var key Key
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		// Fernet-style keys are frequently generated/stored without padding.
		raw, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return key, fmt.Errorf("malformed encryption key: %w", err)
		}
	}
	if len(raw) != keyLen {
		return key, fmt.Errorf("encryption key must decode to %d bytes, got %d", keyLen, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Encrypt seals plaintext under key, returning a self-identifying,
// base64-encoded ciphertext.
func Encrypt(plaintext string, key Key) (string, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	raw := make([]byte, 0, headerLen+len(plaintext)+secretbox.Overhead)
	raw = append(raw, version1)
	raw = append(raw, nonce[:]...)
	raw = secretbox.Seal(raw, []byte(plaintext), &nonce, (*[keyLen]byte)(&key))

	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any malformed envelope or
// authentication failure is returned as an error; per spec.md §4.B and §9,
// callers must treat this as a fatal per-device credential error and must
// NOT fall through to the global credential tier.
func Decrypt(ciphertext string, key Key) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext encoding: %w", err)
	}
	if len(raw) < headerLen {
		return "", errors.New("ciphertext too short")
	}
	if raw[0] != version1 {
		return "", fmt.Errorf("unsupported ciphertext version %d", raw[0])
	}

	var nonce [nonceLen]byte
	copy(nonce[:], raw[1:headerLen])

	plaintext, ok := secretbox.Open(nil, raw[headerLen:], &nonce, (*[keyLen]byte)(&key))
	if !ok {
		return "", errors.New("decryption failed: authentication mismatch")
	}
	return string(plaintext), nil
}
