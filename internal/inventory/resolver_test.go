package inventory

import (
	"strings"
	"testing"

	"github.com/agncf/confbackup/internal/crypto"
)

func TestResolverGlobalFallback(t *testing.T) {
	var key crypto.Key
	r := NewResolver(key, "u", "p")

	user, pass, ok, err := r.Resolve("", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || user != "u" || pass != "p" {
		t.Fatalf("expected fallback credentials, got user=%q pass=%q ok=%v", user, pass, ok)
	}
}

func TestResolverNoCredentialsAvailable(t *testing.T) {
	var key crypto.Key
	r := NewResolver(key, "", "")

	_, _, ok, err := r.Resolve("", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected tier-3 miss when no credential set and no globals")
	}
}

func TestResolverDeviceBoundCredentials(t *testing.T) {
	var key crypto.Key
	ciphertext, err := crypto.Encrypt("devicepass", key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	r := NewResolver(key, "globaluser", "globalpass")

	user, pass, ok, err := r.Resolve("deviceuser", ciphertext, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || user != "deviceuser" || pass != "devicepass" {
		t.Fatalf("expected device-bound credentials, got user=%q pass=%q ok=%v", user, pass, ok)
	}
}

func TestResolverDecryptionFailureDoesNotFallThrough(t *testing.T) {
	var key crypto.Key
	var otherKey crypto.Key
	otherKey[0] = 0xFF
	ciphertext, err := crypto.Encrypt("devicepass", otherKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	r := NewResolver(key, "globaluser", "globalpass")

	user, pass, ok, err := r.Resolve("deviceuser", ciphertext, true)
	if err == nil {
		t.Fatalf("expected decryption error")
	}
	if ok || user != "" || pass != "" {
		t.Fatalf("decryption failure must not fall through to globals, got user=%q pass=%q ok=%v", user, pass, ok)
	}
	if !strings.Contains(err.Error(), "decrypting") {
		t.Fatalf("error should mention decryption: %v", err)
	}
}
