package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"proofi/trust-engine/internal/trusterr"
)

func mustKeyPair(t *testing.T) X25519KeyPair {
	t.Helper()
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("generate x25519: %v", err)
	}
	return kp
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	grantee := mustKeyPair(t)
	cases := map[string][]byte{
		"zeros": make([]byte, DEKSize),
		"ones":  bytes.Repeat([]byte{0xff}, DEKSize),
	}
	random, err := RandomBytes(DEKSize)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	cases["random"] = random

	for name, dek := range cases {
		t.Run(name, func(t *testing.T) {
			wrapped, err := WrapKey(dek, grantee.PublicKey)
			if err != nil {
				t.Fatalf("wrap: %v", err)
			}
			if len(wrapped.IV) != IVSize {
				t.Fatalf("expected %d-byte iv, got %d", IVSize, len(wrapped.IV))
			}
			if len(wrapped.EphemeralPublicKey) != X25519KeySize {
				t.Fatalf("expected %d-byte ephemeral key, got %d", X25519KeySize, len(wrapped.EphemeralPublicKey))
			}
			got, err := UnwrapKey(wrapped, grantee.PrivateKey)
			if err != nil {
				t.Fatalf("unwrap: %v", err)
			}
			if !bytes.Equal(got, dek) {
				t.Fatal("unwrapped key mismatch")
			}
		})
	}
}

func TestWrapUsesFreshEphemeralKey(t *testing.T) {
	grantee := mustKeyPair(t)
	dek := bytes.Repeat([]byte{7}, DEKSize)
	w1, err := WrapKey(dek, grantee.PublicKey)
	if err != nil {
		t.Fatalf("wrap 1: %v", err)
	}
	w2, err := WrapKey(dek, grantee.PublicKey)
	if err != nil {
		t.Fatalf("wrap 2: %v", err)
	}
	if bytes.Equal(w1.EphemeralPublicKey, w2.EphemeralPublicKey) || bytes.Equal(w1.Ciphertext, w2.Ciphertext) {
		t.Fatal("two wraps of the same key must not share ephemeral key or ciphertext")
	}
}

func TestUnwrapWithWrongKeyFails(t *testing.T) {
	grantee := mustKeyPair(t)
	other := mustKeyPair(t)
	wrapped, err := WrapKey(bytes.Repeat([]byte{1}, DEKSize), grantee.PublicKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := UnwrapKey(wrapped, other.PrivateKey); !errors.Is(err, trusterr.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestUnwrapCorruptedCiphertextFails(t *testing.T) {
	grantee := mustKeyPair(t)
	wrapped, err := WrapKey(bytes.Repeat([]byte{1}, DEKSize), grantee.PublicKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	wrapped.Ciphertext[0] ^= 0x01
	if _, err := UnwrapKey(wrapped, grantee.PrivateKey); !errors.Is(err, trusterr.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}

	wrapped.Ciphertext = wrapped.Ciphertext[:4]
	if _, err := UnwrapKey(wrapped, grantee.PrivateKey); !errors.Is(err, trusterr.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for truncated ciphertext, got %v", err)
	}
}

func TestWrapRejectsBadRecipientKey(t *testing.T) {
	if _, err := WrapKey(make([]byte, DEKSize), []byte{1, 2, 3}); !errors.Is(err, trusterr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	// All-zero point is low order; X25519 output is zero and must be rejected.
	if _, err := WrapKey(make([]byte, DEKSize), make([]byte, X25519KeySize)); !errors.Is(err, trusterr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for low-order point, got %v", err)
	}
}

func TestDeriveDEKDeterministicAndPathBound(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, MasterKeySize)
	a1, err := DeriveDEK(master, "health/steps")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	a2, err := DeriveDEK(master, "health/steps")
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if !bytes.Equal(a1, a2) {
		t.Fatal("DEK derivation must be deterministic")
	}
	if len(a1) != DEKSize {
		t.Fatalf("expected %d-byte DEK, got %d", DEKSize, len(a1))
	}
	b, err := DeriveDEK(master, "health/heart-rate")
	if err != nil {
		t.Fatalf("derive other path: %v", err)
	}
	if bytes.Equal(a1, b) {
		t.Fatal("different paths must yield different DEKs")
	}
	otherMaster := bytes.Repeat([]byte{0x43}, MasterKeySize)
	c, err := DeriveDEK(otherMaster, "health/steps")
	if err != nil {
		t.Fatalf("derive other master: %v", err)
	}
	if bytes.Equal(a1, c) {
		t.Fatal("different master keys must yield different DEKs")
	}
}

func TestDeriveDEKRejectsEmptyInputs(t *testing.T) {
	if _, err := DeriveDEK(nil, "health"); !errors.Is(err, trusterr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty master, got %v", err)
	}
	if _, err := DeriveDEK([]byte("k"), "  "); !errors.Is(err, trusterr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty path, got %v", err)
	}
}

func TestResourcePath(t *testing.T) {
	cases := map[string]string{
		"health/*":      "health",
		"health/steps":  "health/steps",
		" finance/* ":   "finance",
		"a/*/b":         "a/*/b",
		"health/steps/": "health/steps/",
	}
	for in, want := range cases {
		if got := ResourcePath(in); got != want {
			t.Fatalf("ResourcePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte{9}, AESKeySize)
	sealed, err := Encrypt(key, []byte("steps=10432"), []byte("health/steps"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(key, sealed, []byte("health/steps"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "steps=10432" {
		t.Fatalf("unexpected plaintext %q", got)
	}
	if _, err := Decrypt(key, sealed, []byte("finance")); !errors.Is(err, trusterr.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed on aad mismatch, got %v", err)
	}
	if _, err := Encrypt([]byte("short"), []byte("x"), nil); !errors.Is(err, trusterr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short key, got %v", err)
	}
}

func TestCanonicalJSONSortsKeysAndKeepsArrays(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"z": 1, "a": 2})
	if err != nil {
		t.Fatalf("canonical a: %v", err)
	}
	b, err := CanonicalJSON(map[string]any{"a": 2, "z": 1})
	if err != nil {
		t.Fatalf("canonical b: %v", err)
	}
	if string(a) != string(b) || string(a) != `{"a":2,"z":1}` {
		t.Fatalf("unexpected canonical form %s / %s", a, b)
	}

	nested, err := CanonicalizeRaw([]byte(`{"b":{"y":[3,1,2],"x":"<&>"},"a":1.50}`))
	if err != nil {
		t.Fatalf("canonical nested: %v", err)
	}
	want := `{"a":1.50,"b":{"x":"<&>","y":[3,1,2]}}`
	if string(nested) != want {
		t.Fatalf("got %s want %s", nested, want)
	}
	if strings.Contains(string(nested), "\n") {
		t.Fatal("canonical output must not carry a trailing newline")
	}
}
