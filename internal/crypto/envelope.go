package crypto

import (
	"fmt"

	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"

	"golang.org/x/crypto/curve25519"
)

const (
	X25519KeySize = 32

	wrapInfo = "proofi:ecies:wrap:v1"
)

type X25519KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

func GenerateX25519KeyPair() (X25519KeyPair, error) {
	priv, err := RandomBytes(X25519KeySize)
	if err != nil {
		return X25519KeyPair{}, fmt.Errorf("generate x25519 private key: %w", err)
	}
	pub, err := X25519PublicKey(priv)
	if err != nil {
		return X25519KeyPair{}, err
	}
	return X25519KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

func X25519PublicKey(privateKey []byte) ([]byte, error) {
	if len(privateKey) != X25519KeySize {
		return nil, fmt.Errorf("%w: x25519 private key must be %d bytes", trusterr.ErrInvalidInput, X25519KeySize)
	}
	return curve25519.X25519(privateKey, curve25519.Basepoint)
}

// WrapKey encrypts key material for a recipient X25519 public key: an
// ephemeral keypair is agreed with the recipient, the shared secret is
// expanded with HKDF-SHA256 into an AES-256-GCM key, and the key is sealed
// under a random 96-bit IV.
func WrapKey(key, recipientPublicKey []byte) (models.WrappedDEK, error) {
	if len(key) == 0 {
		return models.WrappedDEK{}, fmt.Errorf("%w: nothing to wrap", trusterr.ErrInvalidInput)
	}
	if len(recipientPublicKey) != X25519KeySize {
		return models.WrappedDEK{}, fmt.Errorf("%w: recipient public key must be %d bytes, got %d",
			trusterr.ErrInvalidInput, X25519KeySize, len(recipientPublicKey))
	}
	ephemeral, err := GenerateX25519KeyPair()
	if err != nil {
		return models.WrappedDEK{}, err
	}
	defer Zero(ephemeral.PrivateKey)

	shared, err := curve25519.X25519(ephemeral.PrivateKey, recipientPublicKey)
	if err != nil {
		return models.WrappedDEK{}, fmt.Errorf("%w: key agreement failed: %v", trusterr.ErrInvalidInput, err)
	}
	defer Zero(shared)

	wrappingKey, err := wrappingKey(shared, ephemeral.PublicKey)
	if err != nil {
		return models.WrappedDEK{}, err
	}
	defer Zero(wrappingKey)

	sealed, err := Encrypt(wrappingKey, key, ephemeral.PublicKey)
	if err != nil {
		return models.WrappedDEK{}, err
	}
	return models.WrappedDEK{
		EphemeralPublicKey: ephemeral.PublicKey,
		IV:                 sealed.IV,
		Ciphertext:         sealed.Ciphertext,
	}, nil
}

// UnwrapKey reverses WrapKey with the recipient's X25519 private key. Any
// failure, including a wrong key, is reported as ErrDecryptionFailed.
func UnwrapKey(wrapped models.WrappedDEK, recipientPrivateKey []byte) ([]byte, error) {
	if len(recipientPrivateKey) != X25519KeySize {
		return nil, fmt.Errorf("%w: recipient private key must be %d bytes", trusterr.ErrDecryptionFailed, X25519KeySize)
	}
	if len(wrapped.EphemeralPublicKey) != X25519KeySize {
		return nil, fmt.Errorf("%w: ephemeral public key must be %d bytes", trusterr.ErrDecryptionFailed, X25519KeySize)
	}
	shared, err := curve25519.X25519(recipientPrivateKey, wrapped.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement failed: %v", trusterr.ErrDecryptionFailed, err)
	}
	defer Zero(shared)

	wrappingKey, err := wrappingKey(shared, wrapped.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trusterr.ErrDecryptionFailed, err)
	}
	defer Zero(wrappingKey)

	return Decrypt(wrappingKey, Sealed{IV: wrapped.IV, Ciphertext: wrapped.Ciphertext}, wrapped.EphemeralPublicKey)
}

func wrappingKey(shared, ephemeralPublic []byte) ([]byte, error) {
	info := append([]byte(wrapInfo), ephemeralPublic...)
	key, err := HKDF(shared, nil, info, AESKeySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}
