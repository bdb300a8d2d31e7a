package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"proofi/trust-engine/internal/trusterr"
)

const (
	AESKeySize = 32
	IVSize     = 12
	tagSize    = 16
)

type Sealed struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random 96-bit IV.
func Encrypt(key, plaintext, aad []byte) (Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	iv, err := RandomBytes(IVSize)
	if err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}
	return Sealed{
		IV:         iv,
		Ciphertext: aead.Seal(nil, iv, plaintext, aad),
	}, nil
}

func Decrypt(key []byte, sealed Sealed, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed.IV) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", trusterr.ErrDecryptionFailed, IVSize, len(sealed.IV))
	}
	if len(sealed.Ciphertext) < tagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", trusterr.ErrDecryptionFailed)
	}
	plaintext, err := aead.Open(nil, sealed.IV, sealed.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trusterr.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("%w: aes key must be %d bytes, got %d", trusterr.ErrInvalidInput, AESKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return aead, nil
}
