package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"proofi/trust-engine/internal/trusterr"

	"golang.org/x/crypto/hkdf"
)

const (
	DEKSize       = 32
	MasterKeySize = 32

	dekInfoPrefix = "proofi:dek:"
)

// DeriveDEK returns the data encryption key for a resource path. The same
// master key and path always reproduce the same key.
func DeriveDEK(masterKey []byte, resourcePath string) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("%w: master key is empty", trusterr.ErrInvalidInput)
	}
	if strings.TrimSpace(resourcePath) == "" {
		return nil, fmt.Errorf("%w: resource path is empty", trusterr.ErrInvalidInput)
	}
	salt := sha256.Sum256([]byte(resourcePath))
	return HKDF(masterKey, salt[:], []byte(dekInfoPrefix+resourcePath), DEKSize)
}

// ResourcePath strips a single trailing "/*" wildcard from a scope entry.
func ResourcePath(scope string) string {
	scope = strings.TrimSpace(scope)
	return strings.TrimSuffix(scope, "/*")
}

func HKDF(secret, salt, info []byte, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func NewMasterKey() ([]byte, error) {
	return RandomBytes(MasterKeySize)
}
