package keyring

import (
	"fmt"
	"strings"

	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/pkg/models"
)

const (
	derivedSecretLen = 32
	deriveInfoPrefix = "proofi:keyring:"
)

// defaultPath is used when Derive is called without a path.
func defaultPath(index int) string {
	return fmt.Sprintf("//%d", index)
}

func normalizePath(path string) string {
	return strings.TrimSpace(path)
}

// deriveSecret expands the bip39 seed into the curve secret for path.
// secp256k1 retries with a counter suffix in the astronomically unlikely case
// the output is not a valid scalar.
func deriveSecret(seed []byte, curve models.Curve, path string) ([]byte, error) {
	info := deriveInfoPrefix + string(curve) + ":" + path
	for attempt := 0; attempt < 8; attempt++ {
		label := info
		if attempt > 0 {
			label = fmt.Sprintf("%s#%d", info, attempt)
		}
		secret, err := crypto.HKDF(seed, nil, []byte(label), derivedSecretLen)
		if err != nil {
			return nil, err
		}
		if curve != models.CurveSecp256k1 || validScalar(secret) {
			return secret, nil
		}
	}
	return nil, fmt.Errorf("derive %s key for %q: no valid scalar", curve, path)
}
