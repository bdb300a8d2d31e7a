// Package trusterr holds the error taxonomy shared by the keyring, credential,
// capability and attestation packages. Callers match with errors.Is; packages
// wrap these with fmt.Errorf("%w: ...") to attach detail.
package trusterr

import "errors"

var (
	ErrNotInitialized       = errors.New("crypto backend not initialized")
	ErrNoSeedSet            = errors.New("no seed set")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")

	ErrExpired   = errors.New("expired")
	ErrRevoked   = errors.New("revoked")
	ErrNotActive = errors.New("not active")

	ErrScopeDenied      = errors.New("scope denied")
	ErrPermissionDenied = errors.New("permission denied")

	ErrStructureInvalid = errors.New("structure invalid")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrDecryptionFailed = errors.New("decryption failed")
)
