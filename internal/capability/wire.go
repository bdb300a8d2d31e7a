package capability

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/internal/keyring"
	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"
)

const TokenVersion = 1

// WireToken is the transport form of an exported token.
type WireToken struct {
	Version     int                          `json:"version"`
	TokenID     string                       `json:"tokenId"`
	Issuer      string                       `json:"issuer"`
	Grantee     []byte                       `json:"grantee"`
	Scope       []string                     `json:"scope"`
	Permissions []models.Permission          `json:"permissions"`
	Expiry      int64                        `json:"expiry"`
	WrappedDEKs map[string]models.WrappedDEK `json:"wrappedDEKs"`
	Signature   []byte                       `json:"signature"`
	ExportedAt  int64                        `json:"exportedAt"`
}

func (w WireToken) Token() models.CapabilityToken {
	return models.CapabilityToken{
		Version:     w.Version,
		TokenID:     w.TokenID,
		Issuer:      w.Issuer,
		Grantee:     w.Grantee,
		Scope:       w.Scope,
		Permissions: w.Permissions,
		Expiry:      w.Expiry,
		WrappedDEKs: w.WrappedDEKs,
		Signature:   w.Signature,
	}
}

func encodeWire(t models.CapabilityToken, exportedAt time.Time) (string, error) {
	raw, err := json.Marshal(WireToken{
		Version:     t.Version,
		TokenID:     t.TokenID,
		Issuer:      t.Issuer,
		Grantee:     t.Grantee,
		Scope:       t.Scope,
		Permissions: t.Permissions,
		Expiry:      t.Expiry,
		WrappedDEKs: t.WrappedDEKs,
		Signature:   t.Signature,
		ExportedAt:  exportedAt.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeToken parses an exported token. It checks shape only; call
// VerifyToken before trusting the contents.
func DecodeToken(encoded string) (WireToken, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return WireToken{}, fmt.Errorf("%w: token is not base64", trusterr.ErrStructureInvalid)
	}
	var w WireToken
	if err := json.Unmarshal(raw, &w); err != nil {
		return WireToken{}, fmt.Errorf("%w: token is not JSON", trusterr.ErrStructureInvalid)
	}
	if err := validateShape(w.Token()); err != nil {
		return WireToken{}, err
	}
	return w, nil
}

func validateShape(t models.CapabilityToken) error {
	var missing []string
	if t.Version != TokenVersion {
		missing = append(missing, fmt.Sprintf("version %d", t.Version))
	}
	if strings.TrimSpace(t.TokenID) == "" {
		missing = append(missing, "tokenId")
	}
	if strings.TrimSpace(t.Issuer) == "" {
		missing = append(missing, "issuer")
	}
	if len(t.Grantee) != crypto.X25519KeySize {
		missing = append(missing, "grantee")
	}
	if len(t.Scope) == 0 {
		missing = append(missing, "scope")
	}
	if len(t.Permissions) == 0 {
		missing = append(missing, "permissions")
	}
	if t.Expiry <= 0 {
		missing = append(missing, "expiry")
	}
	if len(t.Signature) == 0 {
		missing = append(missing, "signature")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: bad token fields: %s", trusterr.ErrStructureInvalid, strings.Join(missing, ", "))
	}
	return nil
}

type signedFields struct {
	TokenID     string              `json:"tokenId"`
	Issuer      string              `json:"issuer"`
	Grantee     []byte              `json:"grantee"`
	Scope       []string            `json:"scope"`
	Permissions []models.Permission `json:"permissions"`
	Expiry      int64               `json:"expiry"`
}

// SigningPayload is the canonical byte string a token signature covers.
func SigningPayload(t models.CapabilityToken) ([]byte, error) {
	return crypto.CanonicalJSON(signedFields{
		TokenID:     t.TokenID,
		Issuer:      t.Issuer,
		Grantee:     t.Grantee,
		Scope:       t.Scope,
		Permissions: t.Permissions,
		Expiry:      t.Expiry,
	})
}

// VerifyToken checks the token signature against its issuer address.
func VerifyToken(t models.CapabilityToken) error {
	if err := validateShape(t); err != nil {
		return err
	}
	payload, err := SigningPayload(t)
	if err != nil {
		return err
	}
	if _, err := keyring.VerifyAddressSignature(t.Issuer, payload, t.Signature); err != nil {
		return fmt.Errorf("%w: token %s", trusterr.ErrSignatureInvalid, t.TokenID)
	}
	return nil
}

// OpenScope unwraps the DEK for path with the grantee's X25519 private key.
// path may be any resource under a wildcard scope.
func OpenScope(t models.CapabilityToken, path string, granteePrivateKey []byte) ([]byte, error) {
	if w, ok := t.WrappedDEKs[path]; ok {
		return UnwrapDEK(w, granteePrivateKey)
	}
	granted, ok := anyScopeMatches(t.Scope, path)
	if !ok {
		return nil, fmt.Errorf("%w: %q", trusterr.ErrScopeDenied, path)
	}
	w, ok := t.WrappedDEKs[granted]
	if !ok {
		return nil, fmt.Errorf("%w: no wrapped key for scope %q", trusterr.ErrNotFound, granted)
	}
	return UnwrapDEK(w, granteePrivateKey)
}

// UnwrapDEK is the grantee-side reverse of the per-scope key wrap.
func UnwrapDEK(wrapped models.WrappedDEK, granteePrivateKey []byte) ([]byte, error) {
	return crypto.UnwrapKey(wrapped, granteePrivateKey)
}
