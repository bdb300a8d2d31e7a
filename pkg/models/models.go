package models

import (
	"strings"
)

type Curve string

const (
	CurveEd25519   Curve = "ed25519"
	CurveSr25519   Curve = "sr25519"
	CurveSecp256k1 Curve = "secp256k1"
)

func (c Curve) Valid() bool {
	switch c {
	case CurveEd25519, CurveSr25519, CurveSecp256k1:
		return true
	default:
		return false
	}
}

func ParseCurve(raw string) (Curve, bool) {
	c := Curve(strings.ToLower(strings.TrimSpace(raw)))
	return c, c.Valid()
}

// KeyMaterial is the public view of a keyring entry. Secret bytes stay inside
// the keyring and are never part of this struct.
type KeyMaterial struct {
	ID        string   `json:"id"`
	Curve     Curve    `json:"curve"`
	Address   string   `json:"address"`
	PublicKey []byte   `json:"public_key"`
	Path      string   `json:"path,omitempty"`
	Label     string   `json:"label,omitempty"`
	Purposes  []string `json:"purposes,omitempty"`
}

func (k KeyMaterial) HasPurpose(purpose string) bool {
	purpose = strings.TrimSpace(purpose)
	for _, p := range k.Purposes {
		if p == purpose {
			return true
		}
	}
	return false
}

type SignedPayload struct {
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
	Address   string `json:"address"`
	Curve     Curve  `json:"curve"`
}

const CredentialContextV1 = "https://www.w3.org/2018/credentials/v1"
const CredentialTypeBase = "VerifiableCredential"
const ProofPurposeAssertion = "assertionMethod"

type VerifiableCredential struct {
	Context           []string       `json:"@context"`
	ID                string         `json:"id,omitempty"`
	Type              []string       `json:"type"`
	Issuer            string         `json:"issuer"`
	IssuanceDate      string         `json:"issuanceDate"`
	ExpirationDate    string         `json:"expirationDate,omitempty"`
	CredentialSubject map[string]any `json:"credentialSubject"`
	Proof             *Proof         `json:"proof,omitempty"`
}

type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	ProofValue         string `json:"proofValue"`
}

type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionAppend Permission = "append"
)

type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenRevoked TokenStatus = "revoked"
	TokenExpired TokenStatus = "expired"
)

type WrappedDEK struct {
	EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
	IV                 []byte `json:"iv"`
	Ciphertext         []byte `json:"ciphertext"`
}

type CapabilityToken struct {
	Version     int                   `json:"version"`
	TokenID     string                `json:"tokenId"`
	Issuer      string                `json:"issuer"`
	Grantee     []byte                `json:"grantee"`
	GranteeName string                `json:"granteeName,omitempty"`
	Scope       []string              `json:"scope"`
	Permissions []Permission          `json:"permissions"`
	Expiry      int64                 `json:"expiry"`
	WrappedDEKs map[string]WrappedDEK `json:"wrappedDEKs"`
	CreatedAt   int64                 `json:"createdAt"`
	Signature   []byte                `json:"signature"`
	Status      TokenStatus           `json:"status,omitempty"`
}

func (t CapabilityToken) HasPermission(p Permission) bool {
	for _, granted := range t.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

type RevocationRecord struct {
	TokenID   string `json:"tokenId"`
	RevokedAt int64  `json:"revokedAt"`
	RevokedBy string `json:"revokedBy"`
	Reason    string `json:"reason,omitempty"`
}

type Platform string

const (
	PlatformSGX   Platform = "sgx"
	PlatformSEV   Platform = "sev"
	PlatformTDX   Platform = "tdx"
	PlatformNitro Platform = "nitro"
)

func (p Platform) Supported() bool {
	switch p {
	case PlatformSGX, PlatformSEV, PlatformTDX, PlatformNitro:
		return true
	default:
		return false
	}
}

type Attestation struct {
	Platform      Platform `json:"platform" yaml:"platform" cbor:"platform"`
	Measurement   string   `json:"measurement" yaml:"measurement" cbor:"measurement"`
	Timestamp     string   `json:"timestamp" yaml:"timestamp" cbor:"timestamp"`
	BucketAddress string   `json:"bucketAddress,omitempty" yaml:"bucketAddress,omitempty" cbor:"bucketAddress,omitempty"`
	Signature     string   `json:"signature,omitempty" yaml:"signature,omitempty" cbor:"signature,omitempty"`
}

type TrustedMeasurement struct {
	Measurement string   `json:"measurement" yaml:"measurement"`
	Platform    Platform `json:"platform" yaml:"platform"`
	Label       string   `json:"label,omitempty" yaml:"label,omitempty"`
}
