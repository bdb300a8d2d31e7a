// Package credential issues and checks W3C-style verifiable credentials signed
// by keyring signers over their canonical JSON form.
package credential

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/internal/keyring"
	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"

	"github.com/google/uuid"
	"github.com/multiformats/go-multibase"
)

const (
	ProofTypeEd25519   = "Ed25519Signature2020"
	ProofTypeSr25519   = "Sr25519Signature2020"
	ProofTypeSecp256k1 = "EcdsaSecp256k1RecoverySignature2020"
)

// ProofTypeForCurve maps a signer curve to its proof suite name.
func ProofTypeForCurve(curve models.Curve) (string, error) {
	switch curve {
	case models.CurveEd25519:
		return ProofTypeEd25519, nil
	case models.CurveSr25519:
		return ProofTypeSr25519, nil
	case models.CurveSecp256k1:
		return ProofTypeSecp256k1, nil
	default:
		return "", fmt.Errorf("%w: curve %q", trusterr.ErrUnsupportedAlgorithm, curve)
	}
}

type Request struct {
	SubjectID string
	Claims    map[string]any
	// Types are appended after "VerifiableCredential".
	Types     []string
	ExpiresIn time.Duration
}

type Builder struct {
	Now    func() time.Time
	logger *slog.Logger
}

func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{Now: time.Now, logger: logger}
}

// Create signs claims about subjectID with signer.
func (b *Builder) Create(subjectID string, claims map[string]any, signer keyring.Signer) (models.VerifiableCredential, error) {
	return b.Issue(Request{SubjectID: subjectID, Claims: claims}, signer)
}

func (b *Builder) Issue(req Request, signer keyring.Signer) (models.VerifiableCredential, error) {
	if signer == nil {
		return models.VerifiableCredential{}, fmt.Errorf("%w: signer is required", trusterr.ErrInvalidInput)
	}
	subjectID := strings.TrimSpace(req.SubjectID)
	if subjectID == "" {
		return models.VerifiableCredential{}, fmt.Errorf("%w: subject id is required", trusterr.ErrInvalidInput)
	}
	if _, ok := req.Claims["id"]; ok {
		return models.VerifiableCredential{}, fmt.Errorf("%w: claims must not carry an id", trusterr.ErrInvalidInput)
	}
	proofType, err := ProofTypeForCurve(signer.Curve())
	if err != nil {
		return models.VerifiableCredential{}, err
	}

	now := b.now().UTC()
	subject := make(map[string]any, len(req.Claims)+1)
	for k, v := range req.Claims {
		subject[k] = v
	}
	subject["id"] = subjectID

	types := []string{models.CredentialTypeBase}
	for _, t := range req.Types {
		t = strings.TrimSpace(t)
		if t != "" && t != models.CredentialTypeBase {
			types = append(types, t)
		}
	}
	vc := models.VerifiableCredential{
		Context:           []string{models.CredentialContextV1},
		ID:                "urn:uuid:" + uuid.NewString(),
		Type:              types,
		Issuer:            signer.Address(),
		IssuanceDate:      now.Format(time.RFC3339),
		CredentialSubject: subject,
	}
	if req.ExpiresIn > 0 {
		vc.ExpirationDate = now.Add(req.ExpiresIn).Format(time.RFC3339)
	}

	canonical, err := Canonicalise(vc)
	if err != nil {
		return models.VerifiableCredential{}, err
	}
	sig, err := signer.SignMessage([]byte(canonical))
	if err != nil {
		return models.VerifiableCredential{}, fmt.Errorf("sign credential: %w", err)
	}
	proofValue, err := multibase.Encode(multibase.Base58BTC, sig)
	if err != nil {
		return models.VerifiableCredential{}, fmt.Errorf("encode proof value: %w", err)
	}
	vc.Proof = &models.Proof{
		Type:               proofType,
		Created:            now.Format(time.RFC3339),
		VerificationMethod: signer.Address(),
		ProofPurpose:       models.ProofPurposeAssertion,
		ProofValue:         proofValue,
	}
	b.logger.Info("credential issued", "component", "credential", "operation", "create", "issuer", vc.Issuer, "credential_type", strings.Join(types, ","))
	return vc, nil
}

// Canonicalise returns the signed form of vc: canonical JSON with the proof
// removed.
func Canonicalise(vc models.VerifiableCredential) (string, error) {
	vc.Proof = nil
	out, err := crypto.CanonicalJSON(vc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", trusterr.ErrStructureInvalid, err)
	}
	return string(out), nil
}

func canonicaliseMap(doc map[string]any) (string, error) {
	unsigned := make(map[string]any, len(doc))
	for k, v := range doc {
		if k != "proof" {
			unsigned[k] = v
		}
	}
	out, err := crypto.CanonicalJSON(unsigned)
	if err != nil {
		return "", fmt.Errorf("%w: %v", trusterr.ErrStructureInvalid, err)
	}
	return string(out), nil
}

func (b *Builder) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}
