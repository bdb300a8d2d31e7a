package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/internal/keyring"
	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"

	"github.com/multiformats/go-multibase"
)

// Result reports every problem found in a credential. Structural problems are
// all collected; the signature is only checked once the structure is sound.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []string     `json:"errors,omitempty"`
	Issuer string       `json:"issuer,omitempty"`
	Curve  models.Curve `json:"curve,omitempty"`

	kind error
}

// Err maps the result to the error taxonomy, nil when valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", r.kind, strings.Join(r.Errors, "; "))
}

type Verifier struct {
	Now func() time.Time
	// Observe, when set, sees every finished verification.
	Observe func(Result)
	logger  *slog.Logger
}

func NewVerifier(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{Now: time.Now, logger: logger}
}

func (v *Verifier) Verify(vc models.VerifiableCredential) bool {
	return v.VerifyDetailed(vc).Valid
}

func (v *Verifier) VerifyDetailed(vc models.VerifiableCredential) Result {
	doc, err := crypto.ToMap(vc)
	if err != nil {
		return v.finish(Result{Errors: []string{"credential is not serializable: " + err.Error()}, kind: trusterr.ErrStructureInvalid})
	}
	return v.finish(v.verifyDocument(doc))
}

// VerifyJSON checks a credential as received on the wire. Unknown top-level
// fields are part of the signed bytes.
func (v *Verifier) VerifyJSON(raw []byte) Result {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return v.finish(Result{Errors: []string{"credential is not a JSON object"}, kind: trusterr.ErrStructureInvalid})
	}
	return v.finish(v.verifyDocument(doc))
}

func (v *Verifier) verifyDocument(doc map[string]any) Result {
	issuer, _ := doc["issuer"].(string)
	res := Result{Issuer: issuer}
	errs := checkStructure(doc)
	if len(errs) > 0 {
		res.Errors = errs
		res.kind = trusterr.ErrStructureInvalid
		return res
	}

	proof := doc["proof"].(map[string]any)
	canonical, err := canonicaliseMap(doc)
	if err != nil {
		res.Errors = []string{err.Error()}
		res.kind = trusterr.ErrStructureInvalid
		return res
	}
	_, sig, err := multibase.Decode(proof["proofValue"].(string))
	if err != nil {
		res.Errors = []string{"proofValue is not valid multibase"}
		res.kind = trusterr.ErrSignatureInvalid
		return res
	}
	curve, err := keyring.VerifyAddressSignature(issuer, []byte(canonical), sig)
	if err != nil {
		res.Errors = []string{"signature does not verify against issuer"}
		res.kind = trusterr.ErrSignatureInvalid
		return res
	}
	res.Curve = curve
	if want, _ := ProofTypeForCurve(curve); proof["type"].(string) != want {
		res.Errors = append(res.Errors, fmt.Sprintf("proof type %q does not match %s signature", proof["type"], curve))
		res.kind = trusterr.ErrSignatureInvalid
		return res
	}

	if exp, ok := doc["expirationDate"].(string); ok {
		expiresAt, _ := time.Parse(time.RFC3339, exp)
		if !v.now().Before(expiresAt) {
			res.Errors = append(res.Errors, "credential expired at "+exp)
			res.kind = trusterr.ErrExpired
			return res
		}
	}
	res.Valid = true
	return res
}

func checkStructure(doc map[string]any) []string {
	var errs []string
	if !nonEmptyStrings(doc["@context"]) {
		errs = append(errs, "@context must be a non-empty array of strings")
	}
	types, typesOK := stringSlice(doc["type"])
	if !typesOK || len(types) == 0 {
		errs = append(errs, "type must be a non-empty array of strings")
	}
	issuer, _ := doc["issuer"].(string)
	if strings.TrimSpace(issuer) == "" {
		errs = append(errs, "issuer must be a non-empty string")
	}
	if !isTimestamp(doc["issuanceDate"]) {
		errs = append(errs, "issuanceDate must be an RFC3339 timestamp")
	}
	if _, ok := doc["credentialSubject"].(map[string]any); !ok {
		errs = append(errs, "credentialSubject must be an object")
	}
	if id, present := doc["id"]; present {
		if s, ok := id.(string); !ok || strings.TrimSpace(s) == "" {
			errs = append(errs, "id must be a non-empty string when present")
		}
	}
	if exp, present := doc["expirationDate"]; present && !isTimestamp(exp) {
		errs = append(errs, "expirationDate must be an RFC3339 timestamp when present")
	}

	if typesOK && len(types) > 0 && !containsString(types, models.CredentialTypeBase) {
		errs = append(errs, "type must include "+models.CredentialTypeBase)
	}

	proof, ok := doc["proof"].(map[string]any)
	if !ok {
		return append(errs, "proof is missing")
	}
	for _, field := range []string{"type", "verificationMethod", "proofPurpose", "proofValue"} {
		if s, ok := proof[field].(string); !ok || strings.TrimSpace(s) == "" {
			errs = append(errs, "proof."+field+" must be a non-empty string")
		}
	}
	if !isTimestamp(proof["created"]) {
		errs = append(errs, "proof.created must be an RFC3339 timestamp")
	}
	if purpose, _ := proof["proofPurpose"].(string); purpose != models.ProofPurposeAssertion {
		errs = append(errs, fmt.Sprintf("proofPurpose must be %q", models.ProofPurposeAssertion))
	}
	if method, _ := proof["verificationMethod"].(string); issuer != "" && method != issuer {
		errs = append(errs, "issuer does not match proof.verificationMethod")
	}
	return errs
}

func (v *Verifier) finish(res Result) Result {
	if res.Valid {
		v.logger.Debug("credential verified", "component", "credential", "operation", "verify", "issuer", res.Issuer, "curve", string(res.Curve))
	} else {
		v.logger.Info("credential rejected", "component", "credential", "operation", "verify", "issuer", res.Issuer, "reason", reasonOf(res.kind), "errors", len(res.Errors))
	}
	if v.Observe != nil {
		v.Observe(res)
	}
	return res
}

// Reason is a short label for metrics and logs.
func (r Result) Reason() string {
	if r.Valid {
		return "valid"
	}
	return reasonOf(r.kind)
}

func reasonOf(kind error) string {
	switch {
	case errors.Is(kind, trusterr.ErrStructureInvalid):
		return "structure_invalid"
	case errors.Is(kind, trusterr.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(kind, trusterr.ErrExpired):
		return "expired"
	default:
		return "valid"
	}
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now()
	}
	return v.Now()
}

func stringSlice(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func nonEmptyStrings(v any) bool {
	items, ok := stringSlice(v)
	return ok && len(items) > 0
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func isTimestamp(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}
