package credential

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"proofi/trust-engine/internal/keyring"
	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSigner(t *testing.T, curve models.Curve, path string) keyring.Signer {
	t.Helper()
	m := keyring.NewManager()
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := m.SetSeed(testMnemonic); err != nil {
		t.Fatalf("set seed failed: %v", err)
	}
	km, err := m.Derive(curve, path, "issuer", nil)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	s, err := m.Signer(km.ID)
	if err != nil {
		t.Fatalf("signer failed: %v", err)
	}
	return s
}

func newFixtures() (*Builder, *Verifier) {
	b := NewBuilder(nil)
	b.Now = func() time.Time { return fixedNow }
	v := NewVerifier(nil)
	v.Now = func() time.Time { return fixedNow.Add(time.Minute) }
	return b, v
}

func TestCreateVerifyEveryCurve(t *testing.T) {
	b, v := newFixtures()
	for _, curve := range []models.Curve{models.CurveEd25519, models.CurveSr25519, models.CurveSecp256k1} {
		signer := newSigner(t, curve, "//issuer")
		vc, err := b.Create("did:example:alice", map[string]any{"email": "alice@example.com", "age": 31}, signer)
		if err != nil {
			t.Fatalf("%s create failed: %v", curve, err)
		}
		if vc.Issuer != signer.Address() || vc.Proof.VerificationMethod != vc.Issuer {
			t.Fatalf("%s: issuer and verification method must be the signer address", curve)
		}
		if !strings.HasPrefix(vc.ID, "urn:uuid:") {
			t.Fatalf("unexpected credential id %q", vc.ID)
		}
		res := v.VerifyDetailed(vc)
		if !res.Valid {
			t.Fatalf("%s verify failed: %v", curve, res.Errors)
		}
		if res.Curve != curve {
			t.Fatalf("expected curve %s, got %s", curve, res.Curve)
		}
	}
}

func TestCanonicaliseIsOrderIndependentAndExcludesProof(t *testing.T) {
	b, _ := newFixtures()
	signer := newSigner(t, models.CurveEd25519, "")
	vc, err := b.Create("did:example:bob", map[string]any{"z": 1, "a": 2, "list": []any{"b", "a"}}, signer)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	reordered := vc
	reordered.CredentialSubject = map[string]any{"list": []any{"b", "a"}, "a": 2, "id": "did:example:bob", "z": 1}
	first, err := Canonicalise(vc)
	if err != nil {
		t.Fatalf("canonicalise failed: %v", err)
	}
	second, err := Canonicalise(reordered)
	if err != nil {
		t.Fatalf("canonicalise failed: %v", err)
	}
	if first != second {
		t.Fatalf("canonical forms differ:\n%s\n%s", first, second)
	}
	if strings.Contains(first, `"proof"`) {
		t.Fatal("canonical form must not contain the proof")
	}
	if !strings.Contains(first, `"list":["b","a"]`) {
		t.Fatalf("array order must be preserved: %s", first)
	}
}

func TestMutatedClaimFailsVerification(t *testing.T) {
	b, v := newFixtures()
	vc, err := b.Create("did:example:carol", map[string]any{"verified": true}, newSigner(t, models.CurveSr25519, ""))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	vc.CredentialSubject["verified"] = false
	res := v.VerifyDetailed(vc)
	if res.Valid {
		t.Fatal("mutated credential must not verify")
	}
	if !errors.Is(res.Err(), trusterr.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", res.Err())
	}
}

func TestRepointedIssuerFailsVerification(t *testing.T) {
	b, v := newFixtures()
	vc, err := b.Create("did:example:dave", map[string]any{"kyc": "passed"}, newSigner(t, models.CurveEd25519, "//a"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	other := newSigner(t, models.CurveEd25519, "//b").Address()

	issuerOnly := vc
	issuerOnly.Issuer = other
	if v.Verify(issuerOnly) {
		t.Fatal("re-pointed issuer must not verify")
	}

	both := vc
	proof := *vc.Proof
	proof.VerificationMethod = other
	both.Proof = &proof
	both.Issuer = other
	res := v.VerifyDetailed(both)
	if res.Valid || !errors.Is(res.Err(), trusterr.ErrSignatureInvalid) {
		t.Fatalf("expected signature failure, got %+v", res)
	}
}

func TestStructuralErrorsAccumulate(t *testing.T) {
	_, v := newFixtures()
	vc := models.VerifiableCredential{
		Context:           []string{models.CredentialContextV1},
		Type:              []string{"EmailCredential"},
		Issuer:            "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
		IssuanceDate:      "yesterday",
		CredentialSubject: map[string]any{"id": "did:example:x"},
		Proof: &models.Proof{
			Type:               ProofTypeEd25519,
			Created:            fixedNow.Format(time.RFC3339),
			VerificationMethod: "someone-else",
			ProofPurpose:       "authentication",
			ProofValue:         "zabc",
		},
	}
	res := v.VerifyDetailed(vc)
	if res.Valid {
		t.Fatal("malformed credential must not verify")
	}
	want := []string{"issuanceDate", "VerifiableCredential", "proofPurpose", "verificationMethod"}
	joined := strings.Join(res.Errors, "\n")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Fatalf("expected an error mentioning %q, got:\n%s", w, joined)
		}
	}
	if len(res.Errors) != len(want) {
		t.Fatalf("expected %d errors, got %d: %v", len(want), len(res.Errors), res.Errors)
	}
	if !errors.Is(res.Err(), trusterr.ErrStructureInvalid) {
		t.Fatalf("expected ErrStructureInvalid, got %v", res.Err())
	}
}

func TestMissingProof(t *testing.T) {
	b, v := newFixtures()
	vc, err := b.Create("did:example:eve", nil, newSigner(t, models.CurveEd25519, ""))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	vc.Proof = nil
	res := v.VerifyDetailed(vc)
	if res.Valid || len(res.Errors) != 1 || res.Errors[0] != "proof is missing" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestVerifyJSONAndUnknownFields(t *testing.T) {
	b, v := newFixtures()
	vc, err := b.Create("did:example:frank", map[string]any{"score": 1.5}, newSigner(t, models.CurveSecp256k1, ""))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	raw, err := json.Marshal(vc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if res := v.VerifyJSON(raw); !res.Valid {
		t.Fatalf("wire credential must verify: %v", res.Errors)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	doc["evidence"] = "injected"
	tampered, _ := json.Marshal(doc)
	if res := v.VerifyJSON(tampered); res.Valid {
		t.Fatal("unsigned extra field must break the signature")
	}

	if res := v.VerifyJSON([]byte(`[1,2]`)); res.Valid || res.Reason() != "structure_invalid" {
		t.Fatalf("non-object input must be a structure failure, got %+v", res)
	}
	if res := v.VerifyJSON([]byte(`{"@context":"x","type":["VerifiableCredential"]}`)); res.Valid || len(res.Errors) < 4 {
		t.Fatalf("expected accumulated errors, got %+v", res)
	}
}

func TestExpiredCredential(t *testing.T) {
	b, v := newFixtures()
	vc, err := b.Issue(Request{SubjectID: "did:example:gina", Claims: map[string]any{"member": true}, Types: []string{"MembershipCredential"}, ExpiresIn: time.Hour}, newSigner(t, models.CurveEd25519, ""))
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if len(vc.Type) != 2 || vc.Type[0] != models.CredentialTypeBase {
		t.Fatalf("unexpected types %v", vc.Type)
	}
	if !v.Verify(vc) {
		t.Fatal("credential should verify before expiry")
	}
	v.Now = func() time.Time { return fixedNow.Add(2 * time.Hour) }
	res := v.VerifyDetailed(vc)
	if res.Valid || !errors.Is(res.Err(), trusterr.ErrExpired) {
		t.Fatalf("expected expiry failure, got %+v", res)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	b, _ := newFixtures()
	signer := newSigner(t, models.CurveEd25519, "")
	if _, err := b.Create("", nil, signer); !errors.Is(err, trusterr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty subject, got %v", err)
	}
	if _, err := b.Create("did:x", map[string]any{"id": "other"}, signer); !errors.Is(err, trusterr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for id claim, got %v", err)
	}
	if _, err := b.Create("did:x", nil, nil); !errors.Is(err, trusterr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for nil signer, got %v", err)
	}
}

func TestObserveSeesResults(t *testing.T) {
	b, v := newFixtures()
	var reasons []string
	v.Observe = func(r Result) { reasons = append(reasons, r.Reason()) }
	vc, err := b.Create("did:example:h", nil, newSigner(t, models.CurveEd25519, ""))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	v.Verify(vc)
	vc.Proof = nil
	v.Verify(vc)
	if strings.Join(reasons, ",") != "valid,structure_invalid" {
		t.Fatalf("unexpected observed reasons %v", reasons)
	}
}
