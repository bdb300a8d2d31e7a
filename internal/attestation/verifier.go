// Package attestation decides whether a remote execution environment may be
// trusted with a capability, based on its reported platform and measurement.
package attestation

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/internal/keyring"
	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"
)

const DefaultMaxAge = 5 * time.Minute

type Options struct {
	// MaxAge defaults to DefaultMaxAge when zero.
	MaxAge time.Duration
	// RequireMeasurement defaults to true only when the registry is non-empty.
	RequireMeasurement *bool
}

type Result struct {
	Valid       bool            `json:"valid"`
	Errors      []string        `json:"errors,omitempty"`
	Platform    models.Platform `json:"platform,omitempty"`
	Measurement string          `json:"measurement,omitempty"`
	Label       string          `json:"label,omitempty"`
	// Stage names the first failing step: structure, freshness, trust or
	// signature. Empty when valid.
	Stage string `json:"stage,omitempty"`
}

func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	kind := trusterr.ErrNotFound
	switch r.Stage {
	case stageStructure:
		kind = trusterr.ErrStructureInvalid
	case stageSignature:
		kind = trusterr.ErrSignatureInvalid
	case stageFreshness:
		kind = trusterr.ErrExpired
	}
	return fmt.Errorf("%w: attestation rejected: %s", kind, strings.Join(r.Errors, "; "))
}

type Verifier struct {
	Now     func() time.Time
	Observe func(Result)
	// Defaults apply when a call passes zero Options fields.
	Defaults Options

	registry *Registry
	logger   *slog.Logger
}

func NewVerifier(registry *Registry, logger *slog.Logger) *Verifier {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{Now: time.Now, registry: registry, logger: logger}
}

func (v *Verifier) Registry() *Registry {
	return v.registry
}

func (v *Verifier) RegisterTrustedMeasurement(platform models.Platform, measurement, label string) error {
	if err := v.registry.Register(platform, measurement, label); err != nil {
		return err
	}
	v.logger.Info("trusted measurement registered", "component", "attestation", "operation", "register", "platform", string(platform), "label", label)
	return nil
}

// Verify runs structure, freshness, trust and optional signature checks.
// Structural errors stop verification; later steps all run and accumulate.
func (v *Verifier) Verify(att models.Attestation, opts Options) Result {
	return v.finish(v.verify(att, opts))
}

// VerifyRaw checks an attestation supplied as untyped JSON. A numeric
// timestamp is read as epoch milliseconds.
func (v *Verifier) VerifyRaw(raw []byte, opts Options) Result {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return v.finish(Result{Stage: stageStructure, Errors: []string{"attestation is not a JSON object"}})
	}
	typeErrs := map[string]string{}
	att := models.Attestation{}
	if s, ok := doc["platform"].(string); ok {
		att.Platform = models.Platform(s)
	} else {
		typeErrs["platform"] = "platform must be a string"
	}
	if s, ok := doc["measurement"].(string); ok {
		att.Measurement = s
	} else {
		typeErrs["measurement"] = "measurement must be a string"
	}
	switch ts := doc["timestamp"].(type) {
	case string:
		att.Timestamp = ts
	case json.Number:
		att.Timestamp = ts.String()
	default:
		typeErrs["timestamp"] = "timestamp must be a string or epoch milliseconds"
	}
	if s, ok := doc["bucketAddress"].(string); ok {
		att.BucketAddress = s
	} else if _, present := doc["bucketAddress"]; present {
		typeErrs["bucketAddress"] = "bucketAddress must be a string when present"
	}
	if s, ok := doc["signature"].(string); ok {
		att.Signature = s
	} else if _, present := doc["signature"]; present {
		typeErrs["signature"] = "signature must be a string when present"
	}
	if len(typeErrs) == 0 {
		return v.finish(v.verify(att, opts))
	}
	var errs []string
	structural := structureErrors(att)
	for _, field := range []string{"platform", "measurement", "timestamp", "bucketAddress", "signature"} {
		if msg, ok := typeErrs[field]; ok {
			errs = append(errs, msg)
			continue
		}
		if msg, ok := structural[field]; ok {
			errs = append(errs, msg)
		}
	}
	return v.finish(Result{Stage: stageStructure, Errors: errs})
}

const (
	stageStructure = "structure"
	stageFreshness = "freshness"
	stageTrust     = "trust"
	stageSignature = "signature"
)

func structureErrors(att models.Attestation) map[string]string {
	errs := map[string]string{}
	if att.Platform == "" {
		errs["platform"] = "platform is required"
	} else if !att.Platform.Supported() {
		errs["platform"] = fmt.Sprintf("unsupported platform %q", att.Platform)
	}
	if _, err := NormalizeMeasurement(att.Measurement); err != nil {
		errs["measurement"] = "measurement must be a non-empty hex digest"
	}
	if _, err := ParseTimestamp(att.Timestamp); err != nil {
		errs["timestamp"] = err.Error()
	}
	return errs
}

func (v *Verifier) verify(att models.Attestation, opts Options) Result {
	var res Result
	fail := func(stage, msg string) {
		if res.Stage == "" {
			res.Stage = stage
		}
		res.Errors = append(res.Errors, msg)
	}

	if errs := structureErrors(att); len(errs) > 0 {
		for _, field := range []string{"platform", "measurement", "timestamp"} {
			if msg, ok := errs[field]; ok {
				fail(stageStructure, msg)
			}
		}
		return res
	}
	measurement, _ := NormalizeMeasurement(att.Measurement)
	issuedAt, _ := ParseTimestamp(att.Timestamp)
	res.Platform = att.Platform
	res.Measurement = measurement

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = v.Defaults.MaxAge
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	age := v.now().Sub(issuedAt)
	switch {
	case age < 0:
		fail(stageFreshness, fmt.Sprintf("attestation timestamp is %s in the future", (-age).Round(time.Millisecond)))
	case age > maxAge:
		fail(stageFreshness, fmt.Sprintf("attestation is too old: %s exceeds %s", age.Round(time.Millisecond), maxAge))
	}

	require := v.registry.Len() > 0
	if v.Defaults.RequireMeasurement != nil {
		require = *v.Defaults.RequireMeasurement
	}
	if opts.RequireMeasurement != nil {
		require = *opts.RequireMeasurement
	}
	entry, registered := v.registry.Lookup(measurement)
	switch {
	case require && !registered:
		fail(stageTrust, fmt.Sprintf("measurement %s is not trusted", shortHex(measurement)))
	case require && entry.Platform != att.Platform:
		fail(stageTrust, fmt.Sprintf("measurement registered for %s, not %s", entry.Platform, att.Platform))
	case registered:
		res.Label = entry.Label
	}

	if strings.TrimSpace(att.BucketAddress) != "" && strings.TrimSpace(att.Signature) != "" {
		if err := verifySignature(att); err != nil {
			fail(stageSignature, err.Error())
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

type signedAttestation struct {
	Platform    models.Platform `json:"platform"`
	Measurement string          `json:"measurement"`
	Timestamp   string          `json:"timestamp"`
}

// SigningPayload is the canonical byte string an attestation signature covers.
func SigningPayload(att models.Attestation) ([]byte, error) {
	return crypto.CanonicalJSON(signedAttestation{
		Platform:    att.Platform,
		Measurement: att.Measurement,
		Timestamp:   att.Timestamp,
	})
}

func verifySignature(att models.Attestation) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(att.Signature), "0x"))
	if err != nil {
		return errors.New("signature is not hex")
	}
	payload, err := SigningPayload(att)
	if err != nil {
		return err
	}
	if _, err := keyring.VerifyAddressSignature(att.BucketAddress, payload, sig); err != nil {
		return errors.New("signature does not verify against bucketAddress")
	}
	return nil
}

// ParseTimestamp accepts RFC3339 or epoch milliseconds.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, errors.New("timestamp must be positive")
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not RFC3339 or epoch milliseconds", raw)
	}
	return t.UTC(), nil
}

func (v *Verifier) finish(res Result) Result {
	if res.Valid {
		v.logger.Info("attestation accepted", "component", "attestation", "operation", "verify", "platform", string(res.Platform), "label", res.Label)
	} else {
		v.logger.Warn("attestation rejected", "component", "attestation", "operation", "verify", "platform", string(res.Platform), "stage", res.Stage, "errors", strings.Join(res.Errors, "; "))
	}
	if v.Observe != nil {
		v.Observe(res)
	}
	return res
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now()
	}
	return v.Now()
}

func shortHex(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16] + "…"
}
