package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"proofi/trust-engine/internal/attestation"
	"proofi/trust-engine/internal/config"
	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/internal/keyring"
	"proofi/trust-engine/pkg/models"

	"gopkg.in/yaml.v3"
)

func main() {
	var (
		outDir       = flag.String("out-dir", "", "output directory")
		platform     = flag.String("platform", "sgx", "TEE platform: sgx | sev | tdx | nitro")
		measurements = flag.String("measurements", "", "comma-separated hex measurements (default: one derived from -label)")
		label        = flag.String("label", "local-agent", "label for the trusted measurements")
		curveName    = flag.String("agent-curve", "secp256k1", "curve of the demo agent key signing the sample attestation")
		maxAge       = flag.Duration("max-age", attestation.DefaultMaxAge, "attestation max age written to the config")
		mnemonic     = flag.String("mnemonic", "", "agent mnemonic (default: freshly generated)")
	)
	flag.Parse()

	if strings.TrimSpace(*outDir) == "" {
		fail("out-dir is required")
	}
	p := models.Platform(strings.ToLower(strings.TrimSpace(*platform)))
	if !p.Supported() {
		failf("unsupported platform %q", *platform)
	}
	curve, ok := models.ParseCurve(*curveName)
	if !ok {
		failf("unsupported curve %q", *curveName)
	}
	if *maxAge <= 0 {
		fail("max-age must be > 0")
	}

	hexes := splitCSV(*measurements)
	if len(hexes) == 0 {
		hexes = []string{crypto.SHA256Hex([]byte(*label))}
	}
	bundle := attestation.Bundle{Version: 1}
	for _, h := range hexes {
		m, err := attestation.NormalizeMeasurement(h)
		if err != nil {
			failf("measurement %q: %v", h, err)
		}
		bundle.Measurements = append(bundle.Measurements, models.TrustedMeasurement{
			Measurement: m,
			Platform:    p,
			Label:       strings.TrimSpace(*label),
		})
	}

	ring := keyring.NewManager()
	if err := ring.Initialize(); err != nil {
		failf("initialize keyring: %v", err)
	}
	words := strings.TrimSpace(*mnemonic)
	if words == "" {
		generated, err := ring.GenerateSeed()
		if err != nil {
			failf("generate seed: %v", err)
		}
		words = generated
	} else if err := ring.SetSeed(words); err != nil {
		failf("set seed: %v", err)
	}
	agentKey, err := ring.Derive(curve, "//agent", "local agent", []string{"attestation"})
	if err != nil {
		failf("derive agent key: %v", err)
	}
	signer, err := ring.Signer(agentKey.ID)
	if err != nil {
		failf("agent signer: %v", err)
	}

	att := models.Attestation{
		Platform:      p,
		Measurement:   bundle.Measurements[0].Measurement,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		BucketAddress: agentKey.Address,
	}
	payload, err := attestation.SigningPayload(att)
	if err != nil {
		failf("build attestation payload: %v", err)
	}
	sig, err := signer.SignMessage(payload)
	if err != nil {
		failf("sign attestation: %v", err)
	}
	att.Signature = hex.EncodeToString(sig)

	// Check the outputs against each other before writing anything.
	registry := attestation.NewRegistry()
	bundleRaw, err := yaml.Marshal(bundle)
	if err != nil {
		failf("marshal bundle: %v", err)
	}
	if _, err := registry.LoadBundle(bundleRaw); err != nil {
		failf("generated bundle does not load: %v", err)
	}
	if res := attestation.NewVerifier(registry, nil).Verify(att, attestation.Options{MaxAge: *maxAge}); !res.Valid {
		failf("generated attestation does not verify: %s", strings.Join(res.Errors, "; "))
	}

	requireMeasurement := true
	cfg := config.FileConfig{
		Attestation: config.FileAttestationConfig{
			MaxAge:              *maxAge,
			RequireMeasurement:  &requireMeasurement,
			TrustedMeasurements: bundle.Measurements,
		},
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		failf("create out dir: %v", err)
	}
	bundlePath := filepath.Join(*outDir, "trust_bundle.yaml")
	configPath := filepath.Join(*outDir, "trust.yaml")
	attPath := filepath.Join(*outDir, "attestation.json")
	mnemonicPath := filepath.Join(*outDir, "agent.mnemonic")

	writeFile(bundlePath, bundleRaw, 0o644)
	writeYAML(configPath, cfg)
	writeJSON(attPath, att)
	writeText(mnemonicPath, words)

	writeStdoutln("Generated local trust bundle:")
	writeStdoutf("  %s\n", bundlePath)
	writeStdoutf("  %s\n", configPath)
	writeStdoutf("  %s (signed by %s)\n", attPath, agentKey.Address)
	writeStdoutf("  %s\n", mnemonicPath)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func writeYAML(path string, value any) {
	raw, err := yaml.Marshal(value)
	if err != nil {
		failf("marshal yaml %s: %v", path, err)
	}
	writeFile(path, raw, 0o644)
}

func writeJSON(path string, value any) {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		failf("marshal json %s: %v", path, err)
	}
	writeFile(path, raw, 0o644)
}

func writeText(path, value string) {
	writeFile(path, []byte(value+"\n"), 0o600)
}

func writeFile(path string, raw []byte, mode os.FileMode) {
	if err := os.WriteFile(path, raw, mode); err != nil {
		failf("write file %s: %v", path, err)
	}
}

func fail(msg string) {
	if _, err := fmt.Fprintln(os.Stderr, msg); err != nil {
		os.Exit(1)
	}
	os.Exit(1)
}

func failf(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format+"\n", args...); err != nil {
		os.Exit(1)
	}
	os.Exit(1)
}

func writeStdoutln(line string) {
	if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
		os.Exit(1)
	}
}

func writeStdoutf(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stdout, format, args...); err != nil {
		os.Exit(1)
	}
}
