package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"proofi/trust-engine/pkg/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trust.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadFromPathMergesFile(t *testing.T) {
	path := writeConfig(t, `
keyring:
  ss58Prefix: 42
attestation:
  maxAge: 2m
  requireMeasurement: true
  trustedMeasurements:
    - measurement: abcd
      platform: sgx
      label: agent
capability:
  retention: 720h
  defaultDuration: 7d
log:
  level: debug
`)
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SS58Prefix != 42 {
		t.Fatalf("expected ss58Prefix=42, got %d", cfg.SS58Prefix)
	}
	if cfg.AttestationMaxAge != 2*time.Minute {
		t.Fatalf("expected maxAge=2m, got %s", cfg.AttestationMaxAge)
	}
	if cfg.RequireMeasurement == nil || !*cfg.RequireMeasurement {
		t.Fatal("expected requireMeasurement=true")
	}
	if len(cfg.TrustedMeasurements) != 1 || cfg.TrustedMeasurements[0].Platform != models.PlatformSGX {
		t.Fatalf("unexpected trusted measurements %+v", cfg.TrustedMeasurements)
	}
	if cfg.TokenRetention != 720*time.Hour || cfg.DefaultTokenDuration != "7d" {
		t.Fatalf("unexpected capability config %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.LogLevel)
	}
}

func TestMergeKeepsDefaultsWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	Merge(&cfg, FileConfig{Log: FileLogConfig{Level: "warn"}})
	def := DefaultConfig()
	if cfg.SS58Prefix != def.SS58Prefix || cfg.AttestationMaxAge != def.AttestationMaxAge || cfg.RequireMeasurement != nil {
		t.Fatalf("unset fields must keep defaults, got %+v", cfg)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected warn, got %q", cfg.LogLevel)
	}
}

func TestExplicitSS58PrefixZeroIsHonoured(t *testing.T) {
	path := writeConfig(t, "keyring:\n  ss58Prefix: 0\n")
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SS58Prefix != 0 {
		t.Fatalf("expected prefix 0, got %d", cfg.SS58Prefix)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	path := writeConfig(t, "attestation:\n  maxAge: 2m\n")
	t.Setenv("PROOFI_ATTESTATION_MAX_AGE", "90s")
	t.Setenv("PROOFI_ATTESTATION_REQUIRE_MEASUREMENT", "false")
	t.Setenv("PROOFI_SS58_PREFIX", "2")
	t.Setenv("PROOFI_TOKEN_DEFAULT_DURATION", "1h")
	t.Setenv("PROOFI_LOG_LEVEL", "error")
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AttestationMaxAge != 90*time.Second || cfg.SS58Prefix != 2 || cfg.DefaultTokenDuration != "1h" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.RequireMeasurement == nil || *cfg.RequireMeasurement {
		t.Fatal("expected requireMeasurement=false from env")
	}
	if level, _ := cfg.SlogLevel(); level.String() != "ERROR" {
		t.Fatalf("expected ERROR level, got %s", level)
	}
}

func TestInvalidInputs(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
	if _, err := LoadFromPath(writeConfig(t, "log: [")); err == nil {
		t.Fatal("expected parse error")
	}
	t.Setenv("PROOFI_TOKEN_RETENTION", "forever")
	if _, err := LoadFromPath(writeConfig(t, "")); err == nil || !strings.Contains(err.Error(), "PROOFI_TOKEN_RETENTION") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid log level")
	}
	cfg = DefaultConfig()
	cfg.TrustedMeasurements = []models.TrustedMeasurement{{Measurement: "ab", Platform: "arm"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unsupported platform error")
	}
	cfg = DefaultConfig()
	cfg.DefaultTokenDuration = "2d"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "2d") {
		t.Fatalf("expected unknown duration preset error, got %v", err)
	}
}
