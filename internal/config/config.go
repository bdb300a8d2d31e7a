package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"proofi/trust-engine/internal/capability"
	"proofi/trust-engine/pkg/models"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "configs/trust.yaml"

type Config struct {
	SS58Prefix           uint16
	AttestationMaxAge    time.Duration
	RequireMeasurement   *bool
	TrustedMeasurements  []models.TrustedMeasurement
	TokenRetention       time.Duration
	DefaultTokenDuration string
	LogLevel             string
}

func DefaultConfig() Config {
	return Config{
		SS58Prefix:           54,
		AttestationMaxAge:    5 * time.Minute,
		TokenRetention:       90 * 24 * time.Hour,
		DefaultTokenDuration: "24h",
		LogLevel:             "info",
	}
}

type FileConfig struct {
	Keyring     FileKeyringConfig     `yaml:"keyring"`
	Attestation FileAttestationConfig `yaml:"attestation"`
	Capability  FileCapabilityConfig  `yaml:"capability"`
	Log         FileLogConfig         `yaml:"log"`
}

type FileKeyringConfig struct {
	SS58Prefix *uint16 `yaml:"ss58Prefix"`
}

type FileAttestationConfig struct {
	MaxAge              time.Duration               `yaml:"maxAge"`
	RequireMeasurement  *bool                       `yaml:"requireMeasurement"`
	TrustedMeasurements []models.TrustedMeasurement `yaml:"trustedMeasurements"`
}

type FileCapabilityConfig struct {
	Retention       time.Duration `yaml:"retention"`
	DefaultDuration string        `yaml:"defaultDuration"`
}

type FileLogConfig struct {
	Level string `yaml:"level"`
}

// LoadFromPath reads configPath, or DefaultPath when empty, merges it onto
// the defaults and applies PROOFI_* overrides. A missing default file is not
// an error; a missing explicit file is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := DefaultConfig()
	path := strings.TrimSpace(configPath)
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		parsed, err := Parse(data)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
	case explicit || !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func Parse(data []byte) (FileConfig, error) {
	var parsed FileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return FileConfig{}, err
	}
	return parsed, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.Keyring.SS58Prefix != nil {
		dst.SS58Prefix = *src.Keyring.SS58Prefix
	}
	if src.Attestation.MaxAge != 0 {
		dst.AttestationMaxAge = src.Attestation.MaxAge
	}
	if src.Attestation.RequireMeasurement != nil {
		v := *src.Attestation.RequireMeasurement
		dst.RequireMeasurement = &v
	}
	if src.Attestation.TrustedMeasurements != nil {
		dst.TrustedMeasurements = append([]models.TrustedMeasurement(nil), src.Attestation.TrustedMeasurements...)
	}
	if src.Capability.Retention != 0 {
		dst.TokenRetention = src.Capability.Retention
	}
	if src.Capability.DefaultDuration != "" {
		dst.DefaultTokenDuration = src.Capability.DefaultDuration
	}
	if src.Log.Level != "" {
		dst.LogLevel = src.Log.Level
	}
}

func ApplyEnvOverrides(cfg *Config) error {
	if raw := env("PROOFI_SS58_PREFIX"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return fmt.Errorf("PROOFI_SS58_PREFIX: %w", err)
		}
		cfg.SS58Prefix = uint16(v)
	}
	if raw := env("PROOFI_ATTESTATION_MAX_AGE"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("PROOFI_ATTESTATION_MAX_AGE: %w", err)
		}
		cfg.AttestationMaxAge = d
	}
	if raw := env("PROOFI_ATTESTATION_REQUIRE_MEASUREMENT"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("PROOFI_ATTESTATION_REQUIRE_MEASUREMENT: %w", err)
		}
		cfg.RequireMeasurement = &v
	}
	if raw := env("PROOFI_TOKEN_RETENTION"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("PROOFI_TOKEN_RETENTION: %w", err)
		}
		cfg.TokenRetention = d
	}
	if raw := env("PROOFI_TOKEN_DEFAULT_DURATION"); raw != "" {
		cfg.DefaultTokenDuration = raw
	}
	if raw := env("PROOFI_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	return nil
}

func (c Config) Validate() error {
	if c.SS58Prefix >= 16384 {
		return fmt.Errorf("ss58 prefix %d out of range", c.SS58Prefix)
	}
	if c.AttestationMaxAge <= 0 {
		return errors.New("attestation max age must be positive")
	}
	if c.TokenRetention <= 0 {
		return errors.New("token retention must be positive")
	}
	if strings.TrimSpace(c.DefaultTokenDuration) == "" {
		return errors.New("default token duration is required")
	}
	if _, ok := capability.DurationPresets[c.DefaultTokenDuration]; !ok {
		return fmt.Errorf("default token duration %q is not one of %s", c.DefaultTokenDuration, strings.Join(capability.PresetNames(), ", "))
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	for i, m := range c.TrustedMeasurements {
		if !m.Platform.Supported() {
			return fmt.Errorf("trusted measurement %d: unsupported platform %q", i, m.Platform)
		}
		if strings.TrimSpace(m.Measurement) == "" {
			return fmt.Errorf("trusted measurement %d: measurement is required", i)
		}
	}
	return nil
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
