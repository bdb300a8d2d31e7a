package attestation

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"

	"gopkg.in/yaml.v3"
)

// Registry maps trusted measurements to the platform they were registered for.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]models.TrustedMeasurement
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]models.TrustedMeasurement{}}
}

func (r *Registry) Register(platform models.Platform, measurement, label string) error {
	if !platform.Supported() {
		return fmt.Errorf("%w: platform %q", trusterr.ErrUnsupportedAlgorithm, platform)
	}
	normalized, err := NormalizeMeasurement(measurement)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalized] = models.TrustedMeasurement{
		Measurement: normalized,
		Platform:    platform,
		Label:       strings.TrimSpace(label),
	}
	return nil
}

func (r *Registry) Lookup(measurement string) (models.TrustedMeasurement, bool) {
	normalized, err := NormalizeMeasurement(measurement)
	if err != nil {
		return models.TrustedMeasurement{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[normalized]
	return entry, ok
}

func (r *Registry) Remove(measurement string) error {
	normalized, err := NormalizeMeasurement(measurement)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[normalized]; !ok {
		return fmt.Errorf("%w: measurement %s", trusterr.ErrNotFound, normalized)
	}
	delete(r.entries, normalized)
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) Measurements() []models.TrustedMeasurement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.TrustedMeasurement, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Measurement < out[j].Measurement })
	return out
}

// Bundle is the distributable form of a set of trusted measurements.
type Bundle struct {
	Version      int                         `json:"version" yaml:"version"`
	Measurements []models.TrustedMeasurement `json:"measurements" yaml:"measurements"`
}

// LoadBundle registers every entry of a YAML or JSON bundle. Nothing is
// registered when any entry is invalid.
func (r *Registry) LoadBundle(data []byte) (int, error) {
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return 0, fmt.Errorf("%w: trust bundle: %v", trusterr.ErrInvalidInput, err)
	}
	if bundle.Version != 1 {
		return 0, fmt.Errorf("%w: trust bundle version %d", trusterr.ErrInvalidInput, bundle.Version)
	}
	for i, m := range bundle.Measurements {
		if !m.Platform.Supported() {
			return 0, fmt.Errorf("%w: bundle entry %d platform %q", trusterr.ErrUnsupportedAlgorithm, i, m.Platform)
		}
		if _, err := NormalizeMeasurement(m.Measurement); err != nil {
			return 0, fmt.Errorf("bundle entry %d: %w", i, err)
		}
	}
	for _, m := range bundle.Measurements {
		if err := r.Register(m.Platform, m.Measurement, m.Label); err != nil {
			return 0, err
		}
	}
	return len(bundle.Measurements), nil
}

// NormalizeMeasurement lowercases a hex digest and drops an optional 0x.
func NormalizeMeasurement(measurement string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(measurement))
	m = strings.TrimPrefix(m, "0x")
	if m == "" {
		return "", fmt.Errorf("%w: measurement is empty", trusterr.ErrInvalidInput)
	}
	if _, err := hex.DecodeString(m); err != nil {
		return "", fmt.Errorf("%w: measurement is not hex", trusterr.ErrInvalidInput)
	}
	return m, nil
}
