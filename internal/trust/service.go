// Package trust wires one keyring, credential builder and verifier,
// attestation verifier and capability engine into a per-session service.
package trust

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"proofi/trust-engine/internal/attestation"
	"proofi/trust-engine/internal/capability"
	"proofi/trust-engine/internal/config"
	"proofi/trust-engine/internal/credential"
	"proofi/trust-engine/internal/keyring"
	"proofi/trust-engine/internal/metrics"
	"proofi/trust-engine/internal/platform/privacylog"
	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
)

// PurposeCapabilityIssuer tags keys allowed to sign capability tokens.
const PurposeCapabilityIssuer = "capability-issuer"

var ErrIssuerAlreadySet = fmt.Errorf("%w: capability issuer already selected", trusterr.ErrInvalidInput)

type Service struct {
	cfg     config.Config
	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics.Collectors

	keyring      *keyring.Manager
	builder      *credential.Builder
	credentials  *credential.Verifier
	attestations *attestation.Verifier

	store capability.Store
	audit func(capability.AuditEvent)

	mu          sync.RWMutex
	issuerKeyID string
	engine      *capability.Engine
}

type Option func(*Service) error

// WithLogger replaces the default JSON stderr logger. The handler is always
// wrapped by privacylog.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithRegisterer registers the trust metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) error {
		m, err := metrics.New(reg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		s.metrics = m
		return nil
	}
}

// WithTokenStore hands the capability engine a host-owned store.
func WithTokenStore(store capability.Store) Option {
	return func(s *Service) error {
		s.store = store
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

func WithAuditSink(sink func(capability.AuditEvent)) Option {
	return func(s *Service) error {
		s.audit = sink
		return nil
	}
}

func New(cfg config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		level, err := cfg.SlogLevel()
		if err != nil {
			return nil, err
		}
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	s.logger = slog.New(privacylog.WrapHandler(s.logger.Handler()))
	if s.metrics == nil {
		m, err := metrics.New(nil)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}

	s.keyring = keyring.NewManager(keyring.WithSS58Prefix(cfg.SS58Prefix), keyring.WithLogger(s.logger))

	s.builder = credential.NewBuilder(s.logger)
	s.builder.Now = s.now
	s.credentials = credential.NewVerifier(s.logger)
	s.credentials.Now = s.now
	s.credentials.Observe = func(res credential.Result) {
		s.metrics.CredentialVerified(res.Reason())
	}

	registry := attestation.NewRegistry()
	for _, tm := range cfg.TrustedMeasurements {
		if err := registry.Register(tm.Platform, tm.Measurement, tm.Label); err != nil {
			return nil, fmt.Errorf("trusted measurement %q: %w", tm.Label, err)
		}
	}
	s.attestations = attestation.NewVerifier(registry, s.logger)
	s.attestations.Now = s.now
	s.attestations.Defaults = attestation.Options{
		MaxAge:             cfg.AttestationMaxAge,
		RequireMeasurement: cfg.RequireMeasurement,
	}
	s.attestations.Observe = func(res attestation.Result) {
		if res.Valid {
			s.metrics.AttestationVerified("valid")
			return
		}
		s.metrics.AttestationVerified(res.Stage)
	}
	return s, nil
}

// Initialize runs the keyring self-test. Safe to call more than once.
func (s *Service) Initialize() error {
	return s.keyring.Initialize()
}

func (s *Service) Ready() bool {
	return s.keyring.Ready()
}

func (s *Service) Config() config.Config {
	return s.cfg
}

func (s *Service) Logger() *slog.Logger {
	return s.logger
}

func (s *Service) Keyring() *keyring.Manager {
	return s.keyring
}

func (s *Service) CredentialBuilder() *credential.Builder {
	return s.builder
}

func (s *Service) CredentialVerifier() *credential.Verifier {
	return s.credentials
}

func (s *Service) AttestationVerifier() *attestation.Verifier {
	return s.attestations
}

// UseIssuer binds the capability engine to the keyring entry keyID. The
// engine is created once; calling again with the same key returns it, with a
// different key it fails with ErrIssuerAlreadySet.
func (s *Service) UseIssuer(keyID string) (*capability.Engine, error) {
	signer, err := s.keyring.Signer(keyID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		if s.issuerKeyID == keyID {
			return s.engine, nil
		}
		return nil, ErrIssuerAlreadySet
	}
	opts := []capability.Option{
		capability.WithClock(s.now),
		capability.WithRetention(s.cfg.TokenRetention),
		capability.WithDefaultDuration(s.cfg.DefaultTokenDuration),
		capability.WithLogger(s.logger),
		capability.WithObserver(s.metrics),
		capability.WithAuditSink(s.audit),
	}
	if s.store != nil {
		opts = append(opts, capability.WithStore(s.store))
	}
	engine, err := capability.NewEngine(signer, opts...)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	s.issuerKeyID = keyID
	s.logger.Info("capability issuer selected", "component", "trust", "operation", "use_issuer", "key_id", keyID, "issuer", signer.Address())
	return engine, nil
}

// DeriveIssuer derives a fresh key on curve tagged PurposeCapabilityIssuer
// and binds the engine to it.
func (s *Service) DeriveIssuer(curve models.Curve, label string) (models.KeyMaterial, *capability.Engine, error) {
	material, err := s.keyring.Derive(curve, "", label, []string{PurposeCapabilityIssuer})
	if err != nil {
		return models.KeyMaterial{}, nil, err
	}
	engine, err := s.UseIssuer(material.ID)
	if err != nil {
		if rmErr := s.keyring.Remove(material.ID); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return models.KeyMaterial{}, nil, err
	}
	return material, engine, nil
}

// Capabilities returns the engine bound by UseIssuer.
func (s *Service) Capabilities() (*capability.Engine, error) {
	if !s.keyring.Ready() {
		return nil, trusterr.ErrNotInitialized
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.engine == nil {
		return nil, fmt.Errorf("%w: no capability issuer selected", trusterr.ErrNotInitialized)
	}
	return s.engine, nil
}

// GrantToAgent issues a token to an agent only after its attestation passes
// with the configured defaults. A rejected attestation returns the verifier
// result, carrying every accumulated error, and no token.
func (s *Service) GrantToAgent(req capability.CreateRequest, att models.Attestation) (models.CapabilityToken, attestation.Result, error) {
	engine, err := s.Capabilities()
	if err != nil {
		return models.CapabilityToken{}, attestation.Result{}, err
	}
	res := s.attestations.Verify(att, attestation.Options{})
	if !res.Valid {
		s.emit(capability.AuditEvent{
			EventType: capability.EventAgentGrant,
			Grantee:   hex.EncodeToString(req.GranteePublicKey),
			Result:    "rejected",
			Reason:    capability.ReasonAttestationRejected,
			At:        s.now(),
		})
		s.logger.Warn("agent grant denied", "component", "trust", "operation", "grant_to_agent", "stage", res.Stage, "errors", len(res.Errors))
		return models.CapabilityToken{}, res, res.Err()
	}
	token, err := engine.CreateToken(req)
	if err != nil {
		return models.CapabilityToken{}, res, err
	}
	s.emit(capability.AuditEvent{
		EventType: capability.EventAgentGrant,
		TokenID:   token.TokenID,
		Grantee:   hex.EncodeToString(token.Grantee),
		Result:    "accepted",
		At:        s.now(),
	})
	return token, res, nil
}

func (s *Service) emit(ev capability.AuditEvent) {
	if s.audit != nil {
		s.audit(ev)
	}
}
