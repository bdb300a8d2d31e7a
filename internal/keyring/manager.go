// Package keyring owns the session's signing keys. Keys are derived from a
// bip39 seed or imported raw, kept in memory only, and handed out as Signers.
package keyring

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"

	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = fmt.Errorf("%w: invalid mnemonic", trusterr.ErrInvalidInput)

var selfTestMessage = []byte("proofi:keyring:self-test")

type entry struct {
	material models.KeyMaterial
	secret   []byte
	signer   Signer
}

type Manager struct {
	mu         sync.RWMutex
	ready      bool
	mnemonic   string
	seed       []byte
	counters   map[models.Curve]int
	pairs      map[string]*entry
	ss58Prefix uint16
	logger     *slog.Logger
}

type Option func(*Manager)

func WithSS58Prefix(prefix uint16) Option {
	return func(m *Manager) { m.ss58Prefix = prefix }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		counters:   make(map[models.Curve]int),
		pairs:      make(map[string]*entry),
		ss58Prefix: DefaultSS58Prefix,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize runs one sign/verify round per curve. It is idempotent; every
// other method fails with ErrNotInitialized until it has succeeded.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}
	for _, curve := range []models.Curve{models.CurveEd25519, models.CurveSr25519, models.CurveSecp256k1} {
		if err := m.selfTest(curve); err != nil {
			m.logger.Error("keyring self-test failed", "component", "keyring", "operation", "initialize", "curve", string(curve), "error", err.Error())
			return fmt.Errorf("%w: %s self-test: %v", trusterr.ErrNotInitialized, curve, err)
		}
	}
	m.ready = true
	m.logger.Info("keyring initialized", "component", "keyring", "operation", "initialize")
	return nil
}

func (m *Manager) selfTest(curve models.Curve) error {
	secret, err := crypto.RandomBytes(derivedSecretLen)
	if err != nil {
		return err
	}
	defer crypto.Zero(secret)
	if curve == models.CurveSecp256k1 {
		for !validScalar(secret) {
			if secret, err = crypto.RandomBytes(derivedSecretLen); err != nil {
				return err
			}
		}
	}
	signer, err := signerFromSecret(curve, secret, m.ss58Prefix)
	if err != nil {
		return err
	}
	sig, err := signer.SignMessage(selfTestMessage)
	if err != nil {
		return err
	}
	if err := VerifyCurveSignature(curve, signer.Address(), selfTestMessage, sig); err != nil {
		return err
	}
	return nil
}

func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

func (m *Manager) SS58Prefix() uint16 {
	return m.ss58Prefix
}

// SetSeed activates mnemonic and resets the per-curve derivation counters.
// Existing pairs stay in the keyring.
func (m *Manager) SetSeed(mnemonic string) error {
	normalized := normalizeMnemonic(mnemonic)
	if normalized == "" || !bip39.IsMnemonicValid(normalized) {
		return ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(normalized, "")

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		crypto.Zero(seed)
		return trusterr.ErrNotInitialized
	}
	crypto.Zero(m.seed)
	m.mnemonic = normalized
	m.seed = seed
	m.counters = make(map[models.Curve]int)
	m.logger.Info("keyring seed set", "component", "keyring", "operation", "set_seed")
	return nil
}

// GenerateSeed creates a fresh 24-word mnemonic, activates it and returns it.
func (m *Manager) GenerateSeed() (string, error) {
	if !m.Ready() {
		return "", trusterr.ErrNotInitialized
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	if err := m.SetSeed(mnemonic); err != nil {
		return "", err
	}
	return mnemonic, nil
}

func (m *Manager) HasSeed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seed) > 0
}

// Derive deterministically derives a key for curve from the active seed. An
// empty path takes the next "//<n>" index for that curve.
func (m *Manager) Derive(curve models.Curve, path, label string, purposes []string) (models.KeyMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return models.KeyMaterial{}, trusterr.ErrNotInitialized
	}
	if !curve.Valid() {
		return models.KeyMaterial{}, fmt.Errorf("%w: curve %q", trusterr.ErrUnsupportedAlgorithm, curve)
	}
	if len(m.seed) == 0 {
		return models.KeyMaterial{}, trusterr.ErrNoSeedSet
	}
	path = normalizePath(path)
	if path == "" {
		path = defaultPath(m.counters[curve])
		m.counters[curve]++
	}
	secret, err := deriveSecret(m.seed, curve, path)
	if err != nil {
		return models.KeyMaterial{}, err
	}
	material, err := m.storeLocked(curve, secret, path, label, purposes)
	if err != nil {
		return models.KeyMaterial{}, err
	}
	m.logger.Info("keyring key derived", "component", "keyring", "operation", "derive", "curve", string(curve), "key_id", material.ID)
	return material, nil
}

// Import adds a raw secret. ed25519 accepts a 32-byte seed or the 64-byte
// seed||public form; sr25519 takes a 32-byte mini secret and secp256k1 a
// 32-byte scalar.
func (m *Manager) Import(curve models.Curve, secret []byte, label string, purposes []string) (models.KeyMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return models.KeyMaterial{}, trusterr.ErrNotInitialized
	}
	if !curve.Valid() {
		return models.KeyMaterial{}, fmt.Errorf("%w: curve %q", trusterr.ErrUnsupportedAlgorithm, curve)
	}
	normalized, err := normalizeImportSecret(curve, secret)
	if err != nil {
		return models.KeyMaterial{}, err
	}
	material, err := m.storeLocked(curve, normalized, "", label, purposes)
	if err != nil {
		return models.KeyMaterial{}, err
	}
	m.logger.Info("keyring key imported", "component", "keyring", "operation", "import", "curve", string(curve), "key_id", material.ID)
	return material, nil
}

func normalizeImportSecret(curve models.Curve, secret []byte) ([]byte, error) {
	if curve != models.CurveEd25519 {
		if len(secret) != derivedSecretLen {
			return nil, fmt.Errorf("%w: %s secret must be %d bytes, got %d", trusterr.ErrInvalidInput, curve, derivedSecretLen, len(secret))
		}
		return append([]byte(nil), secret...), nil
	}
	switch len(secret) {
	case ed25519.SeedSize:
		return append([]byte(nil), secret...), nil
	case ed25519.PrivateKeySize:
		full := ed25519.PrivateKey(secret)
		expanded := ed25519.NewKeyFromSeed(full.Seed())
		if !crypto.ConstantTimeEqual(expanded[ed25519.SeedSize:], secret[ed25519.SeedSize:]) {
			return nil, fmt.Errorf("%w: ed25519 public half does not match seed", trusterr.ErrInvalidInput)
		}
		return append([]byte(nil), full.Seed()...), nil
	default:
		return nil, fmt.Errorf("%w: ed25519 secret must be %d or %d bytes, got %d", trusterr.ErrInvalidInput, ed25519.SeedSize, ed25519.PrivateKeySize, len(secret))
	}
}

func (m *Manager) storeLocked(curve models.Curve, secret []byte, path, label string, purposes []string) (models.KeyMaterial, error) {
	signer, err := signerFromSecret(curve, secret, m.ss58Prefix)
	if err != nil {
		return models.KeyMaterial{}, err
	}
	pub := signer.PublicKey()
	material := models.KeyMaterial{
		ID:        keyID(curve, pub),
		Curve:     curve,
		Address:   signer.Address(),
		PublicKey: pub,
		Path:      path,
		Label:     strings.TrimSpace(label),
		Purposes:  normalizePurposes(purposes),
	}
	if prev, ok := m.pairs[material.ID]; ok {
		crypto.Zero(prev.secret)
	}
	m.pairs[material.ID] = &entry{material: material, secret: secret, signer: signer}
	return cloneMaterial(material), nil
}

func keyID(curve models.Curve, pub []byte) string {
	sum := sha256.Sum256(pub)
	return "key_" + string(curve) + "_" + hex.EncodeToString(sum[:8])
}

func (m *Manager) Pair(id string) (models.KeyMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return models.KeyMaterial{}, trusterr.ErrNotInitialized
	}
	e, ok := m.pairs[strings.TrimSpace(id)]
	if !ok {
		return models.KeyMaterial{}, fmt.Errorf("%w: key %q", trusterr.ErrNotFound, id)
	}
	return cloneMaterial(e.material), nil
}

// PairByAddress finds the key whose address matches, case-insensitively for
// Ethereum-style addresses.
func (m *Manager) PairByAddress(address string) (models.KeyMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return models.KeyMaterial{}, trusterr.ErrNotInitialized
	}
	address = strings.TrimSpace(address)
	for _, e := range m.pairs {
		if e.material.Address == address || (e.material.Curve == models.CurveSecp256k1 && strings.EqualFold(e.material.Address, address)) {
			return cloneMaterial(e.material), nil
		}
	}
	return models.KeyMaterial{}, fmt.Errorf("%w: address %q", trusterr.ErrNotFound, address)
}

func (m *Manager) Pairs() ([]models.KeyMaterial, error) {
	return m.filter(func(models.KeyMaterial) bool { return true })
}

func (m *Manager) PairsByCurve(curve models.Curve) ([]models.KeyMaterial, error) {
	if !curve.Valid() {
		return nil, fmt.Errorf("%w: curve %q", trusterr.ErrUnsupportedAlgorithm, curve)
	}
	return m.filter(func(k models.KeyMaterial) bool { return k.Curve == curve })
}

func (m *Manager) PairsByPurpose(purpose string) ([]models.KeyMaterial, error) {
	return m.filter(func(k models.KeyMaterial) bool { return k.HasPurpose(purpose) })
}

func (m *Manager) filter(keep func(models.KeyMaterial) bool) ([]models.KeyMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return nil, trusterr.ErrNotInitialized
	}
	out := make([]models.KeyMaterial, 0, len(m.pairs))
	for _, e := range m.pairs {
		if keep(e.material) {
			out = append(out, cloneMaterial(e.material))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Manager) Signer(id string) (Signer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return nil, trusterr.ErrNotInitialized
	}
	e, ok := m.pairs[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: key %q", trusterr.ErrNotFound, id)
	}
	return e.signer, nil
}

func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return trusterr.ErrNotInitialized
	}
	id = strings.TrimSpace(id)
	e, ok := m.pairs[id]
	if !ok {
		return fmt.Errorf("%w: key %q", trusterr.ErrNotFound, id)
	}
	crypto.Zero(e.secret)
	delete(m.pairs, id)
	m.logger.Info("keyring key removed", "component", "keyring", "operation", "remove", "key_id", id)
	return nil
}

// Clear drops every pair. The active seed is kept.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return trusterr.ErrNotInitialized
	}
	for id, e := range m.pairs {
		crypto.Zero(e.secret)
		delete(m.pairs, id)
	}
	m.logger.Info("keyring cleared", "component", "keyring", "operation", "clear")
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pairs)
}

func cloneMaterial(k models.KeyMaterial) models.KeyMaterial {
	k.PublicKey = append([]byte(nil), k.PublicKey...)
	if k.Purposes != nil {
		k.Purposes = append([]string(nil), k.Purposes...)
	}
	return k
}

func normalizePurposes(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}
