// Package capability issues scoped, time-limited access tokens. Each scope
// carries a per-resource data key derived from the issuer's master key and
// wrapped for the grantee, so a token both authorizes and enables decryption.
package capability

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/internal/keyring"
	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"

	"github.com/google/uuid"
)

const (
	DefaultRetention      = 90 * 24 * time.Hour
	DefaultDurationPreset = "24h"
	maxTokenIDAttempts    = 8
)

// Observer receives counters for issuance, decisions and revocation.
type Observer interface {
	TokenIssued()
	TokensRevoked(n int)
	PermissionDecision(reason string)
	MasterKeyRotated()
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// MatchedScope is the granted entry that covered the request.
	MatchedScope string `json:"matchedScope,omitempty"`
	Err          error  `json:"-"`
}

type RevokeOptions struct {
	// RegenerateMasterKey replaces the master key, which changes every DEK
	// derived from now on. DEKs already wrapped into tokens stay readable.
	RegenerateMasterKey bool
	Reason              string
}

type CleanupReport struct {
	MarkedExpired int `json:"markedExpired"`
	Pruned        int `json:"pruned"`
}

type Stats struct {
	Total               int `json:"total"`
	Active              int `json:"active"`
	Revoked             int `json:"revoked"`
	Expired             int `json:"expired"`
	Revocations         int `json:"revocations"`
	MasterKeyGeneration int `json:"masterKeyGeneration"`
}

type revocation struct {
	record models.RevocationRecord
	// expiry of the revoked token in epoch ms, 0 when unknown.
	expiry int64
}

type Engine struct {
	mu sync.RWMutex
	// transitions serializes every read-modify-write of a stored token's
	// status. Lock order: transitions, then mu.
	transitions sync.Mutex

	issuer      keyring.Signer
	masterKey   []byte
	generation  int
	store       Store
	revocations map[string]revocation

	retention     time.Duration
	defaultPreset string
	now           func() time.Time
	logger        *slog.Logger
	observer      Observer
	audit         func(AuditEvent)
}

type Option func(*Engine)

func WithStore(store Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithMasterKey installs an existing master key instead of a random one.
func WithMasterKey(key []byte) Option {
	return func(e *Engine) { e.masterKey = append([]byte(nil), key...) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

func WithDefaultDuration(preset string) Option {
	return func(e *Engine) { e.defaultPreset = preset }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithAuditSink receives every audit event the engine emits.
func WithAuditSink(sink func(AuditEvent)) Option {
	return func(e *Engine) { e.audit = sink }
}

func NewEngine(issuer keyring.Signer, opts ...Option) (*Engine, error) {
	if issuer == nil {
		return nil, fmt.Errorf("%w: issuer signer is required", trusterr.ErrInvalidInput)
	}
	e := &Engine{
		issuer:        issuer,
		store:         NewInMemoryStore(),
		revocations:   map[string]revocation{},
		retention:     DefaultRetention,
		defaultPreset: DefaultDurationPreset,
		now:           time.Now,
		logger:        slog.Default(),
		generation:    1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if _, ok := DurationPresets[e.defaultPreset]; !ok {
		return nil, fmt.Errorf("%w: unknown default duration %q", trusterr.ErrInvalidInput, e.defaultPreset)
	}
	if e.masterKey == nil {
		key, err := crypto.NewMasterKey()
		if err != nil {
			return nil, err
		}
		e.masterKey = key
	}
	if len(e.masterKey) != crypto.MasterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", trusterr.ErrInvalidInput, crypto.MasterKeySize)
	}
	return e, nil
}

func (e *Engine) Issuer() string {
	return e.issuer.Address()
}

// ResourceKey derives the current DEK for a scope or resource path, for the
// issuer to encrypt resource payloads with.
func (e *Engine) ResourceKey(scope string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return crypto.DeriveDEK(e.masterKey, crypto.ResourcePath(scope))
}

func (e *Engine) CreateToken(req CreateRequest) (models.CapabilityToken, error) {
	if err := req.validate(); err != nil {
		return models.CapabilityToken{}, err
	}
	now := e.now()
	expiry, err := resolveExpiry(req, e.defaultPreset, now)
	if err != nil {
		return models.CapabilityToken{}, err
	}
	tokenID, err := e.newTokenID(now)
	if err != nil {
		return models.CapabilityToken{}, err
	}

	e.mu.RLock()
	wrapped := make(map[string]models.WrappedDEK, len(req.Scope))
	for _, scope := range req.Scope {
		dek, err := crypto.DeriveDEK(e.masterKey, crypto.ResourcePath(scope))
		if err != nil {
			e.mu.RUnlock()
			return models.CapabilityToken{}, err
		}
		w, err := crypto.WrapKey(dek, req.GranteePublicKey)
		crypto.Zero(dek)
		if err != nil {
			e.mu.RUnlock()
			return models.CapabilityToken{}, fmt.Errorf("wrap key for %q: %w", scope, err)
		}
		wrapped[scope] = w
	}
	e.mu.RUnlock()

	token := models.CapabilityToken{
		Version:     TokenVersion,
		TokenID:     tokenID,
		Issuer:      e.issuer.Address(),
		Grantee:     append([]byte(nil), req.GranteePublicKey...),
		GranteeName: req.GranteeName,
		Scope:       append([]string(nil), req.Scope...),
		Permissions: dedupePermissions(req.Permissions),
		Expiry:      expiry,
		WrappedDEKs: wrapped,
		CreatedAt:   now.UnixMilli(),
		Status:      models.TokenActive,
	}
	payload, err := SigningPayload(token)
	if err != nil {
		return models.CapabilityToken{}, err
	}
	sig, err := e.issuer.SignMessage(payload)
	if err != nil {
		return models.CapabilityToken{}, fmt.Errorf("sign token: %w", err)
	}
	token.Signature = sig
	if err := e.store.Put(token); err != nil {
		return models.CapabilityToken{}, fmt.Errorf("store token: %w", err)
	}

	e.emit(acceptedAudit(EventTokenIssued, tokenID, token.Grantee, now))
	if e.observer != nil {
		e.observer.TokenIssued()
	}
	e.logger.Info("capability token issued",
		"component", "capability",
		"operation", "create_token",
		"token_id", tokenID,
		"grantee", fmt.Sprintf("%x", token.Grantee),
		"scopes", len(token.Scope),
		"expiry", expiry,
	)
	return cloneToken(token), nil
}

// newTokenID returns cap_<unixms>_<uuid>, checked against the store.
func (e *Engine) newTokenID(now time.Time) (string, error) {
	for attempt := 0; attempt < maxTokenIDAttempts; attempt++ {
		id := "cap_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + uuid.NewString()
		_, exists, err := e.store.Get(id)
		if err != nil {
			return "", fmt.Errorf("check token id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", errors.New("could not allocate a unique token id")
}

func (e *Engine) Token(tokenID string) (models.CapabilityToken, error) {
	token, ok, err := e.store.Get(tokenID)
	if err != nil {
		return models.CapabilityToken{}, err
	}
	if !ok {
		return models.CapabilityToken{}, fmt.Errorf("%w: token %q", trusterr.ErrNotFound, tokenID)
	}
	return token, nil
}

// ExportToken returns the transport encoding of an active token.
func (e *Engine) ExportToken(tokenID string) (string, error) {
	now := e.now()
	token, ok, err := e.store.Get(tokenID)
	if err != nil {
		return "", err
	}
	if !ok {
		// A revoked token pruned by CleanupExpired still has its record.
		if e.isRevoked(tokenID) {
			e.emit(rejectedAudit(EventTokenExported, tokenID, nil, ReasonRevoked, now))
			return "", fmt.Errorf("%w: token %s", trusterr.ErrRevoked, tokenID)
		}
		e.emit(rejectedAudit(EventTokenExported, tokenID, nil, ReasonNotFound, now))
		return "", fmt.Errorf("%w: token %q", trusterr.ErrNotFound, tokenID)
	}
	if reason, lifecycleErr := e.lifecycleDenial(token, now); lifecycleErr != nil {
		e.emit(rejectedAudit(EventTokenExported, tokenID, token.Grantee, reason, now))
		return "", lifecycleErr
	}
	encoded, err := encodeWire(token, now)
	if err != nil {
		return "", err
	}
	e.emit(acceptedAudit(EventTokenExported, tokenID, token.Grantee, now))
	return encoded, nil
}

// lifecycleDenial checks revocation, then expiry, then status.
func (e *Engine) lifecycleDenial(token models.CapabilityToken, now time.Time) (string, error) {
	if token.Status == models.TokenRevoked || e.isRevoked(token.TokenID) {
		return ReasonRevoked, fmt.Errorf("%w: token %s", trusterr.ErrRevoked, token.TokenID)
	}
	if token.Status == models.TokenExpired || now.UnixMilli() >= token.Expiry {
		return ReasonExpired, fmt.Errorf("%w: token %s", trusterr.ErrExpired, token.TokenID)
	}
	if token.Status != models.TokenActive {
		return ReasonNotActive, fmt.Errorf("%w: token %s status %q", trusterr.ErrNotActive, token.TokenID, token.Status)
	}
	return "", nil
}

// CheckPermission evaluates, in order, revocation, expiry, the permission set
// and finally the scope. A token this engine stored is judged by the stored
// copy and must carry the same signature; any other token must be signed by
// this engine's issuer.
func (e *Engine) CheckPermission(token models.CapabilityToken, requiredScope string, required models.Permission) Decision {
	now := e.now()
	d := e.decide(token, requiredScope, required, now)
	if d.Allowed {
		e.emit(acceptedAudit(EventPermissionCheck, token.TokenID, token.Grantee, now))
	} else {
		ev := rejectedAudit(EventPermissionCheck, token.TokenID, token.Grantee, d.Reason, now)
		ev.Scope = requiredScope
		e.emit(ev)
	}
	if e.observer != nil {
		reason := d.Reason
		if d.Allowed {
			reason = "ALLOWED"
		}
		e.observer.PermissionDecision(reason)
	}
	return d
}

func (e *Engine) decide(token models.CapabilityToken, requiredScope string, required models.Permission, now time.Time) Decision {
	stored, ok, err := e.store.Get(token.TokenID)
	if err != nil {
		return Decision{Reason: ReasonNotFound, Err: err}
	}
	switch {
	case ok:
		if !bytes.Equal(stored.Signature, token.Signature) {
			return Decision{Reason: ReasonSignatureInvalid, Err: fmt.Errorf("%w: token %s differs from the issued copy", trusterr.ErrSignatureInvalid, token.TokenID)}
		}
		token = stored
	case token.Issuer != e.issuer.Address():
		return Decision{Reason: ReasonNotFound, Err: fmt.Errorf("%w: token %q was not issued by %s", trusterr.ErrNotFound, token.TokenID, e.issuer.Address())}
	default:
		if err := VerifyToken(token); err != nil {
			if errors.Is(err, trusterr.ErrStructureInvalid) {
				return Decision{Reason: ReasonMalformed, Err: err}
			}
			return Decision{Reason: ReasonSignatureInvalid, Err: err}
		}
	}
	if token.Status == "" {
		token.Status = models.TokenActive
	}
	if reason, err := e.lifecycleDenial(token, now); err != nil {
		return Decision{Reason: reason, Err: err}
	}
	if !token.HasPermission(required) {
		return Decision{Reason: ReasonPermissionDenied, Err: fmt.Errorf("%w: %q not granted", trusterr.ErrPermissionDenied, required)}
	}
	granted, ok := anyScopeMatches(token.Scope, requiredScope)
	if !ok {
		return Decision{Reason: ReasonScopeDenied, Err: fmt.Errorf("%w: %q", trusterr.ErrScopeDenied, requiredScope)}
	}
	return Decision{Allowed: true, MatchedScope: granted}
}

// Authorize is the verifier-side path for an exported token: decode, check
// the signature, then run CheckPermission.
func (e *Engine) Authorize(encoded, requiredScope string, required models.Permission) (models.CapabilityToken, Decision) {
	wire, err := DecodeToken(encoded)
	if err != nil {
		return models.CapabilityToken{}, Decision{Reason: ReasonMalformed, Err: err}
	}
	token := wire.Token()
	if err := VerifyToken(token); err != nil {
		return token, Decision{Reason: ReasonSignatureInvalid, Err: err}
	}
	return token, e.CheckPermission(token, requiredScope, required)
}

func (e *Engine) RevokeToken(tokenID string, opts RevokeOptions) error {
	now := e.now()
	_, ok, err := e.store.Get(tokenID)
	if err != nil {
		return err
	}
	if !ok {
		e.emit(rejectedAudit(EventTokenRevoked, tokenID, nil, ReasonNotFound, now))
		return fmt.Errorf("%w: token %q", trusterr.ErrNotFound, tokenID)
	}
	revoked, err := e.revoke(tokenID, opts.Reason, now)
	if err != nil {
		return err
	}
	if revoked && e.observer != nil {
		e.observer.TokensRevoked(1)
	}
	if opts.RegenerateMasterKey {
		return e.RotateMasterKey()
	}
	return nil
}

// RevokeAllForGrantee revokes every token issued to granteePublicKey and
// returns how many changed state.
func (e *Engine) RevokeAllForGrantee(granteePublicKey []byte, opts RevokeOptions) (int, error) {
	if len(granteePublicKey) == 0 {
		return 0, fmt.Errorf("%w: grantee public key is required", trusterr.ErrInvalidInput)
	}
	now := e.now()
	tokens, err := e.store.List()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, token := range tokens {
		if !bytes.Equal(token.Grantee, granteePublicKey) {
			continue
		}
		revoked, err := e.revoke(token.TokenID, opts.Reason, now)
		if errors.Is(err, trusterr.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		if revoked {
			count++
		}
	}
	if count > 0 && e.observer != nil {
		e.observer.TokensRevoked(count)
	}
	if opts.RegenerateMasterKey {
		if err := e.RotateMasterKey(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// revoke records the revocation. The token is re-read under the transition
// lock, so a concurrent cleanup cannot be overwritten. An already revoked
// token is left untouched; an expired token, including one only past its
// expiry, keeps or gets the expired status.
func (e *Engine) revoke(tokenID, reason string, now time.Time) (bool, error) {
	token, changed, err := e.revokeLocked(tokenID, reason, now)
	if err != nil || !changed {
		return false, err
	}
	ev := acceptedAudit(EventTokenRevoked, token.TokenID, token.Grantee, now)
	ev.Reason = reason
	e.emit(ev)
	e.logger.Info("capability token revoked", "component", "capability", "operation", "revoke", "token_id", token.TokenID)
	return true, nil
}

func (e *Engine) revokeLocked(tokenID, reason string, now time.Time) (models.CapabilityToken, bool, error) {
	e.transitions.Lock()
	defer e.transitions.Unlock()

	token, ok, err := e.store.Get(tokenID)
	if err != nil {
		return models.CapabilityToken{}, false, err
	}
	if !ok {
		return models.CapabilityToken{}, false, fmt.Errorf("%w: token %q", trusterr.ErrNotFound, tokenID)
	}
	e.mu.Lock()
	if _, already := e.revocations[tokenID]; already || token.Status == models.TokenRevoked {
		e.mu.Unlock()
		return token, false, nil
	}
	e.revocations[tokenID] = revocation{
		record: models.RevocationRecord{
			TokenID:   tokenID,
			RevokedAt: now.UnixMilli(),
			RevokedBy: e.issuer.Address(),
			Reason:    reason,
		},
		expiry: token.Expiry,
	}
	e.mu.Unlock()

	if token.Status == models.TokenActive {
		token.Status = models.TokenRevoked
		if now.UnixMilli() >= token.Expiry {
			token.Status = models.TokenExpired
		}
		if err := e.store.Put(token); err != nil {
			return token, false, fmt.Errorf("store token: %w", err)
		}
	}
	return token, true, nil
}

// RotateMasterKey replaces the master key with fresh random bytes.
func (e *Engine) RotateMasterKey() error {
	key, err := crypto.NewMasterKey()
	if err != nil {
		return err
	}
	e.mu.Lock()
	crypto.Zero(e.masterKey)
	e.masterKey = key
	e.generation++
	generation := e.generation
	e.mu.Unlock()

	e.emit(AuditEvent{EventType: EventMasterKeyRotated, Result: "accepted", At: e.now()})
	if e.observer != nil {
		e.observer.MasterKeyRotated()
	}
	e.logger.Warn("capability master key rotated", "component", "capability", "operation", "rotate_master_key", "generation", generation)
	return nil
}

func (e *Engine) isRevoked(tokenID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.revocations[tokenID]
	return ok
}

// CleanupExpired marks lazily expired tokens and prunes non-active tokens
// whose terminal time is older than the retention window. Revocation records
// are dropped only once the token they name has expired.
func (e *Engine) CleanupExpired() (CleanupReport, error) {
	now := e.now()
	nowMs := now.UnixMilli()
	cutoff := now.Add(-e.retention).UnixMilli()

	e.transitions.Lock()
	defer e.transitions.Unlock()
	tokens, err := e.store.List()
	if err != nil {
		return CleanupReport{}, err
	}
	var report CleanupReport
	for _, token := range tokens {
		if token.Status == models.TokenActive && nowMs >= token.Expiry {
			token.Status = models.TokenExpired
			if err := e.store.Put(token); err != nil {
				return report, err
			}
			report.MarkedExpired++
		}
		if token.Status == models.TokenActive {
			continue
		}
		if e.terminalAt(token) < cutoff {
			if err := e.store.Delete(token.TokenID); err != nil {
				return report, err
			}
			report.Pruned++
		}
	}

	e.mu.Lock()
	for id, r := range e.revocations {
		if r.expiry > 0 && r.expiry <= nowMs && r.record.RevokedAt < cutoff {
			delete(e.revocations, id)
		}
	}
	e.mu.Unlock()

	if report.MarkedExpired > 0 || report.Pruned > 0 {
		e.logger.Info("capability cleanup", "component", "capability", "operation", "cleanup_expired", "marked_expired", report.MarkedExpired, "pruned", report.Pruned)
	}
	return report, nil
}

func (e *Engine) terminalAt(token models.CapabilityToken) int64 {
	if token.Status == models.TokenRevoked {
		e.mu.RLock()
		r, ok := e.revocations[token.TokenID]
		e.mu.RUnlock()
		if ok {
			return r.record.RevokedAt
		}
	}
	return token.Expiry
}

// ImportRevocations merges records synced from another device. Matching
// active tokens become revoked. It returns how many records were new.
func (e *Engine) ImportRevocations(records []models.RevocationRecord) (int, error) {
	added := 0
	for _, rec := range records {
		if rec.TokenID == "" {
			return added, fmt.Errorf("%w: revocation without token id", trusterr.ErrInvalidInput)
		}
		isNew, err := e.importRevocation(rec)
		if err != nil {
			return added, err
		}
		if isNew {
			added++
		}
	}
	return added, nil
}

func (e *Engine) importRevocation(rec models.RevocationRecord) (bool, error) {
	e.transitions.Lock()
	defer e.transitions.Unlock()

	token, ok, err := e.store.Get(rec.TokenID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	if _, exists := e.revocations[rec.TokenID]; exists {
		e.mu.Unlock()
		return false, nil
	}
	entry := revocation{record: rec}
	if ok {
		entry.expiry = token.Expiry
	}
	e.revocations[rec.TokenID] = entry
	e.mu.Unlock()

	if ok && token.Status == models.TokenActive && e.now().UnixMilli() < token.Expiry {
		token.Status = models.TokenRevoked
		if err := e.store.Put(token); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (e *Engine) Revocations() []models.RevocationRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.RevocationRecord, 0, len(e.revocations))
	for _, r := range e.revocations {
		out = append(out, r.record)
	}
	sortRevocations(out)
	return out
}

// UnwrapDEK opens a wrapped key with the grantee's X25519 private key.
func (e *Engine) UnwrapDEK(wrapped models.WrappedDEK, granteePrivateKey []byte) ([]byte, error) {
	return UnwrapDEK(wrapped, granteePrivateKey)
}

func (e *Engine) Stats() (Stats, error) {
	tokens, err := e.store.List()
	if err != nil {
		return Stats{}, err
	}
	nowMs := e.now().UnixMilli()
	var s Stats
	for _, token := range tokens {
		s.Total++
		switch {
		case token.Status == models.TokenRevoked:
			s.Revoked++
		case token.Status == models.TokenExpired || nowMs >= token.Expiry:
			s.Expired++
		default:
			s.Active++
		}
	}
	e.mu.RLock()
	s.Revocations = len(e.revocations)
	s.MasterKeyGeneration = e.generation
	e.mu.RUnlock()
	return s, nil
}

func sortRevocations(records []models.RevocationRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].RevokedAt == records[j].RevokedAt {
			return records[i].TokenID < records[j].TokenID
		}
		return records[i].RevokedAt < records[j].RevokedAt
	})
}

func (e *Engine) emit(ev AuditEvent) {
	if e.audit != nil {
		e.audit(ev)
	}
}
