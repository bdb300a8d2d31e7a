package capability

import (
	"errors"
	"sync"
	"testing"
	"time"

	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"
)

// hookedStore runs onGet once, on the next Get after it is armed.
type hookedStore struct {
	*InMemoryStore
	mu    sync.Mutex
	onGet func()
}

func (s *hookedStore) arm(fn func()) {
	s.mu.Lock()
	s.onGet = fn
	s.mu.Unlock()
}

func (s *hookedStore) Get(tokenID string) (models.CapabilityToken, bool, error) {
	s.mu.Lock()
	fn := s.onGet
	s.onGet = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return s.InMemoryStore.Get(tokenID)
}

func TestExportOfPrunedRevokedTokenStaysRevoked(t *testing.T) {
	e, clock := newEngine(t)
	token, err := e.CreateToken(CreateRequest{
		GranteePublicKey: newGrantee(t).PublicKey,
		Scope:            []string{"notes/*"},
		Permissions:      []models.Permission{models.PermissionRead},
		Duration:         "1y",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := e.RevokeToken(token.TokenID, RevokeOptions{}); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	clock.Advance(91 * 24 * time.Hour)
	report, err := e.CleanupExpired()
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if report.Pruned != 1 {
		t.Fatalf("expected the revoked token pruned, got %+v", report)
	}
	if _, err := e.ExportToken(token.TokenID); !errors.Is(err, trusterr.ErrRevoked) {
		t.Fatalf("expected ErrRevoked after pruning, got %v", err)
	}
	if d := e.CheckPermission(token, "notes/a", models.PermissionRead); d.Reason != ReasonRevoked {
		t.Fatalf("expected revocation denial, got %+v", d)
	}
}

func TestCleanupDuringRevokeKeepsExpiredStatus(t *testing.T) {
	store := &hookedStore{InMemoryStore: NewInMemoryStore()}
	e, clock := newEngine(t, WithStore(store))
	token, err := e.CreateToken(CreateRequest{
		GranteePublicKey: newGrantee(t).PublicKey,
		Scope:            []string{"notes/*"},
		Permissions:      []models.Permission{models.PermissionRead},
		Duration:         "1h",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	clock.Advance(2 * time.Hour)

	var report CleanupReport
	store.arm(func() {
		var cleanupErr error
		report, cleanupErr = e.CleanupExpired()
		if cleanupErr != nil {
			t.Errorf("cleanup failed: %v", cleanupErr)
		}
	})
	if err := e.RevokeToken(token.TokenID, RevokeOptions{}); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if report.MarkedExpired != 1 {
		t.Fatalf("cleanup should have run inside revoke, got %+v", report)
	}
	stored, err := e.Token(token.TokenID)
	if err != nil {
		t.Fatalf("token lookup failed: %v", err)
	}
	if stored.Status != models.TokenExpired {
		t.Fatalf("expired token must stay expired, got %s", stored.Status)
	}
}

func TestRevokeLazilyExpiredTokenMarksExpired(t *testing.T) {
	e, clock := newEngine(t)
	token, err := e.CreateToken(CreateRequest{
		GranteePublicKey: newGrantee(t).PublicKey,
		Scope:            []string{"notes/*"},
		Permissions:      []models.Permission{models.PermissionRead},
		Duration:         "1h",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if err := e.RevokeToken(token.TokenID, RevokeOptions{}); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	stored, _ := e.Token(token.TokenID)
	if stored.Status != models.TokenExpired {
		t.Fatalf("expected expired status, got %s", stored.Status)
	}
	if len(e.Revocations()) != 1 {
		t.Fatal("revocation record should still be kept")
	}
	report, err := e.CleanupExpired()
	if err != nil || report.MarkedExpired != 0 {
		t.Fatalf("nothing left to mark, got %+v (%v)", report, err)
	}
}

func TestConcurrentRevokeAndCleanup(t *testing.T) {
	e, clock := newEngine(t)
	grantee := newGrantee(t).PublicKey
	var fresh, stale []string
	for i := 0; i < 10; i++ {
		req := CreateRequest{GranteePublicKey: grantee, Scope: []string{"a"}, Permissions: []models.Permission{"read"}, Duration: "1h"}
		if i%2 == 0 {
			req.Duration = "30d"
		}
		token, err := e.CreateToken(req)
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if i%2 == 0 {
			fresh = append(fresh, token.TokenID)
		} else {
			stale = append(stale, token.TokenID)
		}
	}
	clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	for _, id := range append(append([]string(nil), fresh...), stale...) {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			if err := e.RevokeToken(id, RevokeOptions{}); err != nil {
				t.Errorf("revoke %s failed: %v", id, err)
			}
		}(id)
		go func() {
			defer wg.Done()
			if _, err := e.CleanupExpired(); err != nil {
				t.Errorf("cleanup failed: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, id := range fresh {
		if stored, _ := e.Token(id); stored.Status != models.TokenRevoked {
			t.Fatalf("unexpired token %s must be revoked, got %s", id, stored.Status)
		}
	}
	for _, id := range stale {
		if stored, _ := e.Token(id); stored.Status != models.TokenExpired {
			t.Fatalf("expired token %s must stay expired, got %s", id, stored.Status)
		}
	}
}

func TestCheckPermissionRejectsTokensNotIssuedHere(t *testing.T) {
	e, clock := newEngine(t)

	forged := models.CapabilityToken{
		Version:     TokenVersion,
		TokenID:     "cap_forged",
		Issuer:      "nobody",
		Grantee:     newGrantee(t).PublicKey,
		Scope:       []string{"finance/*"},
		Permissions: []models.Permission{models.PermissionWrite},
		Expiry:      clock.now.Add(time.Hour).UnixMilli(),
	}
	d := e.CheckPermission(forged, "finance/balance", models.PermissionWrite)
	if d.Allowed || d.Reason != ReasonNotFound || !errors.Is(d.Err, trusterr.ErrNotFound) {
		t.Fatalf("foreign token must be denied, got %+v", d)
	}

	forged.Issuer = e.Issuer()
	forged.Signature = make([]byte, 64)
	d = e.CheckPermission(forged, "finance/balance", models.PermissionWrite)
	if d.Allowed || d.Reason != ReasonSignatureInvalid || !errors.Is(d.Err, trusterr.ErrSignatureInvalid) {
		t.Fatalf("unsigned token must be denied, got %+v", d)
	}

	// Another engine holding the same issuer key: unknown here, but signed.
	other, _ := newEngine(t)
	elsewhere, err := other.CreateToken(healthRequest(newGrantee(t).PublicKey))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if d := e.CheckPermission(elsewhere, "health/steps", models.PermissionRead); !d.Allowed {
		t.Fatalf("correctly signed token should be honoured, got %+v", d)
	}
}

func TestCheckPermissionUsesIssuedCopy(t *testing.T) {
	e, _ := newEngine(t)
	token, err := e.CreateToken(healthRequest(newGrantee(t).PublicKey))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	widened := token
	widened.Permissions = []models.Permission{models.PermissionRead, models.PermissionWrite}
	widened.Scope = []string{"finance/*"}
	d := e.CheckPermission(widened, "health/steps", models.PermissionWrite)
	if d.Allowed || d.Reason != ReasonPermissionDenied {
		t.Fatalf("widened copy must be judged by the issued token, got %+v", d)
	}

	resigned := token
	resigned.Signature = append([]byte(nil), token.Signature...)
	resigned.Signature[0] ^= 0xff
	d = e.CheckPermission(resigned, "health/steps", models.PermissionRead)
	if d.Allowed || d.Reason != ReasonSignatureInvalid {
		t.Fatalf("altered signature must be denied, got %+v", d)
	}
}
