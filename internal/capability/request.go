package capability

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"
)

// DurationPresets are the named lifetimes a token can be issued with.
var DurationPresets = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
	"1y":  365 * 24 * time.Hour,
}

func PresetNames() []string {
	out := make([]string, 0, len(DurationPresets))
	for name := range DurationPresets {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return DurationPresets[out[i]] < DurationPresets[out[j]] })
	return out
}

type CreateRequest struct {
	// GranteePublicKey is the grantee's X25519 public key.
	GranteePublicKey []byte
	GranteeName      string
	Scope            []string
	Permissions      []models.Permission
	// Duration names a preset. When empty, ExpiresAt (epoch ms) is used, and
	// when both are empty the engine default applies.
	Duration  string
	ExpiresAt int64
}

func (r CreateRequest) validate() error {
	if len(r.GranteePublicKey) != crypto.X25519KeySize {
		return fmt.Errorf("%w: grantee public key must be %d bytes", trusterr.ErrInvalidInput, crypto.X25519KeySize)
	}
	if len(r.Scope) == 0 {
		return fmt.Errorf("%w: scope is required", trusterr.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(r.Scope))
	for _, s := range r.Scope {
		if err := validateScope(s); err != nil {
			return err
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%w: duplicate scope %q", trusterr.ErrInvalidInput, s)
		}
		seen[s] = struct{}{}
	}
	if len(r.Permissions) == 0 {
		return fmt.Errorf("%w: at least one permission is required", trusterr.ErrInvalidInput)
	}
	for _, p := range r.Permissions {
		if !validPermission(p) {
			return fmt.Errorf("%w: permission %q", trusterr.ErrInvalidInput, p)
		}
	}
	return nil
}

func validPermission(p models.Permission) bool {
	switch p {
	case models.PermissionRead, models.PermissionWrite, models.PermissionAppend:
		return true
	default:
		return false
	}
}

func dedupePermissions(in []models.Permission) []models.Permission {
	out := make([]models.Permission, 0, len(in))
	for _, p := range in {
		dup := false
		for _, q := range out {
			if p == q {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

// resolveExpiry returns the absolute expiry in epoch ms.
func resolveExpiry(r CreateRequest, defaultPreset string, now time.Time) (int64, error) {
	preset := strings.TrimSpace(r.Duration)
	if preset == "" && r.ExpiresAt == 0 {
		preset = defaultPreset
	}
	if preset != "" {
		d, ok := DurationPresets[preset]
		if !ok {
			return 0, fmt.Errorf("%w: unknown duration preset %q", trusterr.ErrInvalidInput, preset)
		}
		return now.Add(d).UnixMilli(), nil
	}
	if r.ExpiresAt < now.UnixMilli() {
		return 0, fmt.Errorf("%w: expiry %d is in the past", trusterr.ErrInvalidInput, r.ExpiresAt)
	}
	return r.ExpiresAt, nil
}
