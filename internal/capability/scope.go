package capability

import (
	"fmt"
	"strings"

	"proofi/trust-engine/internal/trusterr"
)

const wildcardSuffix = "/*"

// ScopeMatches reports whether granted covers required. A granted scope is
// either an exact path or a prefix ending in a single trailing "/*".
func ScopeMatches(granted, required string) bool {
	granted = strings.TrimSpace(granted)
	required = strings.TrimSpace(required)
	if granted == "" || required == "" {
		return false
	}
	if granted == required {
		return true
	}
	if !strings.HasSuffix(granted, wildcardSuffix) {
		return false
	}
	prefix := strings.TrimSuffix(granted, "*")
	return strings.HasPrefix(required, prefix)
}

func anyScopeMatches(granted []string, required string) (string, bool) {
	for _, g := range granted {
		if ScopeMatches(g, required) {
			return g, true
		}
	}
	return "", false
}

func validateScope(scope string) error {
	trimmed := strings.TrimSpace(scope)
	if trimmed == "" {
		return fmt.Errorf("%w: empty scope entry", trusterr.ErrInvalidInput)
	}
	if trimmed != scope {
		return fmt.Errorf("%w: scope %q has surrounding whitespace", trusterr.ErrInvalidInput, scope)
	}
	body := strings.TrimSuffix(scope, wildcardSuffix)
	if body == "" || strings.Contains(body, "*") {
		return fmt.Errorf("%w: scope %q may only use a single trailing /*", trusterr.ErrInvalidInput, scope)
	}
	if strings.HasPrefix(body, "/") || strings.HasSuffix(body, "/") || strings.Contains(body, "//") {
		return fmt.Errorf("%w: scope %q has empty path segments", trusterr.ErrInvalidInput, scope)
	}
	return nil
}
