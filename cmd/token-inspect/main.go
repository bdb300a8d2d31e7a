package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"proofi/trust-engine/internal/capability"
	"proofi/trust-engine/internal/credential"
	"proofi/trust-engine/pkg/models"
)

type tokenReport struct {
	Kind        string              `json:"kind"`
	TokenID     string              `json:"tokenId"`
	Issuer      string              `json:"issuer"`
	Grantee     string              `json:"grantee"`
	Scope       []string            `json:"scope"`
	Permissions []models.Permission `json:"permissions"`
	Expiry      time.Time           `json:"expiry"`
	Expired     bool                `json:"expired"`
	ExportedAt  time.Time           `json:"exportedAt"`
	Signature   string              `json:"signature"`
	Errors      []string            `json:"errors,omitempty"`
	DEKs        map[string]string   `json:"deks,omitempty"`
	Covers      *bool               `json:"covers,omitempty"`
}

type credentialReport struct {
	Kind   string            `json:"kind"`
	Result credential.Result `json:"result"`
}

func main() {
	var (
		file       = flag.String("file", "-", "token or credential file, - for stdin")
		kind       = flag.String("kind", "auto", "auto | token | credential")
		scope      = flag.String("scope", "", "resource path to check against the token scope")
		permission = flag.String("permission", "read", "permission to check with -scope")
		granteeKey = flag.String("grantee-key", "", "hex X25519 private key; unwraps the DEK for every scope")
	)
	flag.Parse()

	raw, err := readInput(*file)
	if err != nil {
		failf("read input: %v", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		fail("input is empty")
	}

	switch resolveKind(*kind, raw) {
	case "credential":
		res := credential.NewVerifier(nil).VerifyJSON(raw)
		writeJSON(credentialReport{Kind: "credential", Result: res})
		if !res.Valid {
			os.Exit(2)
		}
	case "token":
		report := inspectToken(string(raw), *scope, models.Permission(*permission), *granteeKey)
		writeJSON(report)
		if len(report.Errors) > 0 {
			os.Exit(2)
		}
	default:
		failf("unknown kind %q", *kind)
	}
}

func inspectToken(encoded, scope string, permission models.Permission, granteeKeyHex string) tokenReport {
	wire, err := capability.DecodeToken(encoded)
	if err != nil {
		return tokenReport{Kind: "token", Errors: []string{err.Error()}}
	}
	token := wire.Token()
	now := time.Now()
	report := tokenReport{
		Kind:        "token",
		TokenID:     token.TokenID,
		Issuer:      token.Issuer,
		Grantee:     hex.EncodeToString(token.Grantee),
		Scope:       token.Scope,
		Permissions: token.Permissions,
		Expiry:      time.UnixMilli(token.Expiry).UTC(),
		Expired:     now.UnixMilli() >= token.Expiry,
		ExportedAt:  time.UnixMilli(wire.ExportedAt).UTC(),
		Signature:   hex.EncodeToString(token.Signature),
	}
	if err := capability.VerifyToken(token); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	if report.Expired {
		report.Errors = append(report.Errors, "token is expired")
	}
	if s := strings.TrimSpace(scope); s != "" {
		covers := token.HasPermission(permission)
		if covers {
			covers = false
			for _, granted := range token.Scope {
				if capability.ScopeMatches(granted, s) {
					covers = true
					break
				}
			}
		}
		report.Covers = &covers
	}
	if k := strings.TrimSpace(granteeKeyHex); k != "" {
		priv, err := hex.DecodeString(k)
		if err != nil {
			report.Errors = append(report.Errors, "grantee key is not hex")
			return report
		}
		report.DEKs = make(map[string]string, len(token.Scope))
		for _, granted := range token.Scope {
			dek, err := capability.OpenScope(token, granted, priv)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("unwrap %s: %v", granted, err))
				continue
			}
			report.DEKs[granted] = hex.EncodeToString(dek)
		}
	}
	return report
}

func resolveKind(kind string, raw []byte) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != "auto" {
		return kind
	}
	if raw[0] == '{' {
		return "credential"
	}
	return "token"
}

func readInput(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeJSON(value any) {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		failf("marshal report: %v", err)
	}
	if _, err := fmt.Fprintln(os.Stdout, string(raw)); err != nil {
		os.Exit(1)
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
