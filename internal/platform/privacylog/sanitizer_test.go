package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsIdentifiers(t *testing.T) {
	args := SanitizeArgs(
		"grantee", "ab12cd",
		"token_id", "cap_1700000000000_x",
		"operation", "revoke",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "grantee_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[2]; got != "token_id_fp" {
		t.Fatalf("token_id must be fingerprinted, not redacted: %v", got)
	}
	if got := args[4]; got != "operation" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestSanitizingHandlerRedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))
	logger.Info("test",
		"issuer", "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
		"mnemonic", "abandon abandon",
		"private_key", "00ff",
		"dek_hex", "aa",
		"status", "ok",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["issuer"]; ok {
		t.Fatal("issuer should not be present in plain form")
	}
	if _, ok := payload["issuer_fp"]; !ok {
		t.Fatal("issuer_fp should be present")
	}
	for _, key := range []string{"mnemonic", "private_key", "dek_hex"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if got, _ := payload["status"].(string); got != "ok" {
		t.Fatalf("expected status untouched, got %q", got)
	}
}

func TestFingerprintIsStableWithinProcess(t *testing.T) {
	a := FingerprintID("cap_1")
	if a != FingerprintID(" cap_1 ") {
		t.Fatal("fingerprint should ignore surrounding whitespace")
	}
	if a == FingerprintID("cap_2") {
		t.Fatal("distinct ids should not collide")
	}
	if FingerprintID("") != "" {
		t.Fatal("empty id should stay empty")
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("bucket_address", "0xabc"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "bucket_address_fp") {
		t.Fatalf("expected sanitized bucket_address key, got %s", buf.String())
	}
}

func TestWithAttrsSanitizes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil))).With("seed_phrase", "words")
	logger.Info("x")
	if strings.Contains(buf.String(), "words") {
		t.Fatalf("seed leaked through WithAttrs: %s", buf.String())
	}
}
