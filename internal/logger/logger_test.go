package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizeRedactsSecrets(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.Info("auth configured", "auth_token", "s3cr3t", "jwt_secret", "abc", "addr", "127.0.0.1:12398")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["auth_token"] != "[REDACTED]" || fields["jwt_secret"] != "[REDACTED]" {
		t.Fatalf("secrets not redacted: %v", fields)
	}
	if fields["addr"] != "127.0.0.1:12398" {
		t.Fatalf("addr = %v", fields["addr"])
	}
}

func TestSanitizeOddKeyValues(t *testing.T) {
	out := sanitizeKVs([]interface{}{"a", 1, "dangling"})
	if len(out) != 3 || out[2] != "dangling" {
		t.Fatalf("unexpected %v", out)
	}
}
