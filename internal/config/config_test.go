package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected access ttl %s", cfg.AccessTTL)
	}
	if cfg.KeyGrace < cfg.AccessTTL {
		t.Fatalf("default grace %s shorter than access ttl %s", cfg.KeyGrace, cfg.AccessTTL)
	}
	if cfg.AllowSessionCleanup {
		t.Fatal("session cleanup must be opt-in")
	}
}

func TestParseRejectsShortGrace(t *testing.T) {
	t.Setenv("AEGIS_ACCESS_TTL", "1h")
	t.Setenv("AEGIS_KEY_GRACE", "10m")

	_, err := Parse()
	if err == nil || !strings.Contains(err.Error(), "AEGIS_KEY_GRACE") {
		t.Fatalf("expected grace validation error, got %v", err)
	}
}

func TestParseRejectsCleanupInProduction(t *testing.T) {
	t.Setenv("AEGIS_ENV", "Production")
	t.Setenv("AEGIS_ALLOW_SESSION_CLEANUP", "true")

	_, err := Parse()
	if err == nil || !strings.Contains(err.Error(), "AEGIS_ALLOW_SESSION_CLEANUP") {
		t.Fatalf("expected cleanup validation error, got %v", err)
	}
}

func TestParseBadDuration(t *testing.T) {
	t.Setenv("AEGIS_ACCESS_TTL", "soon")

	_, err := Parse()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestParseRejectsWeakAdminPassword(t *testing.T) {
	t.Setenv("AEGIS_ADMIN_USERNAME", "root")
	t.Setenv("AEGIS_ADMIN_PASSWORD", "short")

	_, err := Parse()
	if err == nil || !strings.Contains(err.Error(), "AEGIS_ADMIN_PASSWORD") {
		t.Fatalf("expected admin password validation error, got %v", err)
	}
}
