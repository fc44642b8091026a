package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %s", cfg.Addr)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("AccessTTL = %s", cfg.AccessTTL)
	}
	if cfg.RefreshTTL != 14*24*time.Hour {
		t.Fatalf("RefreshTTL = %s", cfg.RefreshTTL)
	}
	if cfg.LockoutThreshold != 5 || cfg.LockoutDuration != 15*time.Minute {
		t.Fatalf("lockout = %d/%s", cfg.LockoutThreshold, cfg.LockoutDuration)
	}
	if cfg.RevokeNamespace != "zamok" {
		t.Fatalf("RevokeNamespace = %s", cfg.RevokeNamespace)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ZAMOK_ADDR", ":18080")
	t.Setenv("ZAMOK_AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("ZAMOK_ISSUER", "test-issuer")
	t.Setenv("ZAMOK_ACCESS_TTL", "30m")
	t.Setenv("ZAMOK_REFRESH_TTL", "48h")
	t.Setenv("ZAMOK_LOCKOUT_THRESHOLD", "3")
	t.Setenv("ZAMOK_LOCKOUT_DURATION", "5m")
	t.Setenv("ZAMOK_RATE_RPS", "2.5")
	t.Setenv("ZAMOK_REDIS_DB", "4")

	cfg := Load()
	if cfg.Addr != ":18080" {
		t.Fatalf("Addr = %s", cfg.Addr)
	}
	if cfg.AuthSecret != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("AuthSecret = %s", cfg.AuthSecret)
	}
	if cfg.Issuer != "test-issuer" {
		t.Fatalf("Issuer = %s", cfg.Issuer)
	}
	if cfg.AccessTTL != 30*time.Minute || cfg.RefreshTTL != 48*time.Hour {
		t.Fatalf("ttl = %s/%s", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.LockoutThreshold != 3 || cfg.LockoutDuration != 5*time.Minute {
		t.Fatalf("lockout = %d/%s", cfg.LockoutThreshold, cfg.LockoutDuration)
	}
	if cfg.RateRPS != 2.5 {
		t.Fatalf("RateRPS = %v", cfg.RateRPS)
	}
	if cfg.RedisDB != 4 {
		t.Fatalf("RedisDB = %d", cfg.RedisDB)
	}
}

func TestLoadIgnoresUnparsableValues(t *testing.T) {
	t.Setenv("ZAMOK_ACCESS_TTL", "tomorrow")
	t.Setenv("ZAMOK_LOCKOUT_THRESHOLD", "many")

	cfg := Load()
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("AccessTTL = %s", cfg.AccessTTL)
	}
	if cfg.LockoutThreshold != 5 {
		t.Fatalf("LockoutThreshold = %d", cfg.LockoutThreshold)
	}
}
