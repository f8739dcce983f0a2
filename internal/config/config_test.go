package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SIGNING_KEY", "secret")

	cfg := Load()
	if cfg.Addr != ":8083" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.RateLimitRPM != 300 {
		t.Fatalf("expected default rate limit, got %d", cfg.RateLimitRPM)
	}
	if cfg.WSWriteTimeout != 10*time.Second {
		t.Fatalf("expected default write timeout, got %v", cfg.WSWriteTimeout)
	}
	if cfg.HistoryPageMax != 50 {
		t.Fatalf("expected default page max, got %d", cfg.HistoryPageMax)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SIGNING_KEY", "secret")
	t.Setenv("ADDR", ":9999")
	t.Setenv("RATE_LIMIT_RPM", "60")
	t.Setenv("WS_WRITE_TIMEOUT", "5s")
	t.Setenv("HISTORY_PAGE_MAX", "25")

	cfg := Load()
	if cfg.Addr != ":9999" {
		t.Fatalf("expected overridden addr, got %q", cfg.Addr)
	}
	if cfg.RateLimitRPM != 60 {
		t.Fatalf("expected overridden rate limit, got %d", cfg.RateLimitRPM)
	}
	if cfg.WSWriteTimeout != 5*time.Second {
		t.Fatalf("expected overridden write timeout, got %v", cfg.WSWriteTimeout)
	}
	if cfg.HistoryPageMax != 25 {
		t.Fatalf("expected overridden page max, got %d", cfg.HistoryPageMax)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SIGNING_KEY", "secret")
	t.Setenv("RATE_LIMIT_RPM", "lots")
	t.Setenv("WS_WRITE_TIMEOUT", "soon")

	cfg := Load()
	if cfg.RateLimitRPM != 300 {
		t.Fatalf("expected default after malformed int, got %d", cfg.RateLimitRPM)
	}
	if cfg.WSWriteTimeout != 10*time.Second {
		t.Fatalf("expected default after malformed duration, got %v", cfg.WSWriteTimeout)
	}
}
