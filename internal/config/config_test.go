package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "secret")

	cfg, err := Load(false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBFile != "huddle.db" {
		t.Errorf("unexpected default db file %q", cfg.DBFile)
	}
	if cfg.TypingTTL != 5*time.Second {
		t.Errorf("unexpected typing TTL %v", cfg.TypingTTL)
	}
	if cfg.HeartbeatTimeout != 15*time.Second {
		t.Errorf("unexpected heartbeat timeout %v", cfg.HeartbeatTimeout)
	}
	if cfg.GraceWindow != 10*time.Second {
		t.Errorf("unexpected grace window %v", cfg.GraceWindow)
	}
	if cfg.OutboundBuffer != 64 {
		t.Errorf("unexpected buffer size %d", cfg.OutboundBuffer)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_SECRET", "secret")
	t.Setenv("TYPING_TTL", "7s")
	t.Setenv("OUTBOUND_BUFFER", "128")
	t.Setenv("API_ADDR", ":9999")

	cfg, err := Load(false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TypingTTL != 7*time.Second {
		t.Errorf("override not applied, got %v", cfg.TypingTTL)
	}
	if cfg.OutboundBuffer != 128 {
		t.Errorf("override not applied, got %d", cfg.OutboundBuffer)
	}
	if cfg.APIAddr != ":9999" {
		t.Errorf("override not applied, got %q", cfg.APIAddr)
	}
}

func TestValidate(t *testing.T) {
	t.Run("secret required outside cli mode", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "")
		cfg, err := Load(false)
		if err == nil {
			t.Errorf("expected error without AUTH_SECRET, got %+v", cfg)
		}
	})

	t.Run("cli mode skips the secret", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "")
		if _, err := Load(true); err != nil {
			t.Errorf("cli mode should not require AUTH_SECRET: %v", err)
		}
	})

	t.Run("bad tunables rejected", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "secret")
		t.Setenv("OUTBOUND_BUFFER", "0")
		if _, err := Load(false); err == nil {
			t.Error("zero buffer should fail validation")
		}
	})
}
