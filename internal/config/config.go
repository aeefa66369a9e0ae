package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DBFile     string `env:"HUDDLE_DB" envDefault:"huddle.db"`
	APIAddr    string `env:"API_ADDR" envDefault:":8080"`
	AuthSecret string `env:"AUTH_SECRET"`

	TokenExpiry time.Duration `env:"TOKEN_EXPIRY" envDefault:"24h"`

	// Real-time engine tunables. The defaults are design values, not
	// compatibility constants.
	TypingTTL        time.Duration `env:"TYPING_TTL" envDefault:"5s"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"2s"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"15s"`
	GraceWindow      time.Duration `env:"GRACE_WINDOW" envDefault:"10s"`
	PromotionBase    time.Duration `env:"PROMOTION_BACKOFF_BASE" envDefault:"1s"`
	PromotionCap     time.Duration `env:"PROMOTION_BACKOFF_CAP" envDefault:"30s"`

	// Per-session outbound event buffer size.
	OutboundBuffer int `env:"OUTBOUND_BUFFER" envDefault:"64"`

	// Typing signal rate limit per user.
	TypingRPS   float64 `env:"TYPING_RPS" envDefault:"2"`
	TypingBurst int     `env:"TYPING_BURST" envDefault:"5"`

	// Base URL used to resolve attachment keys to fetchable URLs.
	AttachmentBaseURL string `env:"ATTACHMENT_BASE_URL" envDefault:"/files"`
}

func Load(cliMode bool) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.TypingTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("TYPING_TTL and SWEEP_INTERVAL must be greater than 0")
	}
	if c.HeartbeatTimeout <= 0 || c.GraceWindow <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT and GRACE_WINDOW must be greater than 0")
	}
	if c.OutboundBuffer <= 0 {
		return fmt.Errorf("OUTBOUND_BUFFER must be greater than 0")
	}
	return nil
}
