package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the server process needs. All values come from
// the environment; nothing else reads raw env vars.
type Config struct {
	HTTPPort     string `env:"HTTP_PORT" envDefault:"8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"echochat.db"`
	JWTSecret    string `env:"JWT_SECRET"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`

	TURNPort  int    `env:"TURN_PORT" envDefault:"3478"`
	TURNRealm string `env:"TURN_REALM" envDefault:"echochat"`

	// VAPID keys for web push. Push is skipped when unset.
	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT" envDefault:"mailto:admin@echochat.app"`

	// Signaling protocol tunables.
	RelayAckTimeout   time.Duration `env:"RELAY_ACK_TIMEOUT" envDefault:"45s"`
	CallRecencyWindow time.Duration `env:"CALL_RECENCY_WINDOW" envDefault:"60s"`
	SweepInterval     time.Duration `env:"CALL_SWEEP_INTERVAL" envDefault:"60s"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.RelayAckTimeout <= 0 || c.CallRecencyWindow <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
