/*
Package config loads runtime configuration from the environment.

PURPOSE:
  One struct holds everything the process needs: HTTP address, database
  path, lifecycle timing, sweep interval, SMTP credentials. A .env file
  is loaded first when present, then the environment wins.

SMTP:
  SMTPHost empty means email delivery is off and notifications go to
  the log only. This is the development default.
*/
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr     string `env:"ADDR" envDefault:":8080"`
	DBPath   string `env:"DB_PATH" envDefault:"tickets.db"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	PaymentWindow    time.Duration `env:"PAYMENT_WINDOW" envDefault:"24h"`
	ExpiryGrace      time.Duration `env:"EXPIRY_GRACE" envDefault:"5m"`
	ReviewStaleAfter time.Duration `env:"REVIEW_STALE_AFTER" envDefault:"168h"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     string `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	MailFrom     string `env:"MAIL_FROM"`
}

// Load reads .env if present, then parses the environment.
func Load() (*Config, error) {
	// A missing .env is fine; the environment alone may be complete.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// EmailEnabled reports whether SMTP delivery is configured.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != ""
}
