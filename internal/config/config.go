// Package config loads process configuration from CALLFLOW_-prefixed
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full server configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Provider selects the telephony adapter: infobip, twilio, or
	// simulation.
	Provider string `env:"PROVIDER" envDefault:"simulation"`

	// CallbackBaseURL is the public base URL providers deliver webhooks
	// to. Required for real providers, unused by simulation.
	CallbackBaseURL string `env:"CALLBACK_BASE_URL"`

	// FromNumber is the default caller id when a session omits one.
	FromNumber string `env:"FROM_NUMBER"`

	Infobip InfobipConfig `envPrefix:"INFOBIP_"`
	Twilio  TwilioConfig  `envPrefix:"TWILIO_"`

	// SQLitePath is the session database file. Empty selects the
	// in-memory store.
	SQLitePath string `env:"SQLITE_PATH"`

	// LedgerURL is the settlement notification endpoint. Empty disables
	// ledger notifications.
	LedgerURL string `env:"LEDGER_URL"`

	// RetryMaxAttempts is the per-step attempt ceiling.
	RetryMaxAttempts int `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	// RetryBackoff is the fixed delay between step attempts.
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"2s"`

	// CollectTimeout bounds the engine-side wait for collected digits.
	CollectTimeout time.Duration `env:"COLLECT_TIMEOUT" envDefault:"30s"`

	// StreamHeartbeat is the idle interval between event-stream
	// keepalives.
	StreamHeartbeat time.Duration `env:"STREAM_HEARTBEAT" envDefault:"30s"`
}

// InfobipConfig holds Infobip API credentials.
type InfobipConfig struct {
	BaseURL string `env:"BASE_URL" envDefault:"https://api.infobip.com"`
	APIKey  string `env:"API_KEY"`
}

// TwilioConfig holds Twilio API credentials.
type TwilioConfig struct {
	BaseURL    string `env:"BASE_URL" envDefault:"https://api.twilio.com"`
	AccountSID string `env:"ACCOUNT_SID"`
	AuthToken  string `env:"AUTH_TOKEN"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CALLFLOW_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.Provider {
	case "simulation":
	case "infobip":
		if c.Infobip.APIKey == "" {
			return fmt.Errorf("infobip provider requires CALLFLOW_INFOBIP_API_KEY")
		}
		if c.CallbackBaseURL == "" {
			return fmt.Errorf("infobip provider requires CALLFLOW_CALLBACK_BASE_URL")
		}
	case "twilio":
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			return fmt.Errorf("twilio provider requires CALLFLOW_TWILIO_ACCOUNT_SID and CALLFLOW_TWILIO_AUTH_TOKEN")
		}
		if c.CallbackBaseURL == "" {
			return fmt.Errorf("twilio provider requires CALLFLOW_CALLBACK_BASE_URL")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	return nil
}
