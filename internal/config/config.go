package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config represents application configuration, loaded from the environment.
type Config struct {
	// HTTPAddr is the listen address for the realtime HTTP server.
	HTTPAddr string `env:"CANOPY_HTTP_ADDR" envDefault:":8080"`

	// AuthSecret signs and verifies builder access tokens (HMAC).
	AuthSecret string `env:"CANOPY_AUTH_SECRET"`

	// DatabasePath is the SQLite database file path.
	DatabasePath string `env:"CANOPY_DB_PATH" envDefault:"canopy.db"`

	// NATSURL is the broker address for cross-process fan-out. Empty means
	// single-process mode: delivery stays local.
	NATSURL string `env:"CANOPY_NATS_URL"`

	// AnthropicAPIKey enables the AI responder. Empty disables streaming
	// completions (takeover-only deployments).
	AnthropicAPIKey string `env:"CANOPY_ANTHROPIC_API_KEY"`

	// AnthropicModel overrides the default completion model.
	AnthropicModel string `env:"CANOPY_ANTHROPIC_MODEL"`

	// LogLevel is one of debug, info, warn, error, none.
	LogLevel string `env:"CANOPY_LOG_LEVEL" envDefault:"info"`

	// LogPath directs logs to a file instead of stderr when set.
	LogPath string `env:"CANOPY_LOG_PATH"`

	// ConsumerCookieName carries the consumer session id on upgrade requests.
	ConsumerCookieName string `env:"CANOPY_CONSUMER_COOKIE" envDefault:"canopy_consumer"`

	// PprofAddr serves runtime profiling on a side listener when set.
	PprofAddr string `env:"CANOPY_PPROF_ADDR"`

	// PidFile records the daemon PID for process supervisors when set.
	PidFile string `env:"CANOPY_PID_FILE"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if strings.TrimSpace(cfg.AuthSecret) == "" {
		return nil, fmt.Errorf("CANOPY_AUTH_SECRET is required")
	}
	return &cfg, nil
}
