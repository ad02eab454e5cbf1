// Package config loads the Core's process configuration from the
// environment, by option rather than by a language-specific mechanism.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay process.
type Config struct {
	// Port the Core listens on for both /cdp and /extension, plus HTTP
	// discovery/status/privileged routes.
	Port int `envconfig:"PORT" default:"19988"`
	// Host is the loopback address the Core binds to. The /extension
	// endpoint's remote address must be loopback regardless of this
	// value; Host only controls what the listener itself binds.
	Host string `envconfig:"HOST" default:"127.0.0.1"`

	// Token, if set, is required as ?token= on /cdp, and as a bearer
	// header or ?token= on privileged HTTP routes.
	Token string `envconfig:"RELAY_TOKEN" default:""`

	// AllowedExtensionIDs is the chrome-extension://<id> allow-list used
	// by the security gates and the restricted-target filter.
	// Comma-separated in the environment.
	AllowedExtensionIDs []string `envconfig:"ALLOWED_EXTENSION_IDS"`

	// AutoCreateTab creates an initial tab on first driver
	// Target.setAutoAttach if the owning extension has zero targets.
	AutoCreateTab bool `envconfig:"AUTO_CREATE_TAB" default:"false"`

	// ExtensionRequestTimeoutMS bounds how long the Core waits for an
	// extension to answer a forwarded request.
	ExtensionRequestTimeoutMS int `envconfig:"EXTENSION_REQUEST_TIMEOUT_MS" default:"30000"`

	// LogCDPFrames enables verbose per-frame CDP command/event logging.
	LogCDPFrames bool `envconfig:"LOG_CDP_FRAMES" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if cfg.Host == "" {
		return fmt.Errorf("HOST is required")
	}
	if cfg.ExtensionRequestTimeoutMS <= 0 {
		return fmt.Errorf("EXTENSION_REQUEST_TIMEOUT_MS must be greater than 0")
	}
	for i, id := range cfg.AllowedExtensionIDs {
		cfg.AllowedExtensionIDs[i] = strings.TrimSpace(id)
	}
	return nil
}

// ExtensionAllowed reports whether id is in the configured allow-list.
func (c *Config) ExtensionAllowed(id string) bool {
	for _, allowed := range c.AllowedExtensionIDs {
		if allowed == id {
			return true
		}
	}
	return false
}
