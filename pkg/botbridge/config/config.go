// Package config defines the bridge configuration: the bots to run, the
// session store, the HTTP gateway and logging. Files are YAML with
// environment variable expansion; secrets may come from the OS keyring.
package config

import (
	"fmt"
	"strings"

	"github.com/jholhewres/botbridge/pkg/botbridge/bridge"
	"github.com/jholhewres/botbridge/pkg/botbridge/sessionstore"
)

// Config is the root configuration.
type Config struct {
	// Name labels this bridge instance in logs.
	Name string `yaml:"name"`

	// Bots lists the bot configurations, one per account identity.
	Bots []BotConfig `yaml:"bots"`

	// Store configures session persistence.
	Store sessionstore.Config `yaml:"store"`

	// Checkpoint configures periodic session saves.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Gateway configures the HTTP API.
	Gateway GatewayConfig `yaml:"gateway"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`
}

// BotConfig describes one bot account.
type BotConfig struct {
	// ID is the account identity and registry key.
	ID string `yaml:"id"`

	// Puppet selects the adapter ("whatsapp", "discord", "mock").
	Puppet string `yaml:"puppet"`

	// Options are adapter settings such as token or data_dir.
	Options map[string]string `yaml:"options"`

	// Reconnect is the restart policy: logout (default), stop or none.
	Reconnect string `yaml:"reconnect"`
}

// Policy returns the parsed reconnect policy.
func (b BotConfig) Policy() bridge.ReconnectPolicy {
	p, err := bridge.ParseReconnectPolicy(b.Reconnect)
	if err != nil {
		return bridge.ReconnectOnLogout
	}
	return p
}

// CheckpointConfig configures periodic session checkpoints.
type CheckpointConfig struct {
	// Schedule is a cron spec or descriptor (e.g. "@every 10m").
	// Empty disables checkpoints.
	Schedule string `yaml:"schedule"`
}

// GatewayConfig configures the HTTP API server.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// AuthToken is required as a Bearer token when set.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins for browser clients.
	CORSOrigins []string `yaml:"cors_origins"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:       "botbridge",
		Store:      sessionstore.DefaultConfig(),
		Checkpoint: CheckpointConfig{Schedule: "@every 10m"},
		Gateway: GatewayConfig{
			Enabled: true,
			Address: "127.0.0.1:8090",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Bot returns the bot configuration with the given id.
func (c *Config) Bot(id string) (BotConfig, bool) {
	for _, b := range c.Bots {
		if b.ID == id {
			return b, true
		}
	}
	return BotConfig{}, false
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string
	seen := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		switch {
		case strings.TrimSpace(b.ID) == "":
			errs = append(errs, fmt.Sprintf("bots[%d]: id is required", i))
		case seen[b.ID]:
			errs = append(errs, fmt.Sprintf("bots[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true

		if b.Puppet == "" {
			errs = append(errs, fmt.Sprintf("bots[%d]: puppet is required", i))
		}
		if _, err := bridge.ParseReconnectPolicy(b.Reconnect); err != nil {
			errs = append(errs, fmt.Sprintf("bots[%d]: %v", i, err))
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format: unknown format %q", c.Logging.Format))
	}

	if c.Store.Encryption.Enabled && c.Store.Encryption.Passphrase == "" {
		errs = append(errs, "store.encryption: passphrase is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
