// Package config – keyring.go stores secrets in the operating system's
// keyring (Secret Service, Keychain, Credential Manager).
//
// Resolution order for a secret:
//  1. config value (after environment expansion)
//  2. OS keyring entry
package config

import (
	"log/slog"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "botbridge"

// Keyring entry names.
const (
	KeyStorePassphrase = "store.passphrase"
	KeyGatewayToken    = "gateway.auth_token"
)

// BotSecretKey returns the keyring entry for a bot option, e.g.
// "bot.support.token".
func BotSecretKey(botID, option string) string {
	return "bot." + botID + "." + option
}

// StoreKeyring saves a secret.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring returns a secret, or "" when missing or unavailable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// secretOptions are bot options looked up in the keyring when empty.
var secretOptions = []string{"token"}

// ResolveSecrets fills empty or unexpanded secret fields from the keyring.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Store.Encryption.Enabled && unresolved(cfg.Store.Encryption.Passphrase) {
		if v := GetKeyring(KeyStorePassphrase); v != "" {
			cfg.Store.Encryption.Passphrase = v
			logger.Debug("store passphrase loaded from OS keyring")
		}
	}

	if unresolved(cfg.Gateway.AuthToken) {
		if v := GetKeyring(KeyGatewayToken); v != "" {
			cfg.Gateway.AuthToken = v
			logger.Debug("gateway token loaded from OS keyring")
		}
	}

	for i := range cfg.Bots {
		b := &cfg.Bots[i]
		for _, opt := range secretOptions {
			if !unresolved(b.Options[opt]) {
				continue
			}
			if v := GetKeyring(BotSecretKey(b.ID, opt)); v != "" {
				if b.Options == nil {
					b.Options = make(map[string]string)
				}
				b.Options[opt] = v
				logger.Debug("bot secret loaded from OS keyring", "bot", b.ID, "option", opt)
			}
		}
	}
}

// unresolved reports whether v is empty or still an env reference.
func unresolved(v string) bool {
	return v == "" || strings.HasPrefix(v, "$")
}
