// Package sessionstore persists one opaque session blob per bot identity.
// The bridge writes the blob on every logout and on teardown and reads it
// once when the connection is created. Blobs are never interpreted here.
//
// Backends: sqlite (default), postgresql, file and memory. Any backend can
// be wrapped with Encrypted to seal blobs at rest.
package sessionstore

import (
	"context"
	"fmt"
	"log/slog"
)

// Store is the get/set contract the bridge consumes.
type Store interface {
	// Load returns the blob for identity. A nil blob with a nil error
	// means no session exists and a fresh login is required.
	Load(ctx context.Context, identity string) ([]byte, error)

	// Save replaces the blob for identity.
	Save(ctx context.Context, identity string, blob []byte) error

	// Delete removes the blob for identity. Deleting a missing blob is not
	// an error.
	Delete(ctx context.Context, identity string) error

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "sqlite", "postgresql", "file" or "memory".
	Backend string `yaml:"backend"`

	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	File       FileConfig       `yaml:"file"`

	// Encryption seals blobs with a passphrase-derived key.
	Encryption EncryptionConfig `yaml:"encryption"`
}

// EncryptionConfig configures the Encrypted wrapper.
type EncryptionConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Passphrase string `yaml:"passphrase"`
}

// DefaultConfig returns a Config using a local SQLite database.
func DefaultConfig() Config {
	return Config{
		Backend: "sqlite",
		SQLite:  SQLiteConfig{Path: "./data/botbridge.db"},
		File:    FileConfig{Dir: "./data/sessions"},
	}
}

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = fmt.Errorf("unknown session store backend")

// Open builds the store described by cfg.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sessionstore")

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case "", "sqlite":
		store, err = OpenSQLite(ctx, cfg.SQLite)
	case "postgresql", "postgres":
		store, err = OpenPostgreSQL(ctx, cfg.PostgreSQL)
	case "file":
		store, err = NewFileStore(cfg.File.Dir)
	case "memory":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Encryption.Enabled {
		if cfg.Encryption.Passphrase == "" {
			store.Close()
			return nil, fmt.Errorf("session store encryption enabled without a passphrase")
		}
		store = NewEncrypted(store, cfg.Encryption.Passphrase)
	}

	logger.Info("session store opened",
		"backend", cfg.Backend,
		"encrypted", cfg.Encryption.Enabled)
	return store, nil
}
