package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"time"
)

// Watcher polls a config file and calls onChange with the reloaded
// configuration whenever its content changes. Invalid files are logged
// and skipped; the previous configuration stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(*Config)
	logger   *slog.Logger
	load     func(string) (*Config, error)

	lastHash [sha256.Size]byte
}

// NewWatcher creates a watcher. An interval of zero selects 5s.
func NewWatcher(path string, interval time.Duration, onChange func(*Config), logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		interval: interval,
		onChange: onChange,
		logger:   logger.With("component", "config-watcher"),
		load:     Load,
	}
}

// Start records the current content and polls until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	if data, err := os.ReadFile(w.path); err == nil {
		w.lastHash = sha256.Sum256(data)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config file unreadable", "path", w.path, "error", err)
		return
	}
	hash := sha256.Sum256(data)
	if hash == w.lastHash {
		return
	}
	w.lastHash = hash

	cfg, err := w.load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}
	w.logger.Info("config changed, reloading", "path", w.path, "bots", len(cfg.Bots))
	w.onChange(cfg)
}
