package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/botbridge/pkg/botbridge/bridge"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sampleYAML = `
name: ops
bots:
  - id: support
    puppet: discord
    options:
      token: ${SUPPORT_TOKEN:-dev-token}
    reconnect: stop
  - id: sales
    puppet: whatsapp
    options:
      data_dir: ./wa
store:
  backend: file
  file:
    dir: ./sessions
checkpoint:
  schedule: "@every 1m"
gateway:
  address: ":9000"
logging:
  format: json
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Name != "ops" || len(cfg.Bots) != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if got := cfg.Bots[0].Options["token"]; got != "dev-token" {
		t.Errorf("expected default expansion, got %q", got)
	}
	if cfg.Bots[0].Policy() != bridge.ReconnectOnStop || cfg.Bots[1].Policy() != bridge.ReconnectOnLogout {
		t.Errorf("unexpected policies %s %s", cfg.Bots[0].Policy(), cfg.Bots[1].Policy())
	}
	if cfg.Store.Backend != "file" || cfg.Store.File.Dir != "./sessions" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	// Unset sections keep their defaults.
	if !cfg.Gateway.Enabled || cfg.Gateway.Address != ":9000" || cfg.Logging.Level != "info" {
		t.Errorf("defaults lost: gateway %+v logging %+v", cfg.Gateway, cfg.Logging)
	}

	if b, ok := cfg.Bot("sales"); !ok || b.Puppet != "whatsapp" {
		t.Errorf("Bot lookup failed: %+v", b)
	}
	if _, ok := cfg.Bot("nobody"); ok {
		t.Error("unexpected bot found")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("BB_SET", "value")
	os.Unsetenv("BB_UNSET")

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"${BB_SET}", "value", false},
		{"$BB_SET", "value", false},
		{"${BB_UNSET}", "${BB_UNSET}", false},
		{"$BB_UNSET", "$BB_UNSET", false},
		{"${BB_UNSET:-fallback}", "fallback", false},
		{"${BB_SET:-fallback}", "value", false},
		{"${BB_SET:?needed}", "value", false},
		{"${BB_UNSET:?token needed}", "", true},
		{"a ${BB_SET} b", "a value b", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ExpandEnv(tt.in)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "BB_UNSET") {
					t.Errorf("expected error naming the variable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty id", func(c *Config) { c.Bots[0].ID = " " }, "id is required"},
		{"duplicate id", func(c *Config) { c.Bots[1].ID = "a" }, "duplicate id"},
		{"missing puppet", func(c *Config) { c.Bots[0].Puppet = "" }, "puppet is required"},
		{"bad policy", func(c *Config) { c.Bots[0].Reconnect = "always" }, "unknown reconnect policy"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"encryption without passphrase", func(c *Config) { c.Store.Encryption.Enabled = true }, "passphrase"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Bots = []BotConfig{{ID: "a", Puppet: "mock"}, {ID: "b", Puppet: "mock", Reconnect: "none"}}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResolveSecrets(t *testing.T) {
	keyring.MockInit()

	if err := StoreKeyring(BotSecretKey("support", "token"), "kr-token"); err != nil {
		t.Fatal(err)
	}
	if err := StoreKeyring(KeyStorePassphrase, "kr-pass"); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Store.Encryption.Enabled = true
	cfg.Bots = []BotConfig{
		{ID: "support", Puppet: "discord"},
		{ID: "other", Puppet: "discord", Options: map[string]string{"token": "explicit"}},
		{ID: "unexpanded", Puppet: "discord", Options: map[string]string{"token": "${MISSING}"}},
	}
	ResolveSecrets(cfg, quietLogger())

	if got := cfg.Bots[0].Options["token"]; got != "kr-token" {
		t.Errorf("expected keyring token, got %q", got)
	}
	if got := cfg.Bots[1].Options["token"]; got != "explicit" {
		t.Errorf("explicit token must win, got %q", got)
	}
	if got := cfg.Bots[2].Options["token"]; got != "${MISSING}" {
		t.Errorf("expected placeholder kept without keyring entry, got %q", got)
	}
	if cfg.Store.Encryption.Passphrase != "kr-pass" {
		t.Errorf("expected keyring passphrase, got %q", cfg.Store.Encryption.Passphrase)
	}

	if err := DeleteKeyring(KeyStorePassphrase); err != nil {
		t.Fatal(err)
	}
	if GetKeyring(KeyStorePassphrase) != "" {
		t.Error("expected deleted secret to be gone")
	}
}

func TestLoadAndSave(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	path := filepath.Join(dir, "botbridge.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.File.Dir != filepath.Join(dir, "sessions") {
		t.Errorf("expected store dir relative to config, got %s", cfg.Store.File.Dir)
	}
	if got := cfg.Bots[1].Options["data_dir"]; got != filepath.Join(dir, "wa") {
		t.Errorf("expected data_dir relative to config, got %s", got)
	}

	cfg.Name = "renamed"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("expected backup file: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Name != "renamed" || len(again.Bots) != 2 {
		t.Errorf("round trip lost data: %+v", again)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatcher(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	path := filepath.Join(dir, "botbridge.yaml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("bots:\n  - id: a\n    puppet: mock\n")

	changes := make(chan *Config, 4)
	w := NewWatcher(path, 20*time.Millisecond, func(c *Config) { changes <- c }, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	t.Run("unchanged file is ignored", func(t *testing.T) {
		select {
		case c := <-changes:
			t.Fatalf("unexpected reload %+v", c)
		case <-time.After(80 * time.Millisecond):
		}
	})

	t.Run("change triggers reload", func(t *testing.T) {
		write("bots:\n  - id: a\n    puppet: mock\n  - id: b\n    puppet: mock\n")
		select {
		case c := <-changes:
			if len(c.Bots) != 2 {
				t.Errorf("expected 2 bots, got %d", len(c.Bots))
			}
		case <-time.After(2 * time.Second):
			t.Fatal("change not detected")
		}
	})

	t.Run("invalid config is skipped", func(t *testing.T) {
		write("bots:\n  - id: a\n    puppet: mock\n  - id: a\n    puppet: mock\n")
		select {
		case c := <-changes:
			t.Fatalf("invalid config applied: %+v", c)
		case <-time.After(150 * time.Millisecond):
		}
	})
}
