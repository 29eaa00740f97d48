// Package config – loader.go reads YAML files with .env loading and
// environment variable expansion.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and bare
// $VAR references.
//
// Capture groups:
//   - Group 1: variable name (braced syntax)
//   - Group 2: modifier ("-" default, "?" required)
//   - Group 3: default value or error message
//   - Group 4: variable name (bare syntax)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads path, expands environment variables, applies defaults,
// resolves keyring secrets and validates the result.
func Load(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	ResolveSecrets(cfg, slog.Default())
	resolveRelativePaths(cfg, path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands environment variables in data and decodes it over the
// defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions, keeping a .bak of
// the previous file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations.
func FindConfigFile() string {
	candidates := []string{
		"botbridge.yaml",
		"botbridge.yml",
		"config.yaml",
		"configs/botbridge.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ExpandEnv replaces environment references in input:
//   - ${VAR}           VAR's value, placeholder kept if unset
//   - ${VAR:-default}  VAR's value, or default if unset
//   - ${VAR:?message}  VAR's value, or an error if unset
//   - $VAR             VAR's value, placeholder kept if unset
func ExpandEnv(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+": "+value)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// loadEnvFiles loads .env files from the working directory and the
// config directory. Existing variables are not overwritten.
func loadEnvFiles(configDir string) {
	files := []string{".env", ".env.local"}
	if configDir != "" && configDir != "." {
		files = append(files, filepath.Join(configDir, ".env"))
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// resolveRelativePaths makes store paths relative to the config file.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Store.SQLite.Path = resolvePath(cfg.Store.SQLite.Path, dir)
	cfg.Store.File.Dir = resolvePath(cfg.Store.File.Dir, dir)
	for i := range cfg.Bots {
		if p, ok := cfg.Bots[i].Options["data_dir"]; ok {
			cfg.Bots[i].Options["data_dir"] = resolvePath(p, dir)
		}
	}
}

func resolvePath(path, base string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
