// Package commands implements the botbridge CLI commands using cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/botbridge/pkg/botbridge/config"

	// Adapters register themselves with the puppet registry.
	_ "github.com/jholhewres/botbridge/pkg/botbridge/puppet/discord"
	_ "github.com/jholhewres/botbridge/pkg/botbridge/puppet/mock"
	_ "github.com/jholhewres/botbridge/pkg/botbridge/puppet/whatsapp"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "botbridge",
		Short: "BotBridge - chat bot sessions as a service",
		Long: `BotBridge keeps chat bot accounts (WhatsApp, Discord) logged in,
persists their sessions and bridges their events and commands to
JSON envelopes over HTTP, Server-Sent Events or an interactive console.

Examples:
  botbridge init
  botbridge serve --config ./botbridge.yaml
  botbridge console --bot support
  botbridge session export support > support.session`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Registra subcomandos.
	rootCmd.AddCommand(
		newServeCmd(),
		newConsoleCmd(),
		newInitCmd(),
		newSessionCmd(),
		newKeyringCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the file named by --config or the first file found
// in the standard locations, returning it with its path.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return nil, "", fmt.Errorf("no configuration file found; run 'botbridge init' or pass --config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section. --verbose
// forces debug.
func newLogger(cfg config.LoggingConfig, verbose bool, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
