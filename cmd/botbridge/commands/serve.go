package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/botbridge/pkg/botbridge/bridge"
	"github.com/jholhewres/botbridge/pkg/botbridge/config"
	"github.com/jholhewres/botbridge/pkg/botbridge/gateway"
	"github.com/jholhewres/botbridge/pkg/botbridge/manager"
	"github.com/jholhewres/botbridge/pkg/botbridge/sessionstore"
)

// newServeCmd creates the `botbridge serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every configured bot and the HTTP gateway",
		Long: `Start BotBridge as a daemon: every configured bot is started, its
session restored from the session store, and the HTTP gateway serves
statuses, commands and the event stream.

Changes to the bot list in the configuration file are applied live.

Examples:
  botbridge serve
  botbridge serve --config ./botbridge.yaml --no-gateway`,
		RunE: runServe,
	}

	cmd.Flags().Bool("no-gateway", false, "do not start the HTTP gateway")
	cmd.Flags().Bool("no-watch", false, "do not reload the configuration file on change")
	cmd.Flags().Duration("watch-interval", 5*time.Second, "configuration poll interval")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Session store ──
	store, err := sessionstore.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	// ── Bots ──
	mgr, err := manager.New(manager.Options{
		Store:              store,
		Logger:             logger,
		CheckpointSchedule: cfg.Checkpoint.Schedule,
	})
	if err != nil {
		return err
	}
	unsubscribe := mgr.Subscribe(func(env bridge.Envelope) {
		switch env.Topic {
		case "scan":
			logger.Info("login code", "bot", env.Identity, "status", env.Status, "code", env.Payload)
		case bridge.TopicError:
			logger.Warn("bot error", "bot", env.Identity, "payload", env.Payload)
		default:
			logger.Debug("envelope", "bot", env.Identity, "topic", env.Topic)
		}
	})
	defer unsubscribe()

	if err := mgr.Apply(ctx, cfg.Bots); err != nil {
		// Failed bots stay registered offline and are retried on reload.
		logger.Error("some bots failed to start", "error", err)
	}

	// ── Gateway ──
	var gw *gateway.Gateway
	noGateway, _ := cmd.Flags().GetBool("no-gateway")
	if cfg.Gateway.Enabled && !noGateway {
		gw = gateway.New(mgr, cfg.Gateway, logger)
		if err := gw.Start(ctx); err != nil {
			mgr.Shutdown(context.Background())
			return fmt.Errorf("starting gateway: %w", err)
		}
	}

	// ── Hot reload ──
	noWatch, _ := cmd.Flags().GetBool("no-watch")
	if !noWatch {
		interval, _ := cmd.Flags().GetDuration("watch-interval")
		watcher := config.NewWatcher(path, interval, func(next *config.Config) {
			if next.Store != cfg.Store || next.Gateway.Address != cfg.Gateway.Address {
				logger.Warn("store and gateway changes take effect after a restart")
			}
			if err := mgr.Apply(ctx, next.Bots); err != nil {
				logger.Error("config reload: some bots failed", "error", err)
			}
		}, logger)
		go watcher.Start(ctx)
	}

	logger.Info("BotBridge running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"bots", len(cfg.Bots),
		"config", path,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bots did not stop cleanly", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
