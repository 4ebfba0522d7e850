package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raaihank/promptshield/internal/config"
	"github.com/raaihank/promptshield/internal/gate"
	"github.com/raaihank/promptshield/internal/logger"
	"github.com/raaihank/promptshield/internal/scanner"
	"github.com/raaihank/promptshield/internal/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scan gate HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, rootOpts.ConfigPath, cfg, log)
		},
	}
}

func serve(ctx context.Context, configPath string, cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting promptshield",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Database.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
	}

	matcher := scanner.NewMatcher(scanner.CacheConfig{
		TTL:      cfg.Scanner.PatternCacheTTL,
		Capacity: cfg.Scanner.PatternCacheCapacity,
	}, log.WithComponent("matcher").Logger)
	go matcher.Start()
	defer matcher.Stop()

	serverOpts := []gate.ServerOption{gate.WithAdminStore(st)}

	// A cache outage degrades to store reads, so a failed connection is not fatal.
	var snapshots gate.SnapshotCache
	if cfg.Cache.Enabled {
		rc, err := openCache(cfg, log)
		if err != nil {
			log.Warn("Rule set cache unavailable, reading rules from the store", zap.Error(err))
		} else {
			defer rc.Close()
			snapshots = rc
			serverOpts = append(serverOpts, gate.WithCacheStats(rc))
		}
	}

	var (
		hub       *websocket.Hub
		publisher gate.Publisher
	)
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(hubConfig(cfg), log.Logger)
		publisher = hub
	}

	opts, table, err := gate.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	g := gate.New(scanner.New(matcher, log.Logger), st, snapshots, publisher, cfg.Gate.MaxConcurrentScans, opts, table, log)

	if configPath != "" {
		err := config.Watch(configPath, func(newCfg *config.Config) {
			opts, table, err := gate.OptionsFromConfig(newCfg)
			if err != nil {
				log.Warn("Ignoring configuration change", zap.Error(err))
				return
			}
			g.UpdateOptions(opts, table)
			if err := log.SetLevel(newCfg.Logging.Level); err != nil {
				log.Warn("Ignoring log level change", zap.Error(err))
			}
			log.Info("Configuration reloaded",
				zap.String("failure_policy", string(opts.FailurePolicy)),
				zap.Duration("scan_timeout", opts.ScanTimeout))
		}, func(err error) {
			log.Warn("Configuration reload failed", zap.Error(err))
		})
		if err != nil {
			log.Warn("Configuration watch disabled", zap.Error(err))
		}
	}

	server := gate.NewServer(cfg, g, hub, log, version, serverOpts...)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start(ctx)
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	if err := <-serverErrors; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("Server shutdown complete")
	return nil
}

func hubConfig(cfg *config.Config) *websocket.HubConfig {
	return &websocket.HubConfig{
		BroadcastDecisions:   cfg.WebSocket.Events.BroadcastDecisions,
		BroadcastAllowed:     cfg.WebSocket.Events.BroadcastAllowed,
		BroadcastSystem:      cfg.WebSocket.Events.BroadcastSystem,
		BroadcastConnections: cfg.WebSocket.Events.BroadcastConnections,
		Username:             cfg.WebSocket.Username,
		Password:             cfg.WebSocket.Password,
		AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
	}
}
