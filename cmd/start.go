package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-route-proxy/internal/config"
	"github.com/mihaisavezi/claude-route-proxy/internal/handlers"
	"github.com/mihaisavezi/claude-route-proxy/internal/process"
	"github.com/mihaisavezi/claude-route-proxy/internal/providers"
	"github.com/mihaisavezi/claude-route-proxy/internal/server"
	"github.com/mihaisavezi/claude-route-proxy/internal/usage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy",
	Long:  `Start the proxy in the foreground. SIGINT or SIGTERM shuts it down gracefully and flushes usage.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	procMgr := process.NewManager(baseDir)
	if procMgr.IsRunning() {
		return fmt.Errorf("%s is already running (pid %d)", AppName, procMgr.ReadPID())
	}

	registry, err := providers.NewRegistry(cfg.Providers, providers.WithLogger(logger))
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg.Usage)
	if err != nil {
		return err
	}
	defer closeStore.Close()

	tracker := usage.NewTracker(
		usage.WithStore(store),
		usage.WithPricing(cfg.PricingTable()),
		usage.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tracker.Load(ctx); err != nil {
		logger.Warn("Failed to load usage history, starting empty", "error", err)
	}

	srv, err := server.New(server.Options{
		Host:          cfg.Host,
		Port:          cfg.Port,
		Registry:      registry,
		Tracker:       tracker,
		TokenCounter:  tokenCounter(cfg.TokenEncoding),
		Logger:        logger,
		ShutdownGrace: cfg.ShutdownGrace,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	if err := procMgr.WritePID(); err != nil {
		logger.Warn("Failed to write PID file", "error", err)
	}
	defer procMgr.CleanupPID() //nolint:errcheck

	color.Green("%s v%s listening on http://%s", AppName, Version, srv.Addr())
	logger.Info("Routes configured", "providers", registry.List(), "usage_store", cfg.Usage.Store)

	go flushPeriodically(ctx, tracker, cfg.Usage.FlushInterval)

	<-ctx.Done()

	shutdownErr := srv.Shutdown(context.Background())

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tracker.Flush(flushCtx); err != nil {
		logger.Error("Failed to flush usage", "error", err)
	}

	stats := tracker.Stats()
	logger.Info("Stopped",
		"requests", stats.Requests,
		"total_tokens", stats.TotalTokens,
		"cost_usd", stats.TotalCostUSD,
	)

	return shutdownErr
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore builds the configured usage store. A nil store disables
// persistence.
func openStore(cfg config.UsageConfig) (usage.Store, io.Closer, error) {
	switch cfg.Store {
	case config.StoreJSON:
		return usage.NewFileStore(cfg.Path), nopCloser{}, nil
	case config.StoreSQLite:
		store, err := usage.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}

		return store, store, nil
	default:
		return nil, nopCloser{}, nil
	}
}

func tokenCounter(encoding string) handlers.TokenCounter {
	if encoding == config.EncodingNone {
		return handlers.ApproxCounter{}
	}

	if encoding == "" {
		encoding = handlers.DefaultEncoding
	}

	counter, err := handlers.NewTiktokenCounter(encoding)
	if err != nil {
		logger.Warn("Token encoding unavailable, using approximate counts", "encoding", encoding, "error", err)
		return handlers.ApproxCounter{}
	}

	return counter
}

func flushPeriodically(ctx context.Context, tracker *usage.Tracker, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tracker.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Periodic usage flush failed", "error", err)
			}
		}
	}
}
