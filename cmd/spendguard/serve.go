package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/cynsta/spendguard/internal/api"
	"github.com/cynsta/spendguard/internal/config"
	"github.com/cynsta/spendguard/internal/ledger"
	"github.com/cynsta/spendguard/internal/metrics"
	"github.com/cynsta/spendguard/internal/orchestrate"
	"github.com/cynsta/spendguard/internal/pricing"
	"github.com/cynsta/spendguard/internal/provider"
	"github.com/cynsta/spendguard/internal/ratelimit"
	"github.com/cynsta/spendguard/internal/runlock"
	"github.com/cynsta/spendguard/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SpendGuard gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		ledgerStore ledger.Store
		lockManager runlock.Manager
		usageStore  usage.Store
	)

	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return err
		}
		slog.Info("connected to database")

		ledgerStore = ledger.NewPostgresStore(pool)
		lockManager = runlock.NewPostgresManager(pool)
		usageStore = usage.NewPostgresStore(pool)
	default:
		slog.Info("using in-memory storage, state will not survive restarts")
		ledgerStore = ledger.NewMemoryStore()
		lockManager = runlock.NewMemoryManager()
		usageStore = usage.NewMemoryStore()
	}

	catalog, err := buildCatalog(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	catalog.RefreshObserver = func(status string) {
		m.PricingRefreshTotal.WithLabelValues(status).Inc()
	}
	if err := catalog.Refresh(ctx); err != nil {
		// Fail-closed at request time, not at startup: the source may come up
		// later, and no request is priced without a verified table.
		slog.Warn("initial pricing refresh failed", "error", err)
	}

	collector := usage.NewCollector(usageStore, cfg.Usage.BatchSize, cfg.Usage.FlushInterval)
	go collector.Start(ctx)

	forwarder := provider.NewForwarder(cfg.Providers)
	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)

	runner := &orchestrate.Runner{
		Locks:            lockManager,
		Ledger:           ledgerStore,
		Pricer:           catalog,
		Forward:          forwarder.ChatCompletions,
		Usage:            collector,
		Metrics:          m,
		LockTTL:          cfg.RunLock.TTL,
		DefaultMaxOutput: cfg.Estimator.DefaultMaxOutputTokens,
		Logger:           logger,
	}

	router := api.NewRouter(api.RouterDeps{
		Ledger:          ledgerStore,
		Usage:           usageStore,
		Runner:          runner,
		Limiter:         limiter,
		Metrics:         m,
		Mode:            cfg.Mode,
		APIKeyHash:      cfg.Auth.APIKeyHash,
		DefaultProvider: cfg.Providers.Default,
		KnownProvider:   forwarder.Known,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "mode", cfg.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}

func buildCatalog(cfg *config.Config) (*pricing.Catalog, error) {
	var source pricing.Source
	switch cfg.Pricing.Source {
	case config.PricingRemote:
		source = pricing.NewHTTPSource(cfg.Pricing.URL, cfg.Pricing.FetchTimeout)
	default:
		source = &pricing.FileSource{Path: cfg.Pricing.Path}
	}

	opts := pricing.Options{
		Source:           source,
		EnforceSignature: cfg.Pricing.SignatureEnforced(),
		SchemaVersion:    cfg.Pricing.SchemaVersion,
		RefreshTTL:       cfg.Pricing.RefreshTTL,
	}
	if opts.EnforceSignature {
		if cfg.Pricing.TrustKey == "" {
			return nil, fmt.Errorf("pricing.trust_key is required when signature enforcement is on")
		}
		key, err := pricing.ParseTrustKey(cfg.Pricing.TrustKey)
		if err != nil {
			return nil, err
		}
		opts.TrustKey = key
	}

	return pricing.NewCatalog(opts), nil
}
