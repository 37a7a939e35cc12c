package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobescrow/config"
	"jobescrow/core/events"
	"jobescrow/core/state"
	"jobescrow/native/escrow"
	"jobescrow/observability/logging"
	"jobescrow/observability/metrics"
	telemetry "jobescrow/observability/otel"
	"jobescrow/services/escrowd/journal"
	"jobescrow/services/escrowd/server"
	"jobescrow/storage"
)

const (
	serviceName     = "escrowd"
	shutdownTimeout = 10 * time.Second
	dropPollPeriod  = 15 * time.Second
)

func main() {
	configPath := flag.String("config", "./escrowd.toml", "Path to the escrowd configuration file (TOML or YAML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    serviceName,
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Enabled && cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Enabled && cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := manager.EnsureStateVersion(cfg.Storage.AllowMigrate); err != nil {
		return err
	}

	treasury, err := cfg.Escrow.TreasuryIdentity()
	if err != nil {
		return err
	}
	jurorPool, err := cfg.Escrow.JurorPoolIdentity()
	if err != nil {
		return err
	}

	gormDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	j, err := journal.New(gormDB, logger)
	if err != nil {
		return err
	}

	hub := events.NewHub()
	hub.Attach(j)

	engine := escrow.NewEngine(manager)
	engine.SetTreasury(treasury)
	engine.SetJurorPool(jurorPool)
	engine.SetGracePeriod(cfg.Escrow.GracePeriod)
	engine.SetEmitter(hub)

	api, err := server.New(server.Config{
		Auth: server.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew,
		},
		RateLimit: server.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		ServiceName: serviceName,
	}, engine, j, hub, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(dropPollPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.Events().SetDropped(hub.Dropped())
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("storage", cfg.Storage.Backend),
			slog.String("journal", cfg.Journal.Driver),
			slog.String("treasury", treasury.String()),
			slog.String("jurorPool", jurorPool.String()),
			logging.MaskField("hmacSecret", cfg.Auth.HMACSecret),
			logging.MaskField("journalDsn", cfg.Journal.DSN))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down escrowd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
