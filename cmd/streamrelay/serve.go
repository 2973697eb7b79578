package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ent0n29/streamrelay/internal/config"
	"github.com/ent0n29/streamrelay/internal/httpapi"
	"github.com/ent0n29/streamrelay/internal/logging"
	"github.com/ent0n29/streamrelay/internal/observability"
	"github.com/ent0n29/streamrelay/internal/relay"
	"github.com/ent0n29/streamrelay/internal/segment"
	"github.com/ent0n29/streamrelay/internal/session"
	"github.com/ent0n29/streamrelay/internal/upstream"
	"github.com/ent0n29/streamrelay/internal/usage"
)

func newServeCmd() *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and SSE relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}
			logging.Setup(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "listen address (overrides APP_BIND_ADDR)")
	return cmd
}

func loadSegmenter(path string, hardLimit float64) (*segment.Segmenter, error) {
	rules, err := segment.LoadRules(path)
	if err != nil {
		return nil, err
	}
	if hardLimit > 0 {
		rules.HardLimit = hardLimit
	}
	return segment.New(rules)
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	seg, err := loadSegmenter(cfg.SegmenterRulesFile, cfg.SegmenterHardLimit)
	if err != nil {
		return fmt.Errorf("segmenter rules: %w", err)
	}

	ledger, err := usage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("usage store init failed: %w", err)
	}
	defer ledger.Close()

	client, err := upstream.NewClient(upstream.Config{
		Mode:         cfg.UpstreamMode,
		Timeout:      cfg.UpstreamTimeout,
		StartRetries: cfg.UpstreamStartRetries,
		RetryBase:    cfg.UpstreamRetryBase,
		RetryCap:     cfg.UpstreamRetryCap,
	})
	if err != nil {
		return fmt.Errorf("upstream client init failed: %w", err)
	}

	registry := session.NewRegistry(cfg.SessionTTL)
	svc := relay.NewService(relay.Options{
		Registry:      registry,
		Client:        client,
		Segmenter:     seg,
		Ledger:        ledger,
		Metrics:       metrics,
		StripTrailing: cfg.StripTrailing,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	if err := registry.StartSweeper(runCtx, cfg.SweepSchedule); err != nil {
		return fmt.Errorf("session sweeper: %w", err)
	}
	defer registry.Stop()

	api := httpapi.New(cfg, svc, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.BindAddr).
			Str("upstream_mode", cfg.UpstreamMode).
			Dur("session_ttl", cfg.SessionTTL).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok && err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("drivers did not stop in time")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
