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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callflux/callflux/internal/action"
	"github.com/callflux/callflux/internal/api"
	"github.com/callflux/callflux/internal/call"
	"github.com/callflux/callflux/internal/campaign"
	"github.com/callflux/callflux/internal/config"
	"github.com/callflux/callflux/internal/dial"
	"github.com/callflux/callflux/internal/ivr"
	"github.com/callflux/callflux/internal/metrics"
	"github.com/callflux/callflux/internal/pbx"
	"github.com/callflux/callflux/internal/push"
	"github.com/callflux/callflux/internal/trunk"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callflux",
		"http_port", cfg.HTTPPort,
		"pbx_host", cfg.PBXHost,
		"action_base_url", cfg.ActionBaseURL,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Core state: trunk inventory, call records, push sessions, channel
	// sessions and the campaign catalog.
	trunks := trunk.NewStore(logger)
	calls := call.NewStore(logger)
	pushes := push.NewRegistry(logger)
	channels := ivr.NewRegistry()
	catalog := campaign.NewStore(cfg.CatalogURL, logger)

	if cfg.CatalogFile != "" {
		if err := catalog.LoadFile(cfg.CatalogFile); err != nil {
			slog.Error("failed to load campaign catalog file", "path", cfg.CatalogFile, "error", err)
			os.Exit(1)
		}
		slog.Info("campaign catalog loaded", "path", cfg.CatalogFile, "campaigns", catalog.Campaigns())
	}
	if cfg.CatalogURL != "" {
		go catalog.Run(appCtx)
	}
	if cfg.CatalogFile == "" && cfg.CatalogURL == "" {
		slog.Warn("no campaign catalog configured, call creation will reject every campaign")
	}

	// Expired call records are swept in the background.
	go calls.Run(appCtx)

	// Trunk inventory refresh from the trunk-management server.
	if cfg.TrunkServerURL != "" {
		go trunk.NewInventoryFetcher(cfg.TrunkServerURL, trunks, logger).Run(appCtx)
	} else {
		slog.Warn("no trunk server configured, trunk inventory will stay empty")
	}

	// ARI control surface and call orchestration.
	ariClient := pbx.NewRESTClient(cfg.ARIBaseURL(), cfg.ARIUsername, cfg.ARIPassword, cfg.ARIApp, logger)
	fetcher := ivr.NewHTTPScriptFetcher(logger)
	queue := dial.NewQueue(logger)
	manager := dial.NewManager(ariClient, queue, trunks, calls, pushes, channels, fetcher, cfg.ActionBaseURL, logger)

	engine := action.NewEngine(calls, catalog, pushes, cfg.ActionBaseURL, logger)
	validator := action.NewValidator(calls, catalog, pushes, channels, cfg.ActionBaseURL, logger)

	// ARI event stream. Manager handles stasis, DTMF, playback, ringing
	// and hangup events.
	demux := pbx.NewDemux(cfg.ARIWebSocketURL(), manager, logger)
	go demux.Run(appCtx)

	// Metrics over the live stores.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(calls, trunks, queue, pushes, channels, time.Now()))
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	handler := api.NewServer(api.Deps{
		Config:    cfg,
		Trunks:    trunks,
		Calls:     calls,
		Queue:     queue,
		Manager:   manager,
		Engine:    engine,
		Validator: validator,
		Pushes:    pushes,
		Catalog:   catalog,
		Metrics:   metricsHandler,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. Background loops stop with appCtx;
	// push subscribers get a close frame before their sockets drop.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()
	pushes.Shutdown()
	handler.Close()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("callflux stopped")
}
