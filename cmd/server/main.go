// Resolv - Order dispute resolution and arbitration for the marketplace
package main

import (
	"context"
	"os"

	"github.com/resolvhq/resolv/internal/config"
	"github.com/resolvhq/resolv/internal/logging"
	"github.com/resolvhq/resolv/internal/server"
	"github.com/resolvhq/resolv/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("starting resolv",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.Currency,
		"response_window", cfg.ResponseWindow,
		"negotiation_window", cfg.NegotiationWindow,
	)

	ctx := context.Background()

	// Tracing is optional; the exporter is only wired when an OTLP
	// endpoint is configured.
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTraces(context.Background()); err != nil {
			logger.Error("trace shutdown error", "error", err)
		}
	}()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
