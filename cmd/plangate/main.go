package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/plangate/pkg/app"
	"github.com/platinummonkey/plangate/pkg/config"
	"github.com/platinummonkey/plangate/pkg/observability"
)

var version = "dev"

var embedScheduler = flag.Bool("with-scheduler", os.Getenv("PLANGATE_EMBED_SCHEDULER") == "true", "Run the scheduled jobs inside the API process")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
		os.Exit(1)
	}

	a, err := app.Build(ctx, cfg, nil, version)
	if err != nil {
		logger.WithError(err).Error("Failed to build application")
		os.Exit(1)
	}
	a.Start(ctx)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Router(logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc("application", func(ctx context.Context) error {
		return a.Close()
	})

	if *embedScheduler {
		runner, err := a.Runner()
		if err != nil {
			logger.WithError(err).Error("Failed to schedule jobs")
			os.Exit(1)
		}
		runner.Start()
		shutdown.RegisterShutdownFunc("scheduler", runner.Stop)
		logger.Info("Scheduler running in process")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(map[string]interface{}{
			"addr":    server.Addr,
			"version": version,
		}).Info("Starting plangate")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("plangate stopped with error")
		os.Exit(1)
	}
}
