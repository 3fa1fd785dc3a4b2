package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/plangate/pkg/app"
	"github.com/platinummonkey/plangate/pkg/config"
	"github.com/platinummonkey/plangate/pkg/observability"
	"github.com/platinummonkey/plangate/pkg/scheduler"
)

var version = "dev"

var (
	runOnce     = flag.String("run-once", "", "Run a single job and exit. One of: "+strings.Join(scheduler.JobNames(), ", "))
	listJobs    = flag.Bool("list-jobs", false, "Print the job names and exit")
	metricsAddr = flag.String("metrics-addr", getEnv("PLANGATE_SCHEDULER_METRICS_ADDR", ":9090"), "Address serving /metrics and health probes; empty disables it")
)

func main() {
	flag.Parse()

	if *listJobs {
		for _, name := range scheduler.JobNames() {
			os.Stdout.WriteString(name + "\n")
		}
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, nil, version)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}
	defer a.Close()
	logger := a.Logger

	runner, err := a.Runner()
	if err != nil {
		log.Fatalf("Failed to schedule jobs: %v", err)
	}

	// Run once mode (for backfills and manual runs)
	if *runOnce != "" {
		result, err := runner.RunOnce(ctx, *runOnce)
		if err != nil {
			log.Fatalf("Job %s failed: %v", *runOnce, err)
		}
		logger.WithField("job", result.Job).
			WithField("processed", result.Processed).
			WithField("item_errors", len(result.Errors)).
			Info("Job completed")
		if !result.Success {
			a.Close()
			os.Exit(1)
		}
		return
	}

	var server *http.Server
	if *metricsAddr != "" {
		router := mux.NewRouter()
		observability.RegisterHealthRoutes(router, a.Health)
		if a.Registry != nil {
			router.Handle("/metrics", observability.MetricsHandler(a.Registry)).Methods(http.MethodGet)
		}
		server = &http.Server{Addr: *metricsAddr, Handler: router, ReadTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	a.Start(ctx)
	runner.Start()
	for job := range runner.Entries() {
		if next, ok := runner.Next(job); ok {
			logger.WithField("job", job).WithField("next_run", next.Format(time.RFC3339)).Info("Job scheduled")
		}
	}
	logger.Info("plangate scheduler started")

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.RunTimeout)
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Running jobs did not finish before shutdown")
	}
	if server != nil {
		_ = server.Shutdown(stopCtx)
	}

	logger.Info("plangate scheduler stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
