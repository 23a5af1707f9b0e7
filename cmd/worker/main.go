package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robballantyne/inference-worker/internal/config"
	"github.com/robballantyne/inference-worker/internal/logmon"
	"github.com/robballantyne/inference-worker/internal/profiles"
	"github.com/robballantyne/inference-worker/internal/proxy"
	"github.com/robballantyne/inference-worker/internal/readiness"
	"github.com/robballantyne/inference-worker/internal/services"
	"github.com/robballantyne/inference-worker/internal/store"
	"github.com/robballantyne/inference-worker/pkg/server"
)

func main() {
	var envFile = flag.String("env", "", "Optional .env file to load")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	profile, err := profiles.ForType(cfg.WorkerType)
	if err != nil {
		slog.Error("Failed to select worker profile", "error", err)
		os.Exit(1)
	}

	// Initialize diagnostics store
	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	db.Event("info", "startup", "Worker starting", map[string]interface{}{
		"worker_type":      profile.Name,
		"model_name":       cfg.ModelName,
		"http_addr":        cfg.HTTPAddr,
		"model_server_url": cfg.ModelServerURL,
		"model_log":        cfg.ModelLogPath,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Readiness tracking: the log monitor is the sole writer, everything
	// else reads. The HTTP surface comes up immediately; traffic is gated
	// by readiness inside the proxy.
	tracker := readiness.NewTracker()
	monitor := logmon.New(cfg.ModelLogPath, profile.Rules(cfg), tracker, db)
	go monitor.Run(ctx)

	healthPath := cfg.ModelHealthPath
	if healthPath == "" {
		healthPath = profile.HealthPath
	}

	prox := proxy.New(cfg.ModelServerURL, tracker, profile.Parallel(cfg), cfg.MaxQueueWait)
	pipeline := &services.Pipeline{
		Profile:  profile,
		Resolver: profile.Resolver(),
		Proxy:    prox,
		DB:       db,
	}

	slog.Info("Worker configured",
		"worker_type", profile.Name,
		"job_route", profile.JobRoute,
		"upstream", cfg.ModelServerURL,
		"upstream_health", prox.HealthURL(healthPath),
		"parallel", profile.Parallel(cfg))

	// Queue transport and monitoring are optional: a worker reachable only
	// over HTTP runs without NATS.
	if cfg.NatsURL != "" {
		jobService, err := services.NewJobService(cfg, pipeline)
		if err != nil {
			db.Event("error", "nats.failed", "Job service initialization failed", map[string]interface{}{
				"nats_url": cfg.NatsURL,
				"error":    err.Error(),
			})
			slog.Error("Failed to create job service", "error", err)
			os.Exit(1)
		}

		monitoring := services.NewMonitoringService(jobService.Connection(), cfg, tracker)
		pipeline.Monitoring = monitoring

		go func() {
			if err := jobService.Start(ctx); err != nil {
				db.Event("error", "nats.failed", "Job service failed", map[string]interface{}{
					"error": err.Error(),
				})
				slog.Error("Job service failed", "error", err)
			}
		}()
		go func() {
			if err := monitoring.Start(ctx); err != nil {
				slog.Error("Monitoring service failed", "error", err)
			}
		}()
	}

	httpServer := server.NewServer(cfg, pipeline, tracker, db)

	db.Event("info", "server.ready", "Worker ready to accept requests", map[string]interface{}{
		"http_addr":   cfg.HTTPAddr,
		"worker_type": profile.Name,
	})

	go func() {
		if err := httpServer.Start(ctx); err != nil {
			db.Event("error", "http.failed", "HTTP server failed", map[string]interface{}{
				"error": err.Error(),
			})
			slog.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	slog.Info("Shutting down worker")
	cancel()
}
