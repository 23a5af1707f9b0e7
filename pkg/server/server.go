package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/robballantyne/inference-worker/internal/config"
	"github.com/robballantyne/inference-worker/internal/handlers"
	"github.com/robballantyne/inference-worker/internal/readiness"
	"github.com/robballantyne/inference-worker/internal/services"
	"github.com/robballantyne/inference-worker/internal/store"
)

type Server struct {
	httpAddr string
	pipeline *services.Pipeline
	tracker  *readiness.Tracker
	cfg      *config.Config
	db       *store.DB
}

func NewServer(cfg *config.Config, pipeline *services.Pipeline, tracker *readiness.Tracker, db *store.DB) *Server {
	return &Server{
		httpAddr: cfg.HTTPAddr,
		pipeline: pipeline,
		tracker:  tracker,
		cfg:      cfg,
		db:       db,
	}
}

// Start serves until ctx is cancelled, then drains with a short grace
// period. The job route is reachable immediately; traffic is gated by the
// readiness check inside the proxy, not by delaying the listener.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	workerHandler := handlers.NewWorkerHandler(s.pipeline, s.tracker, s.cfg, s.db)
	workerHandler.RegisterRoutes(mux)

	profile := s.pipeline.Profile
	routes := []string{profile.JobRoute, "/ping", "/healthz", "/benchmark", "/logs"}
	if profile.AssetPath != "" {
		routes = append(routes, profile.AssetPath)
	}
	slog.Info("HTTP server starting",
		"addr", s.httpAddr,
		"worker_type", profile.Name,
		"routes", routes)

	srv := &http.Server{Addr: s.httpAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}
