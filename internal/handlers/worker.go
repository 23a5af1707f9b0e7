package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/robballantyne/inference-worker/internal/bench"
	"github.com/robballantyne/inference-worker/internal/config"
	"github.com/robballantyne/inference-worker/internal/envelope"
	"github.com/robballantyne/inference-worker/internal/proxy"
	"github.com/robballantyne/inference-worker/internal/readiness"
	"github.com/robballantyne/inference-worker/internal/services"
	"github.com/robballantyne/inference-worker/internal/store"
)

// WorkerHandler is the worker's HTTP surface: the job route, liveness and
// readiness checks, asset retrieval, request logs and the benchmark
// trigger.
type WorkerHandler struct {
	pipeline *services.Pipeline
	tracker  *readiness.Tracker
	cfg      *config.Config
	db       *store.DB
}

func NewWorkerHandler(pipeline *services.Pipeline, tracker *readiness.Tracker, cfg *config.Config, db *store.DB) *WorkerHandler {
	return &WorkerHandler{
		pipeline: pipeline,
		tracker:  tracker,
		cfg:      cfg,
		db:       db,
	}
}

func (h *WorkerHandler) RegisterRoutes(mux *http.ServeMux) {
	profile := h.pipeline.Profile
	mux.HandleFunc(profile.JobRoute, h.handleJob)
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/benchmark", h.handleBenchmark)
	mux.HandleFunc("/logs", h.handleLogs)
	if profile.AssetPath != "" {
		mux.HandleFunc(profile.AssetPath, h.handleAsset)
	}
}

// handlePing answers regardless of readiness: it says the worker process is
// alive, not that the model is loaded.
func (h *WorkerHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// handleHealth reports the log-derived state alongside a direct probe of
// the model server's own health endpoint. The two can disagree: a process
// that answers /health while its model is still loading is "ok" upstream
// but not ready.
func (h *WorkerHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, reason := h.tracker.Current()
	upstream := "ok"
	if err := h.pipeline.Proxy.CheckUpstream(r.Context(), h.healthPath()); err != nil {
		upstream = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":       state,
		"reason":      reason,
		"upstream":    upstream,
		"uptime_secs": h.tracker.Uptime().Seconds(),
		"model":       h.cfg.ModelName,
		"worker_type": h.pipeline.Profile.Name,
	})
}

func (h *WorkerHandler) healthPath() string {
	if h.cfg.ModelHealthPath != "" {
		return h.cfg.ModelHealthPath
	}
	return h.pipeline.Profile.HealthPath
}

func (h *WorkerHandler) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		envelope.WriteError(w, &envelope.MalformedPayloadError{Fields: map[string]string{"body": "unreadable"}})
		return
	}

	job, err := h.pipeline.Prepare("http", r.Header.Get("X-Request-ID"), body)
	if err != nil {
		envelope.WriteError(w, err)
		return
	}

	resp, err := h.pipeline.Call(r.Context(), job)
	if err != nil {
		h.pipeline.Finish(job, 0, false, err)
		envelope.WriteError(w, err)
		return
	}

	streamed := proxy.IsStreaming(resp)
	var relayErr error
	if streamed && h.pipeline.Profile.TokenRelay && r.URL.Query().Get("tokens") == "true" {
		relayErr = proxy.RelayTokens(w, resp)
	} else {
		relayErr = h.pipeline.Proxy.Relay(w, resp)
	}
	if relayErr == nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		relayErr = &envelope.UpstreamError{StatusCode: resp.StatusCode}
	}
	h.pipeline.Finish(job, resp.StatusCode, streamed, relayErr)
}

// handleAsset forwards query parameters verbatim to the upstream asset path
// and relays the binary response with its content type. Asset reads go
// straight to the upstream: fetching a finished image must work while a
// generation holds the single-flight slot, and regardless of readiness.
func (h *WorkerHandler) handleAsset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	path := h.pipeline.Profile.AssetPath
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	resp, err := h.pipeline.Proxy.Fetch(r.Context(), path)
	if err != nil {
		envelope.WriteError(w, err)
		return
	}
	if err := h.pipeline.Proxy.Relay(w, resp); err != nil {
		return
	}
}

// handleBenchmark runs the calibration harness and returns its report. The
// payload source is built per run so a missing model identifier fails here,
// at setup, never as a malformed upstream payload.
func (h *WorkerHandler) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	source, err := h.pipeline.Profile.NewSource(h.cfg)
	if err != nil {
		envelope.WriteError(w, fmt.Errorf("%w: %v", envelope.ErrBenchmarkSetup, err))
		return
	}

	harness, err := bench.NewHarness(source, h.pipeline.Resolver, h.pipeline.Profile.Estimator,
		h.pipeline.Proxy, h.cfg.BenchmarkRuns, h.cfg.BenchmarkConcurrency)
	if err != nil {
		envelope.WriteError(w, fmt.Errorf("%w: %v", envelope.ErrBenchmarkSetup, err))
		return
	}

	report := harness.Run(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (h *WorkerHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	logs, err := h.db.RecentRequests(r.Context(), limit)
	if err != nil {
		envelope.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(logs)
}
