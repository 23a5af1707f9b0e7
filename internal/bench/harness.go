package bench

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robballantyne/inference-worker/internal/proxy"
	"github.com/robballantyne/inference-worker/internal/resolver"
	"github.com/robballantyne/inference-worker/internal/workload"
)

// RunResult is the outcome of one benchmark request.
type RunResult struct {
	Cost     int           `json:"cost"`
	Duration time.Duration `json:"duration_ns"`
	Status   int           `json:"status_code"`
	Err      string        `json:"error,omitempty"`
}

// Report aggregates a full harness run.
type Report struct {
	Runs          []RunResult   `json:"runs"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	TotalCost     int           `json:"total_cost"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	CostPerSecond float64       `json:"cost_per_second"`
}

// Harness drives synthetic traffic through the same resolver → estimator →
// proxy path that live requests take. It has no special-cased bypass: a
// worker that cannot serve real traffic cannot pass a benchmark either.
type Harness struct {
	source      Source
	resolver    resolver.Resolver
	estimator   workload.Estimator
	proxy       *proxy.Proxy
	runs        int
	concurrency int
}

func NewHarness(source Source, res resolver.Resolver, est workload.Estimator, p *proxy.Proxy, runs, concurrency int) (*Harness, error) {
	if source == nil {
		return nil, fmt.Errorf("benchmark harness: no payload source configured")
	}
	if runs <= 0 {
		runs = 1
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Harness{
		source:      source,
		resolver:    res,
		estimator:   est,
		proxy:       p,
		runs:        runs,
		concurrency: concurrency,
	}, nil
}

// Run executes the configured number of benchmark requests. A failed run is
// recorded and the rest continue.
func (h *Harness) Run(ctx context.Context) *Report {
	slog.Info("Benchmark starting", "runs", h.runs, "concurrency", h.concurrency)
	start := time.Now()

	// Slots that never get dispatched (cancellation mid-run) stay marked
	// failed instead of counting as zero-cost successes.
	results := make([]RunResult, h.runs)
	for i := range results {
		results[i] = RunResult{Err: "benchmark cancelled before run was dispatched"}
	}
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < h.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = h.runOne(ctx)
			}
		}()
	}

	for i := 0; i < h.runs; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			i = h.runs
		}
	}
	close(jobs)
	wg.Wait()

	report := &Report{Runs: results, Elapsed: time.Since(start)}
	for _, r := range results {
		if r.Err != "" {
			report.Failed++
			continue
		}
		report.Succeeded++
		report.TotalCost += r.Cost
	}
	if secs := report.Elapsed.Seconds(); secs > 0 {
		report.CostPerSecond = float64(report.TotalCost) / secs
	}

	slog.Info("Benchmark finished",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"total_cost", report.TotalCost,
		"cost_per_second", report.CostPerSecond)
	return report
}

func (h *Harness) runOne(ctx context.Context) RunResult {
	env, err := h.source.Next()
	if err != nil {
		return RunResult{Err: err.Error()}
	}

	target, err := h.resolver.Resolve(env)
	if err != nil {
		return RunResult{Err: err.Error()}
	}
	cost := h.estimator.Estimate(env.Input)

	body, err := env.PayloadJSON()
	if err != nil {
		return RunResult{Err: err.Error()}
	}

	start := time.Now()
	resp, err := h.proxy.Do(ctx, target, body)
	if err != nil {
		slog.Warn("Benchmark run failed", "error", err)
		return RunResult{Cost: cost, Duration: time.Since(start), Err: err.Error()}
	}
	_, copyErr := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	result := RunResult{Cost: cost, Duration: time.Since(start), Status: resp.StatusCode}
	if copyErr != nil {
		result.Err = copyErr.Error()
	} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = fmt.Sprintf("upstream status %d", resp.StatusCode)
	}
	return result
}
