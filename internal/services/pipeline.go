package services

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/robballantyne/inference-worker/internal/envelope"
	"github.com/robballantyne/inference-worker/internal/profiles"
	"github.com/robballantyne/inference-worker/internal/proxy"
	"github.com/robballantyne/inference-worker/internal/resolver"
	"github.com/robballantyne/inference-worker/internal/store"
)

// Pipeline is the single request path every job takes, whether it arrived
// over HTTP, over NATS, or from the benchmark harness: parse → resolve →
// estimate → proxy. There is no bypass.
type Pipeline struct {
	Profile    *profiles.Profile
	Resolver   resolver.Resolver
	Proxy      *proxy.Proxy
	DB         *store.DB
	Monitoring *MonitoringService
}

// Job is the per-request state, carried as a value through the call path.
type Job struct {
	ReqID  string
	Source string
	Env    *envelope.Envelope
	Target resolver.Target
	Cost   int
	start  time.Time
}

// Prepare validates the raw body into a job. All rejections happen here,
// before any upstream I/O.
func (p *Pipeline) Prepare(source, reqID string, body []byte) (*Job, error) {
	if reqID == "" {
		reqID = ulid.Make().String()
	}

	var env *envelope.Envelope
	var err error
	if p.Profile.Dynamic() {
		env, err = envelope.ParseDynamic(body)
	} else {
		env, err = envelope.ParseFixed(body)
	}
	if err != nil {
		return nil, err
	}

	target, err := p.Resolver.Resolve(env)
	if err != nil {
		return nil, err
	}

	return &Job{
		ReqID:  reqID,
		Source: source,
		Env:    env,
		Target: target,
		Cost:   p.Profile.Estimator.Estimate(env.Input),
		start:  time.Now(),
	}, nil
}

// Call performs the upstream request for a prepared job.
func (p *Pipeline) Call(ctx context.Context, job *Job) (*http.Response, error) {
	body, err := job.Env.PayloadJSON()
	if err != nil {
		return nil, &envelope.MalformedPayloadError{Fields: map[string]string{"input": err.Error()}}
	}

	if p.Monitoring != nil {
		p.Monitoring.IncrementQueued()
	}
	resp, err := p.Proxy.Do(ctx, job.Target, body)
	if p.Monitoring != nil {
		p.Monitoring.DecrementQueued()
		if err == nil {
			p.Monitoring.IncrementActive()
		}
	}
	return resp, err
}

// Finish records the outcome; statusCode is zero when the upstream was
// never reached.
func (p *Pipeline) Finish(job *Job, statusCode int, streamed bool, err error) {
	if p.Monitoring != nil && statusCode != 0 {
		p.Monitoring.DecrementActive()
	}

	duration := time.Since(job.start)
	status := "ok"
	errStr := ""
	if err != nil {
		status = "error"
		errStr = err.Error()
	}

	if p.DB != nil {
		p.DB.Req(store.RequestRecord{
			Timestamp:  job.start,
			ReqID:      job.ReqID,
			Source:     job.Source,
			Endpoint:   job.Target.Path,
			Method:     job.Target.Method,
			Cost:       job.Cost,
			Stream:     streamed,
			StatusCode: statusCode,
			DurationMs: float64(duration.Milliseconds()),
			Status:     status,
			Error:      errStr,
		})
	}

	logger := slog.Info
	if err != nil {
		logger = slog.Warn
	}
	logger("Job finished",
		"req_id", job.ReqID,
		"source", job.Source,
		"endpoint", job.Target.Path,
		"cost", job.Cost,
		"status_code", statusCode,
		"stream", streamed,
		"duration_ms", duration.Milliseconds(),
		"error", errStr)
}
