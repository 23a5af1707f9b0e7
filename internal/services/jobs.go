package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/robballantyne/inference-worker/internal/config"
	"github.com/robballantyne/inference-worker/internal/envelope"
)

// JobService consumes job envelopes published by the outer scheduler on a
// JetStream work queue and runs them through the same pipeline as HTTP
// traffic. Streamed responses are not expressible over the queue transport,
// so jobs requesting them are rejected up front.
type JobService struct {
	conn     *nats.Conn
	js       nats.JetStreamContext
	pipeline *Pipeline
	cfg      *config.Config
}

// JobResult is the reply published to the job's reply_to subject. Body is
// the buffered upstream response, base64-encoded by the JSON codec.
type JobResult struct {
	ReqID       string `json:"req_id"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

func NewJobService(cfg *config.Config, pipeline *Pipeline) (*JobService, error) {
	conn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JobService{
		conn:     conn,
		js:       js,
		pipeline: pipeline,
		cfg:      cfg,
	}, nil
}

// Connection exposes the NATS connection for the monitoring service.
func (s *JobService) Connection() *nats.Conn {
	return s.conn
}

func (s *JobService) Start(ctx context.Context) error {
	if err := s.ensureStream(); err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}

	consumer, err := s.js.PullSubscribe(s.cfg.Subject, s.cfg.Durable, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to create pull consumer: %w", err)
	}

	slog.Info("Job service starting",
		"stream", s.cfg.Stream,
		"subject", s.cfg.Subject,
		"consumer", s.cfg.Durable,
		"concurrency", s.cfg.Concurrency)

	for i := 0; i < s.cfg.Concurrency; i++ {
		go s.worker(ctx, consumer, fmt.Sprintf("consumer-%d", i))
	}

	<-ctx.Done()
	slog.Info("Job service shutting down")
	s.conn.Close()
	return nil
}

func (s *JobService) ensureStream() error {
	info, err := s.js.StreamInfo(s.cfg.Stream)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = s.js.AddStream(&nats.StreamConfig{
			Name:      s.cfg.Stream,
			Subjects:  []string{s.cfg.Subject},
			MaxMsgs:   int64(s.cfg.MaxMsgs),
			MaxAge:    s.cfg.MaxAge,
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		slog.Info("Created NATS stream", "name", s.cfg.Stream)
		return nil
	}

	for _, subject := range info.Config.Subjects {
		if subject == s.cfg.Subject {
			return nil
		}
	}
	newConfig := info.Config
	newConfig.Subjects = append(newConfig.Subjects, s.cfg.Subject)
	if _, err := s.js.UpdateStream(&newConfig); err != nil {
		return fmt.Errorf("failed to update stream with new subject: %w", err)
	}
	slog.Info("Updated NATS stream with new subject", "name", s.cfg.Stream, "subject", s.cfg.Subject)
	return nil
}

func (s *JobService) worker(ctx context.Context, consumer *nats.Subscription, workerID string) {
	slog.Info("Job consumer starting", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Job consumer shutting down", "worker_id", workerID)
			return
		default:
			msgs, err := consumer.Fetch(1, nats.MaxWait(time.Second))
			if err != nil {
				if err == nats.ErrTimeout {
					continue
				}
				slog.Error("Failed to fetch jobs", "worker_id", workerID, "error", err)
				time.Sleep(time.Second)
				continue
			}
			for _, msg := range msgs {
				s.processJob(ctx, msg, workerID)
			}
		}
	}
}

func (s *JobService) processJob(ctx context.Context, msg *nats.Msg, workerID string) {
	start := time.Now()

	var meta struct {
		ReqID   string `json:"req_id"`
		ReplyTo string `json:"reply_to"`
	}
	if err := json.Unmarshal(msg.Data, &meta); err != nil {
		slog.Error("Failed to parse job message", "worker_id", workerID, "error", err)
		msg.Nak()
		return
	}

	result := s.run(ctx, msg.Data, meta.ReqID)
	result.DurationMs = time.Since(start).Milliseconds()

	if meta.ReplyTo != "" {
		data, err := json.Marshal(result)
		if err != nil {
			slog.Error("Failed to marshal job result", "worker_id", workerID, "req_id", result.ReqID, "error", err)
			msg.Nak()
			return
		}
		if err := s.conn.Publish(meta.ReplyTo, data); err != nil {
			slog.Error("Failed to publish job result",
				"worker_id", workerID,
				"req_id", result.ReqID,
				"reply_subject", meta.ReplyTo,
				"error", err)
		}
	}

	if err := msg.Ack(); err != nil {
		slog.Error("Failed to acknowledge job", "worker_id", workerID, "req_id", result.ReqID, "error", err)
	}

	slog.Info("Queue job completed",
		"worker_id", workerID,
		"req_id", result.ReqID,
		"status_code", result.StatusCode,
		"duration_ms", result.DurationMs,
		"error", result.Error)
}

func (s *JobService) run(ctx context.Context, body []byte, reqID string) JobResult {
	job, err := s.pipeline.Prepare("nats."+s.cfg.Subject, reqID, body)
	if err != nil {
		return JobResult{ReqID: reqID, Error: err.Error()}
	}

	if job.Env.StreamRequested() {
		s.pipeline.Finish(job, 0, true, fmt.Errorf("streaming not supported over queue transport"))
		return JobResult{ReqID: job.ReqID, Error: "streaming responses are not supported over the queue transport"}
	}

	resp, err := s.pipeline.Call(ctx, job)
	if err != nil {
		s.pipeline.Finish(job, 0, false, err)
		return JobResult{ReqID: job.ReqID, Error: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.pipeline.Finish(job, resp.StatusCode, false, err)
		return JobResult{ReqID: job.ReqID, StatusCode: resp.StatusCode, Error: err.Error()}
	}

	result := JobResult{
		ReqID:       job.ReqID,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}
	var relayErr error
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		relayErr = &envelope.UpstreamError{StatusCode: resp.StatusCode, Body: respBody}
		result.Error = relayErr.Error()
	}
	s.pipeline.Finish(job, resp.StatusCode, false, relayErr)
	return result
}
