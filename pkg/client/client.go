package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

// JobClient submits job envelopes to a worker.
type JobClient interface {
	Submit(ctx context.Context, job Job) (*Result, error)
	Close() error
}

// NATSJobClient submits jobs over the worker's queue transport.
type NATSJobClient struct {
	conn     *nats.Conn
	clientID string
	subject  string
	timeout  time.Duration
}

// NewNATSClient connects to NATS; subject is the worker's job subject
// (e.g. jobs.request.<model>).
func NewNATSClient(natsURL, clientID, subject string) (*NATSJobClient, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if clientID == "" {
		clientID = "job-client"
	}

	return &NATSJobClient{
		conn:     conn,
		clientID: clientID,
		subject:  subject,
		timeout:  60 * time.Second,
	}, nil
}

func (c *NATSJobClient) Submit(ctx context.Context, job Job) (*Result, error) {
	if job.ReqID == "" {
		job.ReqID = ulid.Make().String()
	}
	replySubject := fmt.Sprintf("jobs.reply.%s.%s", c.clientID, job.ReqID)
	job.ReplyTo = replySubject

	slog.Debug("Submitting job", "subject", c.subject, "req_id", job.ReqID, "reply_subject", replySubject)

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	// Subscribe to the reply subject before publishing so the response
	// cannot slip past us.
	replyChan := make(chan *nats.Msg, 1)
	sub, err := c.conn.Subscribe(replySubject, func(msg *nats.Msg) {
		replyChan <- msg
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply: %w", err)
	}
	defer sub.Unsubscribe()

	if err := c.conn.Publish(c.subject, data); err != nil {
		return nil, fmt.Errorf("failed to publish job: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case msg := <-replyChan:
		var result Result
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
		return &result, nil
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for job result (req_id %s)", job.ReqID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *NATSJobClient) Close() error {
	c.conn.Close()
	return nil
}

// HTTPJobClient calls a worker's job route directly.
type HTTPJobClient struct {
	baseURL  string
	jobRoute string
	client   *http.Client
}

func NewHTTPClient(baseURL, jobRoute string) *HTTPJobClient {
	return &HTTPJobClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		jobRoute: jobRoute,
		client:   &http.Client{},
	}
}

func (c *HTTPJobClient) Submit(ctx context.Context, job Job) (*Result, error) {
	if job.ReqID == "" {
		job.ReqID = ulid.Make().String()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.jobRoute, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", job.ReqID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Result{
		ReqID:       job.ReqID,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// SubmitStream sends a streaming job and invokes onChunk for every chunk as
// it arrives. The callback returning an error stops the stream.
func (c *HTTPJobClient) SubmitStream(ctx context.Context, job Job, onChunk func([]byte) error) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.jobRoute, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker returned status %d: %s", resp.StatusCode, body)
	}

	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if cbErr := onChunk(buf[:n]); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *HTTPJobClient) Close() error { return nil }

// CheckHealth queries the worker's readiness report.
func (c *HTTPJobClient) CheckHealth(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse health status: %w", err)
	}
	return &status, nil
}
