package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/robballantyne/inference-worker/internal/envelope"
	"github.com/robballantyne/inference-worker/internal/readiness"
	"github.com/robballantyne/inference-worker/internal/resolver"
)

// Proxy forwards resolved requests to the single local model server and
// relays the response. One Proxy per worker process.
type Proxy struct {
	baseURL      string
	client       *http.Client
	tracker      *readiness.Tracker
	slot         chan struct{} // nil when parallel requests are allowed
	maxQueueWait time.Duration
}

// New builds a proxy for the model server at baseURL. When allowParallel is
// false, upstream calls are serialized through a one-slot gate with a
// bounded queue wait.
func New(baseURL string, tracker *readiness.Tracker, allowParallel bool, maxQueueWait time.Duration) *Proxy {
	p := &Proxy{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{}, // no client timeout: streams can run long
		tracker:      tracker,
		maxQueueWait: maxQueueWait,
	}
	if !allowParallel {
		p.slot = make(chan struct{}, 1)
	}
	return p
}

// Do performs the upstream call for target. The readiness gate and the
// serialization gate both run before any upstream I/O. The returned
// response is live; the caller must relay or close it. Non-success upstream
// statuses are returned as-is so they can be relayed, never swallowed.
func (p *Proxy) Do(ctx context.Context, target resolver.Target, body []byte) (*http.Response, error) {
	if !p.tracker.Ready() {
		return nil, envelope.ErrNotReady
	}

	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, target.Method, p.baseURL+target.Path, reader)
	if err != nil {
		release()
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", envelope.ErrUpstreamUnreachable, err)
	}

	// The gate is held until the response body is fully drained or
	// abandoned, so a serialized worker really does see one request at
	// a time.
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// acquire takes the single-flight slot, waiting at most maxQueueWait.
// Returns a release func; for parallel workers it is a no-op.
func (p *Proxy) acquire(ctx context.Context) (func(), error) {
	if p.slot == nil {
		return func() {}, nil
	}

	timer := time.NewTimer(p.maxQueueWait)
	defer timer.Stop()

	select {
	case p.slot <- struct{}{}:
		return func() { <-p.slot }, nil
	case <-timer.C:
		return nil, envelope.ErrQueueTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fetch performs a direct upstream GET, bypassing the readiness and
// serialization gates. Asset retrieval must not queue behind a running
// generation or wait for the model to load.
func (p *Proxy) Fetch(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", envelope.ErrUpstreamUnreachable, err)
	}
	return resp, nil
}

// HealthURL is the upstream health endpoint for the outer collaborator's
// model-level check.
func (p *Proxy) HealthURL(path string) string {
	return p.baseURL + path
}

// CheckUpstream queries the upstream health path directly, bypassing the
// readiness gate: it answers "is the process responding", not "is the
// model loaded".
func (p *Proxy) CheckUpstream(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", envelope.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &envelope.UpstreamError{StatusCode: resp.StatusCode}
	}
	return nil
}

// IsStreaming decides from response metadata alone whether the upstream
// reply should be relayed chunk by chunk. It must not consume the body.
func IsStreaming(resp *http.Response) bool {
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "text/event-stream") ||
		strings.HasPrefix(contentType, "application/x-ndjson") ||
		strings.Contains(contentType, "stream") {
		return true
	}
	for _, enc := range resp.TransferEncoding {
		if enc == "chunked" {
			return true
		}
	}
	return false
}

// Relay writes the upstream response to the caller, streaming when the
// response metadata says so and buffering otherwise. It always drains and
// closes the upstream body.
func (p *Proxy) Relay(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	if IsStreaming(resp) {
		return relayStream(w, resp)
	}
	return relayBuffered(w, resp)
}

func relayBuffered(w http.ResponseWriter, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading upstream body: %w", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, err = w.Write(body)
	return err
}

// relayStream forwards chunks as they arrive, flushing after every write so
// token-by-token output is never held back. The end of stream is signalled
// to the caller by the chunked response terminating when the upstream body
// closes. A caller disconnect cancels the request context, which aborts the
// upstream read and releases the connection.
func relayStream(w http.ResponseWriter, resp *http.Response) error {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				slog.Debug("Caller went away mid-stream", "error", werr)
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading upstream stream: %w", err)
		}
	}
}

// releasingBody frees the single-flight slot exactly once when the relayed
// body is closed.
type releasingBody struct {
	io.ReadCloser
	release  func()
	released bool
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.released {
		b.released = true
		b.release()
	}
	return err
}
