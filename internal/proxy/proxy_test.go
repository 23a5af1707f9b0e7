package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robballantyne/inference-worker/internal/envelope"
	"github.com/robballantyne/inference-worker/internal/readiness"
	"github.com/robballantyne/inference-worker/internal/resolver"
)

func readyTracker() *readiness.Tracker {
	tr := readiness.NewTracker()
	tr.MarkReady()
	return tr
}

func postTarget(path string) resolver.Target {
	return resolver.Target{Path: path, Method: http.MethodPost}
}

func TestDoRejectsWhenNotReady(t *testing.T) {
	var calls int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
	}))
	defer upstream.Close()

	p := New(upstream.URL, readiness.NewTracker(), true, time.Second)
	_, err := p.Do(context.Background(), postTarget("/v1/completions"), []byte(`{}`))
	if !errors.Is(err, envelope.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Errorf("upstream was called %d times before readiness", calls)
	}
}

func TestBufferedRoundTrip(t *testing.T) {
	const body = `{"choices": [{"text": "four score"}]}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, body)
	}))
	defer upstream.Close()

	p := New(upstream.URL, readyTracker(), true, time.Second)
	resp, err := p.Do(context.Background(), postTarget("/v1/completions"), []byte(`{"prompt": "x"}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	rec := httptest.NewRecorder()
	if err := p.Relay(rec, resp); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}
	if rec.Body.String() != body {
		t.Errorf("body = %q, want %q", rec.Body.String(), body)
	}
}

func TestUpstreamStatusRelayedNotSwallowed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"detail": "too long"}`)
	}))
	defer upstream.Close()

	p := New(upstream.URL, readyTracker(), true, time.Second)
	resp, err := p.Do(context.Background(), postTarget("/score"), []byte(`{}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	rec := httptest.NewRecorder()
	if err := p.Relay(rec, resp); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want upstream's 422", rec.Code)
	}
}

func TestDoUnreachableUpstream(t *testing.T) {
	// Reserve then close a port so nothing is listening there.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := upstream.URL
	upstream.Close()

	p := New(url, readyTracker(), true, time.Second)
	_, err := p.Do(context.Background(), postTarget("/v1/completions"), []byte(`{}`))
	if !errors.Is(err, envelope.ErrUpstreamUnreachable) {
		t.Fatalf("err = %v, want ErrUpstreamUnreachable", err)
	}
}

func TestStreamingRelayPreservesChunks(t *testing.T) {
	chunks := []string{"data: one\n\n", "data: two\n\n", "data: [DONE]\n\n"}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprint(w, c)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	p := New(upstream.URL, readyTracker(), true, time.Second)
	resp, err := p.Do(context.Background(), postTarget("/v1/completions"), []byte(`{"stream": true}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !IsStreaming(resp) {
		t.Fatal("event-stream response not detected as streaming")
	}

	rec := httptest.NewRecorder()
	if err := p.Relay(rec, resp); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	want := chunks[0] + chunks[1] + chunks[2]
	if rec.Body.String() != want {
		t.Errorf("relayed = %q, want %q", rec.Body.String(), want)
	}
	if !rec.Flushed {
		t.Error("stream relay never flushed")
	}
}

func TestIsStreamingDetection(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		transferEnc []string
		want        bool
	}{
		{"event stream", "text/event-stream", nil, true},
		{"event stream with charset", "text/event-stream; charset=utf-8", nil, true},
		{"ndjson", "application/x-ndjson", nil, true},
		{"stream in type", "application/vnd.amazon.eventstream", nil, true},
		{"chunked json", "application/json", []string{"chunked"}, true},
		{"plain json", "application/json", nil, false},
		{"png", "image/png", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{
				Header:           http.Header{"Content-Type": []string{tc.contentType}},
				TransferEncoding: tc.transferEnc,
			}
			if got := IsStreaming(resp); got != tc.want {
				t.Errorf("IsStreaming = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSingleFlightSerializes(t *testing.T) {
	var inFlight, maxInFlight int64
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			prev := atomic.LoadInt64(&maxInFlight)
			if n <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := New(upstream.URL, readyTracker(), false, 5*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.Do(context.Background(), postTarget("/generate/sync"), []byte(`{}`))
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			p.Relay(httptest.NewRecorder(), resp)
		}()
	}

	// Let the first request reach the upstream, then unblock both.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&maxInFlight); got != 1 {
		t.Errorf("max concurrent upstream calls = %d, want 1", got)
	}
}

func TestSingleFlightQueueTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	// Unblock the held request before the server's Close waits on it.
	defer close(release)

	p := New(upstream.URL, readyTracker(), false, 50*time.Millisecond)

	started := make(chan struct{})
	go func() {
		close(started)
		resp, err := p.Do(context.Background(), postTarget("/generate/sync"), []byte(`{}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // first request holds the slot

	_, err := p.Do(context.Background(), postTarget("/generate/sync"), []byte(`{}`))
	if !errors.Is(err, envelope.ErrQueueTimeout) {
		t.Fatalf("err = %v, want ErrQueueTimeout", err)
	}
}

func TestFetchBypassesGates(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/generate/sync" {
			<-release
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", "8")
		w.Write([]byte("PNGBYTES"))
	}))
	defer upstream.Close()
	defer close(release)

	// A generation holds the single-flight slot for the whole test.
	p := New(upstream.URL, readyTracker(), false, 5*time.Second)
	started := make(chan struct{})
	go func() {
		close(started)
		resp, err := p.Do(context.Background(), postTarget("/generate/sync"), []byte(`{}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	resp, err := p.Fetch(context.Background(), "/view?filename=out.png")
	if err != nil {
		t.Fatalf("Fetch while slot held: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	// And readiness does not gate asset reads either.
	cold := New(upstream.URL, readiness.NewTracker(), false, time.Second)
	resp, err = cold.Fetch(context.Background(), "/view?filename=out.png")
	if err != nil {
		t.Fatalf("Fetch while not ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCheckUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	// Works even when the log-derived state is not ready.
	p := New(upstream.URL, readiness.NewTracker(), true, time.Second)
	if err := p.CheckUpstream(context.Background(), "/health"); err != nil {
		t.Errorf("CheckUpstream: %v", err)
	}

	var upstreamErr *envelope.UpstreamError
	if err := p.CheckUpstream(context.Background(), "/missing"); !errors.As(err, &upstreamErr) {
		t.Errorf("err = %v, want UpstreamError", err)
	}
}
