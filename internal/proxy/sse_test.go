package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/robballantyne/inference-worker/internal/readiness"
	"github.com/robballantyne/inference-worker/internal/resolver"
)

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name  string
		line  string
		token string
		done  bool
	}{
		{"chat delta", `data: {"choices": [{"delta": {"content": "hel"}}]}`, "hel", false},
		{"completion text", `data: {"choices": [{"text": "lo"}]}`, "lo", false},
		{"done sentinel", "data: [DONE]", "", true},
		{"malformed json", "data: {not json", "", false},
		{"comment line", ": keepalive", "", false},
		{"empty line", "", "", false},
		{"no choices", `data: {"choices": []}`, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, done := extractToken(tc.line)
			if token != tc.token || done != tc.done {
				t.Errorf("extractToken(%q) = (%q, %v), want (%q, %v)", tc.line, token, done, tc.token, tc.done)
			}
		})
	}
}

func TestRelayTokens(t *testing.T) {
	frames := []string{
		`data: {"choices": [{"delta": {"content": "The "}}]}`,
		`data: {"choices": [{"delta": {"content": "answer"}}]}`,
		"data: {broken frame",
		`data: {"choices": [{"delta": {"content": " is 42"}}]}`,
		"data: [DONE]",
		`data: {"choices": [{"delta": {"content": "never relayed"}}]}`,
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprint(w, f+"\n\n")
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	tr := readiness.NewTracker()
	tr.MarkReady()
	p := New(upstream.URL, tr, true, time.Second)
	resp, err := p.Do(context.Background(),
		resolver.Target{Path: "/v1/chat/completions", Method: http.MethodPost}, []byte(`{"stream": true}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	rec := httptest.NewRecorder()
	if err := RelayTokens(rec, resp); err != nil {
		t.Fatalf("RelayTokens: %v", err)
	}

	if got := rec.Body.String(); got != "The answer is 42" {
		t.Errorf("tokens = %q, want %q", got, "The answer is 42")
	}
	if strings.Contains(rec.Body.String(), "never relayed") {
		t.Error("frames after [DONE] were relayed")
	}
}
