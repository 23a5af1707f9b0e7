package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the worker runtime. Handlers map these onto HTTP
// statuses with WriteError; everything else is treated as a 500.
var (
	ErrNotReady            = errors.New("model is not ready")
	ErrQueueTimeout        = errors.New("timed out waiting for in-flight request")
	ErrUpstreamUnreachable = errors.New("model server unreachable")
	ErrBenchmarkSetup      = errors.New("benchmark setup failed")
)

// MalformedPayloadError reports per-field validation failures, keyed the way
// the callers expect them back.
type MalformedPayloadError struct {
	Fields map[string]string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %v", e.Fields)
}

// UpstreamError carries a non-success upstream status so it can be relayed
// to the caller instead of being swallowed.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("model server returned status %d", e.StatusCode)
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// WriteError writes the structured JSON error body for err with the status
// the taxonomy assigns it.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var malformed *MalformedPayloadError
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrQueueTimeout), errors.Is(err, ErrBenchmarkSetup):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamUnreachable):
		status = http.StatusBadGateway
	case errors.As(err, &malformed):
		status = http.StatusBadRequest
		body.Error = "malformed payload"
		body.Fields = malformed.Fields
	case errors.As(err, &upstream):
		// Relay the upstream failure as-is so the caller sees the real error.
		w.WriteHeader(upstream.StatusCode)
		_, _ = w.Write(upstream.Body)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
