package envelope

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Envelope is the normalized inbound job: where to call upstream and the
// payload to send there. For fixed-route workers Endpoint/Method come from
// the worker profile; dynamic-routing workers take them from the caller.
type Envelope struct {
	Endpoint string         `json:"endpoint,omitempty"`
	Method   string         `json:"method,omitempty"`
	Input    map[string]any `json:"input"`
}

// StreamRequested reports whether the caller asked for a streamed response.
// The original clients send both JSON booleans and the string "true".
func (e *Envelope) StreamRequested() bool {
	v, ok := e.Input["stream"]
	if !ok {
		return false
	}
	switch s := v.(type) {
	case bool:
		return s
	case string:
		return strings.EqualFold(s, "true")
	}
	return false
}

// PayloadJSON renders the upstream request body.
func (e *Envelope) PayloadJSON() ([]byte, error) {
	return json.Marshal(e.Input)
}

// ParseFixed decodes a {"input": {...}} body for a fixed-route worker.
// Input given as a JSON-encoded string is unwrapped, matching what the
// existing clients send.
func ParseFixed(body []byte) (*Envelope, error) {
	var raw struct {
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &MalformedPayloadError{Fields: map[string]string{"body": "invalid JSON"}}
	}
	if len(raw.Input) == 0 {
		return nil, &MalformedPayloadError{Fields: map[string]string{"input": "missing parameter"}}
	}

	input, err := decodeInput(raw.Input)
	if err != nil {
		return nil, err
	}
	return &Envelope{Method: http.MethodPost, Input: input}, nil
}

// ParseDynamic decodes the {"endpoint", "method", "input"} shape used by
// generic pass-through workers. Method is optional and defaults to POST.
func ParseDynamic(body []byte) (*Envelope, error) {
	var raw struct {
		Endpoint string          `json:"endpoint"`
		Method   string          `json:"method"`
		Input    json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &MalformedPayloadError{Fields: map[string]string{"body": "invalid JSON"}}
	}

	fields := map[string]string{}
	if raw.Endpoint == "" {
		fields["endpoint"] = "missing parameter"
	}
	if len(raw.Input) == 0 {
		fields["input"] = "missing parameter"
	}
	if len(fields) > 0 {
		return nil, &MalformedPayloadError{Fields: fields}
	}

	input, err := decodeInput(raw.Input)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(raw.Method)
	if method == "" {
		method = http.MethodPost
	}
	return &Envelope{Endpoint: raw.Endpoint, Method: method, Input: input}, nil
}

func decodeInput(raw json.RawMessage) (map[string]any, error) {
	// A string input is a JSON object encoded once more.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		raw = json.RawMessage(asString)
	}

	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, &MalformedPayloadError{Fields: map[string]string{"input": fmt.Sprintf("not a JSON object: %v", err)}}
	}
	return input, nil
}
