package client

// Job is a request envelope as submitted to a worker. Endpoint and Method
// are only consulted by dynamic-routing workers; fixed-route workers ignore
// them.
type Job struct {
	ReqID    string         `json:"req_id,omitempty"`
	ReplyTo  string         `json:"reply_to,omitempty"`
	Endpoint string         `json:"endpoint,omitempty"`
	Method   string         `json:"method,omitempty"`
	Input    map[string]any `json:"input"`
}

// Result is a worker's buffered reply.
type Result struct {
	ReqID       string `json:"req_id"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

// HealthStatus is the worker's /healthz report. Upstream is "ok" when the
// model server's own health endpoint answers, independent of State.
type HealthStatus struct {
	State      string  `json:"state"`
	Reason     string  `json:"reason,omitempty"`
	Upstream   string  `json:"upstream"`
	UptimeSecs float64 `json:"uptime_secs"`
	Model      string  `json:"model"`
	WorkerType string  `json:"worker_type"`
}
