package resolver

import (
	"net/http"
	"strings"

	"github.com/robballantyne/inference-worker/internal/envelope"
)

// Target is the resolved upstream call, carried as a value on the
// per-request path. Keeping it per-request (instead of a shared field
// written by parse and read by relay) is what makes concurrent
// dynamic-routing requests safe.
type Target struct {
	Path   string
	Method string
}

// Resolver decides which upstream path and method a job envelope maps to.
type Resolver interface {
	Resolve(env *envelope.Envelope) (Target, error)
}

// Fixed sends every accepted request to one statically declared path.
type Fixed struct {
	Path string
}

func (f Fixed) Resolve(*envelope.Envelope) (Target, error) {
	return Target{Path: f.Path, Method: http.MethodPost}, nil
}

// Dynamic takes the path and method from the envelope itself. It only
// validates shape; which paths are callable is enforced by the outer
// collaborator that signs requests, not here.
type Dynamic struct{}

func (Dynamic) Resolve(env *envelope.Envelope) (Target, error) {
	path := env.Endpoint
	if path == "" {
		return Target{}, &envelope.MalformedPayloadError{Fields: map[string]string{"endpoint": "missing parameter"}}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	method := env.Method
	if method == "" {
		method = http.MethodPost
	}
	return Target{Path: path, Method: method}, nil
}
