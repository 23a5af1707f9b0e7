package workload

import (
	"strings"
)

// Estimator computes the scalar cost of a request payload. Implementations
// must return at least 1 and never fail: cost estimation can never be the
// reason a request is rejected, so malformed payloads fall back to the floor.
type Estimator interface {
	Estimate(payload map[string]any) int
}

// WordFactor approximates tokens per whitespace-split word. The scoring
// worker measured 1.4 against its tokenizer; the proxy uses that value for
// every text-counting worker so costs stay comparable across types.
const WordFactor = 1.4

// TextFields estimates cost by counting words across the named payload
// fields and scaling by WordFactor. Fields may hold a string or a list of
// strings; anything else is skipped.
type TextFields struct {
	Fields []string
}

func (e TextFields) Estimate(payload map[string]any) int {
	words := 0
	for _, field := range e.Fields {
		switch v := payload[field].(type) {
		case string:
			words += len(strings.Fields(v))
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					words += len(strings.Fields(s))
				}
			}
		}
	}
	return clamp(int(float64(words) * WordFactor))
}

// DeclaredBudget reads a caller-declared output token budget from the
// payload. Used where declared output length, not input length, drives
// cost (e.g. max_tokens on completion requests). The first field present
// wins.
type DeclaredBudget struct {
	Fields []string
}

func (e DeclaredBudget) Estimate(payload map[string]any) int {
	for _, field := range e.Fields {
		switch v := payload[field].(type) {
		case float64: // JSON numbers decode as float64
			return clamp(int(v))
		case int:
			return clamp(v)
		}
	}
	return 1
}

// Fixed charges every request the same cost. Image-workflow workers use
// this: their cost driver is the workflow itself, not the payload text.
type Fixed struct {
	Cost int
}

func (e Fixed) Estimate(map[string]any) int {
	return clamp(e.Cost)
}

func clamp(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
