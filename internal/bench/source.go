package bench

import (
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"github.com/robballantyne/inference-worker/internal/envelope"
)

// Source produces benchmark envelopes one at a time. Sources are shared by
// concurrent benchmark runs, so implementations must be safe for concurrent
// Next calls.
type Source interface {
	Next() (*envelope.Envelope, error)
}

// Pair is one query/document sample for scoring workers.
type Pair struct {
	Query    string `json:"query"`
	Document string `json:"document"`
}

// PairSource cycles round-robin over a fixed list of text pairs.
type PairSource struct {
	mu     sync.Mutex
	model  string
	pairs  []Pair
	cursor int
}

// NewPairSource fails fast when the model identifier or the sample set is
// missing so the harness never emits malformed payloads.
func NewPairSource(model string, pairs []Pair) (*PairSource, error) {
	if model == "" {
		return nil, fmt.Errorf("benchmark pair source: model name not configured")
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("benchmark pair source: no sample pairs")
	}
	return &PairSource{model: model, pairs: pairs}, nil
}

func (s *PairSource) Next() (*envelope.Envelope, error) {
	s.mu.Lock()
	pair := s.pairs[s.cursor%len(s.pairs)]
	s.cursor++
	s.mu.Unlock()

	return &envelope.Envelope{
		Method: http.MethodPost,
		Input: map[string]any{
			"model":  s.model,
			"text_1": []any{pair.Query},
			"text_2": []any{pair.Document},
		},
	}, nil
}

// SyntheticSource generates pseudo-random word prompts for completion-style
// workers.
type SyntheticSource struct {
	mu       sync.Mutex
	model    string
	endpoint string
	words    int
	rng      *rand.Rand
}

// NewSyntheticSource fails fast when the model identifier is missing.
// endpoint may be empty for fixed-route workers.
func NewSyntheticSource(model, endpoint string, words int) (*SyntheticSource, error) {
	if model == "" {
		return nil, fmt.Errorf("benchmark synthetic source: model name not configured")
	}
	if words <= 0 {
		words = 250
	}
	return &SyntheticSource{
		model:    model,
		endpoint: endpoint,
		words:    words,
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

func (s *SyntheticSource) Next() (*envelope.Envelope, error) {
	s.mu.Lock()
	picks := make([]string, s.words)
	for i := range picks {
		picks[i] = wordList[s.rng.Intn(len(wordList))]
	}
	s.mu.Unlock()

	return &envelope.Envelope{
		Endpoint: s.endpoint,
		Method:   http.MethodPost,
		Input: map[string]any{
			"model":       s.model,
			"prompt":      strings.Join(picks, " "),
			"max_tokens":  100,
			"temperature": 0.7,
		},
	}, nil
}

// WorkflowSource generates Text2Image workflow payloads for image workers.
// No model identifier is needed: the workflow names its own checkpoint
// upstream.
type WorkflowSource struct {
	mu    sync.Mutex
	words int
	rng   *rand.Rand
}

func NewWorkflowSource(words int) (*WorkflowSource, error) {
	if words <= 0 {
		words = 100
	}
	return &WorkflowSource{
		words: words,
		rng:   rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

func (s *WorkflowSource) Next() (*envelope.Envelope, error) {
	s.mu.Lock()
	picks := make([]string, s.words)
	for i := range picks {
		picks[i] = wordList[s.rng.Intn(len(wordList))]
	}
	seed := s.rng.Int63()
	s.mu.Unlock()

	return &envelope.Envelope{
		Method: http.MethodPost,
		Input: map[string]any{
			"modifier": "Text2Image",
			"modifications": map[string]any{
				"prompt": strings.Join(picks, " "),
				"width":  512,
				"height": 512,
				"steps":  20,
				"seed":   seed,
			},
		},
	}, nil
}

// wordList seeds synthetic prompts. Variety only matters enough to defeat
// prompt caching between runs.
var wordList = []string{
	"river", "mountain", "harbor", "lantern", "meadow", "granite", "velvet",
	"copper", "thunder", "orchard", "whistle", "ember", "falcon", "ledger",
	"marble", "canvas", "timber", "saffron", "quarry", "drift", "anchor",
	"bramble", "cinder", "dapple", "estuary", "fathom", "gossamer", "heather",
	"ivory", "juniper", "kestrel", "lichen", "mariner", "nectar", "oxbow",
	"pumice", "quiver", "russet", "sextant", "tundra", "umber", "vellum",
	"warble", "yonder", "zephyr", "basalt", "cairn", "delta", "eddy", "fjord",
	"glen", "hollow", "inlet", "knoll", "lagoon", "mesa", "notch", "outcrop",
	"prairie", "ridge", "shoal", "tarn", "vale", "wold",
}
