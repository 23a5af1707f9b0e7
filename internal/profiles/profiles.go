// Package profiles declares the per-worker-type wiring: which route the
// worker exposes, where it lands upstream, how cost is estimated, which log
// lines drive readiness, and how benchmark payloads are built. Each profile
// is a plain value satisfying the same contract; the worker picks one at
// startup.
package profiles

import (
	"fmt"

	"github.com/robballantyne/inference-worker/internal/bench"
	"github.com/robballantyne/inference-worker/internal/config"
	"github.com/robballantyne/inference-worker/internal/logmon"
	"github.com/robballantyne/inference-worker/internal/resolver"
	"github.com/robballantyne/inference-worker/internal/workload"
)

type Profile struct {
	Name string

	// JobRoute is the POST route the worker exposes for jobs.
	JobRoute string
	// UpstreamPath is the fixed upstream target; empty means the caller's
	// envelope carries the endpoint (dynamic routing).
	UpstreamPath string
	// HealthPath is the upstream's own health endpoint.
	HealthPath string
	// AssetPath, when set, is an upstream GET path proxied verbatim for
	// artifact retrieval (generated images).
	AssetPath string

	Estimator     workload.Estimator
	AllowParallel bool
	// TokenRelay enables the plain-token SSE re-parse route.
	TokenRelay bool

	LoadTriggers  []string
	ErrorTriggers []string
	InfoTriggers  []string

	// NewSource builds the benchmark payload source; it fails fast when
	// required configuration (the model identifier) is missing.
	NewSource func(cfg *config.Config) (bench.Source, error)
}

// Dynamic reports whether the profile routes from the envelope.
func (p *Profile) Dynamic() bool {
	return p.UpstreamPath == ""
}

// Resolver returns the endpoint resolver for this worker type.
func (p *Profile) Resolver() resolver.Resolver {
	if p.Dynamic() {
		return resolver.Dynamic{}
	}
	return resolver.Fixed{Path: p.UpstreamPath}
}

// Rules assembles the log monitor rules. Environment-supplied trigger lists
// replace the profile defaults per action kind; rule order (load, info,
// error) matches the worker configs this evaluation order was lifted from.
func (p *Profile) Rules(cfg *config.Config) []logmon.Rule {
	loads, infos, errs := p.LoadTriggers, p.InfoTriggers, p.ErrorTriggers
	if len(cfg.LoadTriggers) > 0 {
		loads = cfg.LoadTriggers
	}
	if len(cfg.InfoTriggers) > 0 {
		infos = cfg.InfoTriggers
	}
	if len(cfg.ErrorTrigger) > 0 {
		errs = cfg.ErrorTrigger
	}

	var rules []logmon.Rule
	for _, s := range loads {
		rules = append(rules, logmon.Rule{Action: logmon.ModelLoaded, Pattern: s})
	}
	for _, s := range infos {
		rules = append(rules, logmon.Rule{Action: logmon.Info, Pattern: s})
	}
	for _, s := range errs {
		rules = append(rules, logmon.Rule{Action: logmon.ModelError, Pattern: s})
	}
	return rules
}

// Parallel resolves the dispatch policy: an explicit ALLOW_PARALLEL setting
// wins, otherwise the profile default applies.
func (p *Profile) Parallel(cfg *config.Config) bool {
	if cfg.AllowParallelSet {
		return cfg.AllowParallel
	}
	return p.AllowParallel
}

// ForType returns the profile for a WORKER_TYPE value.
func ForType(name string) (*Profile, error) {
	switch name {
	case "vllm":
		return &vllm, nil
	case "openai":
		return &openai, nil
	case "score":
		return &score, nil
	case "comfyui":
		return &comfyui, nil
	}
	return nil, fmt.Errorf("unknown worker type %q", name)
}

var vllm = Profile{
	Name:          "vllm",
	JobRoute:      "/v1/completions",
	UpstreamPath:  "/v1/completions",
	HealthPath:    "/health",
	Estimator:     workload.DeclaredBudget{Fields: []string{"max_tokens", "max_new_tokens"}},
	AllowParallel: true,
	LoadTriggers:  []string{"Application startup complete."},
	ErrorTriggers: []string{"Error: WebserverFailed", "Error: DownloadError", "Error: ShardCannotStart"},
	InfoTriggers:  []string{`"message":"Download`},
	NewSource: func(cfg *config.Config) (bench.Source, error) {
		return bench.NewSyntheticSource(cfg.ModelName, "", cfg.BenchmarkWords)
	},
}

// openai is the generic pass-through for OpenAI-compatible servers with
// multiple sub-endpoints; the caller's envelope picks the upstream path.
var openai = Profile{
	Name:          "openai",
	JobRoute:      "/proxy",
	HealthPath:    "/health",
	Estimator:     workload.DeclaredBudget{Fields: []string{"max_tokens", "max_new_tokens"}},
	AllowParallel: true,
	TokenRelay:    true,
	LoadTriggers:  []string{"Application startup complete."},
	ErrorTriggers: []string{"Error: WebserverFailed", "Error: DownloadError", "Error: ShardCannotStart"},
	InfoTriggers:  []string{`"message":"Download`},
	NewSource: func(cfg *config.Config) (bench.Source, error) {
		return bench.NewSyntheticSource(cfg.ModelName, "/v1/completions", cfg.BenchmarkWords)
	},
}

var score = Profile{
	Name:          "score",
	JobRoute:      "/score",
	UpstreamPath:  "/score",
	HealthPath:    "/health",
	Estimator:     workload.TextFields{Fields: []string{"text_1", "text_2"}},
	AllowParallel: true,
	LoadTriggers:  []string{"Application startup complete."},
	ErrorTriggers: []string{"INFO exited: vllm", "RuntimeError: Engine", "Traceback (most recent call last):"},
	InfoTriggers:  []string{`"message":"Download`},
	NewSource: func(cfg *config.Config) (bench.Source, error) {
		return bench.NewPairSource(cfg.ModelName, benchmarkPairs)
	},
}

// comfyui runs one workflow at a time; requests are serialized against the
// local process.
var comfyui = Profile{
	Name:          "comfyui",
	JobRoute:      "/generate/sync",
	UpstreamPath:  "/generate/sync",
	HealthPath:    "/health",
	AssetPath:     "/view",
	Estimator:     workload.Fixed{Cost: 100},
	AllowParallel: false,
	LoadTriggers:  []string{"To see the GUI go to: "},
	ErrorTriggers: []string{"MetadataIncompleteBuffer", "Value not in list: ", "[ERROR] Provisioning Script failed"},
	InfoTriggers:  []string{"Downloading:"},
	NewSource: func(cfg *config.Config) (bench.Source, error) {
		return bench.NewWorkflowSource(cfg.BenchmarkWords)
	},
}

// benchmarkPairs are the static query/document samples the scoring worker
// cycles through.
var benchmarkPairs = []bench.Pair{
	{Query: "What is the capital of France?", Document: "Paris is the capital and largest city of France."},
	{Query: "How do plants make food?", Document: "Photosynthesis converts sunlight, water and carbon dioxide into glucose."},
	{Query: "Who wrote Hamlet?", Document: "Hamlet is a tragedy written by William Shakespeare around 1600."},
	{Query: "What causes tides?", Document: "Tides are caused by the gravitational pull of the moon and the sun on oceans."},
	{Query: "How fast does light travel?", Document: "Light travels at roughly 299,792 kilometres per second in a vacuum."},
}
