package logmon

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/robballantyne/inference-worker/internal/readiness"
)

// Action is the effect a matched log line has on the worker.
type Action int

const (
	// ModelLoaded marks the upstream model process ready for traffic.
	ModelLoaded Action = iota
	// ModelError marks the worker permanently failed.
	ModelError
	// Info records the line for diagnostics without a state change.
	Info
)

func (a Action) String() string {
	switch a {
	case ModelLoaded:
		return "model_loaded"
	case ModelError:
		return "model_error"
	default:
		return "info"
	}
}

// Rule matches log lines by substring. Rules are evaluated in configuration
// order and the first match wins for a given line.
type Rule struct {
	Action  Action
	Pattern string
}

// EventRecorder receives diagnostic events from the monitor. The sqlite
// store satisfies this.
type EventRecorder interface {
	Event(level, code, msg string, meta map[string]interface{})
}

// Monitor tails the model process's log file and is the sole writer of the
// readiness tracker.
type Monitor struct {
	path     string
	rules    []Rule
	tracker  *readiness.Tracker
	events   EventRecorder
	interval time.Duration
}

func New(path string, rules []Rule, tracker *readiness.Tracker, events EventRecorder) *Monitor {
	return &Monitor{
		path:     path,
		rules:    rules,
		tracker:  tracker,
		events:   events,
		interval: 250 * time.Millisecond,
	}
}

// Run opens the log file, seeks to its current end and follows appended
// lines until ctx is cancelled. Open failures are retried with exponential
// backoff and never crash the worker.
func (m *Monitor) Run(ctx context.Context) {
	m.tracker.MarkLoading()

	file, err := m.open(ctx)
	if err != nil {
		// Only context cancellation gets the retry loop to give up.
		return
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		slog.Error("Failed to seek log file", "path", m.path, "error", err)
		return
	}

	slog.Info("Log monitor started", "path", m.path, "rules", len(m.rules))
	m.follow(ctx, file)
}

func (m *Monitor) open(ctx context.Context) (*os.File, error) {
	var file *os.File
	op := func() error {
		f, err := os.Open(m.path)
		if err != nil {
			slog.Warn("Log file not available yet", "path", m.path, "error", err)
			return err
		}
		file = f
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until cancelled
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return file, nil
}

// follow reads new lines as they are appended, reopening the file when it
// is truncated or rotated out from under us.
func (m *Monitor) follow(ctx context.Context, file *os.File) {
	reader := bufio.NewReader(file)
	var partial strings.Builder

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		line, err := reader.ReadString('\n')
		if err == nil {
			if partial.Len() > 0 {
				line = partial.String() + line
				partial.Reset()
			}
			m.apply(strings.TrimRight(line, "\n"))
			continue
		}

		// Keep whatever was read before EOF so a line written in two
		// chunks is still processed exactly once.
		if line != "" {
			partial.WriteString(line)
		}

		select {
		case <-ctx.Done():
			slog.Info("Log monitor stopping", "path", m.path)
			return
		case <-ticker.C:
		}

		if replaced := m.reopenIfRotated(file); replaced != nil {
			file.Close()
			file = replaced
			reader = bufio.NewReader(file)
			partial.Reset()
		}
	}
}

// reopenIfRotated returns a fresh handle when the file shrank or was
// replaced, nil otherwise.
func (m *Monitor) reopenIfRotated(file *os.File) *os.File {
	pos, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil
	}
	stat, err := os.Stat(m.path)
	if err != nil {
		return nil
	}
	current, err := file.Stat()
	if err != nil {
		return nil
	}
	if stat.Size() >= pos && os.SameFile(stat, current) {
		return nil
	}

	fresh, err := os.Open(m.path)
	if err != nil {
		return nil
	}
	slog.Info("Log file rotated, reopened", "path", m.path)
	return fresh
}

// apply evaluates rules in order; only the first match fires.
func (m *Monitor) apply(line string) {
	for _, rule := range m.rules {
		if !strings.Contains(line, rule.Pattern) {
			continue
		}
		switch rule.Action {
		case ModelLoaded:
			m.tracker.MarkReady()
			slog.Info("Model load trigger matched", "pattern", rule.Pattern)
			m.record("info", "model.loaded", line, rule)
		case ModelError:
			m.tracker.MarkFailed(line)
			slog.Error("Model error trigger matched", "pattern", rule.Pattern, "line", line)
			m.record("error", "model.failed", line, rule)
		case Info:
			slog.Debug("Log info trigger matched", "pattern", rule.Pattern)
			m.record("info", "model.log", line, rule)
		}
		return
	}
}

func (m *Monitor) record(level, code, line string, rule Rule) {
	if m.events == nil {
		return
	}
	m.events.Event(level, code, line, map[string]interface{}{
		"pattern": rule.Pattern,
		"action":  rule.Action.String(),
	})
}
