package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/robballantyne/inference-worker/internal/config"
	"github.com/robballantyne/inference-worker/internal/readiness"
)

// MonitoringService publishes periodic worker status reports so the outer
// scheduler can see readiness and load without polling the worker.
type MonitoringService struct {
	nats        *nats.Conn
	config      *config.Config
	tracker     *readiness.Tracker
	queuedCount int64 // atomic counter
	activeCount int64 // atomic counter for in-flight upstream calls
}

type StatusReport struct {
	ModelName  string          `json:"model_name"`
	WorkerType string          `json:"worker_type"`
	State      readiness.State `json:"state"`
	Queued     int64           `json:"queued"`
	InFlight   int64           `json:"in_flight"`
	UptimeSecs float64         `json:"uptime_secs"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     string          `json:"status"` // healthy, loading, failed
}

func NewMonitoringService(natsConn *nats.Conn, cfg *config.Config, tracker *readiness.Tracker) *MonitoringService {
	return &MonitoringService{
		nats:    natsConn,
		config:  cfg,
		tracker: tracker,
	}
}

func (m *MonitoringService) IncrementQueued()  { atomic.AddInt64(&m.queuedCount, 1) }
func (m *MonitoringService) DecrementQueued()  { atomic.AddInt64(&m.queuedCount, -1) }
func (m *MonitoringService) IncrementActive()  { atomic.AddInt64(&m.activeCount, 1) }
func (m *MonitoringService) DecrementActive()  { atomic.AddInt64(&m.activeCount, -1) }
func (m *MonitoringService) InFlight() int64   { return atomic.LoadInt64(&m.activeCount) }
func (m *MonitoringService) QueueDepth() int64 { return atomic.LoadInt64(&m.queuedCount) }

func (m *MonitoringService) Start(ctx context.Context) error {
	slog.Info("Starting monitoring service", "topic", m.config.MonitoringTopic)
	go m.reportLoop(ctx)
	return nil
}

func (m *MonitoringService) reportLoop(ctx context.Context) {
	// Report frequently under load, slowly when idle.
	highLoadTicker := time.NewTicker(1 * time.Second)
	lowLoadTicker := time.NewTicker(10 * time.Second)
	defer highLoadTicker.Stop()
	defer lowLoadTicker.Stop()

	currentTicker := lowLoadTicker

	for {
		select {
		case <-ctx.Done():
			return
		case <-currentTicker.C:
			active := m.InFlight()
			queued := m.QueueDepth()

			if active+queued > 0 && currentTicker == lowLoadTicker {
				currentTicker = highLoadTicker
			} else if active+queued == 0 && currentTicker == highLoadTicker {
				currentTicker = lowLoadTicker
			}

			m.publishReport(active, queued)
		}
	}
}

func (m *MonitoringService) publishReport(active, queued int64) {
	state, _ := m.tracker.Current()

	report := StatusReport{
		ModelName:  m.config.ModelName,
		WorkerType: m.config.WorkerType,
		State:      state,
		Queued:     queued,
		InFlight:   active,
		UptimeSecs: m.tracker.Uptime().Seconds(),
		Timestamp:  time.Now(),
		Status:     statusFor(state),
	}

	data, err := json.Marshal(report)
	if err != nil {
		slog.Error("Failed to marshal status report", "error", err)
		return
	}

	topic := fmt.Sprintf("%s.%s", m.config.MonitoringTopic, m.config.ModelName)
	if err := m.nats.Publish(topic, data); err != nil {
		slog.Warn("Failed to publish status report", "error", err)
		return
	}

	slog.Debug("Published status report", "state", state, "in_flight", active, "queued", queued)
}

func statusFor(state readiness.State) string {
	switch state {
	case readiness.StateReady:
		return "healthy"
	case readiness.StateFailed:
		return "failed"
	default:
		return "loading"
	}
}
