package observers

import (
	"context"
	"sync"
	"time"

	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/telemetry"
)

// Metrics feeds Prometheus counters and histograms from lifecycle events.
type Metrics struct {
	metrics *telemetry.Metrics

	mu       sync.Mutex
	runStart map[string]time.Time
	running  map[string]bool
}

// NewMetrics creates a metrics observer.
func NewMetrics(m *telemetry.Metrics) *Metrics {
	return &Metrics{
		metrics:  m,
		runStart: make(map[string]time.Time),
		running:  make(map[string]bool),
	}
}

// Name implements engine.Observer.
func (m *Metrics) Name() string { return "metrics" }

// OnEvent implements engine.Observer.
func (m *Metrics) OnEvent(_ context.Context, e engine.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.RunID + "/" + e.ComponentID + "/" + string(e.Phase)

	switch e.Kind {
	case engine.EventRunStarted:
		m.runStart[e.RunID] = e.Timestamp
		m.metrics.RecordRunStarted()

	case engine.EventStarted:
		// Retries emit Started again for the same phase.
		if !m.running[key] {
			m.running[key] = true
			m.metrics.RecordPhaseStarted()
		}

	case engine.EventRetrying:
		m.metrics.RecordPhaseRetry(e.ComponentID, string(e.Phase))
		m.metrics.RecordError(payloadString(e, "error_class"))

	case engine.EventSucceeded, engine.EventFailed, engine.EventSkipped:
		started := m.running[key]
		delete(m.running, key)
		ms, _ := payloadInt(e, "duration_ms")
		if e.Kind == engine.EventFailed {
			m.metrics.RecordError(payloadString(e, "error_class"))
		}
		m.metrics.RecordPhaseCompleted(e.ComponentID, string(e.Phase), terminalState(e.Kind),
			time.Duration(ms)*time.Millisecond, started)

	case engine.EventRunFinished:
		var elapsed time.Duration
		if start, ok := m.runStart[e.RunID]; ok {
			elapsed = e.Timestamp.Sub(start)
			delete(m.runStart, e.RunID)
		}
		m.metrics.RecordRunCompleted(payloadString(e, "status"), elapsed)
	}

	return nil
}

func terminalState(kind engine.EventKind) string {
	switch kind {
	case engine.EventSucceeded:
		return string(engine.PhaseStateSucceeded)
	case engine.EventFailed:
		return string(engine.PhaseStateFailed)
	default:
		return string(engine.PhaseStateSkipped)
	}
}
