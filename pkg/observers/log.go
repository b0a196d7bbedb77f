package observers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/telemetry"
)

// Log writes every event as a structured log entry. Failures log at error
// level and retries at warn.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a log observer.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("observer", "log").Logger()}
}

// Name implements engine.Observer.
func (l *Log) Name() string { return "log" }

// OnEvent implements engine.Observer.
func (l *Log) OnEvent(ctx context.Context, e engine.Event) error {
	var evt *zerolog.Event
	switch e.Kind.Severity() {
	case "error":
		evt = l.logger.Error()
	case "warning":
		evt = l.logger.Warn()
	default:
		evt = l.logger.Info()
	}

	evt = evt.Str("event", string(e.Kind)).Str("run_id", e.RunID)
	if e.ComponentID != "" {
		evt = evt.Str("component", e.ComponentID)
	}
	if e.Phase != "" {
		evt = evt.Str("phase", string(e.Phase))
	}
	if e.Attempt > 0 {
		evt = evt.Int("attempt", e.Attempt)
	}
	if e.Environment != "" {
		evt = evt.Str("env", e.Environment)
	}
	if e.Context != "" {
		evt = evt.Str("context", e.Context)
	}
	if len(e.Payload) > 0 {
		evt = evt.Fields(e.Payload)
	}
	if id := telemetry.TraceID(ctx); id != "" {
		evt = evt.Str("trace_id", id)
	}

	evt.Time("event_time", e.Timestamp).Msg("Deployment event")
	return nil
}
