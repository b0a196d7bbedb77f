package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/daalu-io/daalu/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"disabled tracing ignores exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, false},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("pipeline").WithRunID("run-1").WithComponent("ceph").
		WithPhase(engine.PhasePreInstall).Debug("Starting phase")

	entry := decodeLine(t, &buf)
	want := map[string]string{
		"subsystem": "pipeline",
		"run_id":    "run-1",
		"component": "ceph",
		"phase":     "pre_install",
		"level":     "debug",
		"message":   "Starting phase",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("Expected %s=%q, got %v", k, v, entry[k])
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered at warn level, got %q", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("Expected warn to be logged, got %q", buf.String())
	}
}

func TestLoggerWithEngineError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"})

	err := engine.NewPermanentError("chart not found", errors.New("404")).WithCode("CHART_NOT_FOUND")
	logger.WithError(err).Error("Phase failed")

	entry := decodeLine(t, &buf)
	if entry["error_class"] != "permanent" {
		t.Errorf("Expected error_class permanent, got %v", entry["error_class"])
	}
	if entry["error_code"] != "CHART_NOT_FOUND" {
		t.Errorf("Expected error_code CHART_NOT_FOUND, got %v", entry["error_code"])
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "debug" {
		t.Errorf("Expected debug level")
	}
	if ParseLevel("bogus").String() != "info" {
		t.Errorf("Expected info fallback")
	}
}

func TestMetricsDisabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	if m.Enabled() {
		t.Fatal("Expected disabled metrics")
	}

	// No-ops must not panic.
	m.RecordRunStarted()
	m.RecordPhaseStarted()
	m.RecordPhaseCompleted("ceph", "pre_install", "succeeded", time.Second, true)
	m.RecordPhaseRetry("ceph", "pre_install")
	m.RecordError("transient")
	m.RecordRunCompleted("succeeded", time.Minute)

	if err := m.Serve(context.Background(), NopLogger().Zerolog()); err != nil {
		t.Errorf("Expected disabled Serve to return nil, got %v", err)
	}
}

func TestMetricsHandler(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m := NewMetrics(cfg)

	m.RecordRunStarted()
	m.RecordPhaseStarted()
	m.RecordPhaseCompleted("ceph", "helm_values", "failed", 3*time.Second, true)
	m.RecordPhaseCompleted("ceph", "post_install", "skipped", 0, false)
	m.RecordPhaseRetry("ceph", "helm_values")
	m.RecordError("transient")
	m.RecordRunCompleted("failed", time.Minute)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`daalu_runs_started_total 1`,
		`daalu_runs_completed_total{status="failed"} 1`,
		`daalu_phases_completed_total{component="ceph",phase="helm_values",state="failed"} 1`,
		`daalu_phases_completed_total{component="ceph",phase="post_install",state="skipped"} 1`,
		`daalu_phase_retries_total{component="ceph",phase="helm_values"} 1`,
		`daalu_errors_by_class_total{class="transient"} 1`,
		`daalu_active_runs 0`,
		`daalu_phases_running 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{}, "daalu", "dev", "test")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ctx, span := tracer.Tracer().Start(context.Background(), "run.execute")
	span.End()
	if TraceID(ctx) != "" {
		t.Error("Expected no trace id from a no-op tracer")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Unexpected shutdown error: %v", err)
	}
}

func TestTracerStdout(t *testing.T) {
	var buf bytes.Buffer
	tracer, err := newTracer(TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, "daalu", "dev", "test", &buf)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ctx, span := tracer.Tracer().Start(context.Background(), "phase.execute")
	if TraceID(ctx) == "" {
		t.Error("Expected a trace id")
	}
	span.RecordError(errors.New("boom"))
	span.End()

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Unexpected shutdown error: %v", err)
	}
	if !strings.Contains(buf.String(), "phase.execute") {
		t.Errorf("Expected exported span, got %q", buf.String())
	}
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "nope"
	if _, err := NewTelemetry(cfg); err == nil {
		t.Error("Expected validation error")
	}

	tel, err := NewTelemetry(DefaultConfig())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tel.Logger == nil || tel.Tracer == nil || tel.Metrics == nil {
		t.Fatal("Expected every telemetry part to be set")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Unexpected shutdown error: %v", err)
	}
}
