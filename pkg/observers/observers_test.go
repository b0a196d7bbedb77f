package observers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daalu-io/daalu/pkg/engine"
	"github.com/daalu-io/daalu/pkg/stores"
	"github.com/daalu-io/daalu/pkg/telemetry"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// runEvents is the event stream of a run where ceph retries once and csi fails.
func runEvents() []engine.Event {
	return []engine.Event{
		{ID: "1", Kind: engine.EventRunStarted, RunID: "run-1", Timestamp: t0,
			Payload: map[string]interface{}{"plan": []string{"ceph", "csi"}, "dry_run": false}},
		{ID: "2", Kind: engine.EventStarted, RunID: "run-1", ComponentID: "ceph", Phase: engine.PhasePreInstall, Attempt: 1, Timestamp: t0},
		{ID: "3", Kind: engine.EventRetrying, RunID: "run-1", ComponentID: "ceph", Phase: engine.PhasePreInstall, Attempt: 1, Timestamp: t0,
			Payload: map[string]interface{}{"error": "timeout", "error_class": "transient", "delay_ms": int64(5000)}},
		{ID: "4", Kind: engine.EventStarted, RunID: "run-1", ComponentID: "ceph", Phase: engine.PhasePreInstall, Attempt: 2, Timestamp: t0},
		{ID: "5", Kind: engine.EventSucceeded, RunID: "run-1", ComponentID: "ceph", Phase: engine.PhasePreInstall, Attempt: 2, Timestamp: t0,
			Payload: map[string]interface{}{"duration_ms": int64(1500)}},
		{ID: "6", Kind: engine.EventSkipped, RunID: "run-1", ComponentID: "ceph", Phase: engine.PhasePostInstall, Timestamp: t0,
			Payload: map[string]interface{}{"reason": "not_applicable"}},
		{ID: "7", Kind: engine.EventStarted, RunID: "run-1", ComponentID: "csi", Phase: engine.PhaseHelmValues, Attempt: 1, Timestamp: t0},
		{ID: "8", Kind: engine.EventFailed, RunID: "run-1", ComponentID: "csi", Phase: engine.PhaseHelmValues, Attempt: 1, Timestamp: t0,
			Payload: map[string]interface{}{"error": "chart not found", "error_class": "permanent", "duration_ms": int64(200)}},
		{ID: "9", Kind: engine.EventRunFinished, RunID: "run-1", Timestamp: t0.Add(time.Minute),
			Payload: map[string]interface{}{"status": "partially_failed", "succeeded": 1, "failed": 1, "skipped": 1, "pending": 0}},
	}
}

func publishAll(t *testing.T, o engine.Observer) {
	t.Helper()
	for _, e := range runEvents() {
		require.NoError(t, o.OnEvent(context.Background(), e))
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	publishAll(t, NewConsole(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 9)

	assert.Contains(t, lines[0], "Deployment run run-1")
	assert.Contains(t, lines[0], "ceph -> csi")
	assert.Equal(t, "[..] ceph/pre_install", lines[1])
	assert.Equal(t, "[??] ceph/pre_install retrying in 5s: timeout", lines[2])
	assert.Equal(t, "[..] ceph/pre_install attempt 2", lines[3])
	assert.Equal(t, "[OK] ceph/pre_install (1.5s)", lines[4])
	assert.Equal(t, "[--] ceph/post_install skipped (not_applicable)", lines[5])
	assert.Equal(t, "[!!] csi/helm_values failed: chart not found", lines[7])
	assert.Equal(t, "Run partially_failed succeeded=1 failed=1 skipped=1 pending=0", lines[8])
}

func TestConsoleDryRunHeader(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	err := c.OnEvent(context.Background(), engine.Event{
		Kind: engine.EventRunStarted, RunID: "run-2",
		Payload: map[string]interface{}{"dry_run": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "Deployment run run-2 (dry run)\n", buf.String())
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	publishAll(t, NewLog(zerolog.New(&buf)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 9)

	var retry, failed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &retry))
	require.NoError(t, json.Unmarshal([]byte(lines[7]), &failed))

	assert.Equal(t, "warn", retry["level"])
	assert.Equal(t, "retrying", retry["event"])
	assert.Equal(t, "ceph", retry["component"])
	assert.Equal(t, "pre_install", retry["phase"])
	assert.Equal(t, "timeout", retry["error"])

	assert.Equal(t, "error", failed["level"])
	assert.Equal(t, "csi", failed["component"])
	assert.Equal(t, "run-1", failed["run_id"])
}

func TestJSONLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	j, err := OpenJSONL(path)
	require.NoError(t, err)
	assert.Equal(t, path, j.Path())

	publishAll(t, j)
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	events, err := ReadJSONL(f)
	require.NoError(t, err)
	require.Len(t, events, 9)

	assert.Equal(t, engine.EventRetrying, events[2].Kind)
	assert.Equal(t, "ceph", events[2].ComponentID)
	assert.Equal(t, float64(5000), events[2].Payload["delay_ms"])
	assert.Equal(t, "partially_failed", events[8].Payload["status"])
}

func TestJSONLRecordShape(t *testing.T) {
	var buf bytes.Buffer
	j := NewJSONL(&buf)
	err := j.OnEvent(context.Background(), engine.Event{
		ID: "e1", Kind: engine.EventStarted, RunID: "run-1", ComponentID: "ceph",
		Phase: engine.PhasePreInstall, Attempt: 1, Timestamp: t0, Environment: "prod", Context: "eu-1",
	})
	require.NoError(t, err)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "started", record["type"])
	assert.Equal(t, "run-1", record["run_id"])
	assert.Equal(t, "ceph", record["component"])
	assert.Equal(t, "pre_install", record["phase"])
	assert.Equal(t, float64(1), record["attempt"])
	assert.Equal(t, "prod", record["env"])
	assert.Equal(t, "eu-1", record["context"])
	assert.NotContains(t, record, "payload")
}

func TestMetricsObserver(t *testing.T) {
	cfg := telemetry.DefaultConfig().Metrics
	cfg.Enabled = true
	m := telemetry.NewMetrics(cfg)

	publishAll(t, NewMetrics(m))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`daalu_runs_started_total 1`,
		`daalu_runs_completed_total{status="partially_failed"} 1`,
		`daalu_phases_completed_total{component="ceph",phase="pre_install",state="succeeded"} 1`,
		`daalu_phases_completed_total{component="ceph",phase="post_install",state="skipped"} 1`,
		`daalu_phases_completed_total{component="csi",phase="helm_values",state="failed"} 1`,
		`daalu_phase_retries_total{component="ceph",phase="pre_install"} 1`,
		`daalu_errors_by_class_total{class="transient"} 1`,
		`daalu_errors_by_class_total{class="permanent"} 1`,
		`daalu_phases_running 0`,
		`daalu_active_runs 0`,
		`daalu_run_duration_seconds_sum{status="partially_failed"} 60`,
	} {
		assert.Contains(t, body, want)
	}
}

type fakeJournal struct {
	events []engine.Event
	err    error
}

func (f *fakeJournal) AppendEvent(ctx context.Context, e *engine.Event) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeJournal) GetEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	return f.events, nil
}

func TestJournalSurvivesCancellation(t *testing.T) {
	fj := &fakeJournal{}
	j := NewJournal(fj)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, j.OnEvent(ctx, runEvents()[0]))
	assert.Len(t, fj.events, 1)

	fj.err = errors.New("disk full")
	assert.Error(t, j.OnEvent(context.Background(), runEvents()[1]))
}

func TestJournalWithStore(t *testing.T) {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{DSN: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	publishAll(t, NewJournal(store))

	events, err := store.GetEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 9)
	assert.Equal(t, engine.EventRunStarted, events[0].Kind)
	assert.Equal(t, engine.EventRunFinished, events[8].Kind)
}

func TestObserversOnBus(t *testing.T) {
	var console, jsonl bytes.Buffer
	bus := engine.NewBus(zerolog.Nop())
	bus.Subscribe(NewConsole(&console))
	bus.Subscribe(NewJSONL(&jsonl))

	for _, e := range runEvents() {
		bus.Publish(context.Background(), e)
	}

	assert.Equal(t, 9, strings.Count(console.String(), "\n"))
	events, err := ReadJSONL(&jsonl)
	require.NoError(t, err)
	assert.Len(t, events, 9)
}
