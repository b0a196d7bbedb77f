package stores

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/daalu-io/daalu/pkg/engine"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := Open(context.Background(), Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func testRun(id string, started time.Time) *engine.RunRecord {
	return &engine.RunRecord{
		ID: id,
		Request: engine.RunRequest{
			RunID:       id,
			Targets:     []string{"ceph", "csi"},
			Mode:        engine.PlanModeTransitive,
			PhaseFilter: []engine.Phase{engine.PhaseHelmValues},
			Environment: "staging",
		},
		Status:    engine.RunStatusRunning,
		StartedAt: started,
		UpdatedAt: started,
	}
}

func TestNewSQLStore(t *testing.T) {
	if _, err := NewSQLStore(Config{}); err == nil {
		t.Error("Expected error for empty dsn")
	}
	if _, err := NewSQLStore(Config{Driver: "mysql", DSN: "x"}); err == nil {
		t.Error("Expected error for unsupported driver")
	}

	store, err := NewSQLStore(Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("Expected a single connection for :memory:, got %d", store.cfg.MaxOpenConns)
	}

	if err := store.Migrate(context.Background()); err == nil {
		t.Error("Expected error when migrating before Init")
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("Expected error from health check before Init")
	}
}

func TestSQLStore_MigrateIsIdempotent(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Errorf("Second migration failed: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("Health check failed: %v", err)
	}
}

func TestSQLStore_RunOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := testRun("run-1", started)

	t.Run("CreateRun", func(t *testing.T) {
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("Failed to create run: %v", err)
		}
	})

	t.Run("CreateRun duplicate", func(t *testing.T) {
		err := store.CreateRun(ctx, run)
		if !errors.Is(err, ErrRunExists) {
			t.Errorf("Expected ErrRunExists, got %v", err)
		}
	})

	t.Run("GetRun", func(t *testing.T) {
		got, err := store.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("Failed to get run: %v", err)
		}
		if got.Status != engine.RunStatusRunning {
			t.Errorf("Expected status running, got %s", got.Status)
		}
		if !got.StartedAt.Equal(started) {
			t.Errorf("Expected started_at %v, got %v", started, got.StartedAt)
		}
		if got.CompletedAt != nil {
			t.Errorf("Expected no completion time, got %v", got.CompletedAt)
		}
		if len(got.Request.Targets) != 2 || got.Request.Targets[1] != "csi" {
			t.Errorf("Request targets not preserved: %v", got.Request.Targets)
		}
		if len(got.Request.PhaseFilter) != 1 || got.Request.PhaseFilter[0] != engine.PhaseHelmValues {
			t.Errorf("Request phase filter not preserved: %v", got.Request.PhaseFilter)
		}
		if got.Request.Environment != "staging" {
			t.Errorf("Expected environment staging, got %s", got.Request.Environment)
		}
	})

	t.Run("GetRun not found", func(t *testing.T) {
		_, err := store.GetRun(ctx, "missing")
		if !errors.Is(err, engine.ErrRunNotFound) {
			t.Errorf("Expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("UpdateRunStatus", func(t *testing.T) {
		completed := started.Add(time.Minute)
		if err := store.UpdateRunStatus(ctx, "run-1", engine.RunStatusPartiallyFailed, &completed); err != nil {
			t.Fatalf("Failed to update status: %v", err)
		}

		got, err := store.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("Failed to get run: %v", err)
		}
		if got.Status != engine.RunStatusPartiallyFailed {
			t.Errorf("Expected partially_failed, got %s", got.Status)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
			t.Errorf("Expected completed_at %v, got %v", completed, got.CompletedAt)
		}
	})

	t.Run("UpdateRunStatus not found", func(t *testing.T) {
		err := store.UpdateRunStatus(ctx, "missing", engine.RunStatusFailed, nil)
		if !errors.Is(err, engine.ErrRunNotFound) {
			t.Errorf("Expected ErrRunNotFound, got %v", err)
		}
	})
}

func TestSQLStore_ListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := store.CreateRun(ctx, testRun(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Failed to create run %s: %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-c" || runs[2].ID != "run-a" {
		t.Errorf("Expected newest first, got %s..%s", runs[0].ID, runs[2].ID)
	}

	runs, err = store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("Expected 2 runs with limit, got %d", len(runs))
	}
}

func TestSQLStore_Checkpoints(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.CreateRun(ctx, testRun("run-1", now)); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}

	ended := now.Add(2 * time.Second)
	first := &engine.Checkpoint{
		RunID:       "run-1",
		ComponentID: "ceph",
		Phase:       engine.PhasePreInstall,
		State:       engine.PhaseStateSucceeded,
		Attempts:    1,
		StartedAt:   &now,
		EndedAt:     &ended,
		RecordedAt:  ended,
	}
	second := &engine.Checkpoint{
		RunID:       "run-1",
		ComponentID: "ceph",
		Phase:       engine.PhaseHelmValues,
		State:       engine.PhaseStateFailed,
		Attempts:    3,
		Error:       "helm upgrade exited with code 1",
		RecordedAt:  ended,
	}

	for _, cp := range []*engine.Checkpoint{first, second} {
		if err := store.AppendCheckpoint(ctx, cp); err != nil {
			t.Fatalf("Failed to append checkpoint: %v", err)
		}
	}
	if first.Seq == 0 || second.Seq <= first.Seq {
		t.Errorf("Expected increasing sequence numbers, got %d and %d", first.Seq, second.Seq)
	}

	cps, err := store.LoadCheckpoints(ctx, "run-1")
	if err != nil {
		t.Fatalf("Failed to load checkpoints: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("Expected 2 checkpoints, got %d", len(cps))
	}
	if cps[0].Phase != engine.PhasePreInstall || cps[1].Phase != engine.PhaseHelmValues {
		t.Errorf("Checkpoints out of order: %s, %s", cps[0].Phase, cps[1].Phase)
	}
	if cps[0].StartedAt == nil || !cps[0].StartedAt.Equal(now) {
		t.Errorf("Expected started_at %v, got %v", now, cps[0].StartedAt)
	}
	if cps[1].StartedAt != nil {
		t.Errorf("Expected nil started_at, got %v", cps[1].StartedAt)
	}
	if cps[1].Error != "helm upgrade exited with code 1" || cps[1].Attempts != 3 {
		t.Errorf("Unexpected failed checkpoint: %+v", cps[1])
	}

	cps, err = store.LoadCheckpoints(ctx, "other")
	if err != nil {
		t.Fatalf("Failed to load checkpoints: %v", err)
	}
	if len(cps) != 0 {
		t.Errorf("Expected no checkpoints for unknown run, got %d", len(cps))
	}

	orphan := &engine.Checkpoint{RunID: "missing", ComponentID: "ceph", Phase: engine.PhasePreInstall,
		State: engine.PhaseStateSucceeded, RecordedAt: now}
	if err := store.AppendCheckpoint(ctx, orphan); err == nil {
		t.Error("Expected foreign key error for a checkpoint of an unknown run")
	}
}

func TestSQLStore_Events(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []engine.Event{
		{ID: "e1", Kind: engine.EventRunStarted, RunID: "run-1", Timestamp: now,
			Payload: map[string]interface{}{"targets": []string{"ceph"}}},
		{ID: "e2", Kind: engine.EventStarted, RunID: "run-1", ComponentID: "ceph",
			Phase: engine.PhasePreInstall, Attempt: 1, Environment: "prod", Context: "eu-1", Timestamp: now},
		{ID: "e3", Kind: engine.EventRunFinished, RunID: "run-1", Timestamp: now,
			Payload: map[string]interface{}{"status": "succeeded"}},
	}
	for i := range events {
		if err := store.AppendEvent(ctx, &events[i]); err != nil {
			t.Fatalf("Failed to append event: %v", err)
		}
	}

	got, err := store.GetEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("Failed to get events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	for i, e := range got {
		if e.ID != events[i].ID || e.Kind != events[i].Kind {
			t.Errorf("Event %d: expected %s/%s, got %s/%s", i, events[i].ID, events[i].Kind, e.ID, e.Kind)
		}
	}
	if got[1].ComponentID != "ceph" || got[1].Phase != engine.PhasePreInstall || got[1].Attempt != 1 {
		t.Errorf("Unexpected phase event: %+v", got[1])
	}
	if got[1].Environment != "prod" || got[1].Context != "eu-1" {
		t.Errorf("Expected environment and context, got %q %q", got[1].Environment, got[1].Context)
	}
	if got[1].Payload != nil {
		t.Errorf("Expected nil payload, got %v", got[1].Payload)
	}
	if got[2].Payload["status"] != "succeeded" {
		t.Errorf("Expected payload status succeeded, got %v", got[2].Payload)
	}
}

func TestSQLStore_AuditLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	runID := "run-1"
	details := `{"targets":["ceph"]}`
	now := time.Now()

	entries := []*AuditEntry{
		{Action: "run.started", Actor: "operator", TargetID: &runID, Details: &details, Timestamp: now},
		{Action: "run.resumed", Actor: "operator", TargetID: &runID, Timestamp: now},
		{Action: "run.started", Actor: "ci", Timestamp: now},
	}
	for _, e := range entries {
		if err := store.CreateAuditEntry(ctx, e); err != nil {
			t.Fatalf("Failed to create audit entry: %v", err)
		}
		if e.ID == 0 {
			t.Error("Expected audit entry id to be assigned")
		}
	}

	all, err := store.ListAuditEntries(ctx, nil, 0)
	if err != nil {
		t.Fatalf("Failed to list audit entries: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(all))
	}
	if all[0].Actor != "ci" {
		t.Errorf("Expected newest entry first, got %s", all[0].Actor)
	}
	if all[0].TargetID != nil {
		t.Errorf("Expected nil target id, got %v", *all[0].TargetID)
	}

	action := "run.started"
	started, err := store.ListAuditEntries(ctx, &action, 1)
	if err != nil {
		t.Fatalf("Failed to list audit entries: %v", err)
	}
	if len(started) != 1 || started[0].Action != "run.started" {
		t.Errorf("Expected one run.started entry, got %v", started)
	}
}

type staticComponent struct {
	calls *int
}

func (c staticComponent) PreInstall(ctx context.Context) error {
	*c.calls++
	return nil
}

func TestSQLStore_DurableRunnerResume(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var calls int
	reg := engine.NewRegistry()
	err := reg.RegisterAll([]engine.Component{
		{ID: "nodes", Capabilities: staticComponent{calls: &calls}},
		{ID: "ceph", DependsOn: []string{"nodes"}, Capabilities: staticComponent{calls: &calls}},
	})
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	runner := engine.NewDurableRunner(engine.NewPipeline(reg, engine.WithMaxParallel(1)), store, zerolog.Nop())

	run, err := runner.Run(ctx, engine.RunRequest{RunID: "durable-1", Targets: []string{"ceph"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}
	if calls != 2 {
		t.Fatalf("Expected 2 phase calls, got %d", calls)
	}

	record, err := store.GetRun(ctx, "durable-1")
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	if record.Status != engine.RunStatusSucceeded || record.CompletedAt == nil {
		t.Errorf("Expected a completed succeeded record, got %s", record.Status)
	}

	resumed, err := runner.Resume(ctx, "durable-1")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected succeeded after resume, got %s", resumed.Status)
	}
	if calls != 2 {
		t.Errorf("Expected no phase to run again, got %d calls", calls)
	}
}

func TestSQLStore_Postgres(t *testing.T) {
	dsn := os.Getenv("DAALU_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DAALU_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: DriverPostgres, DSN: dsn})
	if err != nil {
		t.Fatalf("Failed to open postgres store: %v", err)
	}
	defer store.Close()

	id := "pg-" + time.Now().Format("20060102150405.000000000")
	if err := store.CreateRun(ctx, testRun(id, time.Now())); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	if err := store.CreateRun(ctx, testRun(id, time.Now())); !errors.Is(err, ErrRunExists) {
		t.Errorf("Expected ErrRunExists, got %v", err)
	}

	cp := &engine.Checkpoint{RunID: id, ComponentID: "ceph", Phase: engine.PhasePreInstall,
		State: engine.PhaseStateSucceeded, Attempts: 1, RecordedAt: time.Now()}
	if err := store.AppendCheckpoint(ctx, cp); err != nil {
		t.Fatalf("Failed to append checkpoint: %v", err)
	}

	cps, err := store.LoadCheckpoints(ctx, id)
	if err != nil || len(cps) != 1 {
		t.Fatalf("Expected one checkpoint, got %d (%v)", len(cps), err)
	}
}

func TestDialectRebind(t *testing.T) {
	q := "SELECT * FROM runs WHERE id = ? AND status = ?"
	if got := sqliteDialect.rebind(q); got != q {
		t.Errorf("Expected sqlite query unchanged, got %s", got)
	}
	want := "SELECT * FROM runs WHERE id = $1 AND status = $2"
	if got := postgresDialect.rebind(q); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestDialectDSN(t *testing.T) {
	if got := sqliteDialect.dsn(":memory:"); got != "file::memory:?_pragma=foreign_keys(1)" {
		t.Errorf("Unexpected memory dsn: %s", got)
	}
	got := sqliteDialect.dsn("/var/lib/daalu/state.db")
	if got != "/var/lib/daalu/state.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)" {
		t.Errorf("Unexpected file dsn: %s", got)
	}
	if got := postgresDialect.dsn("postgres://localhost/daalu"); got != "postgres://localhost/daalu" {
		t.Errorf("Expected postgres dsn unchanged, got %s", got)
	}
}
