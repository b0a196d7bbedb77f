package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDurableRunner_ResumeSkipsCompletedPhases(t *testing.T) {
	tp := newTestPlatform(t,
		Component{ID: "nodes"},
		Component{ID: "ceph", DependsOn: []string{"nodes"}},
	)
	log := newMemLog()
	runner := NewDurableRunner(tp.pipeline(), log, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Interrupt after ceph's helm_values phase succeeds.
	tp.caps["ceph"].onCall(PhaseHelmValues, cancel)

	run, err := runner.Run(ctx, RunRequest{RunID: "run-42", Targets: []string{"ceph"}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if run.Status != RunStatusCancelled {
		t.Fatalf("Expected cancelled, got %s", run.Status)
	}
	if got := len(log.checkpoints["run-42"]); got != 5 {
		t.Fatalf("Expected 5 checkpoints, got %d", got)
	}
	if log.runs["run-42"].Status != RunStatusCancelled {
		t.Errorf("Expected stored status cancelled, got %s", log.runs["run-42"].Status)
	}

	tp.caps["ceph"].onCall(PhaseHelmValues, nil)
	resumed, err := runner.Resume(context.Background(), "run-42")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resumed.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", resumed.Status)
	}
	if !resumed.Resumed {
		t.Error("Expected resumed flag")
	}

	for _, phase := range AllPhases {
		if got := tp.caps["nodes"].count(phase); got != 1 {
			t.Errorf("nodes/%s invoked %d times, want 1", phase, got)
		}
	}
	if tp.caps["ceph"].count(PhasePreInstall) != 1 || tp.caps["ceph"].count(PhaseHelmValues) != 1 {
		t.Errorf("Completed ceph phases must not be re-invoked: pre_install=%d helm_values=%d",
			tp.caps["ceph"].count(PhasePreInstall), tp.caps["ceph"].count(PhaseHelmValues))
	}
	if tp.caps["ceph"].count(PhasePostInstall) != 1 {
		t.Errorf("Expected ceph/post_install to run once, got %d", tp.caps["ceph"].count(PhasePostInstall))
	}
	if !resumed.PhaseRun("ceph", PhaseHelmValues).Restored {
		t.Error("Expected ceph/helm_values to be restored from checkpoint")
	}
	if resumed.PhaseRun("ceph", PhasePostInstall).Restored {
		t.Error("ceph/post_install was executed, not restored")
	}
	if log.runs["run-42"].Status != RunStatusSucceeded {
		t.Errorf("Expected stored status succeeded, got %s", log.runs["run-42"].Status)
	}
}

func TestDurableRunner_RerunSucceededIsIdempotent(t *testing.T) {
	tp := newTestPlatform(t, Component{ID: "nodes"}, Component{ID: "ceph", DependsOn: []string{"nodes"}})
	runner := NewDurableRunner(tp.pipeline(), newMemLog(), zerolog.Nop())
	req := RunRequest{RunID: "run-1", Targets: []string{"ceph"}}

	first, err := runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	calls := len(tp.log.all())

	second, err := runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if first.Status != second.Status || second.Status != RunStatusSucceeded {
		t.Errorf("Expected both runs to succeed, got %s and %s", first.Status, second.Status)
	}
	if got := len(tp.log.all()); got != calls {
		t.Errorf("Re-running a succeeded run invoked %d more phases", got-calls)
	}
	if tp.caps["nodes"].count(PhasePreInstall) != 1 {
		t.Errorf("pre_install re-invoked")
	}
}

func TestDurableRunner_FailedPhaseRunsAgain(t *testing.T) {
	tp := newTestPlatform(t, Component{ID: "ceph"})
	tp.caps["ceph"].failWith(PhasePostInstall, Permanent(errBoom))
	log := newMemLog()
	runner := NewDurableRunner(tp.pipeline(), log, zerolog.Nop())

	run, err := runner.Run(context.Background(), RunRequest{RunID: "run-7", Targets: []string{"ceph"}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if run.Status != RunStatusFailed {
		t.Fatalf("Expected failed, got %s", run.Status)
	}

	tp.caps["ceph"].clearFailures()
	resumed, err := runner.Resume(context.Background(), "run-7")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resumed.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", resumed.Status)
	}
	if got := tp.caps["ceph"].count(PhasePostInstall); got != 2 {
		t.Errorf("Expected post_install to run again, got %d calls", got)
	}
	if got := tp.caps["ceph"].count(PhasePreInstall); got != 1 {
		t.Errorf("Expected pre_install to be restored, got %d calls", got)
	}
}

func TestDurableRunner_StoredRequestWins(t *testing.T) {
	tp := newTestPlatform(t, Component{ID: "nodes"}, Component{ID: "ceph", DependsOn: []string{"nodes"}})
	runner := NewDurableRunner(tp.pipeline(), newMemLog(), zerolog.Nop())

	if _, err := runner.Run(context.Background(), RunRequest{RunID: "run-1", Targets: []string{"nodes"}}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	run, err := runner.Run(context.Background(), RunRequest{RunID: "run-1", Targets: []string{"ceph"}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(run.Request.Targets, []string{"nodes"}) {
		t.Errorf("Expected stored targets, got %v", run.Request.Targets)
	}
	if tp.caps["ceph"].total() != 0 {
		t.Error("Requested targets must be ignored on resume")
	}
}

func TestDurableRunner_DryRunBypassesLog(t *testing.T) {
	tp := newTestPlatform(t, Component{ID: "ceph"})
	log := newMemLog()
	runner := NewDurableRunner(tp.pipeline(), log, zerolog.Nop())

	run, err := runner.Run(context.Background(), RunRequest{Targets: []string{"ceph"}, DryRun: true})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", run.Status)
	}
	if len(log.runs) != 0 || log.appends != 0 {
		t.Errorf("Dry run must not touch the checkpoint log")
	}
}

func TestDurableRunner_CheckpointFailureStopsRun(t *testing.T) {
	tp := newTestPlatform(t, Component{ID: "nodes"}, Component{ID: "ceph", DependsOn: []string{"nodes"}})
	log := newMemLog()
	log.failAppend = errors.New("database is locked")
	runner := NewDurableRunner(tp.pipeline(), log, zerolog.Nop())

	run, err := runner.Run(context.Background(), RunRequest{Targets: []string{"ceph"}})
	if err == nil {
		t.Fatal("Expected checkpoint error")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeCheckpoint {
		t.Errorf("Expected checkpoint error code, got %v", err)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("Expected failed, got %s", run.Status)
	}
	if got := len(tp.log.all()); got != 1 {
		t.Errorf("Expected the run to stop after the first phase, got %v", tp.log.all())
	}
}

func TestDurableRunner_ResumeUnknownRun(t *testing.T) {
	tp := newTestPlatform(t, Component{ID: "ceph"})
	runner := NewDurableRunner(tp.pipeline(), newMemLog(), zerolog.Nop())

	_, err := runner.Resume(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected run not found, got %v", err)
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestRunFromRecord(t *testing.T) {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		ID:        "run-1",
		Request:   RunRequest{Targets: []string{"ceph"}, Environment: "prod"},
		Status:    RunStatusFailed,
		StartedAt: started,
	}
	checkpoints := []Checkpoint{
		{Seq: 1, RunID: "run-1", ComponentID: "nodes", Phase: PhaseHelmValues, State: PhaseStateSucceeded, Attempts: 1},
		{Seq: 2, RunID: "run-1", ComponentID: "ceph", Phase: PhaseHelmValues, State: PhaseStateFailed, Attempts: 5, Error: "timed out"},
		{Seq: 3, RunID: "run-1", ComponentID: "ceph", Phase: PhaseHelmValues, State: PhaseStateSucceeded, Attempts: 1},
	}

	run := RunFromRecord(rec, checkpoints)

	if run.ID != "run-1" || run.Status != RunStatusFailed || !run.StartedAt.Equal(started) {
		t.Fatalf("unexpected run header: %+v", run)
	}
	if len(run.PhaseRuns) != 2 {
		t.Fatalf("expected 2 phase runs, got %d", len(run.PhaseRuns))
	}
	ceph := run.PhaseRun("ceph", PhaseHelmValues)
	if ceph == nil || ceph.State != PhaseStateSucceeded || ceph.Attempts != 1 || ceph.Error != "" {
		t.Errorf("latest checkpoint should win, got %+v", ceph)
	}
	if s := run.Summary(); s.Succeeded != 2 || s.Failed != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
}
