package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DurableRunner executes runs through a pipeline and checkpoints every
// terminal phase to a CheckpointLog, so that a crashed or interrupted run
// resumes without repeating completed phases.
type DurableRunner struct {
	pipeline *Pipeline
	log      CheckpointLog
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDurableRunner creates a durable runner.
func NewDurableRunner(pipeline *Pipeline, log CheckpointLog, logger zerolog.Logger) *DurableRunner {
	return &DurableRunner{
		pipeline: pipeline,
		log:      log,
		logger:   logger.With().Str("component", "durable-runner").Logger(),
		now:      time.Now,
	}
}

// Run executes req. When req.RunID names a run already in the log, the run
// is resumed from its checkpoints and the stored request is used. Dry runs
// bypass the log entirely.
func (d *DurableRunner) Run(ctx context.Context, req RunRequest) (*DeploymentRun, error) {
	if req.DryRun {
		return d.pipeline.Run(ctx, req)
	}

	if req.RunID != "" {
		rec, err := d.log.GetRun(ctx, req.RunID)
		switch {
		case err == nil:
			if !sameTargets(rec.Request.Targets, req.Targets) {
				d.logger.Warn().
					Str("run_id", rec.ID).
					Strs("stored_targets", rec.Request.Targets).
					Strs("requested_targets", req.Targets).
					Msg("Resuming with stored request, requested targets ignored")
			}
			return d.resume(ctx, rec)
		case !errors.Is(err, ErrRunNotFound):
			return nil, checkpointError("failed to look up run", err)
		}
	}

	run, err := d.pipeline.Prepare(req)
	if err != nil {
		return nil, err
	}

	now := d.now()
	rec := &RunRecord{
		ID:        run.ID,
		Request:   run.Request,
		Status:    RunStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := d.log.CreateRun(ctx, rec); err != nil {
		return nil, checkpointError("failed to record run", err)
	}

	return d.execute(ctx, run)
}

// Resume continues the run identified by runID using its stored request.
func (d *DurableRunner) Resume(ctx context.Context, runID string) (*DeploymentRun, error) {
	rec, err := d.log.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, NewConfigurationError(fmt.Sprintf("run %s not found", runID), err).WithCode(ErrCodeNotFound)
		}
		return nil, checkpointError("failed to look up run", err)
	}
	return d.resume(ctx, rec)
}

func (d *DurableRunner) resume(ctx context.Context, rec *RunRecord) (*DeploymentRun, error) {
	req := rec.Request
	req.RunID = rec.ID

	run, err := d.pipeline.Prepare(req)
	if err != nil {
		return nil, err
	}
	run.Resumed = true

	checkpoints, err := d.log.LoadCheckpoints(ctx, rec.ID)
	if err != nil {
		return nil, checkpointError("failed to load checkpoints", err)
	}
	restored := restoreCheckpoints(run, checkpoints)

	d.logger.Info().
		Str("run_id", run.ID).
		Int("checkpoints", len(checkpoints)).
		Int("restored", restored).
		Str("previous_status", string(rec.Status)).
		Msg("Resuming deployment run")

	if err := d.log.UpdateRunStatus(ctx, run.ID, RunStatusRunning, nil); err != nil {
		return nil, checkpointError("failed to update run status", err)
	}

	return d.execute(ctx, run)
}

func (d *DurableRunner) execute(ctx context.Context, run *DeploymentRun) (*DeploymentRun, error) {
	execErr := d.pipeline.Execute(ctx, run, d.checkpoint)

	// The final status is recorded even when the caller's context is gone.
	if err := d.log.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, run.Status, run.CompletedAt); err != nil {
		d.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to record final run status")
		if execErr == nil {
			execErr = checkpointError("failed to record final run status", err)
		}
	}
	return run, execErr
}

// checkpoint is the pipeline Checkpointer.
func (d *DurableRunner) checkpoint(ctx context.Context, run *DeploymentRun, pr *PhaseRun) error {
	return d.log.AppendCheckpoint(context.WithoutCancel(ctx), NewCheckpoint(run.ID, pr, d.now()))
}

// restoreCheckpoints applies the latest checkpoint per phase to run. Succeeded
// and skipped phases are restored; failed phases stay pending and run again.
func restoreCheckpoints(run *DeploymentRun, checkpoints []Checkpoint) int {
	latest := make(map[phaseKey]Checkpoint, len(checkpoints))
	for _, cp := range checkpoints {
		latest[cp.key()] = cp
	}

	restored := 0
	for _, pr := range run.PhaseRuns {
		cp, ok := latest[pr.key()]
		if !ok || !cp.State.IsDone() {
			continue
		}
		pr.State = cp.State
		pr.Attempts = cp.Attempts
		pr.Description = cp.Description
		pr.StartedAt = cp.StartedAt
		pr.EndedAt = cp.EndedAt
		pr.Restored = true
		restored++
	}
	return restored
}

func checkpointError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Kind:    KindInternal,
		Message: message,
		Code:    ErrCodeCheckpoint,
		Err:     err,
	}
}

func sameTargets(a, b []string) bool {
	if len(b) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RunFromRecord rebuilds a reporting view of a stored run: one phase run per
// checkpointed (component, phase), holding its latest checkpoint. Phases that
// never reached a terminal state are absent. The plan is not restored.
func RunFromRecord(rec *RunRecord, checkpoints []Checkpoint) *DeploymentRun {
	run := &DeploymentRun{
		ID:          rec.ID,
		Request:     rec.Request,
		Status:      rec.Status,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		PhaseRuns:   make([]*PhaseRun, 0, len(checkpoints)),
	}

	index := make(map[phaseKey]*PhaseRun, len(checkpoints))
	for _, cp := range checkpoints {
		pr, ok := index[cp.key()]
		if !ok {
			pr = &PhaseRun{ComponentID: cp.ComponentID, Phase: cp.Phase}
			index[cp.key()] = pr
			run.PhaseRuns = append(run.PhaseRuns, pr)
		}
		pr.State = cp.State
		pr.Attempts = cp.Attempts
		pr.Error = cp.Error
		pr.Description = cp.Description
		pr.StartedAt = cp.StartedAt
		pr.EndedAt = cp.EndedAt
		pr.Restored = true
	}
	return run
}
