package engine

import (
	"context"
	"time"
)

// CheckpointLog durably records runs and their phase checkpoints so that an
// interrupted run can be resumed.
type CheckpointLog interface {
	// CreateRun records a new run. It fails if the id already exists.
	CreateRun(ctx context.Context, run *RunRecord) error

	// GetRun retrieves a run by id. It returns an error wrapping
	// ErrRunNotFound when no such run exists.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// UpdateRunStatus sets the status of a run.
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, completedAt *time.Time) error

	// AppendCheckpoint appends a terminal phase outcome to the run's log.
	AppendCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LoadCheckpoints returns the run's checkpoints in append order.
	LoadCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error)

	// ListRuns returns the most recent runs first. limit <= 0 means no limit.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// EventJournal persists lifecycle events for later inspection.
type EventJournal interface {
	// AppendEvent appends an event to the run's journal.
	AppendEvent(ctx context.Context, event *Event) error

	// GetEvents retrieves the events of a run in publish order.
	GetEvents(ctx context.Context, runID string) ([]Event, error)
}

// RunRecord is the persisted header of a deployment run.
type RunRecord struct {
	// ID is the run identifier.
	ID string `json:"id"`

	// Request is the original request. It wins over the caller's request on resume.
	Request RunRequest `json:"request"`

	// Status is the last recorded run status.
	Status RunStatus `json:"status"`

	// StartedAt is when the run was first created.
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt is the time of the last status change.
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Checkpoint is the persisted terminal outcome of one phase run.
type Checkpoint struct {
	// Seq orders checkpoints within a run. Assigned by the log.
	Seq int64 `json:"seq"`

	RunID       string     `json:"run_id"`
	ComponentID string     `json:"component_id"`
	Phase       Phase      `json:"phase"`
	State       PhaseState `json:"state"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	Description string     `json:"description,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	// RecordedAt is when the checkpoint was written.
	RecordedAt time.Time `json:"recorded_at"`
}

// NewCheckpoint captures pr for runID.
func NewCheckpoint(runID string, pr *PhaseRun, now time.Time) *Checkpoint {
	return &Checkpoint{
		RunID:       runID,
		ComponentID: pr.ComponentID,
		Phase:       pr.Phase,
		State:       pr.State,
		Attempts:    pr.Attempts,
		Error:       pr.Error,
		Description: pr.Description,
		StartedAt:   pr.StartedAt,
		EndedAt:     pr.EndedAt,
		RecordedAt:  now,
	}
}

func (c Checkpoint) key() phaseKey {
	return phaseKey{component: c.ComponentID, phase: c.Phase}
}
