package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a deployment run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every scheduled phase succeeded or was skipped.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the critical path failed before any independent
	// component reached a successful terminal state.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartiallyFailed indicates an independent branch failed while others succeeded.
	RunStatusPartiallyFailed RunStatus = "partially_failed"

	// RunStatusCancelled indicates the run was stopped by the operator.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartiallyFailed || s == RunStatusCancelled
}

// IsSuccess reports whether the run fully succeeded. Only this outcome maps
// to a zero process exit status.
func (s RunStatus) IsSuccess() bool {
	return s == RunStatusSucceeded
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusPartiallyFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// PhaseState is the state of one (component, phase) pair within a run.
type PhaseState string

const (
	// PhaseStatePending indicates the phase has not started.
	PhaseStatePending PhaseState = "pending"

	// PhaseStateRunning indicates an attempt is in flight or waiting on backoff.
	PhaseStateRunning PhaseState = "running"

	// PhaseStateSucceeded indicates the phase implementation returned without error.
	PhaseStateSucceeded PhaseState = "succeeded"

	// PhaseStateFailed indicates retries were exhausted or the error was fatal.
	PhaseStateFailed PhaseState = "failed"

	// PhaseStateSkipped indicates the phase was not applicable or ran in dry-run mode.
	PhaseStateSkipped PhaseState = "skipped"
)

// IsTerminal returns true if the phase state is final for the run.
func (s PhaseState) IsTerminal() bool {
	return s == PhaseStateSucceeded || s == PhaseStateFailed || s == PhaseStateSkipped
}

// IsDone reports a terminal state that lets dependents proceed.
func (s PhaseState) IsDone() bool {
	return s == PhaseStateSucceeded || s == PhaseStateSkipped
}

// Validate checks if the phase state is valid.
func (s PhaseState) Validate() error {
	switch s {
	case PhaseStatePending, PhaseStateRunning, PhaseStateSucceeded,
		PhaseStateFailed, PhaseStateSkipped:
		return nil
	default:
		return fmt.Errorf("invalid phase state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PhaseState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PhaseState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PhaseState(str)
	return s.Validate()
}

// EventKind is the transition an Event describes.
type EventKind string

const (
	// EventRunStarted is published once after the plan is built.
	EventRunStarted EventKind = "run_started"

	// EventStarted is published when a phase enters Running for the first time.
	EventStarted EventKind = "started"

	// EventRetrying is published when a failed attempt will be retried.
	EventRetrying EventKind = "retrying"

	// EventSucceeded is published when a phase succeeds.
	EventSucceeded EventKind = "succeeded"

	// EventFailed is published when a phase fails terminally.
	EventFailed EventKind = "failed"

	// EventSkipped is published when a phase is not applicable or runs in dry-run mode.
	EventSkipped EventKind = "skipped"

	// EventRunFinished is published once with the final run status.
	EventRunFinished EventKind = "run_finished"
)

// Severity returns the severity level of the event kind.
func (k EventKind) Severity() string {
	switch k {
	case EventFailed:
		return "error"
	case EventRetrying:
		return "warning"
	default:
		return "info"
	}
}

// IsTerminal reports whether the kind closes a phase's event sequence.
func (k EventKind) IsTerminal() bool {
	return k == EventSucceeded || k == EventFailed || k == EventSkipped
}
