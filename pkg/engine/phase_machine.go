package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Lifecycle transitions of a phase run.
const (
	transitionStart   = "START"
	transitionSucceed = "SUCCEED"
	transitionFail    = "FAIL"
	transitionRetry   = "RETRY"
	transitionSkip    = "SKIP"
	transitionReset   = "RESET"
)

// Lifecycle state names, mirroring PhaseState.
const (
	statePending   = "pending"
	stateRunning   = "running"
	stateSucceeded = "succeeded"
	stateFailed    = "failed"
	stateSkipped   = "skipped"
)

const tracerName = "github.com/daalu-io/daalu/pkg/engine"

// lifecycleContext is the statekit context of a phase lifecycle.
type lifecycleContext struct {
	ComponentID string
	Phase       Phase
}

// phaseLifecycle guards PhaseRun state changes with the transition table:
//
//	pending -> running | skipped
//	running -> succeeded | failed | skipped
//	failed  -> running (retry)
type phaseLifecycle struct {
	interp *statekit.Interpreter[lifecycleContext]
}

func newPhaseLifecycle(componentID string, phase Phase) (*phaseLifecycle, error) {
	machine, err := statekit.NewMachine[lifecycleContext]("phase-run").
		WithInitial(statePending).
		WithContext(lifecycleContext{ComponentID: componentID, Phase: phase}).
		State(statePending).
		On(transitionStart).Target(stateRunning).
		On(transitionSkip).Target(stateSkipped).Done().
		State(stateRunning).
		On(transitionSucceed).Target(stateSucceeded).
		On(transitionFail).Target(stateFailed).
		On(transitionSkip).Target(stateSkipped).Done().
		State(stateFailed).
		On(transitionRetry).Target(stateRunning).Done().
		State(stateSucceeded).
		On(transitionReset).Target(statePending).Done().
		State(stateSkipped).
		On(transitionReset).Target(statePending).Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build phase lifecycle: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &phaseLifecycle{interp: interp}, nil
}

// fire sends a transition and verifies the machine reached want.
func (l *phaseLifecycle) fire(transition string, want PhaseState) error {
	l.interp.Send(statekit.Event{Type: statekit.EventType(transition)})
	if got := l.state(); got != want {
		return fmt.Errorf("invalid phase transition %s: in state %s, expected %s", transition, got, want)
	}
	return nil
}

func (l *phaseLifecycle) state() PhaseState {
	return PhaseState(l.interp.State().Value)
}

func (l *phaseLifecycle) stop() {
	l.interp.Stop()
}

// RunContext carries the per-run values a phase execution needs.
type RunContext struct {
	RunID       string
	Environment string
	Context     string
	DryRun      bool

	bus *Bus
	now func() time.Time
}

// NewRunContext creates the execution context for runID. bus may be nil.
func NewRunContext(runID string, req RunRequest, bus *Bus) *RunContext {
	return &RunContext{
		RunID:       runID,
		Environment: req.Environment,
		Context:     req.Context,
		DryRun:      req.DryRun,
		bus:         bus,
		now:         time.Now,
	}
}

// publish emits one event for the run. Events are built here so that every
// transition produces exactly one event.
func (rc *RunContext) publish(ctx context.Context, kind EventKind, componentID string, phase Phase, attempt int, payload map[string]interface{}) {
	if rc.bus == nil {
		return
	}
	rc.bus.Publish(ctx, Event{
		ID:          uuid.New().String(),
		Kind:        kind,
		RunID:       rc.RunID,
		ComponentID: componentID,
		Phase:       phase,
		Attempt:     attempt,
		Timestamp:   rc.now().UTC(),
		Environment: rc.Environment,
		Context:     rc.Context,
		Payload:     payload,
	})
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// contextSleep is the default Sleeper.
func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PhaseMachine drives one component phase through its lifecycle, consulting
// the retry policy on every failure.
type PhaseMachine struct {
	policies RetryPolicies
	sleep    Sleeper
	now      func() time.Time
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewPhaseMachine creates a phase machine using policies.
func NewPhaseMachine(policies RetryPolicies) *PhaseMachine {
	return &PhaseMachine{
		policies: policies,
		sleep:    contextSleep,
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
		logger:   zerolog.Nop(),
	}
}

// Execute runs phase for comp and returns its terminal record.
func (m *PhaseMachine) Execute(ctx context.Context, comp Component, phase Phase, rc *RunContext) *PhaseRun {
	pr := &PhaseRun{ComponentID: comp.ID, Phase: phase, State: PhaseStatePending}
	m.drive(ctx, comp, pr, rc)
	return pr
}

// drive mutates pr until it reaches a terminal state. The caller owns pr and
// guarantees that no other goroutine drives the same pair.
func (m *PhaseMachine) drive(ctx context.Context, comp Component, pr *PhaseRun, rc *RunContext) {
	logger := m.logger.With().
		Str("run_id", rc.RunID).
		Str("component_id", comp.ID).
		Str("phase", string(pr.Phase)).
		Logger()

	lc, err := newPhaseLifecycle(comp.ID, pr.Phase)
	if err != nil {
		m.finishFailed(ctx, pr, rc, (&EngineError{
			Class: ErrorClassPermanent, Kind: KindInternal, Message: "phase lifecycle unavailable", Err: err,
		}).WithComponent(comp.ID).WithPhase(pr.Phase), "internal error")
		return
	}
	defer lc.stop()

	start := m.now()
	pr.StartedAt = &start

	if !comp.Implements(pr.Phase) {
		m.transition(lc, pr, transitionSkip, PhaseStateSkipped, logger)
		pr.Description = fmt.Sprintf("%s does not implement %s", comp.DisplayName(), pr.Phase)
		m.finish(pr)
		rc.publish(ctx, EventSkipped, comp.ID, pr.Phase, 0, map[string]interface{}{
			"reason":      "not_applicable",
			"description": pr.Description,
		})
		return
	}

	spanCtx, span := m.tracer.Start(ctx, "phase.execute", trace.WithAttributes(
		attribute.String("run.id", rc.RunID),
		attribute.String("component.id", comp.ID),
		attribute.String("phase", string(pr.Phase)),
		attribute.Bool("dry_run", rc.DryRun),
	))
	defer span.End()

	m.transition(lc, pr, transitionStart, PhaseStateRunning, logger)
	pr.Attempts = 1
	rc.publish(ctx, EventStarted, comp.ID, pr.Phase, pr.Attempts, map[string]interface{}{
		"dry_run": rc.DryRun,
	})

	if rc.DryRun {
		m.transition(lc, pr, transitionSkip, PhaseStateSkipped, logger)
		pr.Description = describePhase(comp, pr.Phase)
		m.finish(pr)
		span.SetStatus(codes.Ok, "")
		rc.publish(ctx, EventSkipped, comp.ID, pr.Phase, pr.Attempts, map[string]interface{}{
			"reason":      "dry_run",
			"dry_run":     true,
			"description": pr.Description,
		})
		return
	}

	policy := m.policies.For(pr.Phase)
	timeout := policy.Timeout
	if comp.Timeout > 0 {
		timeout = comp.Timeout
	}
	for {
		logger.Debug().Int("attempt", pr.Attempts).Dur("timeout", timeout).Msg("Executing phase")

		err := invokePhase(spanCtx, comp, pr.Phase, timeout)
		if err == nil {
			m.transition(lc, pr, transitionSucceed, PhaseStateSucceeded, logger)
			pr.Err, pr.Error = nil, ""
			m.finish(pr)
			span.SetStatus(codes.Ok, "")
			rc.publish(ctx, EventSucceeded, comp.ID, pr.Phase, pr.Attempts, map[string]interface{}{
				"duration_ms": pr.Duration().Milliseconds(),
			})
			return
		}

		phaseErr := NewPhaseExecutionError(comp.ID, pr.Phase, err)
		pr.Err, pr.Error = phaseErr, phaseErr.Error()
		m.transition(lc, pr, transitionFail, PhaseStateFailed, logger)
		span.RecordError(phaseErr)

		decision := Decide(phaseErr, pr.Attempts, policy)
		if !decision.Retry() {
			span.SetStatus(codes.Error, phaseErr.Error())
			m.finishFailed(ctx, pr, rc, phaseErr, decision.Reason)
			return
		}

		logger.Warn().
			Err(err).
			Int("attempt", pr.Attempts).
			Dur("delay", decision.Delay).
			Msg("Phase failed, retrying")
		rc.publish(ctx, EventRetrying, comp.ID, pr.Phase, pr.Attempts, map[string]interface{}{
			"error":        phaseErr.Error(),
			"error_class":  string(phaseErr.Class),
			"delay_ms":     decision.Delay.Milliseconds(),
			"next_attempt": pr.Attempts + 1,
		})

		if err := m.sleep(ctx, decision.Delay); err != nil {
			cancelErr := NewCancellationError(err).WithComponent(comp.ID).WithPhase(pr.Phase)
			span.SetStatus(codes.Error, cancelErr.Error())
			pr.Interrupted = true
			m.finishFailed(ctx, pr, rc, cancelErr, "cancelled during backoff")
			return
		}

		m.transition(lc, pr, transitionRetry, PhaseStateRunning, logger)
		pr.Attempts++
	}
}

// transition fires the lifecycle transition and mirrors it on pr.
func (m *PhaseMachine) transition(lc *phaseLifecycle, pr *PhaseRun, transition string, want PhaseState, logger zerolog.Logger) {
	if err := lc.fire(transition, want); err != nil {
		logger.Error().Err(err).Msg("Phase lifecycle rejected transition")
	}
	pr.State = want
}

func (m *PhaseMachine) finish(pr *PhaseRun) {
	end := m.now()
	pr.EndedAt = &end
}

func (m *PhaseMachine) finishFailed(ctx context.Context, pr *PhaseRun, rc *RunContext, err *EngineError, reason string) {
	pr.State = PhaseStateFailed
	pr.Err, pr.Error = err, err.Error()
	m.finish(pr)
	rc.publish(ctx, EventFailed, pr.ComponentID, pr.Phase, pr.Attempts, map[string]interface{}{
		"error":       err.Error(),
		"error_class": string(err.Class),
		"error_kind":  string(err.Kind),
		"attempts":    pr.Attempts,
		"reason":      reason,
		"duration_ms": pr.Duration().Milliseconds(),
	})
}

// invokePhase calls the capability for phase. Running phases are not hard
// aborted on cancellation, so the implementation gets a context that keeps
// values and is only done once timeout elapses.
func invokePhase(ctx context.Context, comp Component, phase Phase, timeout time.Duration) error {
	ctx = context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := callPhase(ctx, comp, phase)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return (&EngineError{
			Class:   ErrorClassTransient,
			Kind:    KindPhaseExecution,
			Message: fmt.Sprintf("phase timed out after %s", timeout),
			Code:    ErrCodeTimeout,
			Err:     err,
		}).WithComponent(comp.ID).WithPhase(phase)
	}
	return err
}

func callPhase(ctx context.Context, comp Component, phase Phase) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("phase implementation panicked: %v", r), nil)
		}
	}()

	switch phase {
	case PhasePreInstall:
		return comp.Capabilities.(PreInstaller).PreInstall(ctx)
	case PhaseHelmValues:
		values, err := comp.Capabilities.(ValuesComputer).ComputeValues(ctx)
		if err != nil {
			return fmt.Errorf("failed to compute values: %w", err)
		}
		if applier, ok := comp.Capabilities.(ReleaseApplier); ok {
			if err := applier.ApplyRelease(ctx, values); err != nil {
				return fmt.Errorf("failed to apply release: %w", err)
			}
		}
		return nil
	case PhasePostInstall:
		return comp.Capabilities.(PostInstaller).PostInstall(ctx)
	}
	return NewPermanentError(fmt.Sprintf("unknown phase %s", phase), nil)
}

// describePhase returns the dry-run description of phase.
func describePhase(comp Component, phase Phase) string {
	if d, ok := comp.Capabilities.(PhaseDescriber); ok {
		if desc := d.DescribePhase(phase); desc != "" {
			return desc
		}
	}
	switch phase {
	case PhaseHelmValues:
		if _, ok := comp.Capabilities.(ReleaseApplier); ok {
			return fmt.Sprintf("would compute values and apply release for %s", comp.DisplayName())
		}
		return fmt.Sprintf("would compute values for %s", comp.DisplayName())
	default:
		return fmt.Sprintf("would run %s for %s", phase, comp.DisplayName())
	}
}
