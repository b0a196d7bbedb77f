package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxParallel is the default number of components in flight.
const DefaultMaxParallel = 4

// Gate is consulted after planning and before any side effect. A non-nil
// error aborts the run as a configuration error.
type Gate interface {
	Check(ctx context.Context, run *DeploymentRun) error
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, run *DeploymentRun) error

// Check implements Gate.
func (f GateFunc) Check(ctx context.Context, run *DeploymentRun) error { return f(ctx, run) }

// Checkpointer persists a terminal phase run. The pipeline does not start the
// component's next phase until it returns.
type Checkpointer func(ctx context.Context, run *DeploymentRun, pr *PhaseRun) error

// Pipeline sequences components and phases for a run request.
type Pipeline struct {
	registry    *Registry
	machine     *PhaseMachine
	bus         *Bus
	gates       []Gate
	maxParallel int
	failFast    bool
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBus sets the event bus. Without one, events are discarded.
func WithBus(bus *Bus) Option {
	return func(p *Pipeline) { p.bus = bus }
}

// WithMaxParallel bounds the number of components executing concurrently.
func WithMaxParallel(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxParallel = n
		}
	}
}

// WithFailFast stops scheduling new components after the first failure
// instead of continuing independent branches.
func WithFailFast(failFast bool) Option {
	return func(p *Pipeline) { p.failFast = failFast }
}

// WithRetryPolicies sets the retry policies consulted by the phase machine.
func WithRetryPolicies(policies RetryPolicies) Option {
	return func(p *Pipeline) { p.machine.policies = policies }
}

// WithSleeper replaces the backoff wait. Tests use it to avoid real delays.
func WithSleeper(sleep Sleeper) Option {
	return func(p *Pipeline) { p.machine.sleep = sleep }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
		p.machine.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger.With().Str("component", "pipeline").Logger()
		p.machine.logger = logger.With().Str("component", "phase-machine").Logger()
	}
}

// WithTracer sets the tracer used for run and phase spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
		p.machine.tracer = tracer
	}
}

// WithGate adds a pre-execution gate.
func WithGate(gate Gate) Option {
	return func(p *Pipeline) { p.gates = append(p.gates, gate) }
}

// NewPipeline creates a pipeline over registry.
func NewPipeline(registry *Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:    registry,
		machine:     NewPhaseMachine(DefaultRetryPolicies()),
		maxParallel: DefaultMaxParallel,
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bus returns the pipeline's event bus, which may be nil.
func (p *Pipeline) Bus() *Bus {
	return p.bus
}

// Run plans and executes req.
//
// Planning and configuration errors are returned before any side effect,
// with a nil run. Otherwise the returned run carries the outcome in Status.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*DeploymentRun, error) {
	run, err := p.Prepare(req)
	if err != nil {
		return nil, err
	}
	return run, p.Execute(ctx, run, nil)
}

// Prepare validates req and builds the run with every phase run Pending.
// It has no side effects.
func (p *Pipeline) Prepare(req RunRequest) (*DeploymentRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Mode == "" {
		req.Mode = PlanModeTransitive
	}

	plan, err := p.registry.Plan(req.Targets, req.Mode)
	if err != nil {
		return nil, err
	}

	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	run := &DeploymentRun{
		ID:        req.RunID,
		Request:   req,
		PhaseRuns: make([]*PhaseRun, 0),
	}

	drop := make(map[string]bool)
	for _, c := range plan.Components {
		if len(req.SubFilter) > 0 && len(c.Tags) > 0 && !c.HasTag(req.SubFilter) {
			run.Filtered = append(run.Filtered, c.ID)
			drop[c.ID] = true
		}
	}
	run.Plan = plan
	if len(drop) > 0 {
		run.Plan = plan.without(drop)
	}

	for _, c := range run.Plan.Components {
		for _, phase := range c.SupportedPhases() {
			if !req.includesPhase(phase) {
				continue
			}
			run.PhaseRuns = append(run.PhaseRuns, &PhaseRun{
				ComponentID: c.ID,
				Phase:       phase,
				State:       PhaseStatePending,
			})
		}
	}

	return run, nil
}

// componentStatus is the scheduling state of one component.
type componentStatus int

const (
	componentWaiting componentStatus = iota
	componentRunning
	componentDone
	componentFailed
	componentBlocked
	componentInterrupted
)

type componentResult struct {
	id     string
	status componentStatus
	err    error
}

// Execute runs a prepared run. Phase runs already in a done state are not
// executed again, which is how resumed runs skip checkpointed work. cp may be nil.
func (p *Pipeline) Execute(ctx context.Context, run *DeploymentRun, cp Checkpointer) error {
	rc := NewRunContext(run.ID, run.Request, p.bus)
	rc.now = p.now

	run.Status = RunStatusRunning
	run.StartedAt = p.now()
	run.CompletedAt = nil

	logger := p.logger.With().Str("run_id", run.ID).Logger()

	for _, gate := range p.gates {
		if err := gate.Check(ctx, run); err != nil {
			p.complete(run, RunStatusFailed)
			var engineErr *EngineError
			if errors.As(err, &engineErr) && engineErr.Kind == KindConfiguration {
				return engineErr
			}
			return NewConfigurationError("run rejected before execution", err).WithCode(ErrCodePolicyViolation)
		}
	}

	ctx, span := p.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.StringSlice("run.targets", run.Request.Targets),
		attribute.Bool("run.dry_run", run.Request.DryRun),
		attribute.Bool("run.resumed", run.Resumed),
	))
	defer span.End()

	logger.Info().
		Strs("plan", run.Plan.IDs()).
		Bool("dry_run", run.Request.DryRun).
		Bool("resumed", run.Resumed).
		Msg("Deployment run started")

	rc.publish(ctx, EventRunStarted, "", "", 0, map[string]interface{}{
		"targets":      run.Request.Targets,
		"plan":         run.Plan.IDs(),
		"phase_filter": run.Request.PhaseFilter,
		"dry_run":      run.Request.DryRun,
		"resumed":      run.Resumed,
		"filtered":     run.Filtered,
	})
	for _, id := range run.Filtered {
		rc.publish(ctx, EventSkipped, id, "", 0, map[string]interface{}{
			"reason": "filtered",
		})
	}

	cancelled, schedErr := p.schedule(ctx, run, rc, cp)

	status := p.finalStatus(run, cancelled, schedErr)
	p.complete(run, status)

	summary := run.Summary()
	if status.IsSuccess() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(status))
	}
	span.SetAttributes(attribute.String("run.status", string(status)))

	logger.Info().
		Str("status", string(status)).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("pending", summary.Pending).
		Msg("Deployment run finished")

	rc.publish(ctx, EventRunFinished, "", "", 0, map[string]interface{}{
		"status":      string(status),
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"skipped":     summary.Skipped,
		"pending":     summary.Pending,
		"interrupted": summary.Interrupted,
		"total":       summary.Total,
	})

	return schedErr
}

// schedule dispatches ready components in plan order, bounded by
// maxParallel, until no work remains. A component is ready once every
// in-plan dependency is done; it is blocked once any of them failed.
func (p *Pipeline) schedule(ctx context.Context, run *DeploymentRun, rc *RunContext, cp Checkpointer) (cancelled bool, schedErr error) {
	status := make(map[string]componentStatus, len(run.Plan.Components))
	for _, c := range run.Plan.Components {
		status[c.ID] = componentWaiting
	}

	results := make(chan componentResult)
	done := ctx.Done()
	inFlight := 0
	stopped := false

	for {
		if !stopped && ctx.Err() != nil {
			stopped, cancelled, done = true, true, nil
		}

		if !stopped {
			for _, c := range run.Plan.Components {
				if status[c.ID] != componentWaiting {
					continue
				}
				if blocker := p.blockedBy(run.Plan, c, status); blocker != "" {
					status[c.ID] = componentBlocked
					p.markBlocked(run, c.ID, blocker)
					continue
				}
				if !p.ready(run.Plan, c, status) || inFlight >= p.maxParallel {
					continue
				}
				status[c.ID] = componentRunning
				inFlight++
				go func(c Component) {
					results <- p.runComponent(ctx, run, c, rc, cp)
				}(c)
			}
		}

		if inFlight == 0 {
			break
		}

		select {
		case res := <-results:
			inFlight--
			status[res.id] = res.status
			if res.err != nil && schedErr == nil {
				schedErr = res.err
				stopped = true
			}
			if res.status == componentFailed && p.failFast {
				stopped = true
			}
		case <-done:
			stopped, cancelled, done = true, true, nil
			p.logger.Warn().Str("run_id", run.ID).Msg("Cancellation requested, waiting for running phases")
		}
	}

	// Report components that could never be scheduled.
	for _, c := range run.Plan.Components {
		if status[c.ID] != componentWaiting {
			continue
		}
		if blocker := p.blockedBy(run.Plan, c, status); blocker != "" {
			status[c.ID] = componentBlocked
			p.markBlocked(run, c.ID, blocker)
		}
	}

	return cancelled, schedErr
}

// ready reports whether every in-plan dependency of c is done.
func (p *Pipeline) ready(plan *ExecutionPlan, c Component, status map[string]componentStatus) bool {
	for _, dep := range plan.DependenciesInPlan(c.ID) {
		if status[dep] != componentDone {
			return false
		}
	}
	return true
}

// blockedBy returns the first in-plan dependency of c that failed or is blocked.
func (p *Pipeline) blockedBy(plan *ExecutionPlan, c Component, status map[string]componentStatus) string {
	for _, dep := range plan.DependenciesInPlan(c.ID) {
		switch status[dep] {
		case componentFailed, componentBlocked:
			return dep
		}
	}
	return ""
}

func (p *Pipeline) markBlocked(run *DeploymentRun, id, blocker string) {
	p.logger.Warn().
		Str("run_id", run.ID).
		Str("component_id", id).
		Str("blocked_by", blocker).
		Msg("Component not scheduled, dependency did not complete")
	for _, pr := range run.ComponentRuns(id) {
		if pr.State == PhaseStatePending {
			pr.BlockedBy = blocker
		}
	}
}

// runComponent executes the component's phases in lifecycle order.
func (p *Pipeline) runComponent(ctx context.Context, run *DeploymentRun, c Component, rc *RunContext, cp Checkpointer) componentResult {
	for _, pr := range run.ComponentRuns(c.ID) {
		if pr.State.IsDone() {
			continue
		}
		if ctx.Err() != nil {
			return componentResult{id: c.ID, status: componentInterrupted}
		}

		p.machine.drive(ctx, c, pr, rc)

		if cp != nil {
			if err := cp(ctx, run, pr); err != nil {
				return componentResult{
					id:     c.ID,
					status: componentFailed,
					err: (&EngineError{
						Class:   ErrorClassPermanent,
						Kind:    KindInternal,
						Message: "failed to checkpoint phase",
						Code:    ErrCodeCheckpoint,
						Err:     err,
					}).WithComponent(c.ID).WithPhase(pr.Phase),
				}
			}
		}

		switch {
		case pr.Interrupted:
			return componentResult{id: c.ID, status: componentInterrupted}
		case pr.State == PhaseStateFailed:
			return componentResult{id: c.ID, status: componentFailed}
		}
	}
	return componentResult{id: c.ID, status: componentDone}
}

// finalStatus derives the run outcome.
//
// A cancelled run with unfinished work and no failures is Cancelled. With
// no failures the run succeeded. With failures, it is PartiallyFailed when
// some component that is neither failed nor a dependency of a failed
// component completed, and Failed otherwise.
func (p *Pipeline) finalStatus(run *DeploymentRun, cancelled bool, schedErr error) RunStatus {
	if schedErr != nil {
		return RunStatusFailed
	}

	failures := run.Failures()
	if cancelled && len(failures) == 0 && unfinished(run) {
		return RunStatusCancelled
	}
	if len(failures) == 0 {
		return RunStatusSucceeded
	}

	failed := make(map[string]bool)
	upstream := make(map[string]bool)
	for _, pr := range failures {
		failed[pr.ComponentID] = true
		for id := range run.Plan.Ancestors(pr.ComponentID) {
			upstream[id] = true
		}
	}

	for _, c := range run.Plan.Components {
		if failed[c.ID] || upstream[c.ID] {
			continue
		}
		switch run.ComponentState(c.ID) {
		case PhaseStateSucceeded, PhaseStateSkipped:
			return RunStatusPartiallyFailed
		}
	}
	return RunStatusFailed
}

// unfinished reports whether any phase was interrupted or never scheduled
// for a reason other than a failed dependency.
func unfinished(run *DeploymentRun) bool {
	for _, pr := range run.PhaseRuns {
		if pr.Interrupted || (pr.State == PhaseStatePending && pr.BlockedBy == "") {
			return true
		}
	}
	return false
}

func (p *Pipeline) complete(run *DeploymentRun, status RunStatus) {
	now := p.now()
	run.Status = status
	run.CompletedAt = &now
}

// String implements fmt.Stringer for log output.
func (s componentStatus) String() string {
	switch s {
	case componentWaiting:
		return "waiting"
	case componentRunning:
		return "running"
	case componentDone:
		return "done"
	case componentFailed:
		return "failed"
	case componentBlocked:
		return "blocked"
	case componentInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("componentStatus(%d)", int(s))
}
