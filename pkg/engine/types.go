package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Phase is one step of a component lifecycle.
type Phase string

const (
	// PhasePreInstall runs one-time preparation (namespaces, secrets, host setup).
	PhasePreInstall Phase = "pre_install"

	// PhaseHelmValues renders values and applies the desired release state.
	// It is the idempotent reconciliation phase.
	PhaseHelmValues Phase = "helm_values"

	// PhasePostInstall runs follow-up configuration once the release is applied.
	PhasePostInstall Phase = "post_install"
)

// AllPhases lists the lifecycle phases in execution order.
var AllPhases = []Phase{PhasePreInstall, PhaseHelmValues, PhasePostInstall}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhasePreInstall, PhaseHelmValues, PhasePostInstall:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// index returns the lifecycle position of p.
func (p Phase) index() int {
	for i, phase := range AllPhases {
		if phase == p {
			return i
		}
	}
	return len(AllPhases)
}

// Values holds the chart values produced by a component's computeValues step.
type Values map[string]interface{}

// PreInstaller is the pre_install capability.
type PreInstaller interface {
	PreInstall(ctx context.Context) error
}

// ValuesComputer is the helm_values capability: it produces the release values.
type ValuesComputer interface {
	ComputeValues(ctx context.Context) (Values, error)
}

// ReleaseApplier applies computed values to the target cluster. It is only
// invoked during helm_values and only for components that also compute values.
type ReleaseApplier interface {
	ApplyRelease(ctx context.Context, values Values) error
}

// PostInstaller is the post_install capability.
type PostInstaller interface {
	PostInstall(ctx context.Context) error
}

// PhaseDescriber lets a component describe what a phase would do. Used for
// dry-run output.
type PhaseDescriber interface {
	DescribePhase(phase Phase) string
}

// Component is a named unit of deployable infrastructure.
type Component struct {
	// ID is the unique identifier, e.g. "ceph".
	ID string `json:"id"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// DependsOn lists component ids that must complete before this one starts.
	DependsOn []string `json:"depends_on,omitempty"`

	// Phases lists the supported phases. Empty means all phases.
	Phases []Phase `json:"phases,omitempty"`

	// Tags select sub-components, e.g. which infrastructure add-ons to install.
	Tags []string `json:"tags,omitempty"`

	// Timeout overrides the retry policy's per-attempt timeout for every
	// phase of this component. Zero uses the policy.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Capabilities is the phase implementation. It may implement any subset of
	// PreInstaller, ValuesComputer, ReleaseApplier, PostInstaller.
	Capabilities interface{} `json:"-"`
}

// SupportedPhases returns the declared phases in lifecycle order.
func (c Component) SupportedPhases() []Phase {
	if len(c.Phases) == 0 {
		return append([]Phase(nil), AllPhases...)
	}
	phases := make([]Phase, 0, len(c.Phases))
	for _, p := range AllPhases {
		for _, declared := range c.Phases {
			if declared == p {
				phases = append(phases, p)
				break
			}
		}
	}
	return phases
}

// Implements reports whether the component's capability set provides phase.
func (c Component) Implements(phase Phase) bool {
	switch phase {
	case PhasePreInstall:
		_, ok := c.Capabilities.(PreInstaller)
		return ok
	case PhaseHelmValues:
		_, ok := c.Capabilities.(ValuesComputer)
		return ok
	case PhasePostInstall:
		_, ok := c.Capabilities.(PostInstaller)
		return ok
	}
	return false
}

// HasTag reports whether any of the component's tags is in tags.
func (c Component) HasTag(tags []string) bool {
	for _, t := range c.Tags {
		for _, want := range tags {
			if t == want {
				return true
			}
		}
	}
	return false
}

// DisplayName returns Name, falling back to ID.
func (c Component) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// PlanMode selects how targets are expanded into a plan.
type PlanMode string

const (
	// PlanModeTransitive includes the targets plus all transitive dependencies.
	PlanModeTransitive PlanMode = "transitive"

	// PlanModeExact includes exactly the targets.
	PlanModeExact PlanMode = "exact"
)

// ExecutionPlan is a dependency-respecting, deterministic order of components.
type ExecutionPlan struct {
	// Targets are the ids that were requested.
	Targets []string `json:"targets"`

	// Mode is the expansion mode used.
	Mode PlanMode `json:"mode"`

	// Components is the ordered list; every dependency that is also in the
	// plan appears before its dependents.
	Components []Component `json:"components"`

	index map[string]int

	// deps maps a component to the planned components it must wait for,
	// including ordering edges that pass through components left out of the plan.
	deps map[string][]string
}

// IDs returns the component ids in plan order.
func (p *ExecutionPlan) IDs() []string {
	ids := make([]string, len(p.Components))
	for i, c := range p.Components {
		ids[i] = c.ID
	}
	return ids
}

// Contains reports whether id is part of the plan.
func (p *ExecutionPlan) Contains(id string) bool {
	_, ok := p.position(id)
	return ok
}

// position returns the plan index of id.
func (p *ExecutionPlan) position(id string) (int, bool) {
	if p.index != nil {
		i, ok := p.index[id]
		return i, ok
	}
	for i, c := range p.Components {
		if c.ID == id {
			return i, true
		}
	}
	return 0, false
}

// Component returns the planned component with id.
func (p *ExecutionPlan) Component(id string) (Component, bool) {
	i, ok := p.position(id)
	if !ok {
		return Component{}, false
	}
	return p.Components[i], true
}

// newExecutionPlan builds a plan over components. g supplies ordering edges
// through components outside the plan; when nil, only direct dependencies
// count.
func newExecutionPlan(targets []string, mode PlanMode, components []Component, g *dependencyGraph) *ExecutionPlan {
	plan := &ExecutionPlan{
		Targets:    targets,
		Mode:       mode,
		Components: components,
		index:      make(map[string]int, len(components)),
		deps:       make(map[string][]string, len(components)),
	}
	for i, c := range components {
		plan.index[c.ID] = i
	}
	for _, c := range components {
		if g != nil {
			plan.deps[c.ID] = g.nearestInPlan(c.ID, plan.index)
			continue
		}
		deps := make([]string, 0, len(c.DependsOn))
		for _, dep := range c.DependsOn {
			if _, ok := plan.index[dep]; ok {
				deps = append(deps, dep)
			}
		}
		plan.deps[c.ID] = deps
	}
	return plan
}

// without returns a copy of the plan excluding drop. Ordering edges through
// dropped components are kept.
func (p *ExecutionPlan) without(drop map[string]bool) *ExecutionPlan {
	g := newDependencyGraph()
	kept := make([]Component, 0, len(p.Components))
	for _, c := range p.Components {
		g.addNode(c.ID, p.DependenciesInPlan(c.ID))
		if !drop[c.ID] {
			kept = append(kept, c)
		}
	}
	return newExecutionPlan(p.Targets, p.Mode, kept, g)
}

// String renders the plan as "a -> b -> c".
func (p *ExecutionPlan) String() string {
	return strings.Join(p.IDs(), " -> ")
}

// PhaseRun is the execution record of one (component, phase) pair within a run.
type PhaseRun struct {
	ComponentID string     `json:"component_id"`
	Phase       Phase      `json:"phase"`
	State       PhaseState `json:"state"`
	Attempts    int        `json:"attempts"`

	// Err is the last error observed, if any.
	Err error `json:"-"`

	// Error is the string form of Err, kept for persistence and reporting.
	Error string `json:"error,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Description explains what a dry-run would have done, or why the phase was skipped.
	Description string `json:"description,omitempty"`

	// BlockedBy names the failed dependency that prevented this phase from being scheduled.
	BlockedBy string `json:"blocked_by,omitempty"`

	// Restored is set when the terminal state was replayed from a checkpoint.
	Restored bool `json:"restored,omitempty"`

	// Interrupted marks a phase stopped by cancellation while waiting to
	// retry. It ends Failed but does not count as a failure of the run.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Duration returns the wall time between start and end, or zero.
func (r *PhaseRun) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

func (r *PhaseRun) key() phaseKey {
	return phaseKey{component: r.ComponentID, phase: r.Phase}
}

type phaseKey struct {
	component string
	phase     Phase
}

// RunRequest is the input of a deployment run.
type RunRequest struct {
	// RunID identifies the run. Generated when empty.
	RunID string `json:"run_id,omitempty"`

	// Targets are the requested component ids.
	Targets []string `json:"targets"`

	// Mode defaults to PlanModeTransitive.
	Mode PlanMode `json:"mode,omitempty"`

	// PhaseFilter restricts execution to these phases. Empty means all phases.
	PhaseFilter []Phase `json:"phase_filter,omitempty"`

	// SubFilter drops tagged components whose tags do not intersect it.
	SubFilter []string `json:"sub_filter,omitempty"`

	// DryRun records intent without invoking phase implementations.
	DryRun bool `json:"dry_run"`

	// Environment and Context are carried on every event.
	Environment string `json:"environment,omitempty"`
	Context     string `json:"context,omitempty"`
}

// includesPhase reports whether the phase filter admits p.
func (r RunRequest) includesPhase(p Phase) bool {
	if len(r.PhaseFilter) == 0 {
		return true
	}
	for _, f := range r.PhaseFilter {
		if f == p {
			return true
		}
	}
	return false
}

// Validate checks the request before any planning.
func (r RunRequest) Validate() error {
	if len(r.Targets) == 0 {
		return NewConfigurationError("no deployment targets requested", nil)
	}
	switch r.Mode {
	case "", PlanModeTransitive, PlanModeExact:
	default:
		return NewConfigurationError(fmt.Sprintf("invalid plan mode: %s", r.Mode), nil)
	}
	for _, p := range r.PhaseFilter {
		if err := p.Validate(); err != nil {
			return NewConfigurationError("invalid phase filter", err)
		}
	}
	return nil
}

// DeploymentRun is the aggregate of one invocation of the pipeline.
type DeploymentRun struct {
	ID          string         `json:"id"`
	Request     RunRequest     `json:"request"`
	Plan        *ExecutionPlan `json:"plan"`
	PhaseRuns   []*PhaseRun    `json:"phase_runs"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	// Filtered lists plan components dropped by the sub-filter.
	Filtered []string `json:"filtered,omitempty"`

	// Resumed is set when the run was reconstructed from a checkpoint log.
	Resumed bool `json:"resumed,omitempty"`
}

// PhaseRun returns the record for (component, phase), or nil.
func (r *DeploymentRun) PhaseRun(component string, phase Phase) *PhaseRun {
	for _, pr := range r.PhaseRuns {
		if pr.ComponentID == component && pr.Phase == phase {
			return pr
		}
	}
	return nil
}

// ComponentRuns returns the phase runs of one component in lifecycle order.
func (r *DeploymentRun) ComponentRuns(component string) []*PhaseRun {
	var runs []*PhaseRun
	for _, pr := range r.PhaseRuns {
		if pr.ComponentID == component {
			runs = append(runs, pr)
		}
	}
	return runs
}

// ComponentState folds a component's phase runs into one state.
// Failed wins; a component with every phase terminal and none failed is
// Succeeded (or Skipped when nothing actually ran); any phase still pending
// with no attempt yet keeps the component Pending.
func (r *DeploymentRun) ComponentState(component string) PhaseState {
	runs := r.ComponentRuns(component)
	if len(runs) == 0 {
		return PhaseStatePending
	}
	succeeded, skipped, started := 0, 0, false
	for _, pr := range runs {
		switch pr.State {
		case PhaseStateFailed:
			return PhaseStateFailed
		case PhaseStateSucceeded:
			succeeded++
			started = true
		case PhaseStateSkipped:
			skipped++
			started = true
		case PhaseStateRunning:
			started = true
		}
	}
	switch {
	case succeeded+skipped == len(runs) && succeeded > 0:
		return PhaseStateSucceeded
	case skipped == len(runs):
		return PhaseStateSkipped
	case started:
		return PhaseStateRunning
	default:
		return PhaseStatePending
	}
}

// Failures returns the phase runs that ended Failed. Interrupted phases
// are not failures.
func (r *DeploymentRun) Failures() []*PhaseRun {
	var failed []*PhaseRun
	for _, pr := range r.PhaseRuns {
		if pr.State == PhaseStateFailed && !pr.Interrupted {
			failed = append(failed, pr)
		}
	}
	return failed
}

// RunSummary contains summary statistics over a run's phase runs.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`

	Interrupted int `json:"interrupted,omitempty"`
}

// Summary counts phase runs by state.
func (r *DeploymentRun) Summary() RunSummary {
	summary := RunSummary{Total: len(r.PhaseRuns)}
	for _, pr := range r.PhaseRuns {
		switch pr.State {
		case PhaseStateSucceeded:
			summary.Succeeded++
		case PhaseStateFailed:
			if pr.Interrupted {
				summary.Interrupted++
			} else {
				summary.Failed++
			}
		case PhaseStateSkipped:
			summary.Skipped++
		case PhaseStatePending:
			summary.Pending++
		case PhaseStateRunning:
			summary.Running++
		}
	}
	return summary
}

// DeployStatus is a compact progress snapshot suitable for status displays.
type DeployStatus struct {
	Phase           RunStatus `json:"phase"`
	Message         string    `json:"message"`
	CurrentStage    string    `json:"current_stage,omitempty"`
	CompletedStages []string  `json:"completed_stages"`
	Error           string    `json:"error,omitempty"`
}

// Progress returns a snapshot of the run. Stages are "component/phase" pairs.
func (r *DeploymentRun) Progress() DeployStatus {
	status := DeployStatus{Phase: r.Status, CompletedStages: []string{}}
	for _, pr := range r.PhaseRuns {
		stage := pr.ComponentID + "/" + string(pr.Phase)
		switch pr.State {
		case PhaseStateSucceeded, PhaseStateSkipped:
			status.CompletedStages = append(status.CompletedStages, stage)
		case PhaseStateRunning:
			if status.CurrentStage == "" {
				status.CurrentStage = stage
			}
		case PhaseStateFailed:
			if status.Error == "" {
				status.Error = fmt.Sprintf("%s: %s", stage, pr.Error)
			}
		}
	}
	summary := r.Summary()
	status.Message = fmt.Sprintf("%d/%d phases complete, %d failed",
		summary.Succeeded+summary.Skipped, summary.Total, summary.Failed)
	return status
}

// Event is an immutable fact describing a state transition.
type Event struct {
	ID          string                 `json:"id"`
	Kind        EventKind              `json:"type"`
	RunID       string                 `json:"run_id"`
	ComponentID string                 `json:"component,omitempty"`
	Phase       Phase                  `json:"phase,omitempty"`
	Attempt     int                    `json:"attempt,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Environment string                 `json:"env,omitempty"`
	Context     string                 `json:"context,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// Level returns the severity of the event.
func (e Event) Level() string {
	return e.Kind.Severity()
}
