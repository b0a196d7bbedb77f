package policy

import (
	"time"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block a run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an admission rule written in Rego. The module must define a
// deny set in its package; each member is a message string or an object
// with message, severity and component keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy    string   `json:"policy"`
	Component string   `json:"component,omitempty"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against a run.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are blocking results.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking results.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	RunID       string         `json:"run_id"`
	Environment string         `json:"environment"`
	Context     string         `json:"context"`
	DryRun      bool           `json:"dry_run"`
	Resumed     bool           `json:"resumed"`
	Request     RequestInput   `json:"request"`
	Plan        PlanInput      `json:"plan"`
	Filtered    []string       `json:"filtered"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// RequestInput is the caller's selection.
type RequestInput struct {
	Targets     []string `json:"targets"`
	Mode        string   `json:"mode"`
	PhaseFilter []string `json:"phase_filter"`
	SubFilter   []string `json:"sub_filter"`
}

// PlanInput is the resolved execution plan.
type PlanInput struct {
	Components []ComponentInput `json:"components"`
}

// ComponentInput describes one planned component.
type ComponentInput struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on"`
	Phases    []string `json:"phases"`
	Tags      []string `json:"tags"`
}

// NewInput builds the policy input for a run. Nil slices are emitted as
// empty arrays so policies can iterate without existence checks.
func NewInput(run *engine.DeploymentRun, now time.Time) Input {
	req := run.Request
	in := Input{
		RunID:       run.ID,
		Environment: req.Environment,
		Context:     req.Context,
		DryRun:      req.DryRun,
		Resumed:     run.Resumed,
		Request: RequestInput{
			Targets:     nonNil(req.Targets),
			Mode:        string(req.Mode),
			PhaseFilter: phaseNames(req.PhaseFilter),
			SubFilter:   nonNil(req.SubFilter),
		},
		Filtered:  nonNil(run.Filtered),
		Timestamp: now,
	}
	if in.Request.Mode == "" {
		in.Request.Mode = string(engine.PlanModeTransitive)
	}

	in.Plan.Components = []ComponentInput{}
	if run.Plan != nil {
		for _, c := range run.Plan.Components {
			in.Plan.Components = append(in.Plan.Components, ComponentInput{
				ID:        c.ID,
				Name:      c.Name,
				DependsOn: nonNil(c.DependsOn),
				Phases:    phaseNames(c.SupportedPhases()),
				Tags:      nonNil(c.Tags),
			})
		}
	}
	return in
}

func phaseNames(phases []engine.Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
