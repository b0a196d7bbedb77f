package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Engine evaluates Rego admission policies against deployment runs.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	now      func() time.Time
	builtins bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithoutBuiltins skips the built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.builtins = false }
}

// WithClock sets the evaluation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a policy engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
		builtins: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.builtins {
		if err := e.loadBuiltinPolicies(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}

	return e, nil
}

// AddPolicy compiles and registers policy, replacing any policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(ctx, &policy)
}

// LoadPolicies loads and compiles policy files from paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// Evaluate evaluates every enabled policy against run.
func (e *Engine) Evaluate(ctx context.Context, run *engine.DeploymentRun) (*Result, error) {
	start := e.now()
	input := NewInput(run, start)

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: start}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = e.now().Sub(start)

	e.logger.Debug().
		Str("run_id", run.ID).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Run policy evaluation completed")

	return result, nil
}

// Gate returns a pipeline gate that rejects runs with blocking violations.
// Warnings are logged.
func (e *Engine) Gate() engine.GateFunc {
	return func(ctx context.Context, run *engine.DeploymentRun) error {
		result, err := e.Evaluate(ctx, run)
		if err != nil {
			return engine.NewConfigurationError("policy evaluation failed", err).WithCode(engine.ErrCodePolicyViolation)
		}

		for _, w := range result.Warnings {
			e.logger.Warn().
				Str("run_id", run.ID).
				Str("policy", w.Policy).
				Str("component", w.Component).
				Msg(w.Message)
		}
		if result.Allowed {
			return nil
		}

		msgs := make([]string, len(result.Violations))
		for i, v := range result.Violations {
			msgs[i] = v.String()
		}
		return engine.NewConfigurationError(
			fmt.Sprintf("run rejected by policy: %s", strings.Join(msgs, "; ")), nil).
			WithCode(engine.ErrCodePolicyViolation).
			WithDetail("violations", result.Violations)
	}
}

// String formats the violation for error messages.
func (v Violation) String() string {
	if v.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", v.Policy, v.Component, v.Message)
	}
	return fmt.Sprintf("[%s] %s", v.Policy, v.Message)
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}

	// Set iteration order is not stable across evaluations.
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Component != violations[j].Component {
			return violations[i].Component < violations[j].Component
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// newViolation creates a Violation from a deny set member.
func newViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if c, ok := v["component"].(string); ok {
			violation.Component = c
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	r := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: e.now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
