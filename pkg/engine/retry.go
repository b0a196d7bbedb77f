package engine

import (
	"fmt"
	"math"
	"time"
)

// BackoffShape selects how retry delays grow.
type BackoffShape string

const (
	// BackoffFixed waits InitialDelay between every attempt.
	BackoffFixed BackoffShape = "fixed"

	// BackoffExponential multiplies the delay by Multiplier after every attempt,
	// capped at MaxDelay.
	BackoffExponential BackoffShape = "exponential"
)

// Default retry settings, matching the durable workflow defaults.
const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 5 * time.Second
	DefaultMaxDelay     = 5 * time.Minute
	DefaultMultiplier   = 2.0

	// DefaultPhaseTimeout bounds a single attempt of a phase.
	DefaultPhaseTimeout = 60 * time.Minute
)

// RetryPolicy is the per-phase-kind retry configuration.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// Backoff is the delay shape.
	Backoff BackoffShape `json:"backoff" yaml:"backoff"`

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps exponential growth.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier is the exponential growth factor.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Timeout bounds each attempt. Zero means no deadline. An attempt that
	// runs out of time fails with a transient error.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// NonRetryable lists error kinds that always abort, in addition to
	// permanent-class errors, configuration errors and cancellations.
	NonRetryable []ErrorKind `json:"non_retryable,omitempty" yaml:"non_retryable,omitempty"`
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		Backoff:      BackoffExponential,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Timeout:      DefaultPhaseTimeout,
	}
}

// NoRetry returns a policy that performs a single attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: BackoffFixed}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	switch p.Backoff {
	case BackoffFixed:
	case BackoffExponential:
		if p.Multiplier < 1 {
			return fmt.Errorf("exponential multiplier must be >= 1, got %v", p.Multiplier)
		}
	default:
		return fmt.Errorf("invalid backoff shape: %s", p.Backoff)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if p.Timeout < 0 {
		return fmt.Errorf("phase timeout must not be negative, got %s", p.Timeout)
	}
	return nil
}

// Delay returns the wait before the attempt following attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Backoff != BackoffExponential {
		return p.InitialDelay
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = DefaultMultiplier
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func (p RetryPolicy) isNonRetryable(kind ErrorKind) bool {
	for _, k := range p.NonRetryable {
		if k == kind {
			return true
		}
	}
	return false
}

// DecisionAction is what the pipeline should do after a failed attempt.
type DecisionAction string

const (
	// ActionRetry re-enters Running after Delay.
	ActionRetry DecisionAction = "retry"

	// ActionAbort finalizes the phase as Failed.
	ActionAbort DecisionAction = "abort"
)

// Decision is the outcome of Decide.
type Decision struct {
	Action DecisionAction
	Delay  time.Duration
	Reason string
}

// Retry reports whether the decision authorizes another attempt.
func (d Decision) Retry() bool {
	return d.Action == ActionRetry
}

// Decide returns Retry(delay) or Abort for a failed attempt. attempts is the
// number of attempts already performed. It has no side effects.
func Decide(err error, attempts int, policy RetryPolicy) Decision {
	kind := KindOf(err)
	switch {
	case kind == KindConfiguration || kind == KindCancellation:
		return Decision{Action: ActionAbort, Reason: fmt.Sprintf("%s errors are not retried", kind)}
	case kind != "" && policy.isNonRetryable(kind):
		return Decision{Action: ActionAbort, Reason: fmt.Sprintf("%s errors are marked non-retryable", kind)}
	case !IsRetryable(err):
		return Decision{Action: ActionAbort, Reason: fmt.Sprintf("%s error", Classify(err))}
	case attempts >= policy.MaxAttempts:
		return Decision{Action: ActionAbort, Reason: fmt.Sprintf("attempts exhausted (%d/%d)", attempts, policy.MaxAttempts)}
	}
	return Decision{Action: ActionRetry, Delay: policy.Delay(attempts)}
}

// RetryPolicies maps phases to their policy, with a default.
type RetryPolicies struct {
	Default  RetryPolicy
	PerPhase map[Phase]RetryPolicy
}

// DefaultRetryPolicies returns DefaultRetryPolicy for every phase.
func DefaultRetryPolicies() RetryPolicies {
	return RetryPolicies{Default: DefaultRetryPolicy()}
}

// For returns the policy for phase.
func (rp RetryPolicies) For(phase Phase) RetryPolicy {
	if p, ok := rp.PerPhase[phase]; ok {
		return p
	}
	if rp.Default.MaxAttempts == 0 {
		return DefaultRetryPolicy()
	}
	return rp.Default
}

// Validate checks every policy.
func (rp RetryPolicies) Validate() error {
	if rp.Default.MaxAttempts != 0 {
		if err := rp.Default.Validate(); err != nil {
			return fmt.Errorf("default retry policy: %w", err)
		}
	}
	for phase, p := range rp.PerPhase {
		if err := phase.Validate(); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%s retry policy: %w", phase, err)
		}
	}
	return nil
}
