package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, API server briefly unavailable, helm lock contention.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict on the target cluster,
	// such as another operation in progress on the same release.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, authentication failure, unknown chart.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind identifies the position of an error in the deployment error taxonomy.
type ErrorKind string

const (
	// KindConfiguration is unusable input. Never retried, raised before any phase starts.
	KindConfiguration ErrorKind = "configuration"

	// KindDuplicateComponent is raised when a component id is registered twice.
	KindDuplicateComponent ErrorKind = "duplicate_component"

	// KindInvalidDependency is raised when a component depends on an unknown id.
	KindInvalidDependency ErrorKind = "invalid_dependency"

	// KindDependencyCycle is raised when the registered graph is not acyclic.
	KindDependencyCycle ErrorKind = "dependency_cycle"

	// KindUnknownTarget is raised when a requested target is not registered.
	KindUnknownTarget ErrorKind = "unknown_target"

	// KindPhaseExecution wraps a failure returned by a phase implementation.
	KindPhaseExecution ErrorKind = "phase_execution"

	// KindToolExecution is a non-zero exit from an external tool such as helm.
	KindToolExecution ErrorKind = "tool_execution"

	// KindCancellation marks an operator-initiated stop. It is not a failure.
	KindCancellation ErrorKind = "cancellation"

	// KindInternal is an orchestrator bug or an unexpected storage failure.
	KindInternal ErrorKind = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind places the error in the taxonomy.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Component is the component id that caused the error, if applicable.
	Component string `json:"component,omitempty"`

	// Phase is the lifecycle phase being executed when the error occurred.
	Phase Phase `json:"phase,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Class, e.Message))
	switch {
	case e.Component != "" && e.Phase != "":
		sb.WriteString(fmt.Sprintf(" (component=%s, phase=%s)", e.Component, e.Phase))
	case e.Component != "":
		sb.WriteString(fmt.Sprintf(" (component=%s)", e.Component))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Only the fields set on target take part in the comparison, so the
// package sentinels (which only carry a Kind) match any error of that kind.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Class != "" && t.Class != e.Class {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind != "" || t.Class != "" || t.Code != ""
}

// Sentinels for errors.Is checks against the taxonomy.
var (
	ErrConfiguration      = &EngineError{Kind: KindConfiguration}
	ErrDuplicateComponent = &EngineError{Kind: KindDuplicateComponent}
	ErrInvalidDependency  = &EngineError{Kind: KindInvalidDependency}
	ErrDependencyCycle    = &EngineError{Kind: KindDependencyCycle}
	ErrUnknownTarget      = &EngineError{Kind: KindUnknownTarget}
	ErrPhaseExecution     = &EngineError{Kind: KindPhaseExecution}
	ErrToolExecution      = &EngineError{Kind: KindToolExecution}
	ErrCancelled          = &EngineError{Kind: KindCancellation}
)

// ErrRunNotFound is returned by checkpoint logs when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Kind:    KindPhaseExecution,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Kind:    KindPhaseExecution,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Kind:    KindPhaseExecution,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Kind:    KindPhaseExecution,
		Message: message,
		Err:     err,
	}
}

// Permanent marks err as non-retryable. Phase implementations use it to
// short-circuit the retry policy.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return NewPermanentError(err.Error(), err)
}

// NewConfigurationError creates an error for unusable run input.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Kind:    KindConfiguration,
		Message: message,
		Err:     err,
		Code:    ErrCodeValidation,
	}
}

// NewDuplicateComponentError reports a second registration of id.
func NewDuplicateComponentError(id string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Kind:    KindDuplicateComponent,
		Message: fmt.Sprintf("duplicate component id: %s", id),
		Code:    ErrCodeAlreadyExists,
	}).WithComponent(id)
}

// NewInvalidDependencyError reports that component depends on an unregistered id.
func NewInvalidDependencyError(component, dependency string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Kind:    KindInvalidDependency,
		Message: fmt.Sprintf("component %s depends on unknown component %s", component, dependency),
		Code:    ErrCodeNotFound,
	}).WithComponent(component).WithDetail("dependency", dependency)
}

// NewDependencyCycleError reports a cycle. The path repeats its first element at the end.
func NewDependencyCycleError(cycle []string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Kind:    KindDependencyCycle,
		Message: fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
		Code:    ErrCodeValidation,
	}).WithDetail("cycle", cycle)
}

// NewUnknownTargetError reports a requested target that is not registered.
func NewUnknownTargetError(id string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Kind:    KindUnknownTarget,
		Message: fmt.Sprintf("unknown target: %s", id),
		Code:    ErrCodeNotFound,
	}).WithComponent(id)
}

// NewPhaseExecutionError wraps a phase implementation failure, keeping the
// retry classification of the cause.
func NewPhaseExecutionError(component string, phase Phase, err error) *EngineError {
	kind := KindPhaseExecution
	var tool *ToolExecutionError
	if errors.As(err, &tool) {
		kind = KindToolExecution
	}
	if isCancellation(err) {
		kind = KindCancellation
	}
	return (&EngineError{
		Class:   Classify(err),
		Kind:    kind,
		Message: "phase failed",
		Err:     err,
		Code:    ErrCodePhaseFailed,
	}).WithComponent(component).WithPhase(phase)
}

// NewCancellationError wraps an operator-initiated stop.
func NewCancellationError(err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Kind:    KindCancellation,
		Message: "deployment cancelled",
		Err:     err,
		Code:    ErrCodeCancelled,
	}
}

// WithComponent adds component context to an error.
func (e *EngineError) WithComponent(id string) *EngineError {
	e.Component = id
	return e
}

// WithPhase adds phase context to an error.
func (e *EngineError) WithPhase(phase Phase) *EngineError {
	e.Phase = phase
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToolExecutionError is a non-zero exit from an external tool.
type ToolExecutionError struct {
	// Tool is the executable name, e.g. "helm".
	Tool string `json:"tool"`

	// Args are the arguments the tool was invoked with.
	Args []string `json:"args,omitempty"`

	// ExitCode is the process exit status. -1 when the process never started.
	ExitCode int `json:"exit_code"`

	// Stderr is the captured diagnostic output.
	Stderr string `json:"stderr,omitempty"`

	// Err is the underlying execution error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	msg := fmt.Sprintf("%s %s exited with code %d", e.Tool, strings.Join(e.Args, " "), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Unwrap returns the underlying execution error.
func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// permanentToolMarkers are stderr fragments that signal a condition a retry cannot fix.
var permanentToolMarkers = []string{
	"unauthorized",
	"forbidden",
	"authentication required",
	"invalid username or password",
	"x509: certificate",
	"no such file or directory",
	"chart not found",
}

// Class classifies the tool failure. Authentication failures, a missing
// binary (127) or a non-executable binary (126) are permanent.
func (e *ToolExecutionError) Class() ErrorClass {
	if e.ExitCode == 126 || e.ExitCode == 127 {
		return ErrorClassPermanent
	}
	stderr := strings.ToLower(e.Stderr)
	for _, marker := range permanentToolMarkers {
		if strings.Contains(stderr, marker) {
			return ErrorClassPermanent
		}
	}
	if strings.Contains(stderr, "another operation") && strings.Contains(stderr, "in progress") {
		return ErrorClassConflict
	}
	if strings.Contains(stderr, "too many requests") || strings.Contains(stderr, "rate limit") {
		return ErrorClassThrottled
	}
	return ErrorClassTransient
}

// Classify returns the retry class of any error. Unclassified errors are
// treated as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Class != "" {
		return engineErr.Class
	}
	var tool *ToolExecutionError
	if errors.As(err, &tool) {
		return tool.Class()
	}
	if isCancellation(err) {
		return ErrorClassPermanent
	}
	return ErrorClassTransient
}

// KindOf returns the taxonomy kind of err, or "" when it carries none.
func KindOf(err error) ErrorKind {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	var tool *ToolExecutionError
	if errors.As(err, &tool) {
		return KindToolExecution
	}
	if isCancellation(err) {
		return KindCancellation
	}
	return ""
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return err != nil && Classify(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return err != nil && Classify(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodePhaseFailed      = "PHASE_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodePolicyViolation  = "POLICY_VIOLATION"
	ErrCodeCheckpoint       = "CHECKPOINT_FAILED"
	ErrCodeTimeout          = "TIMEOUT"
)

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
