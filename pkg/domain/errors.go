package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrResumeMismatch   = errors.New("unknown request id for run")
	ErrPolicyNotFound   = errors.New("policy not found")
	ErrPolicyEvalFailed = errors.New("policy evaluation failed")
	ErrConfigInvalid    = errors.New("invalid configuration")
)

// ValidationError reports every defect found while building a graph:
// duplicate node ids, dangling references, incompatible edge types. It is
// raised synchronously by the builder and is always fatal for that graph.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return "graph validation failed: " + e.Issues[0]
	}
	return fmt.Sprintf("graph validation failed (%d issues): %s",
		len(e.Issues), strings.Join(e.Issues, "; "))
}

// RunNotFoundError identifies the missing run.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}

func (e *RunNotFoundError) Is(target error) bool {
	return target == ErrRunNotFound
}

// ResumeMismatchError rejects a resume whose request id is unknown to the
// run: already resumed, expired, or addressed to the wrong run. The run's
// state is unaffected.
type ResumeMismatchError struct {
	RunID     string
	RequestID string
}

func (e *ResumeMismatchError) Error() string {
	return fmt.Sprintf("run %s has no pending request %s", e.RunID, e.RequestID)
}

func (e *ResumeMismatchError) Is(target error) bool {
	return target == ErrResumeMismatch
}

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the standard JSON error model returned by the console
// API. It avoids exposing sensitive details while providing a stable
// machine-readable code. TraceID should carry the current OpenTelemetry trace
// identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., RUN_NOT_FOUND, RESUME_MISMATCH)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
