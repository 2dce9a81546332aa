package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrNodeTimeout is returned when a node invocation exceeds its deadline.
	ErrNodeTimeout = errors.New("node timeout exceeded")
)

// RetryConfig defines retry behavior for node handlers and model providers.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy determines if a failed invocation should be retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// Configure updates the retry policy configuration atomically.
func (rp *RetryPolicy) Configure(config RetryConfig) error {
	if config.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive")
	}
	if config.MaxBackoff <= 0 {
		return fmt.Errorf("max backoff must be positive")
	}
	if config.BackoffMultiplier <= 0 {
		return fmt.Errorf("backoff multiplier must be positive")
	}

	rp.config = config
	return nil
}

// ShouldRetry determines if a failed invocation should be retried.
// Node timeouts are never retried: the invocation already consumed its full
// deadline, and the next attempt would too.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	if errors.Is(err, ErrNodeTimeout) {
		return false
	}
	return IsRetryableError(err)
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	// Calculate exponential backoff
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))

	// Cap at max backoff
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	// Add jitter if enabled
	if rp.config.Jitter {
		// Add random jitter of up to 25% of the backoff
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		backoff += jitter
	}

	return backoff
}

// ExecuteWithRetry executes a function with retry logic. Errors that were
// retryable but exhausted the attempt budget are wrapped in
// ErrMaxRetriesExceeded; non-retryable errors are returned as-is.
func (rp *RetryPolicy) ExecuteWithRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !rp.ShouldRetry(lastErr, attempt) {
			if attempt >= rp.config.MaxRetries && !errors.Is(lastErr, ErrNodeTimeout) && IsRetryableError(lastErr) {
				return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
			}
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rp.CalculateBackoff(attempt)):
		}
	}
}

// TimeoutConfig defines timeout behavior for pipeline execution.
type TimeoutConfig struct {
	// NodeTimeout is the maximum duration for a single node invocation.
	NodeTimeout time.Duration
	// RunTimeout is the maximum total duration for a pipeline run.
	RunTimeout time.Duration
}

// DefaultTimeoutConfig returns sensible timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		NodeTimeout: 30 * time.Second,
		RunTimeout:  10 * time.Minute,
	}
}

// TimeoutManager resolves timeout policies per pipeline, falling back to
// defaults for pipelines that carry no override.
type TimeoutManager struct {
	mu         sync.RWMutex
	defaults   TimeoutConfig
	byPipeline map[string]TimeoutConfig
}

// NewTimeoutManager creates a timeout manager with the given defaults.
func NewTimeoutManager(defaults TimeoutConfig) *TimeoutManager {
	if defaults.NodeTimeout <= 0 {
		defaults.NodeTimeout = 30 * time.Second
	}
	if defaults.RunTimeout <= 0 {
		defaults.RunTimeout = 10 * time.Minute
	}

	return &TimeoutManager{
		defaults:   defaults,
		byPipeline: make(map[string]TimeoutConfig),
	}
}

// Configure sets the timeout override for one pipeline.
func (tm *TimeoutManager) Configure(pipelineID string, config TimeoutConfig) error {
	if config.NodeTimeout <= 0 {
		return fmt.Errorf("node timeout must be positive")
	}
	if config.RunTimeout <= 0 {
		return fmt.Errorf("run timeout must be positive")
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.byPipeline[pipelineID] = config
	return nil
}

// ForPipeline returns the effective timeout configuration for a pipeline.
func (tm *TimeoutManager) ForPipeline(pipelineID string) TimeoutConfig {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if cfg, ok := tm.byPipeline[pipelineID]; ok {
		return cfg
	}
	return tm.defaults
}

// WithNodeTimeout creates a context bounded by the pipeline's node timeout.
func (tm *TimeoutManager) WithNodeTimeout(ctx context.Context, pipelineID string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.ForPipeline(pipelineID).NodeTimeout)
}

// WithRunTimeout creates a context bounded by the pipeline's run timeout.
func (tm *TimeoutManager) WithRunTimeout(ctx context.Context, pipelineID string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.ForPipeline(pipelineID).RunTimeout)
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks an error as safe to retry regardless of its text.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryableError determines if an error should trigger a retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var re *retryableError
	if errors.As(err, &re) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Check for specific error types that indicate transient failures
	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
