package textgen

import (
	"context"
	"errors"
)

// ErrProviderUnavailable is returned when a provider cannot serve requests,
// for example when its circuit breaker is open.
var ErrProviderUnavailable = errors.New("text provider unavailable")

// ErrThrottled is returned when the local rate limiter denies a provider
// call. Retry policies treat it as retryable so backoff waits out the
// bucket refill.
var ErrThrottled = errors.New("text provider call throttled")

// Provider defines the interface for text generation backends.
// Implementations can run in-process (demo) or call a remote API.
type Provider interface {
	// Name identifies the provider in logs and results.
	Name() string

	// Generate produces text for the request. Implementations must honor
	// ctx cancellation.
	Generate(ctx context.Context, req Request) (Result, error)
}
