package domain

import "time"

// Snapshot represents a point-in-time configuration state: the declared
// pipelines, the policy bundles they reference and the governance defaults.
type Snapshot struct {
	Generation    string
	Pipelines     []PipelineSpec
	PolicyBundles []PolicyBundleDescriptor
	Governance    GovernanceConfig
	Timestamp     time.Time
}

// PolicyBundleDescriptor describes how to obtain a policy bundle.
type PolicyBundleDescriptor struct {
	ID        string                     `json:"id" yaml:"id"`
	Name      string                     `json:"name" yaml:"name"`
	Version   int                        `json:"version" yaml:"version"`
	Revision  string                     `json:"revision" yaml:"revision"`
	Path      string                     `json:"path" yaml:"path"`
	Labels    map[string]string          `json:"labels" yaml:"labels"`
	Artifacts []BundleArtifactDescriptor `json:"artifacts" yaml:"artifacts"`
}

// BundleArtifactDescriptor declares how to retrieve an artifact within a bundle.
type BundleArtifactDescriptor struct {
	Name      string            `json:"name" yaml:"name"`
	Path      string            `json:"path" yaml:"path"`
	Type      string            `json:"type" yaml:"type"`
	MediaType string            `json:"mediaType" yaml:"mediaType"`
	Inline    string            `json:"inline" yaml:"inline"`
	SHA256    string            `json:"sha256" yaml:"sha256"`
	Metadata  map[string]string `json:"metadata" yaml:"metadata"`
}

// GovernanceConfig holds the engine's governance defaults.
type GovernanceConfig struct {
	RateLimits      []RateLimitConfig
	CircuitBreakers []CircuitBreakerConfig
	Timeouts        []TimeoutConfig
	Retries         []RetryConfig
}

// RateLimitConfig defines rate limiting parameters for provider calls.
type RateLimitConfig struct {
	ID                string
	RequestsPerSecond float64
	BurstSize         int
	Scope             string // "global", "pipeline", "provider"
}

// CircuitBreakerConfig defines circuit breaker parameters.
type CircuitBreakerConfig struct {
	ID               string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// TimeoutConfig defines timeout parameters.
type TimeoutConfig struct {
	ID          string
	NodeTimeout time.Duration
	RunTimeout  time.Duration
}

// RetryConfig defines retry parameters.
type RetryConfig struct {
	ID           string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// ConfigService defines the interface for configuration management.
type ConfigService interface {
	// CurrentSnapshot returns the current configuration.
	CurrentSnapshot() Snapshot

	// UpdateSnapshot atomically updates configuration.
	UpdateSnapshot(snapshot Snapshot) error

	// Subscribe to configuration changes.
	Subscribe() <-chan Snapshot
}
