package config

import (
	"fmt"
	"time"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// ToDomain converts the configuration snapshot to a domain snapshot. Policy
// bundle artifacts are left unresolved; LoadPolicyBundle materialises them on
// demand.
func (s Snapshot) ToDomain() (domain.Snapshot, error) {
	domainSnapshot := domain.Snapshot{
		Generation: fmt.Sprintf("%d", s.Generation),
		Timestamp:  s.ReceivedAt,
		Governance: s.Governance.ToDomain(),
	}

	for _, desc := range s.PolicyBundles {
		domainSnapshot.PolicyBundles = append(domainSnapshot.PolicyBundles, desc.ToDomain())
	}

	for _, spec := range s.Pipelines {
		domainSnapshot.Pipelines = append(domainSnapshot.Pipelines, spec.ToDomain())
	}

	return domainSnapshot, nil
}

// ToDomain converts PipelineSpec to domain.PipelineSpec.
func (s PipelineSpec) ToDomain() domain.PipelineSpec {
	nodes := make([]domain.NodeSpec, len(s.Nodes))
	for i, n := range s.Nodes {
		nodes[i] = n.ToDomain()
	}

	edges := make([]domain.EdgeSpec, len(s.Edges))
	for i, e := range s.Edges {
		edges[i] = domain.EdgeSpec{From: e.From, To: e.To}
	}

	fanOuts := make([]domain.FanOutSpec, len(s.FanOuts))
	for i, f := range s.FanOuts {
		fanOuts[i] = domain.FanOutSpec{From: f.From, To: append([]string(nil), f.To...)}
	}

	fanIns := make([]domain.FanInSpec, len(s.FanIns))
	for i, f := range s.FanIns {
		fanIns[i] = domain.FanInSpec{From: append([]string(nil), f.From...), To: f.To}
	}

	return domain.PipelineSpec{
		ID:          s.ID,
		Description: s.Description,
		Kind:        s.Kind,
		Start:       s.Start,
		Nodes:       nodes,
		Edges:       edges,
		FanOuts:     fanOuts,
		FanIns:      fanIns,
	}
}

// ToDomain converts NodeSpec to domain.NodeSpec.
func (s NodeSpec) ToDomain() domain.NodeSpec {
	return domain.NodeSpec{
		ID:       s.ID,
		Handler:  s.Handler,
		Accepts:  append([]string(nil), s.Accepts...),
		Produces: append([]string(nil), s.Produces...),
		Timeout:  time.Duration(s.TimeoutMS) * time.Millisecond,
		Config:   s.Config,
	}
}

// ToDomain converts GovernanceSpec to domain.GovernanceConfig.
func (s GovernanceSpec) ToDomain() domain.GovernanceConfig {
	out := domain.GovernanceConfig{}

	for _, rl := range s.RateLimits {
		out.RateLimits = append(out.RateLimits, domain.RateLimitConfig{
			ID:                rl.ID,
			RequestsPerSecond: rl.RequestsPerSecond,
			BurstSize:         rl.BurstSize,
			Scope:             rl.Scope,
		})
	}

	for _, cb := range s.CircuitBreakers {
		out.CircuitBreakers = append(out.CircuitBreakers, domain.CircuitBreakerConfig{
			ID:               cb.ID,
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Timeout:          time.Duration(cb.TimeoutMS) * time.Millisecond,
			HalfOpenMaxCalls: cb.HalfOpenMaxCalls,
		})
	}

	for _, to := range s.Timeouts {
		out.Timeouts = append(out.Timeouts, domain.TimeoutConfig{
			ID:          to.ID,
			NodeTimeout: time.Duration(to.NodeTimeoutMS) * time.Millisecond,
			RunTimeout:  time.Duration(to.RunTimeoutMS) * time.Millisecond,
		})
	}

	for _, r := range s.Retries {
		out.Retries = append(out.Retries, domain.RetryConfig{
			ID:           r.ID,
			MaxAttempts:  r.MaxAttempts,
			InitialDelay: time.Duration(r.InitialDelayMS) * time.Millisecond,
			MaxDelay:     time.Duration(r.MaxDelayMS) * time.Millisecond,
			Multiplier:   r.Multiplier,
			Jitter:       r.Jitter,
		})
	}

	return out
}

// ToDomain converts PolicyBundleDescriptor to domain.PolicyBundleDescriptor.
func (d PolicyBundleDescriptor) ToDomain() domain.PolicyBundleDescriptor {
	artifacts := make([]domain.BundleArtifactDescriptor, len(d.Artifacts))
	for i, a := range d.Artifacts {
		artifacts[i] = a.ToDomain()
	}
	return domain.PolicyBundleDescriptor{
		ID:        d.ID,
		Name:      d.Name,
		Version:   d.Version,
		Revision:  d.Revision,
		Path:      d.Path,
		Labels:    d.Labels,
		Artifacts: artifacts,
	}
}

// ToDomain converts BundleArtifactDescriptor to domain.BundleArtifactDescriptor.
func (a BundleArtifactDescriptor) ToDomain() domain.BundleArtifactDescriptor {
	return domain.BundleArtifactDescriptor{
		Name:      a.Name,
		Path:      a.Path,
		Type:      a.Type,
		MediaType: a.MediaType,
		Inline:    a.Inline,
		SHA256:    a.SHA256,
		Metadata:  a.Metadata,
	}
}
