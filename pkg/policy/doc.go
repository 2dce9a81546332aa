// Package policy integrates the Open Policy Agent (OPA) engine with the agent
// runtime, evaluating Rego policies and failure postures for generated
// campaign content before it reaches an outbound channel.
//
// The package owns lifecycle management for policy bundles, wraps evaluation
// results in domain-friendly types, and exposes a filter chain for layering
// additional gates. It is intentionally decoupled from pipeline concerns so
// policies can be simulated, tested, and hot-reloaded independently of the
// execution engine.
package policy
