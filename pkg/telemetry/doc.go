// Package telemetry wires OpenTelemetry exporters and meters for the agent
// runtime.
//
// It centralises trace provider setup, applies service resource attributes,
// and offers enrichment helpers that attach node, run, and policy metadata to
// spans and metrics so operators can correlate pipeline behaviour with
// gating decisions.
package telemetry
