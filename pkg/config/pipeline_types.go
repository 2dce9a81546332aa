package config

import (
	"fmt"
	"strings"
)

// PipelineSpec is the YAML-facing description of one pipeline graph.
type PipelineSpec struct {
	ID          string       `json:"id" yaml:"id"`
	Description string       `json:"description" yaml:"description"`
	Kind        string       `json:"kind" yaml:"kind"`
	Start       string       `json:"start" yaml:"start"`
	Nodes       []NodeSpec   `json:"nodes" yaml:"nodes"`
	Edges       []EdgeSpec   `json:"edges" yaml:"edges"`
	FanOuts     []FanOutSpec `json:"fanouts" yaml:"fanouts"`
	FanIns      []FanInSpec  `json:"fanins" yaml:"fanins"`
}

// NodeSpec declares one graph vertex and its handler binding.
type NodeSpec struct {
	ID        string         `json:"id" yaml:"id"`
	Handler   string         `json:"handler" yaml:"handler"`
	Accepts   []string       `json:"accepts" yaml:"accepts"`
	Produces  []string       `json:"produces" yaml:"produces"`
	TimeoutMS int64          `json:"timeoutMs" yaml:"timeoutMs"`
	Config    map[string]any `json:"config" yaml:"config"`
}

// EdgeSpec declares a direct transition between two nodes.
type EdgeSpec struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// FanOutSpec declares one producer feeding several independent consumers.
type FanOutSpec struct {
	From string   `json:"from" yaml:"from"`
	To   []string `json:"to" yaml:"to"`
}

// FanInSpec declares a barrier that fires once every producer has delivered.
type FanInSpec struct {
	From []string `json:"from" yaml:"from"`
	To   string   `json:"to" yaml:"to"`
}

// Normalize trims identifiers and canonicalises the selection kind. Topology
// errors are left to the graph builder, which reports them all at once.
func (s *PipelineSpec) Normalize() error {
	if s == nil {
		return nil
	}

	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return fmt.Errorf("pipeline id is required")
	}
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	s.Start = strings.TrimSpace(s.Start)

	for i := range s.Nodes {
		node := &s.Nodes[i]
		node.ID = strings.TrimSpace(node.ID)
		node.Handler = strings.TrimSpace(node.Handler)
		if node.Handler == "" {
			return fmt.Errorf("pipeline %s: node %q requires a handler", s.ID, node.ID)
		}
		if node.TimeoutMS < 0 {
			return fmt.Errorf("pipeline %s: node %q timeout must not be negative", s.ID, node.ID)
		}
	}

	return nil
}

// Clone returns a deep copy of the pipeline spec.
func (s PipelineSpec) Clone() PipelineSpec {
	clone := PipelineSpec{
		ID:          s.ID,
		Description: s.Description,
		Kind:        s.Kind,
		Start:       s.Start,
	}

	if len(s.Nodes) > 0 {
		clone.Nodes = make([]NodeSpec, len(s.Nodes))
		for i, node := range s.Nodes {
			clone.Nodes[i] = node.Clone()
		}
	}
	if len(s.Edges) > 0 {
		clone.Edges = append([]EdgeSpec(nil), s.Edges...)
	}
	if len(s.FanOuts) > 0 {
		clone.FanOuts = make([]FanOutSpec, len(s.FanOuts))
		for i, fanOut := range s.FanOuts {
			clone.FanOuts[i] = FanOutSpec{From: fanOut.From, To: append([]string(nil), fanOut.To...)}
		}
	}
	if len(s.FanIns) > 0 {
		clone.FanIns = make([]FanInSpec, len(s.FanIns))
		for i, fanIn := range s.FanIns {
			clone.FanIns[i] = FanInSpec{From: append([]string(nil), fanIn.From...), To: fanIn.To}
		}
	}

	return clone
}

// Clone returns a deep copy of the node spec.
func (s NodeSpec) Clone() NodeSpec {
	clone := NodeSpec{
		ID:        s.ID,
		Handler:   s.Handler,
		TimeoutMS: s.TimeoutMS,
	}
	if len(s.Accepts) > 0 {
		clone.Accepts = append([]string(nil), s.Accepts...)
	}
	if len(s.Produces) > 0 {
		clone.Produces = append([]string(nil), s.Produces...)
	}
	if len(s.Config) > 0 {
		clone.Config = make(map[string]any, len(s.Config))
		for key, value := range s.Config {
			clone.Config[key] = value
		}
	}
	return clone
}

// GovernanceSpec is the YAML-facing governance section of the snapshot.
type GovernanceSpec struct {
	RateLimits      []RateLimitSpec      `json:"rateLimits" yaml:"rateLimits"`
	CircuitBreakers []CircuitBreakerSpec `json:"circuitBreakers" yaml:"circuitBreakers"`
	Timeouts        []TimeoutSpec        `json:"timeouts" yaml:"timeouts"`
	Retries         []RetrySpec          `json:"retries" yaml:"retries"`
}

// RateLimitSpec declares token bucket parameters for provider calls.
type RateLimitSpec struct {
	ID                string  `json:"id" yaml:"id"`
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	BurstSize         int     `json:"burstSize" yaml:"burstSize"`
	Scope             string  `json:"scope" yaml:"scope"`
}

// CircuitBreakerSpec declares breaker thresholds for provider calls.
type CircuitBreakerSpec struct {
	ID               string `json:"id" yaml:"id"`
	FailureThreshold int    `json:"failureThreshold" yaml:"failureThreshold"`
	SuccessThreshold int    `json:"successThreshold" yaml:"successThreshold"`
	TimeoutMS        int64  `json:"timeoutMs" yaml:"timeoutMs"`
	HalfOpenMaxCalls int    `json:"halfOpenMaxCalls" yaml:"halfOpenMaxCalls"`
}

// TimeoutSpec declares node and run deadline defaults, keyed by pipeline id
// or "global".
type TimeoutSpec struct {
	ID            string `json:"id" yaml:"id"`
	NodeTimeoutMS int64  `json:"nodeTimeoutMs" yaml:"nodeTimeoutMs"`
	RunTimeoutMS  int64  `json:"runTimeoutMs" yaml:"runTimeoutMs"`
}

// RetrySpec declares retry parameters, keyed like TimeoutSpec.
type RetrySpec struct {
	ID             string  `json:"id" yaml:"id"`
	MaxAttempts    int     `json:"maxAttempts" yaml:"maxAttempts"`
	InitialDelayMS int64   `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMS     int64   `json:"maxDelayMs" yaml:"maxDelayMs"`
	Multiplier     float64 `json:"multiplier" yaml:"multiplier"`
	Jitter         bool    `json:"jitter" yaml:"jitter"`
}
