package domain

import "time"

// PipelineSpec is the declarative description of one agent pipeline: the
// graph topology plus per-node handler bindings. Specs come from YAML
// configuration or are assembled in code; the engine compiles them into an
// immutable graph.
type PipelineSpec struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Kind is the selection key a console message is matched against
	// (e.g. "restock", "insights", "campaign").
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`

	Start   string       `json:"start" yaml:"start"`
	Nodes   []NodeSpec   `json:"nodes" yaml:"nodes"`
	Edges   []EdgeSpec   `json:"edges,omitempty" yaml:"edges,omitempty"`
	FanOuts []FanOutSpec `json:"fanouts,omitempty" yaml:"fanouts,omitempty"`
	FanIns  []FanInSpec  `json:"fanins,omitempty" yaml:"fanins,omitempty"`
}

// NodeSpec declares one graph vertex.
type NodeSpec struct {
	ID string `json:"id" yaml:"id"`

	// Handler names a registered handler factory, e.g. "textgen.v1" or
	// "transform.template".
	Handler string `json:"handler" yaml:"handler"`

	// Accepts and Produces are the node's declared message types. Empty
	// means TypeAny.
	Accepts  []string `json:"accepts,omitempty" yaml:"accepts,omitempty"`
	Produces []string `json:"produces,omitempty" yaml:"produces,omitempty"`

	// Timeout bounds one handler invocation. Zero selects the engine
	// default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Config carries handler-specific settings (prompt templates, policy
	// bundle references, URLs).
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
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

// FanInSpec declares a barrier: the consumer fires only once every listed
// producer has delivered.
type FanInSpec struct {
	From []string `json:"from" yaml:"from"`
	To   string   `json:"to" yaml:"to"`
}
