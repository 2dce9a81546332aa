package domain

import "time"

// SimulationRequest describes a dry run of one pipeline: a canned input plus
// optional canned answers for any input requests raised along the way.
type SimulationRequest struct {
	// PipelineID selects a pipeline directly; Kind selects by request kind
	// when PipelineID is empty.
	PipelineID string `json:"pipelineId,omitempty" yaml:"pipelineId,omitempty"`
	Kind       string `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Input is the initial payload; InputType defaults to "text".
	Input     string `json:"input" yaml:"input"`
	InputType string `json:"inputType,omitempty" yaml:"inputType,omitempty"`

	// Answers maps node id to the canned answer used when that node
	// requests input. AutoApprove answers "approve" to anything else.
	Answers     map[string]string `json:"answers,omitempty" yaml:"answers,omitempty"`
	AutoApprove bool              `json:"autoApprove,omitempty" yaml:"autoApprove,omitempty"`

	// Timeout bounds the whole simulation. Zero selects a default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// SimulationResponse carries the terminal state, yielded outputs, and full
// event trace of a simulated run.
type SimulationResponse struct {
	RunID   string   `json:"runId"`
	State   RunState `json:"state"`
	Outputs []any    `json:"outputs,omitempty"`
	Trace   []Event  `json:"trace"`
}
