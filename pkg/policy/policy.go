package policy

import (
	"context"
	"errors"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow clears the content to proceed.
	ActionAllow Action = "allow"
	// ActionRevise sends the content back for another generation pass,
	// with guidance carried in the decision outputs.
	ActionRevise Action = "revise"
	// ActionBlock rejects the content outright.
	ActionBlock Action = "block"
)

// Decision captures the result from a filter evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
	Outputs  map[string]any
}

// Input provides context for policy evaluation.
type Input struct {
	// PipelineID and NodeID locate the gate that asked.
	PipelineID string
	NodeID     string

	// Content is the candidate text under review.
	Content string

	// Channel is the destination the content is bound for, e.g. "email"
	// or "social". Policies commonly branch on it.
	Channel string

	Attributes   map[string]any
	Generation   string
	Entrypoint   string
	DisableCache bool
}

// Filter evaluates a policy decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// Chain composes multiple filters, short-circuiting on terminal decisions.
type Chain struct {
	filters []Filter
}

// NewChain constructs a filter chain.
func NewChain(filters ...Filter) Chain {
	return Chain{filters: append([]Filter(nil), filters...)}
}

// Evaluate executes the chain until a terminal decision is produced.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if len(c.filters) == 0 {
		return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
	}

	for _, filter := range c.filters {
		decision, err := filter.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		if decision.Metadata == nil {
			decision.Metadata = map[string]string{}
		}
		if decision.Outputs == nil {
			decision.Outputs = map[string]any{}
		}
		switch decision.Action {
		case ActionAllow:
			// continue evaluating subsequent filters
		case ActionRevise, ActionBlock:
			return decision, nil
		default:
			return Decision{}, errors.New("unknown policy action")
		}
	}

	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}
