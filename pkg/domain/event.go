package domain

import "time"

// EventKind names a lifecycle event in a run's stream. Node handlers may also
// emit custom kinds for observability; the engine reserves the kinds below.
type EventKind string

// Reserved lifecycle event kinds.
const (
	EventRunStarted       EventKind = "run.started"
	EventNodeInvoked      EventKind = "node.invoked"
	EventNodeCompleted    EventKind = "node.completed"
	EventNodeFailed       EventKind = "node.failed"
	EventOutput           EventKind = "run.output"
	EventRequestInfo      EventKind = "run.request_info"
	EventRunStatusChanged EventKind = "run.status"
	EventBarrierStalled   EventKind = "run.barrier_stalled"
)

// Event is one record in a run's ordered, append-only event stream. Events
// are immutable once appended.
type Event struct {
	// Seq is the event's position in the run's stream, starting at 1.
	Seq uint64 `json:"seq"`

	// Kind classifies the event.
	Kind EventKind `json:"kind"`

	// NodeID names the node the event concerns, when applicable.
	NodeID string `json:"node_id,omitempty"`

	// Payload carries kind-specific data: the initial input for
	// EventRunStarted, a NodeSummary for EventNodeCompleted, an error
	// string for EventNodeFailed, the yielded value for EventOutput, a
	// RequestInfo for EventRequestInfo, a RunState for
	// EventRunStatusChanged and a BarrierStall for EventBarrierStalled.
	Payload any `json:"payload,omitempty"`

	// Timestamp records when the event was appended.
	Timestamp time.Time `json:"timestamp"`
}

// NodeSummary is the payload of EventNodeCompleted.
type NodeSummary struct {
	Duration time.Duration `json:"duration"`
	Sent     int           `json:"sent"`
	Outputs  int           `json:"outputs"`
}

// RequestInfo is the payload of EventRequestInfo. It surfaces a pending
// external-input request to whoever consumes the stream.
type RequestInfo struct {
	RequestID string `json:"request_id"`
	NodeID    string `json:"node_id"`
	Payload   any    `json:"payload"`
}

// BarrierStall is the payload of EventBarrierStalled: a fan-in group whose
// consumer can no longer fire because required contributions will never
// arrive.
type BarrierStall struct {
	Consumer string   `json:"consumer"`
	Missing  []string `json:"missing"`
}
