package domain

import "time"

// RunState is the scheduler state of one run.
type RunState string

const (
	// RunStateRunning means the run has queued or in-flight work.
	RunStateRunning RunState = "running"

	// RunStateAwaitingInput means the queue is drained but at least one
	// pending external-input request keeps the run addressable.
	RunStateAwaitingInput RunState = "awaiting_input"

	// RunStateCompleted means the run drained with no pending requests and
	// either yielded output or recorded no node failures.
	RunStateCompleted RunState = "completed"

	// RunStateFailed means the run drained with no pending requests, at
	// least one node failed and no terminal output was ever yielded.
	RunStateFailed RunState = "failed"

	// RunStateCancelled means the run was cancelled; queue and pending
	// requests were discarded and no further events were emitted.
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the state admits no further work.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}

// PendingRequest tracks one suspended branch awaiting external input. It is
// created when a node calls RequestInput and deleted on the matching resume
// or on cancellation.
type PendingRequest struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// RunSnapshot is the persistable record of a finished run: final state,
// yielded outputs and the full event history. Run state is explicit data so
// a snapshot can be archived and inspected after the fact.
type RunSnapshot struct {
	RunID      string    `json:"run_id"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	State      RunState  `json:"state"`
	Outputs    []any     `json:"outputs"`
	Events     []Event   `json:"events"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
