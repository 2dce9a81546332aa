// Package runtime defines the contract between the pipeline engine and node
// handlers, keeping handler business logic decoupled from scheduling
// mechanics.
package runtime

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// Contract errors surfaced to handlers through Context methods.
var (
	// ErrSuspended is returned by RequestInput. Handlers return it to end
	// the invocation; the scheduler treats it as a suspension, not a
	// failure.
	ErrSuspended = errors.New("invocation suspended awaiting external input")

	// ErrBranchSuspended rejects sends or further input requests issued
	// after the invocation already suspended.
	ErrBranchSuspended = errors.New("branch suspended: no further sends from this invocation")

	// ErrNoRoute rejects an untargeted send from a node with no declared
	// outgoing edges.
	ErrNoRoute = errors.New("no declared edges to route message")

	// ErrUnknownTarget rejects a dynamic send addressed to a node id that
	// is not part of the graph.
	ErrUnknownTarget = errors.New("unknown target node")

	// ErrTypeMismatch rejects a send whose message type neither the
	// sender produces nor the addressee accepts.
	ErrTypeMismatch = errors.New("message type not assignable")
)

// Context is the view of a run a handler works through. One invocation
// consumes exactly one input message; everything the handler does flows back
// through these methods and is merged by the scheduler after the handler
// returns.
//
// Events and yielded outputs always take effect, even when the handler later
// fails. Sends take effect only when the invocation succeeds or suspends; a
// failed handler forwards nothing along its outgoing edges.
type Context interface {
	// RunID identifies the run this invocation belongs to.
	RunID() string

	// NodeID identifies the node being invoked.
	NodeID() string

	// Input returns the message that triggered this invocation.
	Input() domain.Message

	// Contributions returns the ordered fan-in contributions when the
	// input is a barrier join, nil otherwise.
	Contributions() domain.Contributions

	// Send pushes a message along the node's declared outgoing edges. A
	// copy is delivered to every edge target; fan-in member edges buffer
	// into their barrier instead. Returns ErrNoRoute when the node
	// declares no outgoing edges.
	Send(msg domain.Message) error

	// SendTo pushes a message directly to an explicit node id, ignoring
	// the declared edges. This is the escape hatch coordinator-style
	// nodes use to pick the next hop at runtime.
	SendTo(nodeID string, msg domain.Message) error

	// EmitEvent appends a custom observability event to the run stream.
	EmitEvent(kind domain.EventKind, payload any)

	// RequestInput suspends this branch until an external answer arrives:
	// it records a pending request, surfaces it as a RequestInfo event and
	// returns ErrSuspended for the handler to return. The answer later
	// re-invokes this node as a fresh input message; the suspended
	// invocation itself never continues.
	RequestInput(payload any) error

	// YieldOutput marks a value as one of the run's terminal outputs. It
	// does not stop the run.
	YieldOutput(value any)

	// Resumed reports whether this invocation's input is the answer to an
	// earlier RequestInput from this node.
	Resumed() bool

	// Logger returns a logger scoped to the run and node.
	Logger() *slog.Logger
}

// Handler executes one node invocation. A returned error other than
// ErrSuspended records a NodeFailed event for the node; the run itself
// continues elsewhere.
type Handler interface {
	Handle(ctx context.Context, nc Context) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, nc Context) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, nc Context) error {
	return f(ctx, nc)
}

// Factory builds a handler from a node's declarative config. Registered
// factories let YAML pipeline specs bind node ids to code.
type Factory func(cfg map[string]any) (Handler, error)
