package engine

import (
	"log/slog"
	"sync"

	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
)

// nodeContext implements runtime.Context for one invocation. Handler effects
// are buffered here and merged by the scheduler after the handler returns:
// events and outputs always apply, sends only when the invocation did not
// fail, and nothing after a suspension.
type nodeContext struct {
	runID   string
	graph   *Graph
	node    *Node
	input   domain.Message
	resumed bool
	logger  *slog.Logger

	mu        sync.Mutex
	sends     []domain.Message
	events    []bufferedEvent
	outputs   []any
	request   any
	suspended bool
}

type bufferedEvent struct {
	kind    domain.EventKind
	payload any
}

func (nc *nodeContext) RunID() string  { return nc.runID }
func (nc *nodeContext) NodeID() string { return nc.node.ID }

func (nc *nodeContext) Input() domain.Message { return nc.input }

func (nc *nodeContext) Contributions() domain.Contributions {
	if c, ok := nc.input.Payload.(domain.Contributions); ok {
		return c
	}
	return nil
}

func (nc *nodeContext) Send(msg domain.Message) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.suspended {
		return runtime.ErrBranchSuspended
	}
	if len(nc.graph.Out(nc.node.ID)) == 0 {
		return runtime.ErrNoRoute
	}
	if !nc.node.produces(msg.Type) {
		return runtime.ErrTypeMismatch
	}

	msg.Source = nc.node.ID
	msg.Target = ""
	nc.sends = append(nc.sends, msg)
	return nil
}

func (nc *nodeContext) SendTo(nodeID string, msg domain.Message) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.suspended {
		return runtime.ErrBranchSuspended
	}
	target, ok := nc.graph.Node(nodeID)
	if !ok {
		return runtime.ErrUnknownTarget
	}
	if !target.accepts(msg.Type) {
		return runtime.ErrTypeMismatch
	}

	msg.Source = nc.node.ID
	msg.Target = nodeID
	nc.sends = append(nc.sends, msg)
	return nil
}

func (nc *nodeContext) EmitEvent(kind domain.EventKind, payload any) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.events = append(nc.events, bufferedEvent{kind: kind, payload: payload})
}

func (nc *nodeContext) RequestInput(payload any) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.suspended {
		return runtime.ErrBranchSuspended
	}
	nc.suspended = true
	nc.request = payload
	return runtime.ErrSuspended
}

func (nc *nodeContext) YieldOutput(value any) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.outputs = append(nc.outputs, value)
}

func (nc *nodeContext) Resumed() bool { return nc.resumed }

func (nc *nodeContext) Logger() *slog.Logger { return nc.logger }
