package engine

import (
	"time"

	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
)

// EdgeKind classifies a declared transition.
type EdgeKind string

const (
	// EdgeDirect is a plain a→b transition.
	EdgeDirect EdgeKind = "direct"
	// EdgeFanOut marks a member edge of a fan-out group.
	EdgeFanOut EdgeKind = "fanout"
	// EdgeFanIn marks a member edge of a fan-in barrier; messages on it
	// buffer by producer instead of enqueueing the consumer directly.
	EdgeFanIn EdgeKind = "fanin"
)

// Node is one graph vertex: a named unit of computation bound to a handler.
// Nodes are immutable once the graph is built.
type Node struct {
	ID string

	// Kind is the registry name the handler was resolved from, kept for
	// logging and metrics.
	Kind string

	// Accepts and Produces declare the node's message types. Empty slices
	// mean TypeAny.
	Accepts  []string
	Produces []string

	// Handler consumes one message per invocation.
	Handler runtime.Handler

	// Timeout bounds one invocation; zero selects the engine default.
	Timeout time.Duration
}

func (n Node) accepts(msgType string) bool {
	if len(n.Accepts) == 0 {
		return true
	}
	for _, a := range n.Accepts {
		if domain.TypeAssignable(msgType, a) {
			return true
		}
	}
	return false
}

func (n Node) produces(msgType string) bool {
	if len(n.Produces) == 0 {
		return true
	}
	for _, p := range n.Produces {
		if domain.TypeAssignable(p, msgType) {
			return true
		}
	}
	return false
}

// Edge is a static allowed transition, retained for validation and default
// routing; dynamic sends bypass it.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// FanInGroup declares a barrier: Consumer fires exactly once per run, only
// after every producer in Producers has delivered. Producer order fixes the
// order of the consumer's contributions.
type FanInGroup struct {
	Consumer  string
	Producers []string
}

func (g FanInGroup) requires(producerID string) bool {
	for _, p := range g.Producers {
		if p == producerID {
			return true
		}
	}
	return false
}

// Graph is the built, immutable topology: nodes, edges, fan-in groups and
// the designated start node. All runs of a graph share it read-only.
type Graph struct {
	nodes   map[string]*Node
	out     map[string][]Edge
	fanIns  []FanInGroup
	fanOuts map[string][]string
	// groupOf resolves a fan-in member edge (producer → consumer) to its
	// group index in fanIns.
	groupOf map[string]map[string]int
	start   string
}

// Start returns the designated start node id.
func (g *Graph) Start() string { return g.start }

// Node looks up a vertex by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the node ids in no particular order.
func (g *Graph) Nodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Out returns the declared outgoing edges of a node.
func (g *Graph) Out(id string) []Edge { return g.out[id] }

// FanIns returns the declared barrier groups.
func (g *Graph) FanIns() []FanInGroup { return g.fanIns }

// FanOuts returns the declared fan-out targets per producer.
func (g *Graph) FanOuts() map[string][]string { return g.fanOuts }

// faninFor resolves the barrier group behind a producer→consumer member
// edge, if any.
func (g *Graph) faninFor(producerID, consumerID string) (int, bool) {
	byConsumer, ok := g.groupOf[producerID]
	if !ok {
		return 0, false
	}
	idx, ok := byConsumer[consumerID]
	return idx, ok
}

// groupsFedBy returns the indices of every fan-in group that lists the node
// as a required producer.
func (g *Graph) groupsFedBy(producerID string) []int {
	byConsumer, ok := g.groupOf[producerID]
	if !ok {
		return nil
	}
	indices := make([]int, 0, len(byConsumer))
	for _, idx := range byConsumer {
		indices = append(indices, idx)
	}
	return indices
}
