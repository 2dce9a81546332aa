package engine

import (
	"fmt"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// Builder assembles a Graph. Declarations are collected permissively and
// checked as a whole by Build, so one call reports every defect at once.
//
// Build does not require full reachability: a node with no inbound edge may
// still be addressed dynamically at runtime through SendTo.
type Builder struct {
	nodes   []Node
	edges   []Edge
	fanOuts map[string][]string
	fanIns  []FanInGroup
	start   string
}

// NewBuilder returns an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{fanOuts: make(map[string][]string)}
}

// Add declares a node.
func (b *Builder) Add(node Node) *Builder {
	b.nodes = append(b.nodes, node)
	return b
}

// SetStart designates the node that receives a run's initial message.
func (b *Builder) SetStart(id string) *Builder {
	b.start = id
	return b
}

// AddEdge declares a direct transition between two nodes.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to, Kind: EdgeDirect})
	return b
}

// AddFanOut declares one producer feeding several independent consumers.
func (b *Builder) AddFanOut(from string, to []string) *Builder {
	for _, t := range to {
		b.edges = append(b.edges, Edge{From: from, To: t, Kind: EdgeFanOut})
	}
	b.fanOuts[from] = append(b.fanOuts[from], to...)
	return b
}

// AddFanIn declares a barrier: consumer fires only once every producer in
// from has delivered. Producer order fixes the contribution order the
// consumer observes.
func (b *Builder) AddFanIn(from []string, consumer string) *Builder {
	for _, f := range from {
		b.edges = append(b.edges, Edge{From: f, To: consumer, Kind: EdgeFanIn})
	}
	b.fanIns = append(b.fanIns, FanInGroup{
		Consumer:  consumer,
		Producers: append([]string(nil), from...),
	})
	return b
}

// Build validates the declarations and freezes them into an immutable Graph.
// It fails fast with a *domain.ValidationError listing every issue found.
func (b *Builder) Build() (*Graph, error) {
	var issues []string

	nodes := make(map[string]*Node, len(b.nodes))
	for i := range b.nodes {
		n := b.nodes[i]
		if n.ID == "" {
			issues = append(issues, "node with empty id")
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		if n.Handler == nil {
			issues = append(issues, fmt.Sprintf("node %q has no handler", n.ID))
		}
		nodes[n.ID] = &n
	}

	if b.start == "" {
		issues = append(issues, "start node not set")
	} else if _, ok := nodes[b.start]; !ok {
		issues = append(issues, fmt.Sprintf("start node %q not declared", b.start))
	}

	out := make(map[string][]Edge)
	for _, e := range b.edges {
		src, srcOK := nodes[e.From]
		dst, dstOK := nodes[e.To]
		if !srcOK {
			issues = append(issues, fmt.Sprintf("edge %s→%s references undeclared node %q", e.From, e.To, e.From))
		}
		if !dstOK {
			issues = append(issues, fmt.Sprintf("edge %s→%s references undeclared node %q", e.From, e.To, e.To))
		}
		if srcOK && dstOK && !typesCompatible(src, dst) {
			issues = append(issues, fmt.Sprintf(
				"edge %s→%s: produced types %v not assignable to accepted types %v",
				e.From, e.To, src.Produces, dst.Accepts))
		}
		out[e.From] = append(out[e.From], e)
	}

	groupOf := make(map[string]map[string]int)
	consumers := make(map[string]bool, len(b.fanIns))
	for idx, g := range b.fanIns {
		if consumers[g.Consumer] {
			issues = append(issues, fmt.Sprintf("node %q consumes more than one fan-in", g.Consumer))
		}
		consumers[g.Consumer] = true
		if len(g.Producers) == 0 {
			issues = append(issues, fmt.Sprintf("fan-in for %q has no producers", g.Consumer))
			continue
		}
		seen := make(map[string]bool, len(g.Producers))
		for _, p := range g.Producers {
			if seen[p] {
				issues = append(issues, fmt.Sprintf("fan-in for %q lists producer %q twice", g.Consumer, p))
			}
			seen[p] = true
			if p == g.Consumer {
				issues = append(issues, fmt.Sprintf("fan-in consumer %q cannot be its own producer", g.Consumer))
			}
			if groupOf[p] == nil {
				groupOf[p] = make(map[string]int)
			}
			if _, dup := groupOf[p][g.Consumer]; dup {
				issues = append(issues, fmt.Sprintf("producer %q declared twice for fan-in consumer %q", p, g.Consumer))
			}
			groupOf[p][g.Consumer] = idx
		}
	}

	if len(issues) > 0 {
		return nil, &domain.ValidationError{Issues: issues}
	}

	fanOuts := make(map[string][]string, len(b.fanOuts))
	for from, to := range b.fanOuts {
		fanOuts[from] = append([]string(nil), to...)
	}

	return &Graph{
		nodes:   nodes,
		out:     out,
		fanIns:  append([]FanInGroup(nil), b.fanIns...),
		fanOuts: fanOuts,
		groupOf: groupOf,
		start:   b.start,
	}, nil
}

// typesCompatible reports whether at least one produced type of src is
// assignable to an accepted type of dst. Empty declarations mean TypeAny.
func typesCompatible(src, dst *Node) bool {
	produced := src.Produces
	if len(produced) == 0 {
		produced = []string{domain.TypeAny}
	}
	accepted := dst.Accepts
	if len(accepted) == 0 {
		accepted = []string{domain.TypeAny}
	}
	for _, p := range produced {
		for _, a := range accepted {
			if domain.TypeAssignable(p, a) {
				return true
			}
		}
	}
	return false
}
