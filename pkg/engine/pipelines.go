package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// CompiledPipeline pairs a pipeline spec with its built graph. Graphs are
// immutable, so runs started against one generation keep executing it
// unchanged after the registry moves on.
type CompiledPipeline struct {
	Spec  domain.PipelineSpec
	Graph *Graph
}

// PipelineRegistry maintains the active set of compiled pipelines and
// selection by kind. Updates are atomic and all-or-nothing: every spec in a
// batch must compile or the previous set stays active.
type PipelineRegistry struct {
	mu         sync.RWMutex
	pipelines  map[string]*CompiledPipeline // pipelineID → compiled
	byKind     map[string]string            // kind → pipelineID
	generation int64
	handlers   *Registry
	logger     *slog.Logger
}

// NewPipelineRegistry creates a registry that compiles specs against the
// given handler registry.
func NewPipelineRegistry(handlers *Registry, logger *slog.Logger) *PipelineRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineRegistry{
		pipelines: make(map[string]*CompiledPipeline),
		byKind:    make(map[string]string),
		handlers:  handlers,
		logger:    logger,
	}
}

// Compile builds an executable graph from a pipeline spec. Handler
// instantiation failures and topology defects are both reported as a
// *domain.ValidationError listing every issue.
func (pr *PipelineRegistry) Compile(spec domain.PipelineSpec) (*Graph, error) {
	var issues []string

	b := NewBuilder()
	for _, ns := range spec.Nodes {
		handler, meta, err := pr.handlers.Instantiate(ns.Handler, ns.Config)
		if err != nil {
			issues = append(issues, fmt.Sprintf("node %q: %v", ns.ID, err))
			continue
		}
		b.Add(Node{
			ID:       ns.ID,
			Kind:     meta.Canonical,
			Accepts:  ns.Accepts,
			Produces: ns.Produces,
			Handler:  handler,
			Timeout:  ns.Timeout,
		})
	}
	if len(issues) > 0 {
		return nil, &domain.ValidationError{Issues: issues}
	}

	b.SetStart(spec.Start)
	for _, e := range spec.Edges {
		b.AddEdge(e.From, e.To)
	}
	for _, f := range spec.FanOuts {
		b.AddFanOut(f.From, f.To)
	}
	for _, f := range spec.FanIns {
		b.AddFanIn(f.From, f.To)
	}
	return b.Build()
}

// Update atomically replaces the active pipeline set. The whole batch is
// compiled before anything is swapped in, so a defective spec leaves the
// current generation untouched.
func (pr *PipelineRegistry) Update(specs []domain.PipelineSpec) error {
	compiled := make(map[string]*CompiledPipeline, len(specs))
	byKind := make(map[string]string, len(specs))

	for i, spec := range specs {
		if spec.ID == "" {
			return fmt.Errorf("pipeline[%d]: id is required", i)
		}
		if _, dup := compiled[spec.ID]; dup {
			return fmt.Errorf("pipeline[%d]: duplicate id %q", i, spec.ID)
		}
		graph, err := pr.Compile(spec)
		if err != nil {
			return fmt.Errorf("pipeline %q: %w", spec.ID, err)
		}
		compiled[spec.ID] = &CompiledPipeline{Spec: spec, Graph: graph}

		kind := strings.ToLower(strings.TrimSpace(spec.Kind))
		if kind == "" {
			continue
		}
		if existing, dup := byKind[kind]; dup {
			return fmt.Errorf("pipelines %q and %q both claim kind %q", existing, spec.ID, kind)
		}
		byKind[kind] = spec.ID
	}

	pr.mu.Lock()
	pr.pipelines = compiled
	pr.byKind = byKind
	pr.generation++
	generation := pr.generation
	pr.mu.Unlock()

	pr.logger.Info("pipeline registry updated",
		slog.Int64("generation", generation),
		slog.Int("pipeline_count", len(compiled)))
	return nil
}

// Get returns a compiled pipeline by id.
func (pr *PipelineRegistry) Get(pipelineID string) (*CompiledPipeline, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	p, ok := pr.pipelines[pipelineID]
	return p, ok
}

// SelectByKind resolves the pipeline for a request kind. Precedence: exact
// kind match, then the "*" wildcard entry.
func (pr *PipelineRegistry) SelectByKind(kind string) (*CompiledPipeline, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))

	pr.mu.RLock()
	defer pr.mu.RUnlock()

	for _, key := range []string{kind, "*"} {
		if id, ok := pr.byKind[key]; ok {
			if p, ok := pr.pipelines[id]; ok {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("no pipeline registered for kind %q: %w", kind, domain.ErrPipelineNotFound)
}

// List returns the active pipeline specs sorted by id.
func (pr *PipelineRegistry) List() []domain.PipelineSpec {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	specs := make([]domain.PipelineSpec, 0, len(pr.pipelines))
	for _, p := range pr.pipelines {
		specs = append(specs, p.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// Generation returns the update counter, incremented on every successful
// Update.
func (pr *PipelineRegistry) Generation() int64 {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.generation
}
