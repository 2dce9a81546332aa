package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/mercatoai/mercato-oss/internal/governance"
	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
)

const (
	defaultWorkers          = 4
	defaultNodeTimeout      = 30 * time.Second
	defaultEventCapacity    = 1024
	defaultSubscriberBuffer = 256
)

// Config holds dependencies and tuning knobs for creating an Engine.
// Zero values select sensible defaults.
type Config struct {
	// Workers caps how many node invocations a single run executes in
	// parallel.
	Workers int

	// NodeTimeout bounds a single handler invocation unless the node
	// declares its own timeout.
	NodeTimeout time.Duration

	// EventCapacity is the per-run event ring size.
	EventCapacity int

	// Retry, when set, re-invokes failed handlers per the governance
	// policy before recording the failure.
	Retry *governance.RetryPolicy

	// Timeouts, when set, bounds every run by its pipeline's run timeout.
	// An expired run cancels outstanding work and finishes Failed. Nil
	// leaves runs unbounded.
	Timeouts *governance.TimeoutManager

	// RedactionOverrides adjusts which span attributes survive export, keyed
	// by attribute name. The default deny-list drops message payloads and
	// generated text either way; see telemetry.RedactAttributes.
	RedactionOverrides map[string]string

	Logger *slog.Logger
}

// Engine starts, tracks, resumes, and cancels pipeline runs. Each run owns a
// scheduler goroutine plus up to Workers short-lived handler goroutines; the
// engine itself is just the registry and shared configuration.
type Engine struct {
	workers       int
	nodeTimeout   time.Duration
	eventCapacity int
	retry         *governance.RetryPolicy
	timeouts      *governance.TimeoutManager
	redact        map[string]string
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	runs map[string]*Run
}

var tracer = otel.Tracer("mercato.agents")

// New creates an Engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = defaultNodeTimeout
	}
	if cfg.EventCapacity <= 0 {
		cfg.EventCapacity = defaultEventCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		workers:       cfg.Workers,
		nodeTimeout:   cfg.NodeTimeout,
		eventCapacity: cfg.EventCapacity,
		retry:         cfg.Retry,
		timeouts:      cfg.Timeouts,
		redact:        cfg.RedactionOverrides,
		logger:        cfg.Logger,
		runs:          make(map[string]*Run),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Run starts a new run of the given graph. The initial message must be
// accepted by the graph's start node; a mismatch is rejected here, before
// any run state exists.
func (e *Engine) Run(pipelineID string, g *Graph, initial domain.Message) (*Run, error) {
	startNode, ok := g.Node(g.Start())
	if !ok {
		return nil, fmt.Errorf("graph has no start node")
	}
	if !startNode.accepts(initial.Type) {
		return nil, fmt.Errorf("initial message type %q not accepted by start node %q: %w",
			initial.Type, startNode.ID, runtime.ErrTypeMismatch)
	}

	r := newRun(runConfig{
		id:          uuid.NewString(),
		pipelineID:  pipelineID,
		graph:       g,
		workers:     e.workers,
		nodeTimeout: e.nodeTimeout,
		retry:       e.retry,
		timeouts:    e.timeouts,
		redact:      e.redact,
		log:         newEventLog(e.eventCapacity, nil),
		logger:      e.logger,
		tracer:      tracer,
		parent:      e.ctx,
	})

	e.mu.Lock()
	e.runs[r.id] = r
	e.mu.Unlock()

	e.logger.Info("run started", "run_id", r.id, "pipeline", pipelineID)
	r.start(initial)
	return r, nil
}

// Get returns the run with the given id.
func (e *Engine) Get(runID string) (*Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[runID]
	return r, ok
}

// Runs returns all tracked runs in no particular order.
func (e *Engine) Runs() []*Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	return out
}

// Resume answers pending input requests on a suspended run. Validation is
// all-or-nothing: one unknown request id fails the call without consuming
// any answer.
func (e *Engine) Resume(runID string, answers map[string]any) error {
	r, ok := e.Get(runID)
	if !ok {
		return &domain.RunNotFoundError{RunID: runID}
	}
	return r.resume(answers)
}

// Cancel stops a run. Cancelling an already-terminal run is a no-op.
func (e *Engine) Cancel(runID string) error {
	r, ok := e.Get(runID)
	if !ok {
		return &domain.RunNotFoundError{RunID: runID}
	}
	r.Cancel()
	return nil
}

// PruneTerminal drops terminal runs that finished more than keep ago and
// returns how many were removed. Callers that need history should snapshot
// runs into a store before pruning.
func (e *Engine) PruneTerminal(keep time.Duration) int {
	cutoff := time.Now().Add(-keep)

	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, r := range e.runs {
		r.mu.Lock()
		prunable := r.state.Terminal() && r.finishedAt.Before(cutoff)
		r.mu.Unlock()
		if prunable {
			delete(e.runs, id)
			removed++
		}
	}
	return removed
}

// Close cancels every live run and waits for them to drain, or until ctx
// expires. The engine must not be used afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.RLock()
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	for _, r := range runs {
		r.Cancel()
	}
	for _, r := range runs {
		select {
		case <-r.Done():
		case <-ctx.Done():
			e.cancel()
			return ctx.Err()
		}
	}
	e.cancel()
	return nil
}
