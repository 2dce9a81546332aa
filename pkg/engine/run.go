package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mercatoai/mercato-oss/internal/governance"
	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
	"github.com/mercatoai/mercato-oss/pkg/telemetry"
)

// workItem is one pending node invocation in the readiness queue.
type workItem struct {
	nodeID  string
	msg     domain.Message
	resumed bool
}

// barrierState tracks one fan-in group inside a run. Contributions arriving
// before the barrier fires overwrite by producer; contributions arriving after
// it fired are dropped.
type barrierState struct {
	got   map[string]domain.Message
	fired bool
}

// invocationResult travels from a worker goroutine back to the scheduler.
type invocationResult struct {
	item     workItem
	nc       *nodeContext
	err      error
	duration time.Duration
}

type runConfig struct {
	id          string
	pipelineID  string
	graph       *Graph
	workers     int
	nodeTimeout time.Duration
	retry       *governance.RetryPolicy
	timeouts    *governance.TimeoutManager
	redact      map[string]string
	log         *eventLog
	logger      *slog.Logger
	tracer      trace.Tracer
	parent      context.Context
}

// Run is a single execution of a pipeline. All state transitions and effect
// merging happen on the scheduler goroutine; workers only execute handlers
// and report back, so handlers never observe half-merged state.
type Run struct {
	id         string
	pipelineID string
	graph      *Graph

	workers     int
	nodeTimeout time.Duration
	retry       *governance.RetryPolicy

	log    *eventLog
	logger *slog.Logger
	tracer trace.Tracer
	redact map[string]string

	ctx     context.Context
	cancel  context.CancelFunc
	runSpan trace.Span

	results chan invocationResult
	wake    chan struct{}

	mu         sync.Mutex
	state      domain.RunState
	queue      []workItem
	inflight   int
	barriers   []barrierState
	pending    map[string]domain.PendingRequest
	outputs    []any
	nodeFailed int
	cancelled  bool
	timedOut   bool
	startedAt  time.Time
	finishedAt time.Time

	finished chan struct{}
}

func newRun(cfg runConfig) *Run {
	r := &Run{
		id:          cfg.id,
		pipelineID:  cfg.pipelineID,
		graph:       cfg.graph,
		workers:     cfg.workers,
		nodeTimeout: cfg.nodeTimeout,
		retry:       cfg.retry,
		log:         cfg.log,
		logger:      cfg.logger.With("run_id", cfg.id, "pipeline", cfg.pipelineID),
		tracer:      cfg.tracer,
		redact:      cfg.redact,
		results:     make(chan invocationResult, cfg.workers),
		wake:        make(chan struct{}, 1),
		state:       domain.RunStateRunning,
		pending:     make(map[string]domain.PendingRequest),
		barriers:    make([]barrierState, len(cfg.graph.FanIns())),
		finished:    make(chan struct{}),
		startedAt:   time.Now(),
	}
	for i := range r.barriers {
		r.barriers[i].got = make(map[string]domain.Message)
	}
	if cfg.timeouts != nil {
		r.ctx, r.cancel = cfg.timeouts.WithRunTimeout(cfg.parent, cfg.pipelineID)
	} else {
		r.ctx, r.cancel = context.WithCancel(cfg.parent)
	}
	return r
}

// start seeds the readiness queue with the start node and launches the
// scheduler goroutine. The initial message is assumed validated by the caller.
func (r *Run) start(initial domain.Message) {
	var spanCtx context.Context
	spanCtx, r.runSpan = r.tracer.Start(r.ctx, "agents.run",
		trace.WithAttributes(telemetry.RedactAttributes(r.redact, []attribute.KeyValue{
			attribute.String("run.id", r.id),
			attribute.String("pipeline.id", r.pipelineID),
		})...))
	r.ctx = spanCtx

	r.mu.Lock()
	r.log.append(domain.EventRunStarted, "", initial.Payload)
	r.queue = append(r.queue, workItem{nodeID: r.graph.Start(), msg: initial})
	r.mu.Unlock()

	go r.loop()
}

// loop is the scheduler. It dispatches ready work to workers, merges their
// buffered effects one at a time, and decides state transitions whenever the
// run goes quiescent.
func (r *Run) loop() {
	deadline := r.ctx.Done()
	for {
		r.mu.Lock()
		for !r.cancelled && len(r.queue) > 0 && r.inflight < r.workers {
			item := r.queue[0]
			r.queue = r.queue[1:]
			r.inflight++

			node, _ := r.graph.Node(item.nodeID)
			nc := &nodeContext{
				runID:   r.id,
				graph:   r.graph,
				node:    node,
				input:   item.msg,
				resumed: item.resumed,
				logger:  r.logger.With("node", item.nodeID),
			}
			r.log.append(domain.EventNodeInvoked, item.nodeID, nil)
			go r.invoke(item, nc)
		}

		if r.inflight == 0 {
			if done := r.transitionLocked(); done {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()

		select {
		case res := <-r.results:
			r.merge(res)
		case <-r.wake:
		case <-deadline:
			r.expire()
			deadline = nil
		}
	}
}

// invoke runs one handler on a worker goroutine with a per-node timeout,
// panic recovery, and the optional retry policy. Failed attempts are retried
// with a fresh effect buffer so discarded effects cannot leak through.
func (r *Run) invoke(item workItem, nc *nodeContext) {
	started := time.Now()
	attempt := 0
	for {
		err := r.invokeOnce(item, nc)
		if err == nil || nc.suspended || errors.Is(err, runtime.ErrSuspended) {
			r.finishInvocation(item, nc, err, time.Since(started), attempt)
			return
		}
		if r.retry == nil || !r.retry.ShouldRetry(err, attempt) {
			r.finishInvocation(item, nc, err, time.Since(started), attempt)
			return
		}
		attempt++
		r.logger.Debug("retrying node",
			"node", item.nodeID,
			"attempt", attempt,
			"error", err)
		select {
		case <-time.After(r.retry.CalculateBackoff(attempt)):
		case <-r.ctx.Done():
			r.finishInvocation(item, nc, err, time.Since(started), attempt)
			return
		}
		// Fresh buffer: nothing from the failed attempt survives.
		nc = &nodeContext{
			runID:   nc.runID,
			graph:   nc.graph,
			node:    nc.node,
			input:   nc.input,
			resumed: nc.resumed,
			logger:  nc.logger,
		}
	}
}

func (r *Run) invokeOnce(item workItem, nc *nodeContext) (err error) {
	timeout := r.nodeTimeout
	if nc.node.Timeout > 0 {
		timeout = nc.node.Timeout
	}
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "agents.node",
		trace.WithAttributes(telemetry.RedactAttributes(r.redact, []attribute.KeyValue{
			attribute.String("run.id", r.id),
			attribute.String("node.id", item.nodeID),
		})...))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
		if err != nil && !errors.Is(err, runtime.ErrSuspended) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	err = nc.node.Handler.Handle(ctx, nc)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("node %q: %w", item.nodeID, governance.ErrNodeTimeout)
	}
	return err
}

func (r *Run) finishInvocation(item workItem, nc *nodeContext, err error, d time.Duration, retries int) {
	outcome := telemetry.OutcomeCompleted
	switch {
	case nc.suspended && (err == nil || errors.Is(err, runtime.ErrSuspended)):
		outcome = telemetry.OutcomeSuspended
	case errors.Is(err, governance.ErrNodeTimeout):
		outcome = telemetry.OutcomeTimeout
	case err != nil && !errors.Is(err, runtime.ErrSuspended):
		outcome = telemetry.OutcomeFailed
	}
	telemetry.RecordNodeMetrics(r.ctx, telemetry.NodeMetrics{
		PipelineID: r.pipelineID,
		NodeID:     item.nodeID,
		Handler:    nc.node.Kind,
		Outcome:    outcome,
		Duration:   d,
		Retries:    retries,
	})
	r.results <- invocationResult{item: item, nc: nc, err: err, duration: d}
}

// merge folds one finished invocation into run state. Ordering is fixed:
// handler-emitted events first, then the lifecycle event, then outputs, then
// sends. Failures keep events and outputs but discard sends and any buffered
// input request.
func (r *Run) merge(res invocationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inflight--
	if r.cancelled {
		return
	}

	nc := res.nc
	suspended := nc.suspended && (res.err == nil || errors.Is(res.err, runtime.ErrSuspended))
	failed := res.err != nil && !errors.Is(res.err, runtime.ErrSuspended)

	for _, ev := range nc.events {
		r.log.append(ev.kind, nc.node.ID, ev.payload)
	}

	switch {
	case failed:
		for _, out := range nc.outputs {
			r.outputs = append(r.outputs, out)
			r.log.append(domain.EventOutput, nc.node.ID, out)
		}
		r.nodeFailed++
		r.log.append(domain.EventNodeFailed, nc.node.ID, res.err.Error())
		r.logger.Warn("node failed", "node", nc.node.ID, "error", res.err)

	case suspended:
		for _, out := range nc.outputs {
			r.outputs = append(r.outputs, out)
			r.log.append(domain.EventOutput, nc.node.ID, out)
		}
		r.routeLocked(nc.node.ID, nc.sends)
		req := domain.PendingRequest{
			ID:        uuid.NewString(),
			NodeID:    nc.node.ID,
			Payload:   nc.request,
			CreatedAt: time.Now(),
		}
		r.pending[req.ID] = req
		r.log.append(domain.EventRequestInfo, nc.node.ID, domain.RequestInfo{
			RequestID: req.ID,
			NodeID:    req.NodeID,
			Payload:   req.Payload,
		})

	default:
		r.log.append(domain.EventNodeCompleted, nc.node.ID, domain.NodeSummary{
			Duration: res.duration,
			Sent:     len(nc.sends),
			Outputs:  len(nc.outputs),
		})
		for _, out := range nc.outputs {
			r.outputs = append(r.outputs, out)
			r.log.append(domain.EventOutput, nc.node.ID, out)
		}
		r.routeLocked(nc.node.ID, nc.sends)
	}
}

// routeLocked turns a node's sends into queue entries. Targeted sends bypass
// fan-in barriers; untargeted sends follow every out-edge, contributing to
// barriers along fan-in edges.
func (r *Run) routeLocked(from string, sends []domain.Message) {
	for _, msg := range sends {
		if msg.Target != "" {
			r.queue = append(r.queue, workItem{nodeID: msg.Target, msg: msg})
			continue
		}
		for _, edge := range r.graph.Out(from) {
			switch edge.Kind {
			case EdgeFanIn:
				r.contributeLocked(from, edge.To, msg)
			default:
				r.queue = append(r.queue, workItem{nodeID: edge.To, msg: msg})
			}
		}
	}
}

func (r *Run) contributeLocked(producer, consumer string, msg domain.Message) {
	idx, ok := r.graph.faninFor(producer, consumer)
	if !ok {
		return
	}
	b := &r.barriers[idx]
	if b.fired {
		return
	}
	b.got[producer] = msg

	group := r.graph.FanIns()[idx]
	if len(b.got) < len(group.Producers) {
		return
	}
	b.fired = true
	contributions := make(domain.Contributions, 0, len(group.Producers))
	for _, p := range group.Producers {
		contributions = append(contributions, b.got[p])
	}
	r.queue = append(r.queue, workItem{
		nodeID: consumer,
		msg:    domain.Message{Type: domain.TypeJoin, Payload: contributions},
	})
}

// transitionLocked runs with the queue drained and no work in flight. It
// decides whether the run suspends, finishes, or has nothing to do yet.
func (r *Run) transitionLocked() bool {
	if r.cancelled {
		if r.timedOut {
			r.state = domain.RunStateFailed
			r.log.append(domain.EventRunStatusChanged, "", string(r.state))
		} else {
			r.state = domain.RunStateCancelled
		}
		r.finishLocked()
		return true
	}
	if len(r.queue) > 0 {
		return false
	}
	if len(r.pending) > 0 {
		if r.state != domain.RunStateAwaitingInput {
			r.state = domain.RunStateAwaitingInput
			r.log.append(domain.EventRunStatusChanged, "", string(r.state))
			r.logger.Info("run awaiting input", "pending", len(r.pending))
		}
		return false
	}

	for i, b := range r.barriers {
		if b.fired || len(b.got) == 0 {
			continue
		}
		group := r.graph.FanIns()[i]
		missing := make([]string, 0, len(group.Producers))
		for _, p := range group.Producers {
			if _, ok := b.got[p]; !ok {
				missing = append(missing, p)
			}
		}
		r.log.append(domain.EventBarrierStalled, group.Consumer, domain.BarrierStall{
			Consumer: group.Consumer,
			Missing:  missing,
		})
		r.logger.Warn("fan-in barrier stalled",
			"consumer", group.Consumer,
			"missing", missing)
	}

	if r.nodeFailed > 0 && len(r.outputs) == 0 {
		r.state = domain.RunStateFailed
	} else {
		r.state = domain.RunStateCompleted
	}
	r.log.append(domain.EventRunStatusChanged, "", string(r.state))
	r.finishLocked()
	return true
}

func (r *Run) finishLocked() {
	r.finishedAt = time.Now()
	if r.runSpan != nil {
		r.runSpan.SetAttributes(telemetry.RedactAttributes(r.redact, []attribute.KeyValue{
			attribute.String("run.state", string(r.state)),
		})...)
		if r.state == domain.RunStateFailed {
			r.runSpan.SetStatus(codes.Error, "run failed")
		}
		r.runSpan.End()
	}
	telemetry.RecordRunMetrics(context.Background(), telemetry.RunMetrics{
		PipelineID:    r.pipelineID,
		State:         string(r.state),
		Duration:      r.finishedAt.Sub(r.startedAt),
		Outputs:       len(r.outputs),
		DroppedEvents: r.log.droppedCount(),
	})
	r.logger.Info("run finished",
		"state", r.state,
		"outputs", len(r.outputs),
		"duration", r.finishedAt.Sub(r.startedAt))
	r.log.close()
	close(r.finished)
	r.cancel()
}

// resume validates and applies a batch of answers. All-or-nothing: one
// unknown request id rejects the whole call and consumes no answers.
func (r *Run) resume(answers map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return &domain.ResumeMismatchError{RunID: r.id}
	}
	if len(answers) == 0 {
		return &domain.ResumeMismatchError{RunID: r.id}
	}
	for id := range answers {
		if _, ok := r.pending[id]; !ok {
			return &domain.ResumeMismatchError{RunID: r.id, RequestID: id}
		}
	}

	for id, answer := range answers {
		req := r.pending[id]
		delete(r.pending, id)

		msg, ok := answer.(domain.Message)
		if !ok {
			node, _ := r.graph.Node(req.NodeID)
			typ := domain.TypeAny
			if len(node.Accepts) > 0 {
				typ = node.Accepts[0]
			}
			msg = domain.Message{Type: typ, Payload: answer}
		}
		r.queue = append(r.queue, workItem{nodeID: req.NodeID, msg: msg, resumed: true})
	}

	if r.state == domain.RunStateAwaitingInput {
		r.state = domain.RunStateRunning
		r.log.append(domain.EventRunStatusChanged, "", string(r.state))
	}
	r.nudge()
	return nil
}

// Cancel stops the run: the queue and any pending input requests are
// discarded, in-flight handlers are interrupted via their contexts, and no
// further events are recorded.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.state.Terminal() || r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.queue = nil
	r.pending = make(map[string]domain.PendingRequest)
	r.mu.Unlock()

	r.cancel()
	r.nudge()
}

// expire handles the run deadline. Outstanding work is torn down exactly as
// Cancel does it, but the run surfaces as Failed with a final status event.
// A run that was cancelled first keeps its Cancelled state.
func (r *Run) expire() {
	r.mu.Lock()
	if r.state.Terminal() || r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.timedOut = true
	r.queue = nil
	r.pending = make(map[string]domain.PendingRequest)
	r.logger.Warn("run exceeded its time budget", "inflight", r.inflight)
	r.mu.Unlock()

	r.cancel()
	r.nudge()
}

func (r *Run) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// PipelineID returns the id of the pipeline this run executes.
func (r *Run) PipelineID() string { return r.pipelineID }

// State returns the current run state.
func (r *Run) State() domain.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Outputs returns a copy of the values yielded so far, in emission order.
func (r *Run) Outputs() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.outputs))
	copy(out, r.outputs)
	return out
}

// PendingRequests returns the outstanding input requests, if any.
func (r *Run) PendingRequests() []domain.PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	reqs := make([]domain.PendingRequest, 0, len(r.pending))
	for _, req := range r.pending {
		reqs = append(reqs, req)
	}
	return reqs
}

// StartedAt reports when the run was created.
func (r *Run) StartedAt() time.Time { return r.startedAt }

// History returns all events recorded so far, oldest first.
func (r *Run) History() []domain.Event { return r.log.history() }

// EventsSince returns events with sequence numbers strictly greater than seq.
func (r *Run) EventsSince(seq uint64) []domain.Event { return r.log.since(seq) }

// Subscribe streams events as they are appended until ctx is cancelled or the
// run finishes. Slow subscribers drop events rather than stalling the run;
// catch up via EventsSince.
func (r *Run) Subscribe(ctx context.Context) <-chan domain.Event {
	return r.log.subscribe(ctx, defaultSubscriberBuffer)
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.finished }

// Wait blocks until the run reaches a terminal state or ctx expires.
func (r *Run) Wait(ctx context.Context) (domain.RunState, error) {
	select {
	case <-r.finished:
		return r.State(), nil
	case <-ctx.Done():
		return r.State(), ctx.Err()
	}
}

// Snapshot captures the run for the console API and the run store.
func (r *Run) Snapshot() domain.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := domain.RunSnapshot{
		RunID:      r.id,
		PipelineID: r.pipelineID,
		State:      r.state,
		Outputs:    make([]any, len(r.outputs)),
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	copy(snap.Outputs, r.outputs)
	snap.Events = r.log.history()
	return snap
}
