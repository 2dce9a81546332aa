package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

const defaultSimulationTimeout = 30 * time.Second

// Simulator dry-runs pipelines end to end and returns the full event trace.
// Input requests raised during the run are answered from the request's
// canned answers, so human-in-the-loop pipelines can complete unattended.
type Simulator struct {
	pipelines *PipelineRegistry
	engine    *Engine
	logger    *slog.Logger
}

// NewSimulator creates a simulator that starts runs on the given engine.
func NewSimulator(pipelines *PipelineRegistry, engine *Engine, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		pipelines: pipelines,
		engine:    engine,
		logger:    logger,
	}
}

// Simulate executes one pipeline with the request's input and returns the
// trace. The run is a real engine run; determinism comes from the canned
// answers and the handlers the pipeline is built from.
func (s *Simulator) Simulate(ctx context.Context, req domain.SimulationRequest) (*domain.SimulationResponse, error) {
	cp, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	s.logger.Info("starting pipeline simulation",
		slog.String("pipeline_id", cp.Spec.ID),
		slog.String("kind", cp.Spec.Kind))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultSimulationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inputType := req.InputType
	if inputType == "" {
		inputType = "text"
	}
	run, err := s.engine.Run(cp.Spec.ID, cp.Graph, domain.NewMessage(inputType, req.Input))
	if err != nil {
		return nil, fmt.Errorf("start simulation run: %w", err)
	}

	events := run.Subscribe(ctx)

	// The run may have suspended or finished before the subscription was
	// live; reconcile against current state first.
	if done := s.step(run, req); done {
		return s.response(run), nil
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return s.response(run), nil
			}
			if ev.Kind != domain.EventRunStatusChanged {
				continue
			}
			if done := s.step(run, req); done {
				return s.response(run), nil
			}
		case <-ctx.Done():
			run.Cancel()
			<-run.Done()
			return s.response(run), ctx.Err()
		}
	}
}

func (s *Simulator) resolve(req domain.SimulationRequest) (*CompiledPipeline, error) {
	switch {
	case req.PipelineID != "":
		cp, ok := s.pipelines.Get(req.PipelineID)
		if !ok {
			return nil, fmt.Errorf("pipeline %q: %w", req.PipelineID, domain.ErrPipelineNotFound)
		}
		return cp, nil
	case req.Kind != "":
		return s.pipelines.SelectByKind(req.Kind)
	default:
		return nil, fmt.Errorf("either pipelineId or kind must be provided")
	}
}

// step answers outstanding input requests if the run is suspended. It
// returns true once the simulation cannot advance any further: the run is
// terminal, or it awaits input no canned answer covers.
func (s *Simulator) step(run *Run, req domain.SimulationRequest) bool {
	state := run.State()
	if state.Terminal() {
		return true
	}
	if state != domain.RunStateAwaitingInput {
		return false
	}

	answers := make(map[string]any)
	for _, pending := range run.PendingRequests() {
		if a, ok := req.Answers[pending.NodeID]; ok {
			answers[pending.ID] = a
			continue
		}
		if req.AutoApprove {
			answers[pending.ID] = "approve"
		}
	}
	if len(answers) == 0 {
		s.logger.Warn("simulation stopped awaiting input with no canned answer",
			slog.String("run_id", run.ID()))
		return true
	}

	if err := run.resume(answers); err != nil {
		s.logger.Warn("simulation resume rejected",
			slog.String("run_id", run.ID()),
			slog.Any("error", err))
		return true
	}
	return false
}

func (s *Simulator) response(run *Run) *domain.SimulationResponse {
	return &domain.SimulationResponse{
		RunID:   run.ID(),
		State:   run.State(),
		Outputs: run.Outputs(),
		Trace:   run.History(),
	}
}
