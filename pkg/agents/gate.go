package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
	"github.com/mercatoai/mercato-oss/pkg/policy"
	"github.com/mercatoai/mercato-oss/pkg/storage"
	telem "github.com/mercatoai/mercato-oss/pkg/telemetry"
)

// EventPolicyDecision is the custom event kind the gate emits for every
// verdict, so consoles can show policy outcomes without parsing spans.
const EventPolicyDecision domain.EventKind = "policy.decision"

// PolicyGateHandler evaluates generated content against a Rego bundle before
// it moves toward an outbound channel. Allow forwards the draft unchanged,
// revise sends it back to the drafting node with guidance, block ends the
// branch with a rejection output.
type PolicyGateHandler struct {
	engine     policy.Filter
	generation string
	pipeline   string
	channel    string
	revise     string
	postures   policy.PostureSet
	logger     *slog.Logger
}

func newPolicyGateFactory(store storage.PolicyStore, postures policy.PostureSet, logger *slog.Logger) runtime.Factory {
	return func(cfg map[string]any) (runtime.Handler, error) {
		if store == nil {
			return nil, fmt.Errorf("policy gate requires a policy store")
		}

		ref := configString(cfg, "bundle")
		if ref == "" {
			return nil, fmt.Errorf("policy gate requires a bundle reference")
		}
		id, version, err := parseBundleRef(ref)
		if err != nil {
			return nil, err
		}

		bundle, err := store.GetPolicyBundle(context.Background(), id, version)
		if err != nil {
			return nil, fmt.Errorf("load policy bundle %s: %w", ref, err)
		}

		modules := regoModules(bundle)
		if len(modules) == 0 {
			return nil, fmt.Errorf("policy bundle %s has no rego artifacts", ref)
		}

		engine, err := policy.NewEngine(context.Background(), policy.EngineOptions{
			Entrypoint: configString(cfg, "entrypoint"),
			Modules:    modules,
		})
		if err != nil {
			return nil, fmt.Errorf("compile policy bundle %s: %w", ref, err)
		}

		channel := configString(cfg, "channel")
		if channel == "" {
			channel = "email"
		}

		return &PolicyGateHandler{
			engine:     engine,
			generation: fmt.Sprintf("%s@%d", bundle.ID, bundle.Version),
			pipeline:   configString(cfg, "pipeline"),
			channel:    channel,
			revise:     configString(cfg, "revise_target"),
			postures:   postures,
			logger:     logger,
		}, nil
	}
}

// parseBundleRef splits an "id@version" bundle reference.
func parseBundleRef(ref string) (string, int, error) {
	id, rawVersion, found := strings.Cut(strings.TrimSpace(ref), "@")
	if !found || id == "" || rawVersion == "" {
		return "", 0, fmt.Errorf("bundle reference %q must be id@version", ref)
	}
	version, err := strconv.Atoi(rawVersion)
	if err != nil || version <= 0 {
		return "", 0, fmt.Errorf("bundle reference %q has an invalid version", ref)
	}
	return id, version, nil
}

// regoModules extracts the compilable artifacts from a bundle, keyed by
// artifact name.
func regoModules(bundle *domain.PolicyBundle) map[string]string {
	modules := make(map[string]string, len(bundle.Artifacts))
	for name, artifact := range bundle.Artifacts {
		if artifact.Type != "rego" && !strings.HasSuffix(strings.ToLower(name), ".rego") {
			continue
		}
		if len(artifact.Data) == 0 {
			continue
		}
		modules[name] = string(artifact.Data)
	}
	return modules
}

// Handle evaluates the policy for the incoming draft and routes on the
// verdict.
func (h *PolicyGateHandler) Handle(ctx context.Context, nc runtime.Context) error {
	content := messageText(nc.Input())

	decision, err := h.engine.Evaluate(ctx, policy.Input{
		PipelineID: h.pipeline,
		NodeID:     nc.NodeID(),
		Content:    content,
		Channel:    h.channel,
		Generation: h.generation,
		Attributes: map[string]any{"run.id": nc.RunID()},
	})
	if err != nil {
		return h.handleEvaluationError(ctx, nc, err)
	}

	if span := trace.SpanFromContext(ctx); span != nil {
		telem.RecordPolicyDecision(span, decision)
	}
	nc.EmitEvent(EventPolicyDecision, map[string]any{
		"action": string(decision.Action),
		"reason": decision.Reason,
	})

	h.logger.Info("policy gate verdict",
		"run_id", nc.RunID(),
		"node_id", nc.NodeID(),
		"action", decision.Action,
		"reason", decision.Reason,
	)

	switch decision.Action {
	case policy.ActionAllow:
		if err := nc.Send(nc.Input()); err != nil {
			if errors.Is(err, runtime.ErrNoRoute) {
				nc.YieldOutput(content)
				return nil
			}
			return err
		}
		return nil

	case policy.ActionRevise:
		// A revise verdict with nowhere to send the draft back cannot
		// ship content, so it degrades to a rejection.
		if h.revise == "" {
			nc.YieldOutput(rejectionRecord(nc.NodeID(), decision.Reason))
			return nil
		}
		return nc.SendTo(h.revise, domain.Text(reviseInstruction(decision, content)))

	case policy.ActionBlock:
		nc.YieldOutput(rejectionRecord(nc.NodeID(), decision.Reason))
		return nil

	default:
		return fmt.Errorf("policy gate: unknown action %q", decision.Action)
	}
}

// handleEvaluationError applies the campaign failure posture: closed fails
// the node so nothing ships, open forwards the draft with a warning.
func (h *PolicyGateHandler) handleEvaluationError(ctx context.Context, nc runtime.Context, err error) error {
	mode := h.postures.Mode(policy.DomainCampaign)

	if mode == policy.ModeFailClosed {
		h.logger.Error("policy gate evaluation failed",
			"run_id", nc.RunID(),
			"node_id", nc.NodeID(),
			"error", err,
		)
		nc.YieldOutput(rejectionRecord(nc.NodeID(), "policy evaluation failed"))
		return fmt.Errorf("policy gate: evaluation failed (fail-closed): %w", err)
	}

	h.logger.Warn("policy gate evaluation failed, forwarding due to fail-open posture",
		"run_id", nc.RunID(),
		"node_id", nc.NodeID(),
		"error", err,
	)
	if span := trace.SpanFromContext(ctx); span != nil {
		span.AddEvent("policy.evaluate.error")
	}

	if sendErr := nc.Send(nc.Input()); sendErr != nil && !errors.Is(sendErr, runtime.ErrNoRoute) {
		return sendErr
	}
	return nil
}

func rejectionRecord(nodeID, reason string) map[string]any {
	if reason == "" {
		reason = "campaign draft rejected"
	}
	return map[string]any{
		"status": "rejected",
		"node":   nodeID,
		"reason": reason,
	}
}

// reviseInstruction composes the message the drafting node regenerates from:
// the guidance first, then the draft it applies to.
func reviseInstruction(decision policy.Decision, content string) string {
	guidance, _ := decision.Outputs["guidance"].(string)
	if guidance == "" {
		guidance = decision.Reason
	}
	if guidance == "" {
		guidance = "revise the draft"
	}
	return fmt.Sprintf("Revise the draft: %s\n\nPrevious draft:\n%s", guidance, content)
}
