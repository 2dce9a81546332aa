package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
)

// Custom event kinds emitted by the campaign handlers.
const (
	EventApprovalDecision  domain.EventKind = "approval.decision"
	EventCampaignPublished domain.EventKind = "campaign.published"
)

// CoordinatorHandler routes an approval answer to its next hop at runtime:
// approved drafts go to the publisher, revision requests go back to the
// drafting node. Both hops are dynamic sends, so the coordinator declares no
// outgoing edges.
//
// The answer carries the verdict plus the content it applies to; the console
// copies the draft from the pending request into the approval answer.
type CoordinatorHandler struct {
	approveTarget string
	reviseTarget  string
	logger        *slog.Logger
}

func newCoordinatorFactory(logger *slog.Logger) runtime.Factory {
	return func(cfg map[string]any) (runtime.Handler, error) {
		approve := configString(cfg, "approve_target")
		if approve == "" {
			return nil, fmt.Errorf("coordinator requires an approve_target")
		}
		revise := configString(cfg, "revise_target")
		if revise == "" {
			return nil, fmt.Errorf("coordinator requires a revise_target")
		}
		return &CoordinatorHandler{approveTarget: approve, reviseTarget: revise, logger: logger}, nil
	}
}

// approvalAnswer is the parsed form of an operator's answer.
type approvalAnswer struct {
	Verdict  string
	Content  string
	Guidance string
}

// parseApprovalAnswer accepts either a structured map or a bare string whose
// first word is the verdict and whose remainder is guidance.
func parseApprovalAnswer(payload any) approvalAnswer {
	switch v := payload.(type) {
	case map[string]any:
		answer := approvalAnswer{}
		if s, ok := v["verdict"].(string); ok {
			answer.Verdict = s
		}
		if s, ok := v["content"].(string); ok {
			answer.Content = s
		}
		if s, ok := v["guidance"].(string); ok {
			answer.Guidance = s
		}
		return answer
	case string:
		verdict, rest, _ := strings.Cut(strings.TrimSpace(v), " ")
		return approvalAnswer{Verdict: verdict, Guidance: strings.TrimSpace(rest)}
	default:
		return approvalAnswer{Verdict: strings.TrimSpace(fmt.Sprint(payload))}
	}
}

func isApproveVerdict(verdict string) bool {
	switch verdict {
	case "approve", "approved", "yes", "ship":
		return true
	}
	return false
}

func isReviseVerdict(verdict string) bool {
	switch verdict {
	case "revise", "redo", "reject":
		return true
	}
	return false
}

// BuildApprovalAnswer turns an operator's one-line reply into the answer a
// coordinator downstream of the approval node expects. A reply that opens
// with a verdict word is widened to the structured form, carrying the draft
// from the pending request payload as content. Anything else passes through
// as the literal string so plain input gates see exactly what was typed.
func BuildApprovalAnswer(reply string, requested any) any {
	trimmed := strings.TrimSpace(reply)
	verdict, rest, _ := strings.Cut(trimmed, " ")
	verdict = strings.ToLower(verdict)
	if !isApproveVerdict(verdict) && !isReviseVerdict(verdict) {
		return reply
	}

	content := requestedDraft(requested)
	if content == "" {
		return trimmed
	}

	answer := map[string]any{"verdict": verdict, "content": content}
	if guidance := strings.TrimSpace(rest); guidance != "" {
		answer["guidance"] = guidance
	}
	return answer
}

// requestedDraft extracts the content under review from a pending request
// payload of the request_input shape.
func requestedDraft(requested any) string {
	fields, ok := requested.(map[string]any)
	if !ok {
		return ""
	}
	draft, _ := fields["payload"].(string)
	return strings.TrimSpace(draft)
}

func (h *CoordinatorHandler) Handle(_ context.Context, nc runtime.Context) error {
	answer := parseApprovalAnswer(nc.Input().Payload)
	verdict := strings.ToLower(strings.TrimSpace(answer.Verdict))

	nc.EmitEvent(EventApprovalDecision, map[string]any{
		"verdict": verdict,
		"node":    nc.NodeID(),
	})

	switch {
	case isApproveVerdict(verdict):
		if strings.TrimSpace(answer.Content) == "" {
			return fmt.Errorf("coordinator: approval answer carries no content to publish")
		}
		h.logger.Info("campaign approved",
			"run_id", nc.RunID(),
			"next", h.approveTarget,
		)
		return nc.SendTo(h.approveTarget, domain.Text(answer.Content))

	case isReviseVerdict(verdict):
		guidance := answer.Guidance
		if guidance == "" {
			guidance = "revise the draft"
		}
		instruction := guidance
		if strings.TrimSpace(answer.Content) != "" {
			instruction = fmt.Sprintf("Revise the draft: %s\n\nPrevious draft:\n%s", guidance, answer.Content)
		}
		h.logger.Info("campaign sent back for revision",
			"run_id", nc.RunID(),
			"next", h.reviseTarget,
		)
		return nc.SendTo(h.reviseTarget, domain.Text(instruction))

	default:
		return fmt.Errorf("coordinator: unknown verdict %q", answer.Verdict)
	}
}

// PublishHandler stamps the approved campaign with its channel and publish
// time. Terminal placements yield the record as the run's output.
type PublishHandler struct {
	channel string
	logger  *slog.Logger
	now     func() time.Time
}

func newPublishFactory(logger *slog.Logger) runtime.Factory {
	return func(cfg map[string]any) (runtime.Handler, error) {
		channel := configString(cfg, "channel")
		if channel == "" {
			channel = "email"
		}
		return &PublishHandler{channel: channel, logger: logger, now: time.Now}, nil
	}
}

func (h *PublishHandler) Handle(_ context.Context, nc runtime.Context) error {
	record := map[string]any{
		"campaign":     messageText(nc.Input()),
		"channel":      h.channel,
		"published_at": h.now().UTC().Format(time.RFC3339),
	}

	nc.EmitEvent(EventCampaignPublished, map[string]any{
		"channel": h.channel,
		"node":    nc.NodeID(),
	})
	h.logger.Info("campaign published",
		"run_id", nc.RunID(),
		"channel", h.channel,
	)

	if err := nc.Send(domain.NewMessage("campaign", record)); err != nil {
		if errors.Is(err, runtime.ErrNoRoute) {
			nc.YieldOutput(record)
			return nil
		}
		return err
	}
	return nil
}
