package agents

import (
	"time"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// DemoPolicyBundleRef is the bundle reference the campaign pipeline's gate
// resolves through the policy store.
const DemoPolicyBundleRef = "campaign-policies@1"

// demoPolicyModule is the campaign content policy: block drafts that make
// banned claims, ask for a revision when the draft overruns the channel's
// word limit, allow otherwise.
const demoPolicyModule = `package policy

import rego.v1

banned_claims := ["guarantee", "risk-free", "miracle", "cure"]

violations contains word if {
	some word in banned_claims
	contains(lower(input.content), word)
}

default word_limit := 200

word_limit := 120 if input.channel == "email"

word_limit := 40 if input.channel == "social"

default decision := {"action": "allow"}

decision := {"action": "block", "reason": reason} if {
	count(violations) > 0
	reason := sprintf("draft contains banned claims: %s", [concat(", ", sort(violations))])
}

decision := {
	"action": "revise",
	"reason": "draft exceeds the channel word limit",
	"guidance": sprintf("shorten the draft to at most %d words", [word_limit]),
} if {
	count(violations) == 0
	count(split(input.content, " ")) > word_limit
}
`

// DemoPolicyBundle returns the campaign content policy as a storable bundle.
func DemoPolicyBundle() *domain.PolicyBundle {
	now := time.Now().UTC()
	return &domain.PolicyBundle{
		ID:       "campaign-policies",
		Name:     "Campaign Content Policies",
		Version:  1,
		Revision: "demo",
		Labels:   map[string]string{"env": "demo"},
		Artifacts: map[string]domain.PolicyArtifact{
			"campaign.rego": {
				Type:      "rego",
				MediaType: "application/rego",
				Data:      []byte(demoPolicyModule),
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RestockAdvisorPipeline fans a restock request out to demand summarization
// and a supplier status fetch, then joins both into a restocking
// recommendation.
func RestockAdvisorPipeline() domain.PipelineSpec {
	return domain.PipelineSpec{
		ID:          "restock-advisor",
		Description: "Recommends restock quantity and timing for a product request.",
		Kind:        "restock",
		Start:       "intake",
		Nodes: []domain.NodeSpec{
			{
				ID:      "intake",
				Handler: "transform.template@v1",
				Config: map[string]any{
					"template": "Restock request: {{.Payload}}",
				},
				Produces: []string{"text"},
			},
			{
				ID:      "demand-summary",
				Handler: "textgen@v1",
				Accepts: []string{"text"},
				Config: map[string]any{
					"task": "Summarize expected demand for the requested product.",
				},
				Produces: []string{"text"},
			},
			{
				ID:      "supplier-check",
				Handler: "agents.fetch@v1",
				Accepts: []string{"text"},
				Config: map[string]any{
					"url": "https://suppliers.example.com/status",
				},
				Produces: []string{"text"},
			},
			{
				ID:      "advisor",
				Handler: "textgen@v1",
				Config: map[string]any{
					"task": "Recommend a restock quantity and timing based on the demand summary and supplier status.",
				},
				Produces: []string{"text"},
				Timeout:  20 * time.Second,
			},
			{
				ID:      "advice",
				Handler: "output.yield@v1",
			},
		},
		FanOuts: []domain.FanOutSpec{
			{From: "intake", To: []string{"demand-summary", "supplier-check"}},
		},
		FanIns: []domain.FanInSpec{
			{From: []string{"demand-summary", "supplier-check"}, To: "advisor"},
		},
		Edges: []domain.EdgeSpec{
			{From: "advisor", To: "advice"},
		},
	}
}

// WeeklyInsightsPipeline turns the weekly sales report into a short
// narrative for store managers.
func WeeklyInsightsPipeline() domain.PipelineSpec {
	return domain.PipelineSpec{
		ID:          "weekly-insights",
		Description: "Writes a weekly performance insight from sales data.",
		Kind:        "insights",
		Start:       "metrics-gather",
		Nodes: []domain.NodeSpec{
			{
				ID:      "metrics-gather",
				Handler: "agents.sales_query@v1",
				Config: map[string]any{
					"window_days": 7,
				},
				Produces: []string{"text"},
			},
			{
				ID:      "insight-writer",
				Handler: "textgen@v1",
				Accepts: []string{"text"},
				Config: map[string]any{
					"task": "Write a short weekly performance insight for store managers.",
					"tone": "encouraging",
				},
				Produces: []string{"text"},
			},
			{
				ID:      "report",
				Handler: "output.yield@v1",
			},
		},
		Edges: []domain.EdgeSpec{
			{From: "metrics-gather", To: "insight-writer"},
			{From: "insight-writer", To: "report"},
		},
	}
}

// CampaignBuilderPipeline drafts marketing copy, gates it through the content
// policy, waits for human approval, then publishes. The coordinator picks the
// next hop dynamically, so the publisher is reachable only through it.
func CampaignBuilderPipeline() domain.PipelineSpec {
	return domain.PipelineSpec{
		ID:          "campaign-builder",
		Description: "Drafts, reviews and publishes a marketing campaign.",
		Kind:        "campaign",
		Start:       "brief-intake",
		Nodes: []domain.NodeSpec{
			{
				ID:      "brief-intake",
				Handler: "transform.template@v1",
				Config: map[string]any{
					"template": "Campaign brief: {{.Payload}}",
				},
				Produces: []string{"text"},
			},
			{
				ID:      "draft-writer",
				Handler: "textgen@v1",
				Accepts: []string{"text"},
				Config: map[string]any{
					"task":     "Draft marketing copy for the campaign brief.",
					"tone":     "upbeat",
					"produces": "draft",
				},
				Produces: []string{"draft"},
			},
			{
				ID:      "policy-gate",
				Handler: "agents.policy_gate@v1",
				Accepts: []string{"draft"},
				Config: map[string]any{
					"bundle":        DemoPolicyBundleRef,
					"channel":       "email",
					"revise_target": "draft-writer",
					"pipeline":      "campaign-builder",
				},
				Produces: []string{"draft"},
			},
			{
				ID:      "approval",
				Handler: "core.request_input@v1",
				Config: map[string]any{
					"prompt": "Approve this campaign draft?",
				},
			},
			{
				ID:      "coordinator",
				Handler: "agents.coordinator@v1",
				Config: map[string]any{
					"approve_target": "publisher",
					"revise_target":  "draft-writer",
				},
			},
			{
				ID:      "publisher",
				Handler: "agents.publish@v1",
				Config: map[string]any{
					"channel": "email",
				},
			},
		},
		Edges: []domain.EdgeSpec{
			{From: "brief-intake", To: "draft-writer"},
			{From: "draft-writer", To: "policy-gate"},
			{From: "policy-gate", To: "approval"},
			{From: "approval", To: "coordinator"},
		},
	}
}

// DemoPipelines returns every demo pipeline spec.
func DemoPipelines() []domain.PipelineSpec {
	return []domain.PipelineSpec{
		RestockAdvisorPipeline(),
		WeeklyInsightsPipeline(),
		CampaignBuilderPipeline(),
	}
}
