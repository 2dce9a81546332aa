package agents

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine"
	"github.com/mercatoai/mercato-oss/pkg/policy"
	"github.com/mercatoai/mercato-oss/pkg/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 4, Logger: quietLogger()})
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func demoRegistry(t *testing.T, deps Deps) *engine.Registry {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	reg := engine.DefaultRegistry(deps.Logger)
	RegisterHandlers(reg, deps)
	return reg
}

func compilePipeline(t *testing.T, reg *engine.Registry, spec domain.PipelineSpec) *engine.Graph {
	t.Helper()
	pr := engine.NewPipelineRegistry(reg, quietLogger())
	graph, err := pr.Compile(spec)
	require.NoError(t, err)
	return graph
}

func waitTerminal(t *testing.T, run *engine.Run) domain.RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := run.Wait(ctx)
	require.NoError(t, err)
	return state
}

func TestRestockAdvisorEndToEnd(t *testing.T) {
	reg := demoRegistry(t, Deps{})
	graph := compilePipeline(t, reg, RestockAdvisorPipeline())
	eng := newTestEngine(t)

	run, err := eng.Run("restock-advisor", graph, domain.Text("Espresso beans are running low"))
	require.NoError(t, err)

	state := waitTerminal(t, run)
	assert.Equal(t, domain.RunStateCompleted, state)

	outputs := run.Outputs()
	require.Len(t, outputs, 1)
	advice, ok := outputs[0].(string)
	require.True(t, ok)
	assert.Contains(t, advice, "Espresso beans are running low")
	assert.Contains(t, advice, "supplier status: nominal")
}

func TestWeeklyInsightsEndToEnd(t *testing.T) {
	reg := demoRegistry(t, Deps{})
	graph := compilePipeline(t, reg, WeeklyInsightsPipeline())
	eng := newTestEngine(t)

	run, err := eng.Run("weekly-insights", graph, domain.Text("weekly report"))
	require.NoError(t, err)

	state := waitTerminal(t, run)
	assert.Equal(t, domain.RunStateCompleted, state)

	outputs := run.Outputs()
	require.Len(t, outputs, 1)
	report, ok := outputs[0].(string)
	require.True(t, ok)
	assert.Contains(t, report, "Sales over the last 7 days")
	assert.Contains(t, report, "Espresso Beans 1kg")
}

func campaignDeps(t *testing.T) Deps {
	t.Helper()
	store := storage.NewMemoryPolicyStore()
	require.NoError(t, SeedDemoPolicies(context.Background(), store))
	return Deps{Policies: store, Logger: quietLogger()}
}

func awaitApproval(t *testing.T, run *engine.Run, previousID string) domain.PendingRequest {
	t.Helper()
	var pending domain.PendingRequest
	require.Eventually(t, func() bool {
		reqs := run.PendingRequests()
		if len(reqs) != 1 || reqs[0].ID == previousID {
			return false
		}
		pending = reqs[0]
		return true
	}, 5*time.Second, 10*time.Millisecond, "expected a pending approval request")
	return pending
}

func draftFromRequest(t *testing.T, req domain.PendingRequest) string {
	t.Helper()
	payload, ok := req.Payload.(map[string]any)
	require.True(t, ok)
	draft, ok := payload["payload"].(string)
	require.True(t, ok)
	return draft
}

func TestCampaignApproveRoundTrip(t *testing.T) {
	deps := campaignDeps(t)
	reg := demoRegistry(t, deps)
	graph := compilePipeline(t, reg, CampaignBuilderPipeline())
	eng := newTestEngine(t)

	run, err := eng.Run("campaign-builder", graph, domain.Text("Fall espresso promotion for loyal customers"))
	require.NoError(t, err)

	req := awaitApproval(t, run, "")
	assert.Equal(t, "approval", req.NodeID)

	payload, ok := req.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Approve this campaign draft?", payload["prompt"])

	draft := draftFromRequest(t, req)
	assert.Contains(t, draft, "Fall espresso promotion")

	err = eng.Resume(run.ID(), map[string]any{
		req.ID: map[string]any{"verdict": "approve", "content": draft},
	})
	require.NoError(t, err)

	state := waitTerminal(t, run)
	assert.Equal(t, domain.RunStateCompleted, state)

	outputs := run.Outputs()
	require.Len(t, outputs, 1)
	record, ok := outputs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, draft, record["campaign"])
	assert.Equal(t, "email", record["channel"])
	assert.NotEmpty(t, record["published_at"])

	kinds := eventKinds(run.History())
	assert.Contains(t, kinds, EventPolicyDecision)
	assert.Contains(t, kinds, EventApprovalDecision)
	assert.Contains(t, kinds, EventCampaignPublished)
}

func TestCampaignGateBlocksBannedClaims(t *testing.T) {
	deps := campaignDeps(t)
	reg := demoRegistry(t, deps)
	graph := compilePipeline(t, reg, CampaignBuilderPipeline())
	eng := newTestEngine(t)

	run, err := eng.Run("campaign-builder", graph, domain.Text("Sale with a guarantee of satisfaction"))
	require.NoError(t, err)

	state := waitTerminal(t, run)
	assert.Equal(t, domain.RunStateCompleted, state)
	assert.Empty(t, run.PendingRequests())

	outputs := run.Outputs()
	require.Len(t, outputs, 1)
	record, ok := outputs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rejected", record["status"])
	assert.Contains(t, record["reason"], "guarantee")
}

func TestCampaignReviseLoop(t *testing.T) {
	deps := campaignDeps(t)
	reg := demoRegistry(t, deps)
	graph := compilePipeline(t, reg, CampaignBuilderPipeline())
	eng := newTestEngine(t)

	run, err := eng.Run("campaign-builder", graph, domain.Text("Winter latte launch"))
	require.NoError(t, err)

	first := awaitApproval(t, run, "")
	firstDraft := draftFromRequest(t, first)

	err = eng.Resume(run.ID(), map[string]any{
		first.ID: map[string]any{"verdict": "revise", "guidance": "make it shorter", "content": firstDraft},
	})
	require.NoError(t, err)

	second := awaitApproval(t, run, first.ID)
	secondDraft := draftFromRequest(t, second)
	assert.Contains(t, secondDraft, "make it shorter")

	err = eng.Resume(run.ID(), map[string]any{
		second.ID: map[string]any{"verdict": "approve", "content": secondDraft},
	})
	require.NoError(t, err)

	state := waitTerminal(t, run)
	assert.Equal(t, domain.RunStateCompleted, state)

	outputs := run.Outputs()
	require.Len(t, outputs, 1)
	record, ok := outputs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, secondDraft, record["campaign"])

	decisions := 0
	for _, ev := range run.History() {
		if ev.Kind == EventPolicyDecision {
			decisions++
		}
	}
	assert.Equal(t, 2, decisions, "the gate should have evaluated both drafts")
}

func eventKinds(events []domain.Event) []domain.EventKind {
	kinds := make([]domain.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestRegisterHandlersDefaults(t *testing.T) {
	reg := demoRegistry(t, Deps{})

	for _, kind := range []string{
		"textgen@v1",
		"agents.fetch@v1",
		"agents.sales_query@v1",
		"agents.policy_gate@v1",
		"agents.coordinator@v1",
		"agents.publish@v1",
	} {
		_, _, ok := reg.Resolve(kind)
		assert.True(t, ok, "handler %s should resolve", kind)
	}
}

func TestGateFactoryRequiresStore(t *testing.T) {
	reg := demoRegistry(t, Deps{})
	pr := engine.NewPipelineRegistry(reg, quietLogger())

	_, err := pr.Compile(CampaignBuilderPipeline())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy store")
}

func TestParseBundleRef(t *testing.T) {
	tests := []struct {
		ref     string
		id      string
		version int
		wantErr bool
	}{
		{ref: "campaign-policies@1", id: "campaign-policies", version: 1},
		{ref: " campaign-policies@12 ", id: "campaign-policies", version: 12},
		{ref: "campaign-policies", wantErr: true},
		{ref: "@1", wantErr: true},
		{ref: "campaign-policies@", wantErr: true},
		{ref: "campaign-policies@zero", wantErr: true},
		{ref: "campaign-policies@0", wantErr: true},
	}

	for _, tc := range tests {
		id, version, err := parseBundleRef(tc.ref)
		if tc.wantErr {
			assert.Error(t, err, "ref %q", tc.ref)
			continue
		}
		require.NoError(t, err, "ref %q", tc.ref)
		assert.Equal(t, tc.id, id)
		assert.Equal(t, tc.version, version)
	}
}

func TestParseApprovalAnswer(t *testing.T) {
	structured := parseApprovalAnswer(map[string]any{
		"verdict":  "approve",
		"content":  "the draft",
		"guidance": "",
	})
	assert.Equal(t, "approve", structured.Verdict)
	assert.Equal(t, "the draft", structured.Content)

	bare := parseApprovalAnswer("revise make it shorter")
	assert.Equal(t, "revise", bare.Verdict)
	assert.Equal(t, "make it shorter", bare.Guidance)

	fallback := parseApprovalAnswer(42)
	assert.Equal(t, "42", fallback.Verdict)
}

func TestBuildApprovalAnswer(t *testing.T) {
	requested := map[string]any{
		"prompt":  "Approve this campaign draft?",
		"payload": "the draft under review",
	}

	widened, ok := BuildApprovalAnswer("approve", requested).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approve", widened["verdict"])
	assert.Equal(t, "the draft under review", widened["content"])
	assert.NotContains(t, widened, "guidance")

	revise, ok := BuildApprovalAnswer("Revise tone it down", requested).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "revise", revise["verdict"])
	assert.Equal(t, "tone it down", revise["guidance"])
	assert.Equal(t, "the draft under review", revise["content"])

	// Non-verdict replies stay literal for plain input gates.
	assert.Equal(t, "40 units", BuildApprovalAnswer("40 units", requested))

	// A verdict with nothing under review stays a bare string.
	assert.Equal(t, "approve", BuildApprovalAnswer("approve", map[string]any{"prompt": "go?"}))
	assert.Equal(t, "ship", BuildApprovalAnswer("ship", nil))
}

func TestMemorySalesData(t *testing.T) {
	sales := NewMemorySalesData()

	all, err := sales.Query(context.Background(), SalesQuery{})
	require.NoError(t, err)
	assert.Equal(t, 7, all.WindowDays)
	assert.Len(t, all.Rows, 5)

	one, err := sales.Query(context.Background(), SalesQuery{SKU: "sku-1001", WindowDays: 30})
	require.NoError(t, err)
	require.Len(t, one.Rows, 1)
	assert.Equal(t, "Espresso Beans 1kg", one.Rows[0].Name)
	assert.Equal(t, 30, one.WindowDays)

	_, err = sales.Query(context.Background(), SalesQuery{SKU: "SKU-9999"})
	assert.Error(t, err)
}

func TestSalesReportSummaryFlagsLowStock(t *testing.T) {
	report := SalesReport{WindowDays: 7, Rows: []SalesRow{
		{SKU: "SKU-1003", Name: "Ceramic Mug Set", UnitsSold: 77, Revenue: 1540.00, StockLeft: 9},
		{SKU: "SKU-1004", Name: "Cold Brew Bottle", UnitsSold: 25, Revenue: 625.00, StockLeft: 112},
	}}

	summary := report.Summary()
	assert.Contains(t, summary, "Ceramic Mug Set (SKU-1003): 77 sold, $1540.00 revenue, 9 left in stock [low stock]")
	assert.NotContains(t, strings.Split(summary, "\n")[2], "[low stock]")
}

func TestReviseInstructionFallsBackToReason(t *testing.T) {
	instruction := reviseInstruction(
		policy.Decision{Action: policy.ActionRevise, Reason: "draft exceeds the channel word limit"},
		"old draft",
	)
	assert.Contains(t, instruction, "draft exceeds the channel word limit")
	assert.Contains(t, instruction, "old draft")

	withGuidance := reviseInstruction(
		policy.Decision{
			Action:  policy.ActionRevise,
			Reason:  "too long",
			Outputs: map[string]any{"guidance": "shorten to 40 words"},
		},
		"old draft",
	)
	assert.Contains(t, withGuidance, "shorten to 40 words")
}
