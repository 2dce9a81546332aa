package engine

import (
	"testing"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// runSpec compiles and runs a pipeline against the builtin registry,
// returning the finished run.
func runSpec(t *testing.T, spec domain.PipelineSpec, initial domain.Message) *Run {
	t.Helper()
	pr := testPipelineRegistry(t)
	graph, err := pr.Compile(spec)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	e := testEngine(t, Config{})
	run, err := e.Run(spec.ID, graph, initial)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return run
}

func TestTemplateHandlerRendersAndForwards(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:    "tpl",
		Start: "format",
		Nodes: []domain.NodeSpec{
			{
				ID:       "format",
				Handler:  "transform.template",
				Produces: []string{"text"},
				Config:   map[string]any{"template": "{{.Payload | upper}} via {{.Type}}"},
			},
			{ID: "out", Handler: "output.yield"},
		},
		Edges: []domain.EdgeSpec{{From: "format", To: "out"}},
	}

	run := runSpec(t, spec, domain.Text("hello"))
	if state := awaitDone(t, run); state != domain.RunStateCompleted {
		t.Fatalf("state = %s", state)
	}
	outputs := run.Outputs()
	if len(outputs) != 1 || outputs[0] != "HELLO via text" {
		t.Fatalf("outputs = %v", outputs)
	}
}

func TestTemplateHandlerYieldsWhenTerminal(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:    "tpl-terminal",
		Start: "format",
		Nodes: []domain.NodeSpec{
			{
				ID:      "format",
				Handler: "transform.template",
				Config:  map[string]any{"template": "Summary: {{.Payload | trim}}"},
			},
		},
	}

	run := runSpec(t, spec, domain.Text("  padded  "))
	if state := awaitDone(t, run); state != domain.RunStateCompleted {
		t.Fatalf("state = %s", state)
	}
	outputs := run.Outputs()
	if len(outputs) != 1 || outputs[0] != "Summary: padded" {
		t.Fatalf("outputs = %v", outputs)
	}
}

func TestTemplateHandlerConfigErrors(t *testing.T) {
	registry := DefaultRegistry(testLogger())

	if _, _, err := registry.Instantiate("transform.template", nil); err == nil {
		t.Fatalf("missing template must fail instantiation")
	}
	_, _, err := registry.Instantiate("transform.template", map[string]any{
		"template": "{{.Broken",
	})
	if err == nil {
		t.Fatalf("unparsable template must fail instantiation")
	}
}

func TestStaticRouteHandlerSkipsDeclaredEdges(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:    "routed",
		Start: "route",
		Nodes: []domain.NodeSpec{
			{
				ID:      "route",
				Handler: "route.static",
				Config:  map[string]any{"target": "special"},
			},
			{ID: "normal", Handler: "output.yield"},
			{ID: "special", Handler: "output.yield"},
		},
		Edges: []domain.EdgeSpec{{From: "route", To: "normal"}},
	}

	run := runSpec(t, spec, domain.Text("order-7"))
	if state := awaitDone(t, run); state != domain.RunStateCompleted {
		t.Fatalf("state = %s", state)
	}

	// Only the configured target fires, not the declared edge.
	outputs := run.Outputs()
	if len(outputs) != 1 || outputs[0] != "order-7" {
		t.Fatalf("outputs = %v", outputs)
	}
	for _, ev := range run.History() {
		if ev.Kind == domain.EventNodeInvoked && ev.NodeID == "normal" {
			t.Fatalf("declared edge fired despite static route")
		}
	}
}

func TestStaticRouteHandlerRequiresTarget(t *testing.T) {
	registry := DefaultRegistry(testLogger())
	if _, _, err := registry.Instantiate("route.static", nil); err == nil {
		t.Fatalf("missing target must fail instantiation")
	}
}

func TestConcatJoinHandlerMergesContributions(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:    "joined",
		Start: "seed",
		Nodes: []domain.NodeSpec{
			{ID: "seed", Handler: "passthrough"},
			{
				ID:      "upper",
				Handler: "transform.template",
				Config:  map[string]any{"template": "{{.Payload | upper}}"},
			},
			{
				ID:      "lower",
				Handler: "transform.template",
				Config:  map[string]any{"template": "{{.Payload | lower}}"},
			},
			{
				ID:      "merge",
				Handler: "join.concat",
				Config:  map[string]any{"separator": " | "},
			},
		},
		FanOuts: []domain.FanOutSpec{{From: "seed", To: []string{"upper", "lower"}}},
		FanIns:  []domain.FanInSpec{{From: []string{"upper", "lower"}, To: "merge"}},
	}

	run := runSpec(t, spec, domain.Text("Mixed"))
	if state := awaitDone(t, run); state != domain.RunStateCompleted {
		t.Fatalf("state = %s", state)
	}
	outputs := run.Outputs()
	if len(outputs) != 1 || outputs[0] != "MIXED | mixed" {
		t.Fatalf("outputs = %v", outputs)
	}
}

func TestYieldHandlerForwardingChain(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:    "tapped",
		Start: "tap",
		Nodes: []domain.NodeSpec{
			{
				ID:      "tap",
				Handler: "output.yield",
				Config:  map[string]any{"forward": true},
			},
			{ID: "final", Handler: "output.yield"},
		},
		Edges: []domain.EdgeSpec{{From: "tap", To: "final"}},
	}

	run := runSpec(t, spec, domain.Text("audit-me"))
	if state := awaitDone(t, run); state != domain.RunStateCompleted {
		t.Fatalf("state = %s", state)
	}
	// Tap records the value and passes it on; final records it again.
	outputs := run.Outputs()
	if len(outputs) != 2 || outputs[0] != "audit-me" || outputs[1] != "audit-me" {
		t.Fatalf("outputs = %v", outputs)
	}
}

func TestRequestInputHandlerRoundTrip(t *testing.T) {
	run := runSpec(t, approvalSpec("approval", "approval"), domain.Text("release buy order"))
	awaitState(t, run, domain.RunStateAwaitingInput)

	pending := run.PendingRequests()
	if len(pending) != 1 {
		t.Fatalf("pending = %v", pending)
	}
	payload, ok := pending[0].Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T", pending[0].Payload)
	}
	if payload["prompt"] != "Continue?" || payload["payload"] != "release buy order" {
		t.Fatalf("payload = %v", payload)
	}

	if err := run.resume(map[string]any{pending[0].ID: "approved"}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if state := awaitDone(t, run); state != domain.RunStateCompleted {
		t.Fatalf("state = %s", state)
	}
	outputs := run.Outputs()
	if len(outputs) != 1 || outputs[0] != "approved" {
		t.Fatalf("outputs = %v", outputs)
	}
}

func TestPassthroughHandlerDropsAtTerminal(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:    "sinkless",
		Start: "pass",
		Nodes: []domain.NodeSpec{
			{ID: "pass", Handler: "passthrough"},
		},
	}

	run := runSpec(t, spec, domain.Text("nowhere to go"))
	if state := awaitDone(t, run); state != domain.RunStateCompleted {
		t.Fatalf("state = %s", state)
	}
	if got := run.Outputs(); len(got) != 0 {
		t.Fatalf("outputs = %v, want none", got)
	}
	if got := filterKind(run.History(), domain.EventNodeFailed); len(got) != 0 {
		t.Fatalf("terminal passthrough must not fail: %v", got)
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := map[string]any{
		"name":    "restock",
		"padded":  "  yes  ",
		"enabled": true,
		"flag":    "TRUE",
		"number":  1,
		"off":     "0",
	}

	if got := configString(cfg, "name"); got != "restock" {
		t.Fatalf("configString(name) = %q", got)
	}
	if got := configString(cfg, "padded"); got != "yes" {
		t.Fatalf("configString(padded) = %q, want trimmed value", got)
	}
	if got := configString(cfg, "missing"); got != "" {
		t.Fatalf("configString(missing) = %q", got)
	}
	if !configBool(cfg, "enabled") || !configBool(cfg, "flag") {
		t.Fatalf("true-ish values not recognised")
	}
	if configBool(cfg, "off") || configBool(cfg, "missing") || configBool(cfg, "number") {
		t.Fatalf("false-ish values not recognised")
	}
}
