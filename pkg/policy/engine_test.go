package policy

import (
	"context"
	"strings"
	"testing"
)

const campaignGateModule = `package policy

default decision := {"action": "allow"}

decision := {
	"action": "block",
	"reason": "embargoed product",
	"metadata": {"rule": "embargo"},
} if {
	contains(lower(input.content), "embargoed")
}

decision := {
	"action": "revise",
	"reason": "discount too deep",
	"guidance": "cap the discount at 20%",
} if {
	input.attributes.discount_percent > 20
	not contains(lower(input.content), "embargoed")
}
`

const channelGateModule = `package channels

decision := {"action": "block", "reason": "sms channel is disabled"} if {
	input.channel == "sms"
}
`

func newTestEngine(t *testing.T, opts EngineOptions) *Engine {
	t.Helper()
	if opts.Modules == nil {
		opts.Modules = map[string]string{"campaign_gate.rego": campaignGateModule}
	}
	eng, err := NewEngine(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func TestEngineDecisionActions(t *testing.T) {
	eng := newTestEngine(t, EngineOptions{})

	allow, err := eng.Evaluate(context.Background(), Input{
		PipelineID: "campaign-brief",
		NodeID:     "gate",
		Content:    "Fresh spring lineup, 10% off this week.",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if allow.Action != ActionAllow {
		t.Fatalf("action = %q, want allow", allow.Action)
	}
	if allow.Metadata == nil || allow.Outputs == nil {
		t.Fatalf("decision maps not normalized: %+v", allow)
	}

	block, err := eng.Evaluate(context.Background(), Input{
		PipelineID: "campaign-brief",
		NodeID:     "gate",
		Content:    "Announcing the Embargoed X500 early!",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if block.Action != ActionBlock {
		t.Fatalf("action = %q, want block", block.Action)
	}
	if block.Reason != "embargoed product" {
		t.Fatalf("reason = %q", block.Reason)
	}
	if block.Metadata["rule"] != "embargo" {
		t.Fatalf("metadata = %v", block.Metadata)
	}

	revise, err := eng.Evaluate(context.Background(), Input{
		PipelineID: "campaign-brief",
		NodeID:     "gate",
		Content:    "Everything must go!",
		Attributes: map[string]any{"discount_percent": 35},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if revise.Action != ActionRevise {
		t.Fatalf("action = %q, want revise", revise.Action)
	}
	if revise.Outputs["guidance"] != "cap the discount at 20%" {
		t.Fatalf("outputs = %v", revise.Outputs)
	}
	if _, leaked := revise.Outputs["action"]; leaked {
		t.Fatalf("reserved keys leaked into outputs: %v", revise.Outputs)
	}
}

func TestEngineEntrypointOverride(t *testing.T) {
	eng := newTestEngine(t, EngineOptions{
		Modules: map[string]string{
			"campaign_gate.rego": campaignGateModule,
			"channel_gate.rego":  channelGateModule,
		},
	})

	// Default entrypoint ignores the channel rule.
	viaDefault, err := eng.Evaluate(context.Background(), Input{
		Content: "hello",
		Channel: "SMS",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if viaDefault.Action != ActionAllow {
		t.Fatalf("default entrypoint action = %q", viaDefault.Action)
	}

	viaOverride, err := eng.Evaluate(context.Background(), Input{
		Content:    "hello",
		Channel:    "SMS", // normalized to lowercase before evaluation
		Entrypoint: "channels/decision",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if viaOverride.Action != ActionBlock || viaOverride.Reason != "sms channel is disabled" {
		t.Fatalf("override decision = %+v", viaOverride)
	}
}

func TestEngineUndefinedDecisionAllows(t *testing.T) {
	eng := newTestEngine(t, EngineOptions{
		Modules: map[string]string{"channel_gate.rego": channelGateModule},
		// channels/decision has no default rule, so non-sms input leaves
		// the document undefined.
		Entrypoint: "channels/decision",
	})

	dec, err := eng.Evaluate(context.Background(), Input{Content: "hello", Channel: "email"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Action != ActionAllow {
		t.Fatalf("undefined decision mapped to %q, want allow", dec.Action)
	}
}

func TestEngineCachePinnedToGeneration(t *testing.T) {
	eng := newTestEngine(t, EngineOptions{})

	deep := Input{
		PipelineID: "campaign-brief",
		NodeID:     "gate",
		Content:    "Weekend flash sale",
		Generation: "gen-7",
		Attributes: map[string]any{"discount_percent": 35},
	}
	first, err := eng.Evaluate(context.Background(), deep)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Action != ActionRevise {
		t.Fatalf("action = %q, want revise", first.Action)
	}

	// Attributes are not part of the cache key, so the same generation,
	// location, and content is served from cache.
	shallow := deep
	shallow.Attributes = map[string]any{"discount_percent": 5}
	cached, err := eng.Evaluate(context.Background(), shallow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if cached.Action != ActionRevise {
		t.Fatalf("cached action = %q, want revise", cached.Action)
	}

	// DisableCache forces a fresh evaluation.
	fresh := shallow
	fresh.DisableCache = true
	uncached, err := eng.Evaluate(context.Background(), fresh)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if uncached.Action != ActionAllow {
		t.Fatalf("uncached action = %q, want allow", uncached.Action)
	}

	eng.FlushCache()
	flushed, err := eng.Evaluate(context.Background(), shallow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if flushed.Action != ActionAllow {
		t.Fatalf("action after flush = %q, want allow", flushed.Action)
	}
}

func TestEngineSkipsCacheWithoutGeneration(t *testing.T) {
	eng := newTestEngine(t, EngineOptions{})

	in := Input{
		PipelineID: "campaign-brief",
		NodeID:     "gate",
		Content:    "Weekend flash sale",
		Attributes: map[string]any{"discount_percent": 35},
	}
	first, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Action != ActionRevise {
		t.Fatalf("action = %q, want revise", first.Action)
	}

	in.Attributes = map[string]any{"discount_percent": 5}
	second, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if second.Action != ActionAllow {
		t.Fatalf("unpinned input served stale decision: %+v", second)
	}
}

func TestEngineCacheDisabledByNegativeCapacity(t *testing.T) {
	eng := newTestEngine(t, EngineOptions{CacheMaxEntries: -1})

	in := Input{
		PipelineID: "campaign-brief",
		NodeID:     "gate",
		Content:    "Weekend flash sale",
		Generation: "gen-7",
		Attributes: map[string]any{"discount_percent": 35},
	}
	if dec, err := eng.Evaluate(context.Background(), in); err != nil || dec.Action != ActionRevise {
		t.Fatalf("dec = %+v, err = %v", dec, err)
	}

	in.Attributes = map[string]any{"discount_percent": 5}
	dec, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Action != ActionAllow {
		t.Fatalf("caching still active with negative capacity: %+v", dec)
	}
}

func TestEngineConstructionErrors(t *testing.T) {
	if _, err := NewEngine(context.Background(), EngineOptions{}); err == nil {
		t.Errorf("engine without modules accepted")
	}

	_, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"broken.rego": "package broken\n\ndecision := {"},
	})
	if err == nil || !strings.Contains(err.Error(), "parse rego module") {
		t.Errorf("parse error = %v", err)
	}
}

func TestEngineRejectsMalformedDecisions(t *testing.T) {
	unknownAction := `package policy

decision := {"action": "escalate"} if { true }
`
	eng := newTestEngine(t, EngineOptions{
		Modules: map[string]string{"gate.rego": unknownAction},
	})
	if _, err := eng.Evaluate(context.Background(), Input{Content: "x"}); err == nil || !strings.Contains(err.Error(), `unknown action "escalate"`) {
		t.Errorf("unknown action error = %v", err)
	}

	notObject := `package policy

decision := "yes" if { true }
`
	eng2 := newTestEngine(t, EngineOptions{
		Modules: map[string]string{"gate.rego": notObject},
	})
	if _, err := eng2.Evaluate(context.Background(), Input{Content: "x"}); err == nil || !strings.Contains(err.Error(), "unexpected result type") {
		t.Errorf("non-object decision error = %v", err)
	}
}

func TestDecisionCacheLRU(t *testing.T) {
	cache := newDecisionCache(2)

	cache.Add("a", Decision{Reason: "a"})
	cache.Add("b", Decision{Reason: "b"})

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := cache.Get("a"); !ok {
		t.Fatalf("a missing")
	}
	cache.Add("c", Decision{Reason: "c"})

	if _, ok := cache.Get("b"); ok {
		t.Fatalf("b survived eviction")
	}
	for _, key := range []string{"a", "c"} {
		if dec, ok := cache.Get(key); !ok || dec.Reason != key {
			t.Fatalf("%s = %+v, ok = %v", key, dec, ok)
		}
	}

	cache.Clear()
	if _, ok := cache.Get("a"); ok {
		t.Fatalf("cache not cleared")
	}
}
