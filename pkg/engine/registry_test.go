package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
)

type markerHandler struct{ name string }

func (h *markerHandler) Handle(context.Context, runtime.Context) error { return nil }

func markerFactory(h runtime.Handler) runtime.Factory {
	return func(map[string]any) (runtime.Handler, error) { return h, nil }
}

func TestRegistryResolvesCanonicalAndAliases(t *testing.T) {
	registry := NewRegistry()
	gen := &markerHandler{name: "gen"}
	judge := &markerHandler{name: "judge"}

	registry.Register("llm.generate", "v1", markerFactory(gen), "textgen", "generate")
	registry.Register("llm.judge", "v1", markerFactory(judge), "judge")

	handler, meta, err := registry.Instantiate("llm.generate@v1", nil)
	if err != nil {
		t.Fatalf("canonical lookup failed: %v", err)
	}
	if handler != gen {
		t.Fatalf("canonical lookup returned wrong handler")
	}
	if meta.Kind != "llm.generate" || meta.Version != "v1" || meta.Canonical != "llm.generate@v1" {
		t.Fatalf("meta = %+v", meta)
	}

	handler, meta, err = registry.Instantiate("textgen", nil)
	if err != nil {
		t.Fatalf("alias lookup failed: %v", err)
	}
	if handler != gen || meta.Canonical != "llm.generate@v1" {
		t.Fatalf("alias resolved to %+v", meta)
	}

	handler, meta, err = registry.Instantiate("judge", nil)
	if err != nil {
		t.Fatalf("alias lookup failed: %v", err)
	}
	if handler != judge || meta.Canonical != "llm.judge@v1" {
		t.Fatalf("alias resolved to %+v", meta)
	}
}

func TestRegistryBareKindFallsBack(t *testing.T) {
	registry := NewRegistry()
	registry.Register("transform.template", "v1", markerFactory(&markerHandler{}))

	_, meta, ok := registry.Resolve("transform.template")
	if !ok {
		t.Fatalf("bare kind did not resolve")
	}
	if meta.Canonical != "transform.template@v1" || meta.Version != "v1" {
		t.Fatalf("meta = %+v", meta)
	}

	// An explicit version that was never registered does not fall back.
	if _, _, ok := registry.Resolve("transform.template@v2"); ok {
		t.Fatalf("unregistered version must not resolve")
	}
}

func TestRegistryFirstRegistrationOwnsBareKind(t *testing.T) {
	registry := NewRegistry()
	v1 := &markerHandler{name: "v1"}
	v2 := &markerHandler{name: "v2"}

	registry.Register("router", "v1", markerFactory(v1))
	registry.Register("router", "v2", markerFactory(v2))

	handler, meta, err := registry.Instantiate("router", nil)
	if err != nil {
		t.Fatalf("bare kind lookup failed: %v", err)
	}
	if handler != v1 || meta.Canonical != "router@v1" {
		t.Fatalf("bare kind resolved to %+v, want the first registration", meta)
	}

	handler, _, err = registry.Instantiate("router@v2", nil)
	if err != nil {
		t.Fatalf("versioned lookup failed: %v", err)
	}
	if handler != v2 {
		t.Fatalf("router@v2 resolved to wrong handler")
	}
}

func TestRegistryInstantiateErrors(t *testing.T) {
	registry := NewRegistry()
	registry.Register("broken", "v1", func(map[string]any) (runtime.Handler, error) {
		return nil, errors.New("missing prompt")
	})

	_, _, err := registry.Instantiate("nope", nil)
	if err == nil || !strings.Contains(err.Error(), `unknown handler "nope"`) {
		t.Fatalf("error = %v", err)
	}

	_, _, err = registry.Instantiate("broken", map[string]any{})
	if err == nil || !strings.Contains(err.Error(), `handler "broken@v1": missing prompt`) {
		t.Fatalf("error = %v", err)
	}
}

func TestRegistryKinds(t *testing.T) {
	registry := NewRegistry()
	registry.Register("a", "v1", markerFactory(&markerHandler{}))
	registry.Register("b", "v2", markerFactory(&markerHandler{}))

	kinds := registry.Kinds()
	sort.Strings(kinds)
	if len(kinds) != 2 || kinds[0] != "a@v1" || kinds[1] != "b@v2" {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestDefaultRegistryBuiltins(t *testing.T) {
	registry := DefaultRegistry(testLogger())

	refs := []string{
		"transform.template@v1",
		"transform",
		"route.static",
		"join.concat",
		"output.yield",
		"yield",
		"core.request_input",
		"approval",
		"passthrough",
	}
	for _, ref := range refs {
		if _, _, ok := registry.Resolve(ref); !ok {
			t.Fatalf("builtin %q did not resolve", ref)
		}
	}
}
