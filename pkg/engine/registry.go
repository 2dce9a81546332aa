package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
)

// HandlerMetadata describes how a handler reference was resolved.
type HandlerMetadata struct {
	Kind      string
	Version   string
	Canonical string
}

// Registry maps handler names to factories. Names are resolved as
// "kind@version", with aliases and an unversioned kind falling back to the
// registered canonical entry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]runtime.Factory
	aliases   map[string]string
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]runtime.Factory),
		aliases:   make(map[string]string),
	}
}

func parseHandlerName(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

func versionFromKey(key string) string {
	_, version := parseHandlerName(key)
	return version
}

// Register adds or replaces a handler factory under its canonical key and
// maps every alias (plus the bare kind) to it.
func (r *Registry) Register(kind, version string, factory runtime.Factory, aliases ...string) {
	canonical := canonicalKey(kind, version)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[canonical] = factory
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[kind]; !exists {
		r.aliases[kind] = canonical
	}
}

// Resolve looks up a factory by raw reference.
func (r *Registry) Resolve(raw string) (runtime.Factory, HandlerMetadata, bool) {
	kind, version := parseHandlerName(raw)
	canonical := canonicalKey(kind, version)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if factory, ok := r.factories[canonical]; ok {
		return factory, HandlerMetadata{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := r.aliases[raw]; ok {
		if factory, ok := r.factories[alias]; ok {
			return factory, HandlerMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if factory, ok := r.factories[alias]; ok {
				return factory, HandlerMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
			}
		}
	}
	return nil, HandlerMetadata{}, false
}

// Instantiate resolves a factory and builds a handler from node config.
func (r *Registry) Instantiate(raw string, cfg map[string]any) (runtime.Handler, HandlerMetadata, error) {
	factory, meta, ok := r.Resolve(raw)
	if !ok {
		return nil, HandlerMetadata{}, fmt.Errorf("unknown handler %q", raw)
	}
	handler, err := factory(cfg)
	if err != nil {
		return nil, meta, fmt.Errorf("handler %q: %w", meta.Canonical, err)
	}
	return handler, meta, nil
}

// Kinds returns the canonical keys of every registered factory.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
