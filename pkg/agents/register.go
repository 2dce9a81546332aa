package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine"
	textgen "github.com/mercatoai/mercato-oss/pkg/nodes/textgen/v1"
	"github.com/mercatoai/mercato-oss/pkg/policy"
	"github.com/mercatoai/mercato-oss/pkg/storage"
)

// Deps are the collaborators the agents handlers close over. Nil fields fall
// back to deterministic in-memory implementations, which is what dry runs and
// tests want; the service wires the network-facing ones.
type Deps struct {
	TextProviders map[string]textgen.Provider
	Fetcher       Fetcher
	Sales         SalesQuerier

	// Policies backs the campaign gate. Leaving it nil makes gate nodes
	// fail to compile, which keeps the other pipelines usable.
	Policies storage.PolicyStore

	Postures policy.PostureSet
	Logger   *slog.Logger
}

// RegisterHandlers adds the agents handlers to a registry, alongside the
// engine builtins already there.
func RegisterHandlers(r *engine.Registry, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	providers := deps.TextProviders
	if providers == nil {
		providers = map[string]textgen.Provider{textgen.ProviderLocal: textgen.NewLocalProvider()}
	}
	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = NewStaticFetcher("supplier status: nominal, lead time 3 days")
	}
	sales := deps.Sales
	if sales == nil {
		sales = NewMemorySalesData()
	}

	r.Register("textgen", "v1", textgen.NewFactory(providers, logger), "textgen.v1")
	r.Register("agents.fetch", "v1", newFetchFactory(fetcher, logger), "fetch")
	r.Register("agents.sales_query", "v1", newSalesQueryFactory(sales, logger), "sales_query")
	r.Register("agents.policy_gate", "v1", newPolicyGateFactory(deps.Policies, deps.Postures, logger), "policy_gate")
	r.Register("agents.coordinator", "v1", newCoordinatorFactory(logger), "coordinator")
	r.Register("agents.publish", "v1", newPublishFactory(logger), "publish")
}

// SeedDemoPolicies stores the demo policy bundle so the campaign pipeline
// compiles against a populated store.
func SeedDemoPolicies(ctx context.Context, store storage.PolicyStore) error {
	if store == nil {
		return fmt.Errorf("agents: policy store is required")
	}
	if err := store.SavePolicyBundle(ctx, DemoPolicyBundle()); err != nil {
		return fmt.Errorf("agents: seed demo policies: %w", err)
	}
	return nil
}

func configString(cfg map[string]any, key string) string {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return ""
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "<nil>" {
		return ""
	}
	return s
}

func configInt(cfg map[string]any, key string) (int, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("config %s: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("config %s: unsupported type %T", key, raw)
	}
}

// messageText renders a message payload as text, flattening nil to empty.
func messageText(msg domain.Message) string {
	switch v := msg.Payload.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
