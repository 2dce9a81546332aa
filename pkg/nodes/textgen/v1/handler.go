package textgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
	"github.com/mercatoai/mercato-oss/pkg/telemetry"
)

// Handler implements the text generation node. It collects source material
// from the input message, calls the configured provider and forwards the
// generated text, or yields it when the node has no outgoing edges.
type Handler struct {
	provider Provider
	cfg      HandlerConfig
	logger   *slog.Logger
}

// NewHandler creates a handler bound to one provider and node config.
func NewHandler(provider Provider, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{provider: provider, cfg: cfg, logger: logger}
}

// NewFactory returns a handler factory that selects among the supplied
// providers by the node's "provider" config key. Register the result as
// "textgen" version "v1".
func NewFactory(providers map[string]Provider, logger *slog.Logger) runtime.Factory {
	return func(raw map[string]any) (runtime.Handler, error) {
		cfg, err := ParseConfig(raw)
		if err != nil {
			return nil, err
		}

		provider, ok := providers[cfg.Provider]
		if !ok {
			return nil, fmt.Errorf("textgen: unknown provider %q", cfg.Provider)
		}

		return NewHandler(provider, cfg, logger), nil
	}
}

// ParseConfig maps a node's raw config to HandlerConfig and applies defaults.
func ParseConfig(raw map[string]any) (HandlerConfig, error) {
	// Marshal/unmarshal to cleanly map map[string]any to the struct.
	data, err := yaml.Marshal(raw)
	if err != nil {
		return HandlerConfig{}, err
	}

	var cfg HandlerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return HandlerConfig{}, err
	}

	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = ProviderLocal
	}
	if strings.TrimSpace(cfg.Task) == "" {
		return HandlerConfig{}, fmt.Errorf("textgen: config requires a task")
	}
	if cfg.MaxWords < 0 {
		cfg.MaxWords = 0
	}
	if cfg.Produces == "" {
		cfg.Produces = "text"
	}

	return cfg, nil
}

// Handle generates text for the input message.
func (h *Handler) Handle(ctx context.Context, nc runtime.Context) error {
	req := Request{
		Task:     h.cfg.Task,
		Tone:     h.cfg.Tone,
		MaxWords: h.cfg.MaxWords,
		Context:  sourceMaterial(nc),
	}

	started := time.Now()
	result, err := h.provider.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("textgen: generate: %w", err)
	}

	// Prompt and completion text are deny-listed by default; only the
	// provider and model identifiers survive export.
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(telemetry.RedactAttributes(nil, []attribute.KeyValue{
			attribute.String("gen.provider", result.Provider),
			attribute.String("gen.model", result.Model),
			attribute.String("prompt.text", strings.Join(req.Context, "\n")),
			attribute.String("completion.text", result.Text),
		})...)
	}

	nc.Logger().Debug("text generated",
		"provider", result.Provider,
		"model", result.Model,
		"duration", time.Since(started),
		"chars", len(result.Text),
	)

	msg := domain.NewMessage(h.cfg.Produces, result.Text)
	if err := nc.Send(msg); err != nil {
		if errors.Is(err, runtime.ErrNoRoute) {
			nc.YieldOutput(result.Text)
			return nil
		}
		return err
	}
	return nil
}

// sourceMaterial flattens the invocation input into ordered text snippets:
// each fan-in contribution in declared order, or the single payload.
func sourceMaterial(nc runtime.Context) []string {
	if contribs := nc.Contributions(); contribs != nil {
		parts := make([]string, 0, len(contribs))
		for _, msg := range contribs {
			parts = append(parts, payloadText(msg.Payload))
		}
		return parts
	}
	return []string{payloadText(nc.Input().Payload)}
}

func payloadText(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
