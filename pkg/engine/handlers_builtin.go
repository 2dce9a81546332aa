package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
)

// Builtin handlers cover the plumbing nodes of declarative pipelines:
// template transforms, static routing, fan-in joins, output emission, and
// human approval gates. Domain-specific handlers (text generation, policy
// gates) live in their own packages and register alongside these.

// DefaultRegistry returns a registry with every builtin handler registered.
func DefaultRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRegistry()
	registerBuiltins(r, logger)
	return r
}

func registerBuiltins(r *Registry, logger *slog.Logger) {
	r.Register("transform.template", "v1", newTemplateHandler, "transform", "template")
	r.Register("route.static", "v1", newStaticRouteHandler, "route")
	r.Register("join.concat", "v1", newConcatJoinHandler, "join")
	r.Register("output.yield", "v1", newYieldHandler, "output", "yield")
	r.Register("core.request_input", "v1", newRequestInputHandler, "request_input", "approval")
	r.Register("passthrough", "v1", func(cfg map[string]any) (runtime.Handler, error) {
		return &PassthroughHandler{logger: logger}, nil
	})
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

func configBool(cfg map[string]any, key string) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
}

// TemplateHandler renders a text template over the input message and sends
// the result onward. Terminal placements yield the rendered text instead.
type TemplateHandler struct {
	tmpl     *template.Template
	produces string
}

func newTemplateHandler(cfg map[string]any) (runtime.Handler, error) {
	text := configString(cfg, "template")
	if text == "" {
		return nil, fmt.Errorf("transform.template requires a template")
	}
	tmpl, err := template.New("transform").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	produces := configString(cfg, "produces")
	if produces == "" {
		produces = "text"
	}
	return &TemplateHandler{tmpl: tmpl, produces: produces}, nil
}

// Handle renders the template with the input's payload, type, source, and
// any fan-in contributions bound.
func (h *TemplateHandler) Handle(_ context.Context, nc runtime.Context) error {
	in := nc.Input()
	data := map[string]any{
		"Payload": in.Payload,
		"Type":    in.Type,
		"Source":  in.Source,
	}
	if contribs := nc.Contributions(); contribs != nil {
		data["Contributions"] = contribs
	}

	var sb strings.Builder
	if err := h.tmpl.Execute(&sb, data); err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	msg := domain.NewMessage(h.produces, sb.String())
	if err := nc.Send(msg); err != nil {
		if errors.Is(err, runtime.ErrNoRoute) {
			nc.YieldOutput(sb.String())
			return nil
		}
		return err
	}
	return nil
}

// StaticRouteHandler forwards the input to a fixed node id, bypassing the
// sender's declared edges.
type StaticRouteHandler struct {
	target string
}

func newStaticRouteHandler(cfg map[string]any) (runtime.Handler, error) {
	target := configString(cfg, "target")
	if target == "" {
		return nil, fmt.Errorf("route.static requires a target")
	}
	return &StaticRouteHandler{target: target}, nil
}

func (h *StaticRouteHandler) Handle(_ context.Context, nc runtime.Context) error {
	return nc.SendTo(h.target, nc.Input())
}

// ConcatJoinHandler flattens fan-in contributions into one text message,
// joined in declared producer order.
type ConcatJoinHandler struct {
	separator string
	produces  string
}

func newConcatJoinHandler(cfg map[string]any) (runtime.Handler, error) {
	sep := configString(cfg, "separator")
	if sep == "" {
		sep = "\n"
	}
	produces := configString(cfg, "produces")
	if produces == "" {
		produces = "text"
	}
	return &ConcatJoinHandler{separator: sep, produces: produces}, nil
}

func (h *ConcatJoinHandler) Handle(_ context.Context, nc runtime.Context) error {
	parts := make([]string, 0, 4)
	if contribs := nc.Contributions(); contribs != nil {
		for _, c := range contribs {
			parts = append(parts, fmt.Sprint(c.Payload))
		}
	} else {
		parts = append(parts, fmt.Sprint(nc.Input().Payload))
	}
	joined := strings.Join(parts, h.separator)

	if err := nc.Send(domain.NewMessage(h.produces, joined)); err != nil {
		if errors.Is(err, runtime.ErrNoRoute) {
			nc.YieldOutput(joined)
			return nil
		}
		return err
	}
	return nil
}

// YieldHandler copies the input payload into the run's outputs, optionally
// forwarding the message onward as well.
type YieldHandler struct {
	forward bool
}

func newYieldHandler(cfg map[string]any) (runtime.Handler, error) {
	return &YieldHandler{forward: configBool(cfg, "forward")}, nil
}

func (h *YieldHandler) Handle(_ context.Context, nc runtime.Context) error {
	nc.YieldOutput(nc.Input().Payload)
	if !h.forward {
		return nil
	}
	if err := nc.Send(nc.Input()); err != nil && !errors.Is(err, runtime.ErrNoRoute) {
		return err
	}
	return nil
}

// RequestInputHandler suspends the branch for operator input. When the run
// is resumed, the answer arrives as this node's input and is forwarded.
type RequestInputHandler struct {
	prompt string
}

func newRequestInputHandler(cfg map[string]any) (runtime.Handler, error) {
	return &RequestInputHandler{prompt: configString(cfg, "prompt")}, nil
}

func (h *RequestInputHandler) Handle(_ context.Context, nc runtime.Context) error {
	if !nc.Resumed() {
		return nc.RequestInput(map[string]any{
			"prompt":  h.prompt,
			"payload": nc.Input().Payload,
		})
	}

	if err := nc.Send(nc.Input()); err != nil {
		if errors.Is(err, runtime.ErrNoRoute) {
			nc.YieldOutput(nc.Input().Payload)
			return nil
		}
		return err
	}
	return nil
}

// PassthroughHandler forwards the input unchanged; a terminal placement
// silently drops it.
type PassthroughHandler struct {
	logger *slog.Logger
}

func (h *PassthroughHandler) Handle(_ context.Context, nc runtime.Context) error {
	err := nc.Send(nc.Input())
	if errors.Is(err, runtime.ErrNoRoute) {
		h.logger.Debug("passthrough dropped message, node has no route",
			"node_id", nc.NodeID(),
		)
		return nil
	}
	return err
}
