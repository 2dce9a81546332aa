// Package textgen provides the text generation node used by the demo agent
// pipelines. A node invocation turns its input message (or fan-in
// contributions) into source material for a provider call and forwards the
// generated text downstream.
package textgen

// Request carries everything a provider needs to produce text.
type Request struct {
	// Task is the instruction, e.g. "Summarize weekly demand per product".
	Task string
	// Context is the ordered source material the text should draw on.
	Context []string
	// Tone is an optional voice hint ("friendly", "urgent").
	Tone string
	// MaxWords caps the output length when positive.
	MaxWords int
}

// Result is a provider completion.
type Result struct {
	Text     string
	Provider string
	Model    string
}

// HandlerConfig represents the configuration for a text generation node.
type HandlerConfig struct {
	// Provider selects the registered provider: "local" or "http".
	Provider string `json:"provider" yaml:"provider"`
	// Task is the generation instruction for this node.
	Task string `json:"task" yaml:"task"`
	// Tone is an optional voice hint passed to the provider.
	Tone string `json:"tone" yaml:"tone"`
	// MaxWords caps the generated text when positive.
	MaxWords int `json:"maxWords" yaml:"maxWords"`
	// Produces overrides the outgoing message type (default "text").
	Produces string `json:"produces" yaml:"produces"`
}

const (
	// ProviderLocal selects the deterministic in-process provider.
	ProviderLocal = "local"
	// ProviderHTTP selects the HTTP chat-completion provider.
	ProviderHTTP = "http"
)
