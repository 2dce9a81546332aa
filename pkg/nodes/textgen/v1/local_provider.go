package textgen

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// LocalProvider produces deterministic text without calling any external
// service, keeping demos and tests reproducible. The same request always
// yields the same text.
type LocalProvider struct{}

// NewLocalProvider creates the deterministic in-process provider.
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

// Name identifies the provider.
func (p *LocalProvider) Name() string { return ProviderLocal }

var localOpenings = []string{
	"Here is what the data shows.",
	"A quick read of the inputs.",
	"Pulling the highlights together.",
	"The short version first.",
}

// Generate composes text from the task and context deterministically.
func (p *LocalProvider) Generate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return Result{}, fmt.Errorf("textgen: task is required")
	}

	var sb strings.Builder
	sb.WriteString(localOpenings[seedFor(task)%uint32(len(localOpenings))])
	sb.WriteString(" ")
	sb.WriteString(task)
	if tone := strings.TrimSpace(req.Tone); tone != "" {
		sb.WriteString(" (")
		sb.WriteString(strings.ToLower(tone))
		sb.WriteString(" tone)")
	}
	sb.WriteString(".")

	for i, item := range req.Context {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf(" [%d] %s.", i+1, strings.TrimSuffix(item, ".")))
	}

	text := sb.String()
	if req.MaxWords > 0 {
		text = truncateWords(text, req.MaxWords)
	}

	return Result{Text: text, Provider: ProviderLocal, Model: "deterministic-v1"}, nil
}

func seedFor(task string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(task))
	return h.Sum32()
}

func truncateWords(text string, max int) string {
	words := strings.Fields(text)
	if len(words) <= max {
		return text
	}
	return strings.Join(words[:max], " ")
}
