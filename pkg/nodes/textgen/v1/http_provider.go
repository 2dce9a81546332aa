package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mercatoai/mercato-oss/internal/governance"
	"github.com/mercatoai/mercato-oss/pkg/storage"
)

const defaultHTTPTimeout = 30 * time.Second

// RouteTextgen keys the rate limiter bucket metering upstream generate
// calls.
const RouteTextgen = "textgen.generate"

// HTTPProviderOptions configure the remote chat-completion provider.
type HTTPProviderOptions struct {
	// Endpoint is the chat completions URL.
	Endpoint string
	// Model names the upstream model to request.
	Model string
	// APIKeyRef is resolved through the vault on every call so key
	// rotation needs no restart. Empty means unauthenticated.
	APIKeyRef string
	Vault     storage.CredentialsVault

	// Breaker, Retry and Limiter guard the upstream; nil disables the
	// guard. The limiter meters calls under RouteTextgen.
	Breaker *governance.CircuitBreaker
	Retry   *governance.RetryPolicy
	Limiter *governance.RateLimiter

	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTPProvider calls an OpenAI-compatible chat completion API.
type HTTPProvider struct {
	endpoint  string
	model     string
	apiKeyRef string
	vault     storage.CredentialsVault
	breaker   *governance.CircuitBreaker
	retry     *governance.RetryPolicy
	limiter   *governance.RateLimiter
	client    *http.Client
	logger    *slog.Logger
}

// NewHTTPProvider creates a provider for the given options.
func NewHTTPProvider(opts HTTPProviderOptions) (*HTTPProvider, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("textgen: http provider requires an endpoint")
	}
	if strings.TrimSpace(opts.APIKeyRef) != "" && opts.Vault == nil {
		return nil, fmt.Errorf("textgen: api key reference requires a vault")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPProvider{
		endpoint:  endpoint,
		model:     strings.TrimSpace(opts.Model),
		apiKeyRef: strings.TrimSpace(opts.APIKeyRef),
		vault:     opts.Vault,
		breaker:   opts.Breaker,
		retry:     opts.Retry,
		limiter:   opts.Limiter,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}, nil
}

// Name identifies the provider.
func (p *HTTPProvider) Name() string { return ProviderHTTP }

// Generate calls the upstream API, applying retry and circuit breaking.
func (p *HTTPProvider) Generate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Task) == "" {
		return Result{}, fmt.Errorf("textgen: task is required")
	}

	var result Result
	call := func(ctx context.Context) error {
		var err error
		result, err = p.generateOnce(ctx, req)
		return err
	}

	guarded := call
	if p.breaker != nil {
		inner := guarded
		guarded = func(ctx context.Context) error {
			err := p.breaker.ExecuteContext(ctx, inner)
			if errors.Is(err, governance.ErrCircuitOpen) {
				return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
			}
			return err
		}
	}
	if p.limiter != nil {
		inner := guarded
		guarded = func(ctx context.Context) error {
			// A throttle is a local decision: it must not reach the
			// breaker as an upstream failure.
			if !p.limiter.Allow(RouteTextgen) {
				return governance.Retryable(ErrThrottled)
			}
			return inner(ctx)
		}
	}

	var err error
	if p.retry != nil {
		err = p.retry.ExecuteWithRetry(ctx, guarded)
	} else {
		err = guarded(ctx)
	}
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
}

func (p *HTTPProvider) generateOnce(ctx context.Context, req Request) (Result, error) {
	payload := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: strings.Join(req.Context, "\n")},
		},
	}

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("textgen: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("textgen: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if p.apiKeyRef != "" {
		key, err := p.vault.Fetch(ctx, p.apiKeyRef)
		if err != nil {
			return Result{}, fmt.Errorf("textgen: resolve api key: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("textgen: request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("textgen: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Result{}, governance.Retryable(err)
		}
		return Result{}, err
	}

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return Result{}, fmt.Errorf("textgen: decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Result{}, fmt.Errorf("textgen: no completion choices returned")
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if req.MaxWords > 0 {
		text = truncateWords(text, req.MaxWords)
	}

	model := completion.Model
	if model == "" {
		model = p.model
	}

	return Result{Text: text, Provider: ProviderHTTP, Model: model}, nil
}

func systemPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(req.Task))
	if tone := strings.TrimSpace(req.Tone); tone != "" {
		sb.WriteString(" Use a ")
		sb.WriteString(strings.ToLower(tone))
		sb.WriteString(" tone.")
	}
	if req.MaxWords > 0 {
		sb.WriteString(fmt.Sprintf(" Keep it under %d words.", req.MaxWords))
	}
	return sb.String()
}
