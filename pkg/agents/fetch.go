package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mercatoai/mercato-oss/internal/governance"
	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine/runtime"
)

const (
	defaultFetchTimeout = 10 * time.Second

	// maxFetchBytes caps how much of an upstream body is pulled into a
	// message payload.
	maxFetchBytes = 64 << 10
)

// Fetcher retrieves a remote text document, such as a supplier status page.
// Implementations may fail or be slow; the engine's node timeout bounds the
// call.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// HTTPFetcherOptions configure the network-backed fetcher.
type HTTPFetcherOptions struct {
	// Breaker and Retry guard the upstream; nil disables the guard.
	Breaker *governance.CircuitBreaker
	Retry   *governance.RetryPolicy

	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTPFetcher fetches documents over HTTP with circuit breaking and retry.
type HTTPFetcher struct {
	breaker *governance.CircuitBreaker
	retry   *governance.RetryPolicy
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPFetcher creates a fetcher for the given options.
func NewHTTPFetcher(opts HTTPFetcherOptions) *HTTPFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		breaker: opts.Breaker,
		retry:   opts.Retry,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Fetch retrieves the URL, applying retry and circuit breaking.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("fetch: url is required")
	}

	var body string
	call := func(ctx context.Context) error {
		var err error
		body, err = f.fetchOnce(ctx, url)
		return err
	}

	guarded := call
	if f.breaker != nil {
		inner := guarded
		guarded = func(ctx context.Context) error {
			err := f.breaker.ExecuteContext(ctx, inner)
			if errors.Is(err, governance.ErrCircuitOpen) {
				return fmt.Errorf("fetch: upstream unavailable: %w", err)
			}
			return err
		}
	}

	var err error
	if f.retry != nil {
		err = f.retry.ExecuteWithRetry(ctx, guarded)
	} else {
		err = guarded(ctx)
	}
	if err != nil {
		return "", err
	}
	return body, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetch: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetch: upstream status %d for %s", resp.StatusCode, url)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", governance.Retryable(err)
		}
		return "", err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("fetch: read body: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// StaticFetcher returns a canned document for every URL. It stands in for the
// supplier API in tests and dry runs.
type StaticFetcher struct {
	Body string
}

// NewStaticFetcher creates a fetcher that always returns body.
func NewStaticFetcher(body string) *StaticFetcher {
	return &StaticFetcher{Body: body}
}

// Fetch returns the canned body.
func (f *StaticFetcher) Fetch(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.Body, nil
}

// FetchHandler resolves a configured URL through the Fetcher collaborator and
// forwards the document body.
type FetchHandler struct {
	fetcher  Fetcher
	url      string
	produces string
	logger   *slog.Logger
}

func newFetchFactory(fetcher Fetcher, logger *slog.Logger) runtime.Factory {
	return func(cfg map[string]any) (runtime.Handler, error) {
		url := configString(cfg, "url")
		if url == "" {
			return nil, fmt.Errorf("fetch handler requires a url")
		}
		produces := configString(cfg, "produces")
		if produces == "" {
			produces = "text"
		}
		return &FetchHandler{fetcher: fetcher, url: url, produces: produces, logger: logger}, nil
	}
}

// Handle fetches the document and sends it onward. Terminal placements yield
// the body instead.
func (h *FetchHandler) Handle(ctx context.Context, nc runtime.Context) error {
	started := time.Now()
	body, err := h.fetcher.Fetch(ctx, h.url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", h.url, err)
	}

	nc.Logger().Debug("document fetched",
		"url", h.url,
		"bytes", len(body),
		"duration", time.Since(started),
	)

	if err := nc.Send(domain.NewMessage(h.produces, body)); err != nil {
		if errors.Is(err, runtime.ErrNoRoute) {
			nc.YieldOutput(body)
			return nil
		}
		return err
	}
	return nil
}
