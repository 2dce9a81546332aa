package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/mercatoai/mercato-oss/internal/governance"
	"github.com/mercatoai/mercato-oss/pkg/domain"
)

func TestRunStartBudget(t *testing.T) {
	limiter := governance.NewRateLimiter(map[string]governance.RouteLimit{
		"runs.start": {PerSecond: 1, Burst: 1},
	})
	stack := newConsoleStack(t, stackOptions{Limiter: limiter})

	created := stack.startRun(t, "restock-advisor", "inside the budget")

	status, raw := stack.do(t, http.MethodPost, "/v1/runs", map[string]any{
		"pipeline": "restock-advisor",
		"input":    "over the budget",
	})
	expectError(t, status, raw, http.StatusTooManyRequests, "RATE_LIMITED")

	// Reads bill the api bucket, which has no budget here, so the first
	// run is still observable while starts are shed.
	stack.getRun(t, created.RunID)
	stack.waitForState(t, created.RunID, domain.RunStateCompleted)

	// Raising the budget readmits starts once tokens accrue at the new
	// rate; the bucket stays warm across the reconfigure.
	limiter.Configure(map[string]governance.RouteLimit{
		"runs.start": {PerSecond: 100, Burst: 5},
	})
	deadline := time.Now().Add(waitTimeout)
	for {
		status, raw = stack.do(t, http.MethodPost, "/v1/runs", map[string]any{
			"pipeline": "restock-advisor",
			"input":    "readmitted",
		})
		if status == http.StatusCreated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("starts still limited after raising the budget: %d %s", status, raw)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRateLimitResponseHeaders(t *testing.T) {
	limiter := governance.NewRateLimiter(map[string]governance.RouteLimit{
		"runs.start": {PerSecond: 2, Burst: 1},
	})
	stack := newConsoleStack(t, stackOptions{Limiter: limiter})

	stack.startRun(t, "weekly-insights", "takes the only token")

	req, err := http.NewRequest(http.MethodPost, stack.base+"/v1/runs", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "2" {
		t.Fatalf("X-RateLimit-Limit = %q", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q", got)
	}
	if got := resp.Header.Get("Retry-After"); got == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestResumeBudgetSeparateFromStarts(t *testing.T) {
	limiter := governance.NewRateLimiter(map[string]governance.RouteLimit{
		"runs.resume": {PerSecond: 1, Burst: 1},
	})
	stack := newConsoleStack(t, stackOptions{Limiter: limiter})

	created := stack.startRun(t, "campaign-builder", "Budget week specials")
	stack.startRun(t, "weekly-insights", "starts are not limited")

	_, pending := stack.waitForPending(t, created.RunID)

	// The budget is charged at the door, before the body is validated.
	status, raw := stack.do(t, http.MethodPost, "/v1/runs/"+created.RunID+"/resume",
		map[string]any{"answers": map[string]any{}})
	expectError(t, status, raw, http.StatusBadRequest, "INVALID_REQUEST")

	answer := map[string]any{"answers": map[string]any{
		pending.ID: approvalAnswer(t, "approve", pending),
	}}
	status, raw = stack.do(t, http.MethodPost, "/v1/runs/"+created.RunID+"/resume", answer)
	expectError(t, status, raw, http.StatusTooManyRequests, "RATE_LIMITED")

	deadline := time.Now().Add(waitTimeout)
	for {
		status, raw = stack.do(t, http.MethodPost, "/v1/runs/"+created.RunID+"/resume", answer)
		if status == http.StatusAccepted {
			break
		}
		if status != http.StatusTooManyRequests {
			t.Fatalf("resume status = %d, body %s", status, raw)
		}
		if time.Now().After(deadline) {
			t.Fatalf("resume still limited after refill window")
		}
		time.Sleep(100 * time.Millisecond)
	}
	stack.waitForState(t, created.RunID, domain.RunStateCompleted)
}

func TestSharedAPIBudgetCoversReads(t *testing.T) {
	limiter := governance.NewRateLimiter(map[string]governance.RouteLimit{
		"api": {PerSecond: 1, Burst: 1},
	})
	stack := newConsoleStack(t, stackOptions{Limiter: limiter})

	status, raw := stack.do(t, http.MethodGet, "/v1/pipelines", nil)
	if status != http.StatusOK {
		t.Fatalf("first read = %d, body %s", status, raw)
	}
	status, raw = stack.do(t, http.MethodGet, "/v1/pipelines", nil)
	expectError(t, status, raw, http.StatusTooManyRequests, "RATE_LIMITED")

	// Run starts bill their own bucket and stay admitted.
	stack.startRun(t, "weekly-insights", "different bucket")
}
