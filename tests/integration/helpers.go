// Package integration exercises the console API against a fully wired
// in-process service: engine, demo pipelines, policy store, sessions and
// rate limits, driven over real HTTP.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mercatoai/mercato-oss/internal/governance"
	"github.com/mercatoai/mercato-oss/pkg/agents"
	"github.com/mercatoai/mercato-oss/pkg/console"
	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine"
	"github.com/mercatoai/mercato-oss/pkg/storage"
)

const waitTimeout = 5 * time.Second

// consoleStack is one in-process service instance under test.
type consoleStack struct {
	Engine    *engine.Engine
	Pipelines *engine.PipelineRegistry
	Policies  storage.PolicyStore
	Runs      storage.RunStore
	Server    *httptest.Server

	base string
}

// stackOptions tune the optional service collaborators.
type stackOptions struct {
	Limiter *governance.RateLimiter
	Runs    storage.RunStore
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newConsoleStack wires the engine, the demo pipelines and policies, and a
// console server listening on a real socket.
func newConsoleStack(t *testing.T, opts stackOptions) *consoleStack {
	t.Helper()

	logger := quietLogger()

	policies := storage.NewMemoryPolicyStore()
	if err := agents.SeedDemoPolicies(context.Background(), policies); err != nil {
		t.Fatalf("seed demo policies: %v", err)
	}

	registry := engine.DefaultRegistry(logger)
	agents.RegisterHandlers(registry, agents.Deps{
		Policies: policies,
		Logger:   logger,
	})

	eng := engine.New(engine.Config{Logger: logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})

	pipelines := engine.NewPipelineRegistry(registry, logger)
	if err := pipelines.Update(agents.DemoPipelines()); err != nil {
		t.Fatalf("load demo pipelines: %v", err)
	}

	server, err := console.NewServer(console.ServerConfig{
		Engine:    eng,
		Pipelines: pipelines,
		Runs:      opts.Runs,
		Limiter:   opts.Limiter,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("build console server: %v", err)
	}

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &consoleStack{
		Engine:    eng,
		Pipelines: pipelines,
		Policies:  policies,
		Runs:      opts.Runs,
		Server:    ts,
		base:      ts.URL,
	}
}

// runView is the client-side shape of the console's run representation.
type runView struct {
	RunID      string                  `json:"run_id"`
	PipelineID string                  `json:"pipeline_id"`
	State      domain.RunState         `json:"state"`
	Outputs    []any                   `json:"outputs"`
	Pending    []domain.PendingRequest `json:"pending_requests"`
	Archived   bool                    `json:"archived"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
}

// do issues one request and returns the status with the raw body.
func (s *consoleStack) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, s.base+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer closeBody(t, resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp.StatusCode, raw
}

func closeBody(t *testing.T, c io.Closer) {
	t.Helper()
	if err := c.Close(); err != nil {
		t.Fatalf("failed to close body: %v", err)
	}
}

func decodeInto(t *testing.T, raw []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode response %q: %v", raw, err)
	}
}

// expectError asserts a console error payload with the given status and code.
func expectError(t *testing.T, status int, raw []byte, wantStatus int, wantCode string) errorBody {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("status = %d, want %d (body %s)", status, wantStatus, raw)
	}
	var eb errorBody
	decodeInto(t, raw, &eb)
	if eb.Code != wantCode {
		t.Fatalf("error code = %q, want %q (message %q)", eb.Code, wantCode, eb.Message)
	}
	return eb
}

// startRun launches a run over the API and returns the created view.
func (s *consoleStack) startRun(t *testing.T, pipeline string, input any) runView {
	t.Helper()

	status, raw := s.do(t, http.MethodPost, "/v1/runs", map[string]any{
		"pipeline": pipeline,
		"input":    input,
	})
	if status != http.StatusCreated {
		t.Fatalf("start run status = %d, body %s", status, raw)
	}
	var view runView
	decodeInto(t, raw, &view)
	if view.RunID == "" {
		t.Fatalf("start run returned no run id: %s", raw)
	}
	return view
}

func (s *consoleStack) getRun(t *testing.T, runID string) runView {
	t.Helper()
	status, raw := s.do(t, http.MethodGet, "/v1/runs/"+runID, nil)
	if status != http.StatusOK {
		t.Fatalf("get run status = %d, body %s", status, raw)
	}
	var view runView
	decodeInto(t, raw, &view)
	return view
}

// waitForState polls the run until it reaches the wanted state.
func (s *consoleStack) waitForState(t *testing.T, runID string, want domain.RunState) runView {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	var last runView
	for time.Now().Before(deadline) {
		last = s.getRun(t, runID)
		if last.State == want {
			return last
		}
		if last.State.Terminal() && !want.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s state = %s, want %s (outputs %v)", runID, last.State, want, last.Outputs)
	return runView{}
}

// waitForPending polls until the run suspends with at least one pending
// input request.
func (s *consoleStack) waitForPending(t *testing.T, runID string) (runView, domain.PendingRequest) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	var last runView
	for time.Now().Before(deadline) {
		last = s.getRun(t, runID)
		if last.State == domain.RunStateAwaitingInput && len(last.Pending) > 0 {
			return last, last.Pending[0]
		}
		if last.State.Terminal() {
			t.Fatalf("run %s finished %s before requesting input (outputs %v)", runID, last.State, last.Outputs)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never requested input (state %s)", runID, last.State)
	return runView{}, domain.PendingRequest{}
}

// resumeRun answers pending requests over the API.
func (s *consoleStack) resumeRun(t *testing.T, runID string, answers map[string]any) runView {
	t.Helper()

	status, raw := s.do(t, http.MethodPost, "/v1/runs/"+runID+"/resume", map[string]any{
		"answers": answers,
	})
	if status != http.StatusAccepted {
		t.Fatalf("resume status = %d, body %s", status, raw)
	}
	var view runView
	decodeInto(t, raw, &view)
	return view
}

// pendingDraft extracts the content under review from a request_input
// payload.
func pendingDraft(t *testing.T, pending domain.PendingRequest) string {
	t.Helper()

	fields, ok := pending.Payload.(map[string]any)
	if !ok {
		t.Fatalf("pending payload is %T, want map", pending.Payload)
	}
	draft, _ := fields["payload"].(string)
	if draft == "" {
		t.Fatalf("pending request %s carries no draft", pending.ID)
	}
	return draft
}

// approvalAnswer builds the structured answer a coordinator expects, copying
// the draft out of the pending request the way console clients do.
func approvalAnswer(t *testing.T, verdict string, pending domain.PendingRequest) map[string]any {
	t.Helper()
	return map[string]any{"verdict": verdict, "content": pendingDraft(t, pending)}
}

// outputText renders a run output for substring assertions.
func outputText(output any) string {
	if s, ok := output.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", output)
}
