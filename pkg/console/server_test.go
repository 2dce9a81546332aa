package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercatoai/mercato-oss/internal/governance"
	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine"
	"github.com/mercatoai/mercato-oss/pkg/storage"
)

func quietTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoPipeline() domain.PipelineSpec {
	return domain.PipelineSpec{
		ID:    "echo-pipeline",
		Kind:  "echo",
		Start: "format",
		Nodes: []domain.NodeSpec{
			{
				ID:       "format",
				Handler:  "transform.template@v1",
				Config:   map[string]any{"template": "Echo: {{.Payload}}"},
				Produces: []string{"text"},
			},
			{ID: "out", Handler: "output.yield@v1", Accepts: []string{"text"}},
		},
		Edges: []domain.EdgeSpec{{From: "format", To: "out"}},
	}
}

func approvalPipeline() domain.PipelineSpec {
	return domain.PipelineSpec{
		ID:    "approval-pipeline",
		Kind:  "approval",
		Start: "gate",
		Nodes: []domain.NodeSpec{
			{
				ID:      "gate",
				Handler: "core.request_input@v1",
				Config:  map[string]any{"prompt": "Continue?"},
			},
			{ID: "done", Handler: "output.yield@v1"},
		},
		Edges: []domain.EdgeSpec{{From: "gate", To: "done"}},
	}
}

func newConsoleServer(t *testing.T, mutate func(*ServerConfig)) (*Server, *engine.Engine) {
	t.Helper()

	eng := engine.New(engine.Config{Workers: 2, Logger: quietTestLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})

	reg := engine.DefaultRegistry(quietTestLogger())
	pipelines := engine.NewPipelineRegistry(reg, quietTestLogger())
	require.NoError(t, pipelines.Update([]domain.PipelineSpec{echoPipeline(), approvalPipeline()}))

	cfg := ServerConfig{
		Engine:    eng,
		Pipelines: pipelines,
		Runs:      storage.NewMemoryRunStore(0),
		Logger:    quietTestLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)
	return s, eng
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func getJSON(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func startRun(t *testing.T, baseURL, pipeline, input string) runView {
	t.Helper()
	resp, data := postJSON(t, baseURL+"/v1/runs", map[string]any{
		"pipeline": pipeline,
		"input":    input,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "start run: %s", data)

	var view runView
	require.NoError(t, json.Unmarshal(data, &view))
	require.NotEmpty(t, view.RunID)
	return view
}

func waitRunDone(t *testing.T, eng *engine.Engine, runID string) {
	t.Helper()
	run, ok := eng.Get(runID)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := run.Wait(ctx)
	require.NoError(t, err)
}

func TestStartRunAndFetch(t *testing.T) {
	s, eng := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	view := startRun(t, ts.URL, "echo-pipeline", "hello")
	assert.Equal(t, "echo-pipeline", view.PipelineID)

	waitRunDone(t, eng, view.RunID)

	resp, data := getJSON(t, ts.URL+"/v1/runs/"+view.RunID)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched runView
	require.NoError(t, json.Unmarshal(data, &fetched))
	assert.Equal(t, domain.RunStateCompleted, fetched.State)
	require.Len(t, fetched.Outputs, 1)
	assert.Equal(t, "Echo: hello", fetched.Outputs[0])
	assert.False(t, fetched.StartedAt.IsZero())
}

func TestStartRunByKind(t *testing.T) {
	s, eng := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	view := startRun(t, ts.URL, "echo", "by kind")
	assert.Equal(t, "echo-pipeline", view.PipelineID)
	waitRunDone(t, eng, view.RunID)
}

func TestStartRunUnknownPipeline(t *testing.T) {
	s, _ := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, data := postJSON(t, ts.URL+"/v1/runs", map[string]any{"pipeline": "nope", "input": "x"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &errResp))
	assert.Equal(t, "PIPELINE_NOT_FOUND", errResp.Code)
}

func TestStartRunRequiresPipeline(t *testing.T) {
	s, _ := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, data := postJSON(t, ts.URL+"/v1/runs", map[string]any{"input": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &errResp))
	assert.Equal(t, "INVALID_REQUEST", errResp.Code)
}

func TestListRunsFiltersByPipeline(t *testing.T) {
	s, eng := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	first := startRun(t, ts.URL, "echo-pipeline", "one")
	waitRunDone(t, eng, first.RunID)
	second := startRun(t, ts.URL, "approval-pipeline", "two")

	resp, data := getJSON(t, ts.URL+"/v1/runs?pipeline=echo-pipeline")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Runs []runView `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(data, &listing))
	require.Len(t, listing.Runs, 1)
	assert.Equal(t, first.RunID, listing.Runs[0].RunID)

	resp, data = getJSON(t, ts.URL+"/v1/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &listing))
	ids := make([]string, 0, len(listing.Runs))
	for _, rv := range listing.Runs {
		ids = append(ids, rv.RunID)
	}
	assert.Contains(t, ids, first.RunID)
	assert.Contains(t, ids, second.RunID)
}

func TestRunHistorySince(t *testing.T) {
	s, eng := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	view := startRun(t, ts.URL, "echo-pipeline", "history")
	waitRunDone(t, eng, view.RunID)

	resp, data := getJSON(t, ts.URL+"/v1/runs/"+view.RunID+"/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var full struct {
		RunID  string         `json:"run_id"`
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &full))
	require.NotEmpty(t, full.Events)
	assert.Equal(t, domain.EventRunStarted, full.Events[0].Kind)

	cutoff := full.Events[len(full.Events)-1].Seq - 1
	resp, data = getJSON(t, fmt.Sprintf("%s/v1/runs/%s/history?since=%d", ts.URL, view.RunID, cutoff))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tail struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &tail))
	require.Len(t, tail.Events, 1)
	assert.Equal(t, full.Events[len(full.Events)-1].Seq, tail.Events[0].Seq)
}

func TestRunHistoryRejectsBadSince(t *testing.T) {
	s, _ := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	view := startRun(t, ts.URL, "echo-pipeline", "x")
	resp, _ := getJSON(t, ts.URL+"/v1/runs/"+view.RunID+"/history?since=banana")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func awaitPendingRequest(t *testing.T, baseURL, runID string) domain.PendingRequest {
	t.Helper()
	var pending domain.PendingRequest
	require.Eventually(t, func() bool {
		resp, data := getJSON(t, baseURL+"/v1/runs/"+runID)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var view runView
		if err := json.Unmarshal(data, &view); err != nil {
			return false
		}
		if len(view.Pending) != 1 {
			return false
		}
		pending = view.Pending[0]
		return true
	}, 5*time.Second, 10*time.Millisecond, "run never suspended for input")
	return pending
}

func TestResumeRoundTrip(t *testing.T) {
	s, eng := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	view := startRun(t, ts.URL, "approval-pipeline", "need approval")
	pending := awaitPendingRequest(t, ts.URL, view.RunID)
	assert.Equal(t, "gate", pending.NodeID)

	resp, data := postJSON(t, ts.URL+"/v1/runs/"+view.RunID+"/resume", map[string]any{
		"answers": map[string]any{pending.ID: "go ahead"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "resume: %s", data)

	waitRunDone(t, eng, view.RunID)

	resp, data = getJSON(t, ts.URL+"/v1/runs/"+view.RunID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var final runView
	require.NoError(t, json.Unmarshal(data, &final))
	assert.Equal(t, domain.RunStateCompleted, final.State)
	require.Len(t, final.Outputs, 1)
	assert.Equal(t, "go ahead", final.Outputs[0])
}

func TestResumeUnknownRun(t *testing.T) {
	s, _ := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, data := postJSON(t, ts.URL+"/v1/runs/missing/resume", map[string]any{
		"answers": map[string]any{"req": "x"},
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &errResp))
	assert.Equal(t, "RUN_NOT_FOUND", errResp.Code)
}

func TestResumeWrongRequestID(t *testing.T) {
	s, _ := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	view := startRun(t, ts.URL, "approval-pipeline", "stuck")
	awaitPendingRequest(t, ts.URL, view.RunID)

	resp, data := postJSON(t, ts.URL+"/v1/runs/"+view.RunID+"/resume", map[string]any{
		"answers": map[string]any{"not-a-request": "x"},
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &errResp))
	assert.Equal(t, "RESUME_MISMATCH", errResp.Code)
}

func TestCancelRun(t *testing.T) {
	s, eng := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	view := startRun(t, ts.URL, "approval-pipeline", "cancel me")
	awaitPendingRequest(t, ts.URL, view.RunID)

	resp, _ := postJSON(t, ts.URL+"/v1/runs/"+view.RunID+"/cancel", map[string]any{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitRunDone(t, eng, view.RunID)

	resp, data := getJSON(t, ts.URL+"/v1/runs/"+view.RunID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var final runView
	require.NoError(t, json.Unmarshal(data, &final))
	assert.Equal(t, domain.RunStateCancelled, final.State)
}

func TestSSEStreamDeliversRunEvents(t *testing.T) {
	s, eng := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	view := startRun(t, ts.URL, "echo-pipeline", "stream me")
	waitRunDone(t, eng, view.RunID)

	resp, err := http.Get(ts.URL + "/v1/runs/" + view.RunID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var kinds []string
	var lastSeq uint64
	for sse := range ParseSSEStream(resp.Body) {
		kinds = append(kinds, sse.Event)
		ev, decodeErr := DecodeRunEvent(sse)
		require.NoError(t, decodeErr)
		require.Greater(t, ev.Seq, lastSeq, "events must arrive in sequence order")
		lastSeq = ev.Seq
	}

	require.NotEmpty(t, kinds)
	assert.Equal(t, string(domain.EventRunStarted), kinds[0])
	assert.Contains(t, kinds, string(domain.EventOutput))
	assert.Contains(t, kinds, string(domain.EventRunStatusChanged))
}

func TestSSEStreamResumesAfterLastEventID(t *testing.T) {
	s, eng := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	view := startRun(t, ts.URL, "echo-pipeline", "resume stream")
	waitRunDone(t, eng, view.RunID)

	run, ok := eng.Get(view.RunID)
	require.True(t, ok)
	history := run.History()
	require.Greater(t, len(history), 2)
	cutoff := history[1].Seq

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/runs/"+view.RunID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", cutoff))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var first uint64
	for sse := range ParseSSEStream(resp.Body) {
		ev, decodeErr := DecodeRunEvent(sse)
		require.NoError(t, decodeErr)
		if first == 0 {
			first = ev.Seq
		}
	}
	assert.Equal(t, cutoff+1, first, "replay must start after Last-Event-ID")
}

func TestArchivedRunSurvivesPruning(t *testing.T) {
	store := storage.NewMemoryRunStore(0)
	s, eng := newConsoleServer(t, func(cfg *ServerConfig) {
		cfg.Runs = store
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	view := startRun(t, ts.URL, "echo-pipeline", "archive me")
	waitRunDone(t, eng, view.RunID)

	// The snapshot is archived by a watcher goroutine after Done.
	require.Eventually(t, func() bool {
		_, err := store.GetRun(context.Background(), view.RunID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, eng.PruneTerminal(0))
	_, live := eng.Get(view.RunID)
	require.False(t, live)

	resp, data := getJSON(t, ts.URL+"/v1/runs/"+view.RunID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var archived runView
	require.NoError(t, json.Unmarshal(data, &archived))
	assert.True(t, archived.Archived)
	assert.Equal(t, domain.RunStateCompleted, archived.State)
	require.Len(t, archived.Outputs, 1)

	resp, data = getJSON(t, ts.URL+"/v1/runs/"+view.RunID+"/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &hist))
	assert.NotEmpty(t, hist.Events)

	// The SSE feed replays archived events and then closes.
	streamResp, err := http.Get(ts.URL + "/v1/runs/" + view.RunID + "/events")
	require.NoError(t, err)
	defer streamResp.Body.Close()
	count := 0
	for range ParseSSEStream(streamResp.Body) {
		count++
	}
	assert.Equal(t, len(hist.Events), count)
}

func TestSessionEndpoints(t *testing.T) {
	s, _ := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, data := postJSON(t, ts.URL+"/v1/sessions", map[string]any{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session Session
	require.NoError(t, json.Unmarshal(data, &session))
	require.NotEmpty(t, session.ID)

	run := startRunInSession(t, ts.URL, session.ID)

	resp, data = getJSON(t, ts.URL+"/v1/sessions/"+session.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched Session
	require.NoError(t, json.Unmarshal(data, &fetched))
	assert.Contains(t, fetched.RunIDs, run.RunID)

	resp, _ = getJSON(t, ts.URL+"/v1/sessions/unknown")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func startRunInSession(t *testing.T, baseURL, sessionID string) runView {
	t.Helper()
	resp, data := postJSON(t, baseURL+"/v1/runs", map[string]any{
		"pipeline":   "echo-pipeline",
		"input":      "in session",
		"session_id": sessionID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "start run: %s", data)
	var view runView
	require.NoError(t, json.Unmarshal(data, &view))
	return view
}

func TestStartRunUnknownSession(t *testing.T) {
	s, _ := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, data := postJSON(t, ts.URL+"/v1/runs", map[string]any{
		"pipeline":   "echo-pipeline",
		"input":      "x",
		"session_id": "ghost",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &errResp))
	assert.Equal(t, "SESSION_NOT_FOUND", errResp.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	s, eng := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, data := getJSON(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(data))

	view := startRun(t, ts.URL, "echo-pipeline", "metrics")
	waitRunDone(t, eng, view.RunID)

	resp, data = getJSON(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := string(data)
	assert.Contains(t, body, "console_runs_started_total")
	assert.Contains(t, body, "console_runs_active")
	assert.Contains(t, body, "console_http_requests_total")
}

func TestListPipelines(t *testing.T) {
	s, _ := newConsoleServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, data := getJSON(t, ts.URL+"/v1/pipelines")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Generation int64                 `json:"generation"`
		Pipelines  []domain.PipelineSpec `json:"pipelines"`
	}
	require.NoError(t, json.Unmarshal(data, &listing))
	require.Len(t, listing.Pipelines, 2)

	ids := []string{listing.Pipelines[0].ID, listing.Pipelines[1].ID}
	assert.Contains(t, ids, "echo-pipeline")
	assert.Contains(t, ids, "approval-pipeline")
}

func TestRateLimitRejectsBurst(t *testing.T) {
	limiter := governance.NewRateLimiter(map[string]governance.RouteLimit{
		"runs.start": {PerSecond: 1, Burst: 1},
	})
	s, _ := newConsoleServer(t, func(cfg *ServerConfig) {
		cfg.Limiter = limiter
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, _ := postJSON(t, ts.URL+"/v1/runs", map[string]any{"pipeline": "echo-pipeline", "input": "a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, data := postJSON(t, ts.URL+"/v1/runs", map[string]any{"pipeline": "echo-pipeline", "input": "b"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &errResp))
	assert.Equal(t, "RATE_LIMITED", errResp.Code)
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))

	// Other routes keep their own budget.
	resp, _ = getJSON(t, ts.URL+"/v1/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecoveryMiddlewareConvertsPanics(t *testing.T) {
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), RecoveryMiddleware(quietTestLogger()))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "INTERNAL_ERROR", errResp.Code)
}

func TestNewServerRequiresEngine(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine")
}

func TestRateRouteID(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodPost, "/v1/runs", "runs.start"},
		{http.MethodPost, "/v1/runs/abc/resume", "runs.resume"},
		{http.MethodPost, "/v1/runs/abc/cancel", "api"},
		{http.MethodGet, "/v1/runs", "api"},
		{http.MethodGet, "/healthz", "api"},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(tc.method, tc.path, strings.NewReader(""))
		assert.Equal(t, tc.want, rateRouteID(r), "%s %s", tc.method, tc.path)
	}
}
