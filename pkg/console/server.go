package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/mercatoai/mercato-oss/internal/governance"
	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine"
	"github.com/mercatoai/mercato-oss/pkg/storage"
)

const (
	maxRequestBody    = 1 << 20
	snapshotSaveGrace = 5 * time.Second
	keepAliveInterval = 15 * time.Second
)

// ServerConfig carries the console server's collaborators. Engine and
// Pipelines are required; the rest default to working in-memory pieces.
type ServerConfig struct {
	Engine    *engine.Engine
	Pipelines *engine.PipelineRegistry

	// Sessions groups runs started by the same client. Optional.
	Sessions *SessionManager

	// Runs archives finished run snapshots so they outlive engine pruning.
	// Optional; without it finished runs disappear when pruned.
	Runs storage.RunStore

	Metrics *Metrics
	Limiter *governance.RateLimiter
	Logger  *slog.Logger
}

// Server exposes the pipeline engine over HTTP: start and inspect runs,
// stream their event feeds as SSE, answer pending input requests, and manage
// client sessions.
type Server struct {
	engine    *engine.Engine
	pipelines *engine.PipelineRegistry
	sessions  *SessionManager
	runs      storage.RunStore
	metrics   *Metrics
	limiter   *governance.RateLimiter
	logger    *slog.Logger
}

// NewServer validates the configuration and builds a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("console server requires an engine")
	}
	if cfg.Pipelines == nil {
		return nil, fmt.Errorf("console server requires a pipeline registry")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = NewSessionManager(SessionConfig{}, logger)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		engine:    cfg.Engine,
		pipelines: cfg.Pipelines,
		sessions:  sessions,
		runs:      cfg.Runs,
		metrics:   metrics,
		limiter:   cfg.Limiter,
		logger:    logger,
	}

	metrics.RegisterStateGauges(s.countActiveRuns, s.countPendingRequests, sessions.Count)
	return s, nil
}

func (s *Server) countActiveRuns() int {
	n := 0
	for _, run := range s.engine.Runs() {
		if !run.State().Terminal() {
			n++
		}
	}
	return n
}

func (s *Server) countPendingRequests() int {
	n := 0
	for _, run := range s.engine.Runs() {
		n += len(run.PendingRequests())
	}
	return n
}

// Handler assembles the route table and middleware chain. The metrics
// middleware sits innermost so the matched ServeMux pattern is visible as
// its route label.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("GET /v1/pipelines", s.handleListPipelines)

	mux.HandleFunc("POST /v1/runs", s.handleStartRun)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{id}/history", s.handleRunHistory)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /v1/runs/{id}/resume", s.handleResumeRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)

	otel := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "mercato.console")
	}

	return Chain(mux,
		RecoveryMiddleware(s.logger),
		RateLimitMiddleware(s.limiter, s.logger),
		otel,
		LoggingMiddleware(s.logger),
		s.metrics.Middleware,
	)
}

// runView is the JSON shape a run takes on the console API.
type runView struct {
	RunID      string                  `json:"run_id"`
	PipelineID string                  `json:"pipeline_id"`
	State      domain.RunState         `json:"state"`
	Outputs    []any                   `json:"outputs,omitempty"`
	Pending    []domain.PendingRequest `json:"pending_requests,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at,omitzero"`
	Archived   bool                    `json:"archived,omitempty"`
}

func viewFromRun(run *engine.Run) runView {
	return runView{
		RunID:      run.ID(),
		PipelineID: run.PipelineID(),
		State:      run.State(),
		Outputs:    run.Outputs(),
		Pending:    run.PendingRequests(),
		StartedAt:  run.StartedAt(),
	}
}

func viewFromSnapshot(snap domain.RunSnapshot) runView {
	return runView{
		RunID:      snap.RunID,
		PipelineID: snap.PipelineID,
		State:      snap.State,
		Outputs:    snap.Outputs,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
		Archived:   true,
	}
}

type startRunRequest struct {
	// Pipeline selects what to run, by pipeline id first and kind second.
	Pipeline string `json:"pipeline"`

	// Input is the run's initial payload. Type overrides the message type
	// tag; string inputs default to "text", everything else to the
	// wildcard type.
	Input any    `json:"input"`
	Type  string `json:"type,omitempty"`

	// SessionID attaches the run to an existing console session.
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req startRunRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Pipeline == "" {
		writeError(ctx, w, s.logger, http.StatusBadRequest, "INVALID_REQUEST", "pipeline is required")
		return
	}

	cp, ok := s.pipelines.Get(req.Pipeline)
	if !ok {
		var err error
		cp, err = s.pipelines.SelectByKind(req.Pipeline)
		if err != nil {
			writeError(ctx, w, s.logger, http.StatusNotFound, "PIPELINE_NOT_FOUND",
				fmt.Sprintf("no pipeline with id or kind %q", req.Pipeline))
			return
		}
	}

	if req.SessionID != "" {
		if _, err := s.sessions.Get(req.SessionID); err != nil {
			writeError(ctx, w, s.logger, http.StatusNotFound, "SESSION_NOT_FOUND",
				fmt.Sprintf("no session %s", req.SessionID))
			return
		}
	}

	initial := buildInitialMessage(req)
	run, err := s.engine.Run(cp.Spec.ID, cp.Graph, initial)
	if err != nil {
		writeError(ctx, w, s.logger, http.StatusInternalServerError, "RUN_START_FAILED", err.Error())
		return
	}

	s.metrics.RecordRunStarted(cp.Spec.ID)
	if req.SessionID != "" {
		if err := s.sessions.AttachRun(req.SessionID, run.ID()); err != nil {
			s.logger.Warn("Failed to attach run to session",
				"session_id", req.SessionID, "run_id", run.ID(), "error", err)
		}
	}
	go s.watchRun(run)

	s.logger.Info("Run started via console",
		"run_id", run.ID(), "pipeline_id", cp.Spec.ID, "session_id", req.SessionID)

	w.Header().Set("Location", "/v1/runs/"+run.ID())
	writeJSON(w, s.logger, http.StatusCreated, viewFromRun(run))
}

func buildInitialMessage(req startRunRequest) domain.Message {
	if req.Type != "" {
		return domain.NewMessage(req.Type, req.Input)
	}
	if text, ok := req.Input.(string); ok {
		return domain.Text(text)
	}
	return domain.NewMessage(domain.TypeAny, req.Input)
}

// watchRun records terminal metrics and archives the snapshot once the run
// finishes.
func (s *Server) watchRun(run *engine.Run) {
	<-run.Done()

	snap := run.Snapshot()
	duration := snap.FinishedAt.Sub(snap.StartedAt)
	s.metrics.RecordRunFinished(snap.PipelineID, string(snap.State), duration)

	if s.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotSaveGrace)
	defer cancel()
	if err := s.runs.SaveRun(ctx, snap); err != nil {
		s.logger.Warn("Failed to archive run snapshot", "run_id", snap.RunID, "error", err)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.URL.Query().Get("pipeline")

	views := make([]runView, 0)
	seen := make(map[string]bool)
	for _, run := range s.engine.Runs() {
		if pipelineID != "" && run.PipelineID() != pipelineID {
			continue
		}
		views = append(views, viewFromRun(run))
		seen[run.ID()] = true
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].StartedAt.After(views[j].StartedAt)
	})

	if s.runs != nil {
		snaps, err := s.runs.ListRuns(r.Context(), pipelineID, 0)
		if err != nil {
			s.logger.Warn("Failed to list archived runs", "error", err)
		}
		for _, snap := range snaps {
			if seen[snap.RunID] {
				continue
			}
			views = append(views, viewFromSnapshot(snap))
		}
	}

	writeJSON(w, s.logger, http.StatusOK, map[string]any{"runs": views})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if run, ok := s.engine.Get(id); ok {
		writeJSON(w, s.logger, http.StatusOK, viewFromRun(run))
		return
	}
	if snap, ok := s.archivedRun(r.Context(), id); ok {
		writeJSON(w, s.logger, http.StatusOK, viewFromSnapshot(snap))
		return
	}
	writeError(r.Context(), w, s.logger, http.StatusNotFound, "RUN_NOT_FOUND",
		fmt.Sprintf("no run %s", id))
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	since, ok := parseSince(r.URL.Query().Get("since"))
	if !ok {
		writeError(ctx, w, s.logger, http.StatusBadRequest, "INVALID_REQUEST", "since must be a sequence number")
		return
	}

	var events []domain.Event
	if run, found := s.engine.Get(id); found {
		events = run.EventsSince(since)
	} else if snap, found := s.archivedRun(ctx, id); found {
		for _, ev := range snap.Events {
			if ev.Seq > since {
				events = append(events, ev)
			}
		}
	} else {
		writeError(ctx, w, s.logger, http.StatusNotFound, "RUN_NOT_FOUND", fmt.Sprintf("no run %s", id))
		return
	}

	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"run_id": id, "events": events})
}

// handleRunEvents streams a run's event feed as SSE. Replay starts after the
// sequence number in Last-Event-ID (or ?since), so clients resume dropped
// connections without gaps.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	since, ok := parseSince(r.URL.Query().Get("since"))
	if !ok {
		writeError(ctx, w, s.logger, http.StatusBadRequest, "INVALID_REQUEST", "since must be a sequence number")
		return
	}
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if lastSeen, valid := parseSince(raw); valid {
			since = lastSeen
		}
	}

	run, found := s.engine.Get(id)
	if !found {
		if snap, archived := s.archivedRun(ctx, id); archived {
			s.streamArchived(w, r, snap, since)
			return
		}
		writeError(ctx, w, s.logger, http.StatusNotFound, "RUN_NOT_FOUND", fmt.Sprintf("no run %s", id))
		return
	}

	flusher, canStream := w.(http.Flusher)
	if !canStream {
		writeError(ctx, w, s.logger, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
			"response writer does not support streaming")
		return
	}

	setSSEHeaders(w)
	s.metrics.StreamClientConnected()
	defer s.metrics.StreamClientDisconnected()

	// Subscribe before replaying so nothing lands between the catch-up
	// read and the live feed. Duplicates are dropped by sequence number.
	live := run.Subscribe(ctx)
	lastSent := since
	for _, ev := range run.EventsSince(since) {
		if !s.writeEvent(w, ev) {
			return
		}
		lastSent = ev.Seq
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-live:
			if !open {
				// Run finished. Flush anything the subscriber buffer
				// dropped, then end the stream.
				for _, missed := range run.EventsSince(lastSent) {
					if !s.writeEvent(w, missed) {
						return
					}
					lastSent = missed.Seq
				}
				flusher.Flush()
				return
			}
			if ev.Seq <= lastSent {
				continue
			}
			if !s.writeEvent(w, ev) {
				return
			}
			lastSent = ev.Seq
			flusher.Flush()
		}
	}
}

// streamArchived replays an archived run's events and closes the stream.
func (s *Server) streamArchived(w http.ResponseWriter, r *http.Request, snap domain.RunSnapshot, since uint64) {
	flusher, canStream := w.(http.Flusher)
	if !canStream {
		writeError(r.Context(), w, s.logger, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
			"response writer does not support streaming")
		return
	}

	setSSEHeaders(w)
	s.metrics.StreamClientConnected()
	defer s.metrics.StreamClientDisconnected()

	for _, ev := range snap.Events {
		if ev.Seq <= since {
			continue
		}
		if !s.writeEvent(w, ev) {
			return
		}
	}
	flusher.Flush()
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeEvent(w http.ResponseWriter, ev domain.Event) bool {
	sse, err := EncodeRunEvent(ev)
	if err != nil {
		s.logger.Error("Failed to encode run event", "seq", ev.Seq, "error", err)
		return true
	}
	if _, err := w.Write(EncodeSSEEvent(sse)); err != nil {
		return false
	}
	s.metrics.RecordEventStreamed()
	return true
}

type resumeRequest struct {
	// Answers maps pending request ids to their answers. An unknown
	// request id rejects the whole call without consuming anything.
	Answers map[string]any `json:"answers"`
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req resumeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Answers) == 0 {
		writeError(ctx, w, s.logger, http.StatusBadRequest, "INVALID_REQUEST", "answers must not be empty")
		return
	}

	if err := s.engine.Resume(id, req.Answers); err != nil {
		switch {
		case errors.Is(err, domain.ErrRunNotFound):
			writeError(ctx, w, s.logger, http.StatusNotFound, "RUN_NOT_FOUND", err.Error())
		case errors.Is(err, domain.ErrResumeMismatch):
			writeError(ctx, w, s.logger, http.StatusConflict, "RESUME_MISMATCH", err.Error())
		default:
			writeError(ctx, w, s.logger, http.StatusBadRequest, "RESUME_FAILED", err.Error())
		}
		return
	}

	s.logger.Info("Run resumed via console", "run_id", id, "answers", len(req.Answers))

	run, _ := s.engine.Get(id)
	if run == nil {
		writeJSON(w, s.logger, http.StatusAccepted, map[string]any{"run_id": id})
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, viewFromRun(run))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			writeError(ctx, w, s.logger, http.StatusNotFound, "RUN_NOT_FOUND", err.Error())
			return
		}
		writeError(ctx, w, s.logger, http.StatusBadRequest, "CANCEL_FAILED", err.Error())
		return
	}

	s.logger.Info("Run cancelled via console", "run_id", id)

	run, _ := s.engine.Get(id)
	if run == nil {
		writeJSON(w, s.logger, http.StatusAccepted, map[string]any{"run_id": id})
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, viewFromRun(run))
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	specs := s.pipelines.List()
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"generation": s.pipelines.Generation(),
		"pipelines":  specs,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Create()
	w.Header().Set("Location", "/v1/sessions/"+session.ID)
	writeJSON(w, s.logger, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	session, err := s.sessions.Get(id)
	if err != nil {
		writeError(r.Context(), w, s.logger, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, s.logger, http.StatusOK, session)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) archivedRun(ctx context.Context, id string) (domain.RunSnapshot, bool) {
	if s.runs == nil {
		return domain.RunSnapshot{}, false
	}
	snap, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return domain.RunSnapshot{}, false
	}
	return snap, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(r.Context(), w, s.logger, http.StatusBadRequest, "INVALID_REQUEST",
			fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func parseSince(raw string) (uint64, bool) {
	if raw == "" {
		return 0, true
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := domain.ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: traceIDFromContext(ctx),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Failed to encode error response", "error", err)
	}
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
