// Package main is the entry point for the mercato CLI binary. It runs and
// simulates pipelines locally, and talks to a mercato-agents console server
// for runs that live elsewhere.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mercatoai/mercato-oss/pkg/agents"
	"github.com/mercatoai/mercato-oss/pkg/config"
	"github.com/mercatoai/mercato-oss/pkg/console"
	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine"
	"github.com/mercatoai/mercato-oss/pkg/logging"
	"github.com/mercatoai/mercato-oss/pkg/storage"
)

const defaultServerURL = "http://127.0.0.1:8080"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mercato",
		Short: "Pipeline runner and console client for mercato agents",
		Long: `Run agent pipelines locally, dry-run them with canned answers, or follow
and resume runs on a mercato-agents server.

Examples:
  mercato run --pipeline restock-advisor --input "SKU-1042 selling fast"
  mercato run -f pipeline.yaml --input "draft a summer campaign"
  mercato simulate --pipeline campaign-builder --input "20%% off sneakers" --auto-approve
  mercato watch 6f1c... --server http://localhost:8080
  mercato resume 6f1c... --answer approve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(cliLogger(cmd))
		},
	}

	rootCmd.PersistentFlags().StringP("log-level", "l", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newResumeCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline locally and stream its events",
		Long: `Runs a pipeline in-process with the deterministic local text provider,
printing each run event as it happens. When a node requests external input
(the campaign approval gate, for example) the command prompts on stdin and
resumes the run with the answer.`,
		RunE: runPipeline,
	}
	cmd.Flags().StringP("file", "f", "", "Path to a pipeline file (YAML or JSON)")
	cmd.Flags().StringP("pipeline", "p", "", "Demo pipeline id or kind to run when no file is given")
	cmd.Flags().StringP("input", "i", "", "Initial text input for the run")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Overall run budget")
	return cmd
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	filePath, _ := cmd.Flags().GetString("file")
	pipelineRef, _ := cmd.Flags().GetString("pipeline")
	input, _ := cmd.Flags().GetString("input")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if filePath == "" && pipelineRef == "" {
		return fmt.Errorf("either --file or --pipeline is required")
	}
	if input == "" {
		return fmt.Errorf("--input is required")
	}

	logger := cliLogger(cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eng, pipelines, err := localStack(cmd, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = eng.Close(closeCtx)
	}()

	cp, err := resolvePipeline(pipelines, filePath, pipelineRef)
	if err != nil {
		return err
	}

	run, err := eng.Run(cp.Spec.ID, cp.Graph, domain.Text(input))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	stdin := bufio.NewReader(cmd.InOrStdin())
	fmt.Fprintf(out, "run %s started on pipeline %s\n\n", run.ID(), cp.Spec.ID)

	// Live subscription first, then a replay of anything appended before
	// the subscription took effect. Dedupe by sequence number.
	events := run.Subscribe(ctx)
	var lastSeq uint64
	handle := func(ev domain.Event) error {
		printEvent(out, ev)
		if ri, ok := ev.Payload.(domain.RequestInfo); ok {
			return answerRequest(eng, run.ID(), ri, stdin, out)
		}
		return nil
	}
	for _, ev := range run.EventsSince(0) {
		lastSeq = ev.Seq
		if err := handle(ev); err != nil {
			return err
		}
	}

stream:
	for {
		select {
		case <-ctx.Done():
			run.Cancel()
			<-run.Done()
			fmt.Fprintf(out, "\nrun %s cancelled: %v\n", run.ID(), context.Cause(ctx))
			return nil
		case ev, ok := <-events:
			if !ok {
				break stream
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			if err := handle(ev); err != nil {
				return err
			}
		}
	}

	state := run.State()
	fmt.Fprintf(out, "\nrun %s finished: %s\n", run.ID(), state)
	for _, o := range run.Outputs() {
		fmt.Fprintf(out, "output: %s\n", formatPayload(o))
	}
	if state == domain.RunStateFailed {
		return fmt.Errorf("run finished %s", state)
	}
	return nil
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Dry-run a pipeline and print its event trace",
		Long: `Simulates a pipeline with stub collaborators and canned answers, then
prints the full event trace. Nothing leaves the process, so it is safe to
use against pipeline files that are still being written.`,
		RunE: simulatePipeline,
	}
	cmd.Flags().StringP("file", "f", "", "Path to a pipeline file (YAML or JSON)")
	cmd.Flags().StringP("pipeline", "p", "", "Demo pipeline id or kind to simulate when no file is given")
	cmd.Flags().StringP("input", "i", "", "Initial text input for the simulation")
	cmd.Flags().Bool("auto-approve", false, "Answer \"approve\" to every input request")
	cmd.Flags().StringArray("answer", nil, "Canned answer as node=text (repeatable)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Simulation budget")
	return cmd
}

func simulatePipeline(cmd *cobra.Command, _ []string) error {
	filePath, _ := cmd.Flags().GetString("file")
	pipelineRef, _ := cmd.Flags().GetString("pipeline")
	input, _ := cmd.Flags().GetString("input")
	autoApprove, _ := cmd.Flags().GetBool("auto-approve")
	rawAnswers, _ := cmd.Flags().GetStringArray("answer")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if filePath == "" && pipelineRef == "" {
		return fmt.Errorf("either --file or --pipeline is required")
	}
	if input == "" {
		return fmt.Errorf("--input is required")
	}

	answers := make(map[string]string, len(rawAnswers))
	for _, raw := range rawAnswers {
		node, text, found := strings.Cut(raw, "=")
		if !found || node == "" {
			return fmt.Errorf("invalid --answer %q, want node=text", raw)
		}
		answers[node] = text
	}

	logger := cliLogger(cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, pipelines, err := localStack(cmd, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = eng.Close(closeCtx)
	}()

	cp, err := resolvePipeline(pipelines, filePath, pipelineRef)
	if err != nil {
		return err
	}

	sim := engine.NewSimulator(pipelines, eng, logger)
	resp, err := sim.Simulate(ctx, domain.SimulationRequest{
		PipelineID:  cp.Spec.ID,
		Input:       input,
		Answers:     answers,
		AutoApprove: autoApprove,
		Timeout:     timeout,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "simulation of pipeline %s (run %s)\n\n", cp.Spec.ID, resp.RunID)
	for _, ev := range resp.Trace {
		printEvent(out, ev)
	}
	fmt.Fprintf(out, "\nstate: %s\n", resp.State)
	for _, o := range resp.Outputs {
		fmt.Fprintf(out, "output: %s\n", formatPayload(o))
	}
	return nil
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch RUN_ID",
		Short: "Follow a server run's event stream",
		Args:  cobra.ExactArgs(1),
		RunE:  watchServerRun,
	}
	cmd.Flags().StringP("server", "s", defaultServerURL, "Console server base URL")
	cmd.Flags().Uint64("since", 0, "Replay events after this sequence number")
	return cmd
}

func watchServerRun(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	since, _ := cmd.Flags().GetUint64("since")
	runID := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := strings.TrimSuffix(server, "/") + "/v1/runs/" + runID + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if since > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(since, 10))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	out := cmd.OutOrStdout()
	for sse := range console.ParseSSEStream(resp.Body) {
		ev, err := console.DecodeRunEvent(sse)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping malformed event %s: %v\n", sse.ID, err)
			continue
		}
		printEvent(out, ev)
	}

	// EOF means either the run finished and the server closed the feed, or
	// the user interrupted. Both end the watch cleanly.
	return nil
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Answer a pending input request on a server run",
		Args:  cobra.ExactArgs(1),
		RunE:  resumeServerRun,
	}
	cmd.Flags().StringP("server", "s", defaultServerURL, "Console server base URL")
	cmd.Flags().StringP("request", "r", "", "Pending request id (defaults to the run's only pending request)")
	cmd.Flags().StringP("answer", "a", "", "Answer payload")
	_ = cmd.MarkFlagRequired("answer")
	return cmd
}

func resumeServerRun(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	requestID, _ := cmd.Flags().GetString("request")
	answer, _ := cmd.Flags().GetString("answer")
	runID := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := strings.TrimSuffix(server, "/")
	view, err := fetchRun(ctx, base, runID)
	if err != nil {
		return err
	}
	if requestID == "" {
		switch len(view.Pending) {
		case 0:
			return fmt.Errorf("run %s has no pending requests", runID)
		case 1:
			requestID = view.Pending[0].ID
		default:
			ids := make([]string, len(view.Pending))
			for i, p := range view.Pending {
				ids[i] = p.ID
			}
			return fmt.Errorf("run %s has %d pending requests, pick one with --request: %s",
				runID, len(view.Pending), strings.Join(ids, ", "))
		}
	}

	// Widen verdict answers with the draft under review, the way the
	// console client does. Unknown request ids go through unenriched and
	// the server reports the mismatch.
	payload := any(answer)
	for _, p := range view.Pending {
		if p.ID == requestID {
			payload = agents.BuildApprovalAnswer(answer, p.Payload)
			break
		}
	}

	body, err := json.Marshal(map[string]any{
		"answers": map[string]any{requestID: payload},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/v1/runs/"+runID+"/resume", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var view runStatus
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s resumed, state: %s, pending: %d\n",
		view.RunID, view.State, len(view.Pending))
	return nil
}

// localStack builds the in-process engine the run and simulate commands
// share: demo policies, the builtin plus agents handlers, and a pipeline
// registry preloaded with the demo pipelines.
func localStack(cmd *cobra.Command, logger *slog.Logger) (*engine.Engine, *engine.PipelineRegistry, error) {
	policyStore := storage.NewMemoryPolicyStore()
	if err := agents.SeedDemoPolicies(cmd.Context(), policyStore); err != nil {
		return nil, nil, err
	}

	registry := engine.DefaultRegistry(logger)
	agents.RegisterHandlers(registry, agents.Deps{
		Policies: policyStore,
		Logger:   logger,
	})

	eng := engine.New(engine.Config{Logger: logger})
	pipelines := engine.NewPipelineRegistry(registry, logger)
	if err := pipelines.Update(agents.DemoPipelines()); err != nil {
		return nil, nil, err
	}
	return eng, pipelines, nil
}

// resolvePipeline loads a pipeline file into the registry, or resolves the
// reference against the preloaded demo set by id first and kind second.
func resolvePipeline(pipelines *engine.PipelineRegistry, filePath, ref string) (*engine.CompiledPipeline, error) {
	if filePath != "" {
		spec, err := config.LoadPipelineSpec(filePath)
		if err != nil {
			return nil, err
		}
		specs := append(agents.DemoPipelines(), spec)
		if err := pipelines.Update(specs); err != nil {
			return nil, err
		}
		cp, ok := pipelines.Get(spec.ID)
		if !ok {
			return nil, fmt.Errorf("pipeline %q: %w", spec.ID, domain.ErrPipelineNotFound)
		}
		return cp, nil
	}

	if cp, ok := pipelines.Get(ref); ok {
		return cp, nil
	}
	return pipelines.SelectByKind(ref)
}

// answerRequest prompts on stdin for one pending input request and resumes
// the run with the answer. An empty line approves. Verdict replies are
// widened so a coordinator downstream receives the draft it is deciding on.
func answerRequest(eng *engine.Engine, runID string, ri domain.RequestInfo, in *bufio.Reader, out io.Writer) error {
	fmt.Fprintf(out, "\n[%s] input requested: %s\n", ri.NodeID, formatPayload(ri.Payload))
	fmt.Fprint(out, "answer (empty approves) > ")

	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read answer: %w", err)
	}
	reply := strings.TrimSpace(line)
	if reply == "" {
		reply = "approve"
	}
	answer := agents.BuildApprovalAnswer(reply, ri.Payload)
	return eng.Resume(runID, map[string]any{ri.RequestID: answer})
}

// runStatus is the client-side shape of the console's run view.
type runStatus struct {
	RunID      string                  `json:"run_id"`
	PipelineID string                  `json:"pipeline_id"`
	State      domain.RunState         `json:"state"`
	Outputs    []any                   `json:"outputs,omitempty"`
	Pending    []domain.PendingRequest `json:"pending_requests,omitempty"`
}

func fetchRun(ctx context.Context, base, runID string) (*runStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/runs/"+runID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var view runStatus
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &view, nil
}

// apiError turns a console error response into a CLI error.
func apiError(resp *http.Response) error {
	var er domain.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&er); err == nil && er.Code != "" {
		return fmt.Errorf("%s: %s", er.Code, er.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

func cliLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return logging.NewLogger(logging.Config{Level: level, Pretty: true})
}

func printEvent(w io.Writer, ev domain.Event) {
	ts := ev.Timestamp.Format("15:04:05.000")
	node := ev.NodeID
	if node == "" {
		node = "-"
	}
	fmt.Fprintf(w, "%s %5d  %-20s %-16s %s\n", ts, ev.Seq, ev.Kind, node, formatPayload(ev.Payload))
}

// formatPayload renders an event payload on one line: strings as-is,
// structured payloads as compact JSON.
func formatPayload(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case error:
		return v.Error()
	}
	if data, err := json.Marshal(payload); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", payload)
}
