// Package e2e drives the mercato-agents binary as a black box: build it,
// start it with a real config file, and exercise the console API over HTTP.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupDeadline = 30 * time.Second
	runDeadline     = 15 * time.Second
)

// serviceOptions configure one service process under test.
type serviceOptions struct {
	BinaryPath string
	ConfigPath string
	// ExtraEnv is appended to the inherited environment, e.g. the
	// MERCATO_TEXTGEN_* variables.
	ExtraEnv map[string]string
}

// serviceInstance is a running mercato-agents process.
type serviceInstance struct {
	addr   string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout *logBuffer
	stderr *logBuffer
	exitCh chan error
	client *http.Client

	mu      sync.Mutex
	exited  bool
	exitErr error

	closeOnce sync.Once
}

// logBuffer collects process output. exec writes from its own goroutine
// while tests read, so access is serialized.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (s *serviceInstance) baseURL() string {
	return "http://" + s.addr
}

func (s *serviceInstance) logs() string {
	return fmt.Sprintf("stdout:\n%s\nstderr:\n%s", s.stdout.String(), s.stderr.String())
}

// pollExit reports whether the process has exited, without blocking.
func (s *serviceInstance) pollExit() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return true, s.exitErr
	}
	select {
	case err := <-s.exitCh:
		s.exited = true
		s.exitErr = err
		return true, err
	default:
		return false, nil
	}
}

// close shuts the service down, graceful interrupt first.
func (s *serviceInstance) close(t *testing.T) {
	t.Helper()
	s.closeOnce.Do(func() {
		defer s.cancel()

		if exited, _ := s.pollExit(); exited {
			return
		}
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
				t.Logf("failed to interrupt service: %v", err)
			}
		}

		select {
		case err := <-s.exitCh:
			if err != nil {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) {
					t.Logf("service shutdown error: %v\n%s", err, s.logs())
				}
			}
		case <-time.After(10 * time.Second):
			s.cancel() // hard kill through the command context
			<-s.exitCh
			t.Logf("service ignored interrupt, killed\n%s", s.logs())
		}
	})
}

// startService launches the binary and waits until it serves /healthz. The
// instance listens on an ephemeral port parsed from its startup log.
func startService(t *testing.T, opts serviceOptions) *serviceInstance {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	args := []string{
		"--config", opts.ConfigPath,
		"--listen", "127.0.0.1:0",
		"--log-level", "debug",
	}

	//nolint:gosec // G204: the harness runs the binary it just built
	cmd := exec.CommandContext(ctx, opts.BinaryPath, args...)
	cmd.Env = os.Environ()
	for k, v := range opts.ExtraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	instance := &serviceInstance{
		cmd:    cmd,
		cancel: cancel,
		stdout: &logBuffer{},
		stderr: &logBuffer{},
		exitCh: make(chan error, 1),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	cmd.Stdout = instance.stdout
	cmd.Stderr = instance.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start service: %v", err)
	}
	go func() {
		instance.exitCh <- cmd.Wait()
	}()
	t.Cleanup(func() { instance.close(t) })

	deadline := time.Now().Add(startupDeadline)
	for instance.addr == "" && time.Now().Before(deadline) {
		if exited, err := instance.pollExit(); exited {
			t.Fatalf("service exited during startup: %v\n%s", err, instance.logs())
		}
		instance.addr = parseListenAddr(instance.stdout.String())
		if instance.addr == "" {
			time.Sleep(25 * time.Millisecond)
		}
	}
	if instance.addr == "" {
		t.Fatalf("service never logged its listen address\n%s", instance.logs())
	}

	instance.waitForReady(t)
	return instance
}

// parseListenAddr extracts the resolved address from the "Server listening"
// JSON log line.
func parseListenAddr(logs string) string {
	for _, line := range strings.Split(logs, "\n") {
		if !strings.Contains(line, "Server listening") {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["msg"] != "Server listening" {
			continue
		}
		if addr, ok := entry["addr"].(string); ok {
			return addr
		}
	}
	return ""
}

func (s *serviceInstance) waitForReady(t *testing.T) {
	t.Helper()

	healthURL := s.baseURL() + "/healthz"
	deadline := time.Now().Add(startupDeadline)
	for time.Now().Before(deadline) {
		if exited, err := s.pollExit(); exited {
			t.Fatalf("service exited before readiness: %v\n%s", err, s.logs())
		}
		resp, err := s.client.Get(healthURL)
		if err == nil {
			ok := resp.StatusCode == http.StatusOK
			_ = resp.Body.Close()
			if ok {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("service did not become ready\n%s", s.logs())
}

// do issues one API request against the service.
func (s *serviceInstance) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, s.baseURL()+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp.StatusCode, raw
}

// runView is the console run representation the e2e assertions need.
type runView struct {
	RunID   string `json:"run_id"`
	State   string `json:"state"`
	Outputs []any  `json:"outputs"`
}

func (s *serviceInstance) startRun(t *testing.T, pipeline string, input any) runView {
	t.Helper()

	status, raw := s.do(t, http.MethodPost, "/v1/runs", map[string]any{
		"pipeline": pipeline,
		"input":    input,
	})
	if status != http.StatusCreated {
		t.Fatalf("start run status = %d, body %s", status, raw)
	}
	var view runView
	if err := json.Unmarshal(raw, &view); err != nil {
		t.Fatalf("decode run view %q: %v", raw, err)
	}
	if view.RunID == "" {
		t.Fatalf("start run returned no run id: %s", raw)
	}
	return view
}

// waitForRunCompleted polls the run until it completes. Any other terminal
// state fails the test immediately.
func (s *serviceInstance) waitForRunCompleted(t *testing.T, runID string) runView {
	t.Helper()

	deadline := time.Now().Add(runDeadline)
	var last runView
	for time.Now().Before(deadline) {
		status, raw := s.do(t, http.MethodGet, "/v1/runs/"+runID, nil)
		if status != http.StatusOK {
			t.Fatalf("get run status = %d, body %s", status, raw)
		}
		if err := json.Unmarshal(raw, &last); err != nil {
			t.Fatalf("decode run view %q: %v", raw, err)
		}
		switch last.State {
		case "completed":
			return last
		case "failed", "cancelled":
			t.Fatalf("run %s finished %s, body %s\n%s", runID, last.State, raw, s.logs())
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("run %s never completed (state %s)\n%s", runID, last.State, s.logs())
	return runView{}
}

// pipelineIDs lists the ids currently served by the registry.
func (s *serviceInstance) pipelineIDs(t *testing.T) []string {
	t.Helper()

	status, raw := s.do(t, http.MethodGet, "/v1/pipelines", nil)
	if status != http.StatusOK {
		t.Fatalf("list pipelines status = %d, body %s", status, raw)
	}
	var listing struct {
		Pipelines []struct {
			ID string `json:"id"`
		} `json:"pipelines"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		t.Fatalf("decode pipelines %q: %v", raw, err)
	}
	ids := make([]string, 0, len(listing.Pipelines))
	for _, p := range listing.Pipelines {
		ids = append(ids, p.ID)
	}
	return ids
}

// waitForPipeline polls until the registry serves the pipeline. Covers the
// window between process start and the first config snapshot landing.
func (s *serviceInstance) waitForPipeline(t *testing.T, id string) {
	t.Helper()

	deadline := time.Now().Add(startupDeadline)
	for time.Now().Before(deadline) {
		for _, got := range s.pipelineIDs(t) {
			if got == id {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("pipeline %s never appeared, registry has %v\n%s", id, s.pipelineIDs(t), s.logs())
}

// buildServiceBinary compiles cmd/mercato-agents into a temp dir. Go's build
// cache keeps repeat builds cheap.
func buildServiceBinary(t *testing.T) string {
	t.Helper()

	root := findRepoRoot(t)

	binaryName := "mercato-agents"
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}
	binaryPath := filepath.Join(t.TempDir(), binaryName)

	//nolint:gosec // G204: the harness builds the service under test
	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/mercato-agents")
	cmd.Dir = root
	cmd.Env = os.Environ()
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to build service: %v\n%s", err, output)
	}
	return binaryPath
}

func findRepoRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("go.mod not found from %s", dir)
		}
		dir = parent
	}
}

// baseConfig is the minimal service configuration. Tests that exercise the
// dynamic snapshot append their sections to it.
const baseConfig = `server:
  listen_address: "127.0.0.1:0"

engine:
  workers: 4

logging:
  level: "debug"
`

// writeConfig stores the content in a fresh temp dir and returns the path.
// Rewriting the same path later drives the hot-reload watcher.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
