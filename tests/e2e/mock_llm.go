package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// chatCapture is one recorded upstream call.
type chatCapture struct {
	Authorization string
	Model         string `json:"model"`
	Messages      []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// mockChatUpstream simulates an OpenAI-compatible chat completions API. It
// records every request and can be told to fail the next N calls with a 500,
// which is what the provider's retry path keys on.
type mockChatUpstream struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	reply    string
	model    string
	failures int
	captures []chatCapture
}

func newMockChatUpstream(t *testing.T, reply string) *mockChatUpstream {
	t.Helper()

	mock := &mockChatUpstream{
		t:     t,
		reply: reply,
		model: "mock-model-1",
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(mock.server.Close)
	return mock
}

func (m *mockChatUpstream) URL() string { return m.server.URL }

// FailNext makes the next n calls answer 500 before recovering.
func (m *mockChatUpstream) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *mockChatUpstream) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.captures)
}

func (m *mockChatUpstream) LastCapture() chatCapture {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.captures) == 0 {
		m.t.Fatal("mock upstream received no calls")
	}
	return m.captures[len(m.captures)-1]
}

func (m *mockChatUpstream) handle(w http.ResponseWriter, r *http.Request) {
	var capture chatCapture
	if err := json.NewDecoder(r.Body).Decode(&capture); err != nil {
		m.t.Logf("mock upstream: bad request body: %v", err)
	}
	capture.Authorization = r.Header.Get("Authorization")

	m.mu.Lock()
	m.captures = append(m.captures, capture)
	fail := m.failures > 0
	if fail {
		m.failures--
	}
	reply := m.reply
	model := m.model
	m.mu.Unlock()

	if fail {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "upstream overloaded",
				"type":    "server_error",
			},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-e2e",
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": reply,
				},
				"finish_reason": "stop",
			},
		},
	})
}
