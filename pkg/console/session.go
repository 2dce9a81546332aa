package console

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionNotFoundError identifies the missing session.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// Session groups the runs a single console client has started, so a UI can
// list "my runs" without a database.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	RunIDs       []string  `json:"run_ids"`
}

func (s *Session) clone() *Session {
	out := &Session{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		RunIDs:       make([]string, len(s.RunIDs)),
	}
	copy(out.RunIDs, s.RunIDs)
	return out
}

// SessionConfig tunes the session registry.
type SessionConfig struct {
	// IdleTimeout expires sessions with no activity. Zero selects the
	// default.
	IdleTimeout time.Duration
}

const defaultSessionIdleTimeout = 30 * time.Minute

// SessionManager is the in-memory session registry. All methods are safe for
// concurrent use.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessionManager creates a session registry.
func NewSessionManager(cfg SessionConfig, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.IdleTimeout
	if timeout <= 0 {
		timeout = defaultSessionIdleTimeout
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Create registers a new session and returns it.
func (sm *SessionManager) Create() *Session {
	now := sm.now()
	session := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		LastActivity: now,
	}

	sm.mu.Lock()
	sm.sessions[session.ID] = session
	sm.mu.Unlock()

	sm.logger.Debug("session created", "session_id", session.ID)
	return session.clone()
}

// Get returns a copy of the session.
func (sm *SessionManager) Get(sessionID string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[sessionID]
	if !ok {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}
	return session.clone(), nil
}

// Touch refreshes the session's activity clock.
func (sm *SessionManager) Touch(sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[sessionID]
	if !ok {
		return &SessionNotFoundError{SessionID: sessionID}
	}
	session.LastActivity = sm.now()
	return nil
}

// AttachRun records a run against the session.
func (sm *SessionManager) AttachRun(sessionID, runID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[sessionID]
	if !ok {
		return &SessionNotFoundError{SessionID: sessionID}
	}
	session.RunIDs = append(session.RunIDs, runID)
	session.LastActivity = sm.now()
	return nil
}

// List returns every session sorted by creation time, newest first.
func (sm *SessionManager) List() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]*Session, 0, len(sm.sessions))
	for _, session := range sm.sessions {
		out = append(out, session.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Cleanup drops sessions idle beyond the timeout and reports how many.
func (sm *SessionManager) Cleanup() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cutoff := sm.now().Add(-sm.timeout)
	expired := 0
	for id, session := range sm.sessions {
		if session.LastActivity.Before(cutoff) {
			delete(sm.sessions, id)
			expired++
		}
	}
	if expired > 0 {
		sm.logger.Info("expired idle sessions", "count", expired)
	}
	return expired
}

// StartCleanupRoutine runs Cleanup on a ticker until stop is closed.
func (sm *SessionManager) StartCleanupRoutine(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sm.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}
