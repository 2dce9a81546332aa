package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

const defaultRunStoreCapacity = 512

// MemoryRunStore is a bounded in-memory implementation of RunStore. When the
// capacity is exceeded the oldest snapshot by finish time is evicted.
type MemoryRunStore struct {
	mu       sync.RWMutex
	capacity int
	runs     map[string]domain.RunSnapshot
}

// NewMemoryRunStore creates a MemoryRunStore. A non-positive capacity selects
// the default.
func NewMemoryRunStore(capacity int) *MemoryRunStore {
	if capacity <= 0 {
		capacity = defaultRunStoreCapacity
	}
	return &MemoryRunStore{
		capacity: capacity,
		runs:     make(map[string]domain.RunSnapshot),
	}
}

// SaveRun archives a run snapshot, evicting the oldest entry when full.
func (s *MemoryRunStore) SaveRun(_ context.Context, snapshot domain.RunSnapshot) error {
	if snapshot.RunID == "" {
		return fmt.Errorf("storage: run snapshot requires a run id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[snapshot.RunID]; !exists && len(s.runs) >= s.capacity {
		s.evictOldestLocked()
	}
	s.runs[snapshot.RunID] = snapshot
	return nil
}

// GetRun retrieves an archived snapshot by run id.
func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (domain.RunSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.runs[runID]
	if !ok {
		return domain.RunSnapshot{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return snapshot, nil
}

// ListRuns returns archived snapshots, newest finish time first.
func (s *MemoryRunStore) ListRuns(_ context.Context, pipelineID string, limit int) ([]domain.RunSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := make([]domain.RunSnapshot, 0, len(s.runs))
	for _, snapshot := range s.runs {
		if pipelineID != "" && snapshot.PipelineID != pipelineID {
			continue
		}
		snapshots = append(snapshots, snapshot)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].FinishedAt.After(snapshots[j].FinishedAt)
	})

	if limit > 0 && len(snapshots) > limit {
		snapshots = snapshots[:limit]
	}
	return snapshots, nil
}

// Close is a no-op for memory store.
func (s *MemoryRunStore) Close() error {
	return nil
}

func (s *MemoryRunStore) evictOldestLocked() {
	var oldestID string
	for id, snapshot := range s.runs {
		if oldestID == "" || snapshot.FinishedAt.Before(s.runs[oldestID].FinishedAt) {
			oldestID = id
		}
	}
	if oldestID != "" {
		delete(s.runs, oldestID)
	}
}
