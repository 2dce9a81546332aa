package storage

import (
	"context"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// RunStore archives snapshots of finished runs so their outputs and event
// history stay inspectable after the engine prunes them.
type RunStore interface {
	// SaveRun archives a run snapshot. Saving the same run id again
	// replaces the previous snapshot.
	SaveRun(ctx context.Context, snapshot domain.RunSnapshot) error

	// GetRun retrieves an archived snapshot by run id.
	GetRun(ctx context.Context, runID string) (domain.RunSnapshot, error)

	// ListRuns returns archived snapshots, newest first. A non-empty
	// pipelineID filters to that pipeline; limit caps the result when
	// positive.
	ListRuns(ctx context.Context, pipelineID string, limit int) ([]domain.RunSnapshot, error)

	Close() error
}
