// Package storage provides persistence for policy bundles, finished run
// snapshots and provider credentials. The in-memory implementations back the
// demo deployment; the interfaces leave room for durable backends.
package storage

import (
	"context"
	"errors"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// ErrNotFound is returned when a requested bundle, run or secret does not
// exist in the store.
var ErrNotFound = errors.New("storage: not found")

// PolicyStore exposes persistence operations for policy bundles.
type PolicyStore interface {
	GetPolicyBundle(ctx context.Context, id string, version int) (*domain.PolicyBundle, error)
	SavePolicyBundle(ctx context.Context, bundle *domain.PolicyBundle) error
	TriggerCompaction(ctx context.Context) error
	Close() error
}
