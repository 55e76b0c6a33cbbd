// Package snapshot persists last-known execution status projections so a
// console process can carry them forward across restarts.
package snapshot

import (
	"context"
	"errors"

	"github.com/dukex/flightdeck/pkg/models"
)

// ErrNotFound is returned when no snapshot exists for an execution id.
var ErrNotFound = errors.New("snapshot not found")

// Store is best-effort persistence: callers log failures and keep streaming.
type Store interface {
	Save(ctx context.Context, status *models.ExecutionStatus) error
	Load(ctx context.Context, executionID string) (*models.ExecutionStatus, error)
	Delete(ctx context.Context, executionID string) error
	Close() error
}

// IsNotFound reports whether err means the snapshot does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
