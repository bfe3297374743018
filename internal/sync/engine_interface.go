package sync

import (
	"context"

	"github.com/kimhsiao/postbills/backend/internal/models"
)

// Drainer is the part of the engine the scheduler and CLI depend on.
type Drainer interface {
	// Drain replays the queue of one board.
	Drain(ctx context.Context, boardID string) (*DrainResult, error)

	// DrainWith replays the queue of one board with per-pass options.
	DrainWith(ctx context.Context, boardID string, opts DrainOptions) (*DrainResult, error)

	// Status returns the current sync status of a board.
	Status(boardID string) SyncStatus
}

// Applier performs direct remote writes on the online path.
type Applier interface {
	Apply(ctx context.Context, boardID string, p models.Payload) error
}

// Ensure *SyncEngine implements the interfaces at compile time.
var (
	_ Drainer = (*SyncEngine)(nil)
	_ Applier = (*SyncEngine)(nil)
)
