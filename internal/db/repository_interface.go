package db

import (
	"context"

	"github.com/kimhsiao/postbills/backend/internal/models"
)

// SnapshotStore persists the last known board state per board.
type SnapshotStore interface {
	// SaveBoardSnapshot replaces the stored snapshot.
	SaveBoardSnapshot(ctx context.Context, boardID string, board models.Board) error

	// LoadBoardSnapshot returns the stored snapshot, false when absent or unreadable.
	LoadBoardSnapshot(ctx context.Context, boardID string) (*models.BoardSnapshot, bool)
}

// QueueStore persists queued mutations.
type QueueStore interface {
	Enqueue(ctx context.Context, op *models.QueuedOperation) (*models.QueuedOperation, error)
	ListQueued(ctx context.Context, boardID string) ([]*models.QueuedOperation, error)
	GetQueued(ctx context.Context, id string) (*models.QueuedOperation, error)
	RemoveQueued(ctx context.Context, id string) error
	IncrementRetries(ctx context.Context, id string) error
	ResetRetries(ctx context.Context, boardID string) (int64, error)
	ClearQueue(ctx context.Context, boardID string) (int64, error)
	QueueCount(ctx context.Context, boardID string) (int, error)
	QueuedBoards(ctx context.Context) ([]string, error)
	LatestQueuedAt(ctx context.Context) (int64, error)
}

// ImageStore caches image payloads by image record id.
// Reads never fail; callers treat anything unusable as a miss.
type ImageStore interface {
	CacheImage(ctx context.Context, id, dataURL string) error
	GetCachedImage(ctx context.Context, id string) (*models.CachedImage, bool)
	GetCachedImages(ctx context.Context, ids []string) map[string]string
	RemoveCachedImage(ctx context.Context, id string) error
}

// LocalStore groups everything the sync subsystem keeps on disk.
type LocalStore interface {
	SnapshotStore
	QueueStore
	ImageStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ SnapshotStore = (*Repository)(nil)
	_ QueueStore    = (*Repository)(nil)
	_ ImageStore    = (*Repository)(nil)
	_ LocalStore    = (*Repository)(nil)
)
