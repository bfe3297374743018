// Package queue provides the durable mutation queue replayed by the sync engine.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/postbills/backend/internal/db"
	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/models"
)

// DefaultMaxRetries is the retry ceiling applied when none is configured.
const DefaultMaxRetries = 3

// Stats summarizes the queue of one board.
type Stats struct {
	Total    int       `json:"total"`
	Retrying int       `json:"retrying"`
	Stuck    int       `json:"stuck"`
	Oldest   time.Time `json:"oldest,omitempty"`
}

// MutationQueue appends user mutations to durable storage and tracks their
// retry counters. It never validates or coalesces payloads.
type MutationQueue struct {
	store      db.QueueStore
	maxRetries int
	now        func() time.Time

	// clock is resumed from the store on first use so stamps keep
	// increasing across restarts.
	clockMu sync.Mutex
	clock   *Clock
}

// NewMutationQueue creates a queue over store. maxRetries <= 0 selects DefaultMaxRetries.
func NewMutationQueue(store db.QueueStore, maxRetries int) *MutationQueue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &MutationQueue{
		store:      store,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// MaxRetries returns the retry ceiling.
func (q *MutationQueue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue durably appends payload for boardID. The operation is visible to
// Pending as soon as Enqueue returns. Storage failures are STORAGE_ERROR.
func (q *MutationQueue) Enqueue(ctx context.Context, boardID string, payload models.Payload) (*models.QueuedOperation, error) {
	if payload == nil {
		return nil, errors.New(errors.ErrInvalid, "payload is required")
	}

	clock, err := q.resumeClock(ctx)
	if err != nil {
		return nil, err
	}

	op, err := q.store.Enqueue(ctx, &models.QueuedOperation{
		BoardID:   boardID,
		Kind:      payload.Kind(),
		CreatedAt: clock.Stamp(q.now().UnixMilli()),
		Payload:   payload,
	})
	if err != nil {
		logging.Error("failed to enqueue operation", err, map[string]interface{}{
			"board_id": boardID,
			"kind":     string(payload.Kind()),
		})
		return nil, err
	}

	logging.Debug("enqueued operation", map[string]interface{}{
		"board_id": boardID,
		"op_id":    op.ID,
		"kind":     string(op.Kind),
	})
	return op, nil
}

// resumeClock returns the queue clock, starting it after the newest
// persisted stamp the first time.
func (q *MutationQueue) resumeClock(ctx context.Context) (*Clock, error) {
	q.clockMu.Lock()
	defer q.clockMu.Unlock()
	if q.clock != nil {
		return q.clock, nil
	}

	latest, err := q.store.LatestQueuedAt(ctx)
	if err != nil {
		logging.Error("failed to resume queue clock", err, nil)
		return nil, err
	}
	q.clock = NewClockAt(latest)
	if latest > 0 {
		logging.Debug("queue clock resumed", map[string]interface{}{"last_stamp": q.clock.Current()})
	}
	return q.clock, nil
}

// Pending returns a snapshot of the board's operations in creation order.
func (q *MutationQueue) Pending(ctx context.Context, boardID string) ([]*models.QueuedOperation, error) {
	return q.store.ListQueued(ctx, boardID)
}

// Complete removes an operation that was applied remotely.
func (q *MutationQueue) Complete(ctx context.Context, id string) error {
	return q.store.RemoveQueued(ctx, id)
}

// Stuck reports whether op has used up its retries.
func (q *MutationQueue) Stuck(op *models.QueuedOperation) bool {
	return op.Retries >= q.maxRetries
}

// Failed records a failed attempt. The retry counter advances while it is
// below the ceiling; at the ceiling the operation stays queued untouched and
// stuck is reported.
func (q *MutationQueue) Failed(ctx context.Context, op *models.QueuedOperation, cause error) (stuck bool, err error) {
	fields := map[string]interface{}{
		"board_id": op.BoardID,
		"op_id":    op.ID,
		"kind":     string(op.Kind),
		"retries":  op.Retries,
	}

	if q.Stuck(op) {
		logging.Error("operation reached max retries", cause, fields)
		return true, nil
	}

	if err := q.store.IncrementRetries(ctx, op.ID); err != nil {
		return false, err
	}
	fields["retries"] = op.Retries + 1
	fields["max_retries"] = q.maxRetries
	logging.Warn("operation failed, will retry on next drain", mergeReason(fields, cause))
	return false, nil
}

func mergeReason(fields map[string]interface{}, cause error) map[string]interface{} {
	if cause != nil {
		fields["reason"] = cause.Error()
	}
	return fields
}

// Count returns the number of queued operations for boardID.
func (q *MutationQueue) Count(ctx context.Context, boardID string) (int, error) {
	return q.store.QueueCount(ctx, boardID)
}

// Clear drops every queued operation for boardID.
func (q *MutationQueue) Clear(ctx context.Context, boardID string) (int64, error) {
	n, err := q.store.ClearQueue(ctx, boardID)
	if err != nil {
		return 0, err
	}
	logging.Warn("queue cleared", map[string]interface{}{"board_id": boardID, "dropped": n})
	return n, nil
}

// RetryAll resets retry counters so stuck operations count from zero again.
func (q *MutationQueue) RetryAll(ctx context.Context, boardID string) (int64, error) {
	n, err := q.store.ResetRetries(ctx, boardID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("reset retry counters", map[string]interface{}{"board_id": boardID, "count": n})
	}
	return n, nil
}

// Boards returns the ids of boards with queued operations.
func (q *MutationQueue) Boards(ctx context.Context) ([]string, error) {
	return q.store.QueuedBoards(ctx)
}

// Stats returns counters for boardID.
func (q *MutationQueue) Stats(ctx context.Context, boardID string) (*Stats, error) {
	ops, err := q.store.ListQueued(ctx, boardID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(ops)}
	for i, op := range ops {
		if i == 0 {
			stats.Oldest = op.CreatedAtTime()
		}
		switch {
		case op.Retries >= q.maxRetries:
			stats.Stuck++
		case op.Retries > 0:
			stats.Retrying++
		}
	}
	return stats, nil
}
