package session

import (
	"context"

	"github.com/kimhsiao/postbills/backend/internal/board"
	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/models"
)

// Every user edit updates the board first and only then reaches for the
// queue or the remote store. A failure after the optimistic update is
// returned but never rolled back.

// AddImages adds entries to day at insertIndex (negative appends).
func (s *SyncContext) AddImages(ctx context.Context, boardID, day string, entries []models.AddEntry, insertIndex int) (models.AddPayload, error) {
	c, err := s.open(boardID)
	if err != nil {
		return models.AddPayload{}, err
	}
	p, err := c.AddImages(ctx, day, entries, insertIndex)
	if err != nil {
		return p, err
	}
	return p, s.submit(ctx, boardID, p)
}

// Remove deletes id from day.
func (s *SyncContext) Remove(ctx context.Context, boardID, day, id string) error {
	c, err := s.open(boardID)
	if err != nil {
		return err
	}
	p, err := c.Remove(day, id)
	if err != nil {
		return err
	}
	return s.submit(ctx, boardID, p)
}

// UpdateNote replaces the note of id.
func (s *SyncContext) UpdateNote(ctx context.Context, boardID, day, id, note string) error {
	c, err := s.open(boardID)
	if err != nil {
		return err
	}
	p, err := c.UpdateNote(day, id, note)
	if err != nil {
		return err
	}
	return s.submit(ctx, boardID, p)
}

// ToggleFavorite sets the favorite flag of id.
func (s *SyncContext) ToggleFavorite(ctx context.Context, boardID, day, id string, fav bool) error {
	c, err := s.open(boardID)
	if err != nil {
		return err
	}
	p, err := c.ToggleFavorite(day, id, fav)
	if err != nil {
		return err
	}
	return s.submit(ctx, boardID, p)
}

// Move relocates an item between positions or days.
func (s *SyncContext) Move(ctx context.Context, boardID, srcDay string, srcIndex int, dstDay string, dstIndex int) error {
	c, err := s.open(boardID)
	if err != nil {
		return err
	}
	p, moved, err := c.Move(srcDay, srcIndex, dstDay, dstIndex)
	if err != nil || !moved {
		return err
	}
	return s.submit(ctx, boardID, p)
}

func (s *SyncContext) open(boardID string) (*board.Cache, error) {
	c, ok := s.Board(boardID)
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "board "+boardID+" is not open")
	}
	return c, nil
}

// submit carries p to the remote store. Offline, or while older operations
// for the board are still queued, it is queued behind them. Online it is
// written directly and queued only when the failure is transient.
func (s *SyncContext) submit(ctx context.Context, boardID string, p models.Payload) error {
	if s.Monitor.Online() {
		pending, err := s.Queue.Count(ctx, boardID)
		if err != nil {
			return err
		}
		if pending > 0 {
			if err := s.enqueue(ctx, boardID, p); err != nil {
				return err
			}
			s.Scheduler.Trigger(boardID)
			return nil
		}

		err = s.Engine.Apply(ctx, boardID, p)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			logging.Error("remote write rejected", err, map[string]interface{}{
				"board_id": boardID,
				"kind":     string(p.Kind()),
			})
			return err
		}
		logging.Warn("remote write failed, queued for replay", map[string]interface{}{
			"board_id": boardID,
			"kind":     string(p.Kind()),
			"reason":   err.Error(),
		})
	}
	return s.enqueue(ctx, boardID, p)
}

func (s *SyncContext) enqueue(ctx context.Context, boardID string, p models.Payload) error {
	if _, err := s.Queue.Enqueue(ctx, boardID, p); err != nil {
		logging.Error("failed to queue change", err, map[string]interface{}{
			"board_id": boardID,
			"kind":     string(p.Kind()),
		})
		return err
	}
	return nil
}
