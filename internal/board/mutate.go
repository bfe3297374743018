package board

import (
	"context"

	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/models"
	"github.com/kimhsiao/postbills/backend/internal/uuid"
)

// Optimistic edits. Each one updates the board immediately, publishes it and
// returns the payload that carries the same change to the remote store.

// AddImages inserts entries into day at insertIndex. A negative index
// appends. Entries without an id get a fresh one.
func (c *Cache) AddImages(ctx context.Context, day string, entries []models.AddEntry, insertIndex int) (models.AddPayload, error) {
	if !models.ValidDayKey(day) {
		return models.AddPayload{}, errors.New(errors.ErrInvalid, "invalid day key "+day)
	}
	if len(entries) == 0 {
		return models.AddPayload{}, errors.New(errors.ErrInvalid, "no images to add")
	}
	added := make([]models.AddEntry, len(entries))
	for i, e := range entries {
		if !models.IsDataURL(e.DataURL) {
			return models.AddPayload{}, errors.New(errors.ErrInvalid, "image "+e.Name+" has no inline payload")
		}
		if e.ID == "" {
			e.ID = uuid.New()
		}
		added[i] = e
	}

	c.mu.Lock()
	cur := c.board[day]
	from := len(cur)
	if insertIndex >= 0 && insertIndex < len(cur) {
		from = insertIndex
	}

	var shifted []models.OrderRef
	for i := from; i < len(cur); i++ {
		shifted = append(shifted, models.OrderRef{ID: cur[i].ID, Order: i + len(added)})
	}

	next := make([]models.ImageRecord, 0, len(cur)+len(added))
	next = append(next, cur[:from]...)
	for _, e := range added {
		next = append(next, models.ImageRecord{ID: e.ID, Name: e.Name, Src: e.DataURL})
	}
	next = append(next, cur[from:]...)
	c.board[day] = next
	c.mu.Unlock()

	if c.images != nil {
		for _, e := range added {
			c.images.Put(ctx, e.ID, e.DataURL)
		}
	}
	c.publish()

	return models.AddPayload{
		DayKey:     day,
		StartOrder: from,
		Entries:    added,
		Shifted:    shifted,
	}, nil
}

// Remove deletes id from day.
func (c *Cache) Remove(day, id string) (models.DeletePayload, error) {
	c.mu.Lock()
	items := c.board[day]
	i := indexOf(items, id)
	if i < 0 {
		c.mu.Unlock()
		return models.DeletePayload{}, errors.New(errors.ErrNotFound, "image "+id+" not on "+day)
	}
	next := make([]models.ImageRecord, 0, len(items)-1)
	next = append(next, items[:i]...)
	c.board[day] = append(next, items[i+1:]...)
	c.mu.Unlock()

	c.publish()
	return models.DeletePayload{ID: id, DayKey: day}, nil
}

// UpdateNote replaces the note of id.
func (c *Cache) UpdateNote(day, id, note string) (models.UpdateNotePayload, error) {
	c.mu.Lock()
	items := c.board[day]
	i := indexOf(items, id)
	if i < 0 {
		c.mu.Unlock()
		return models.UpdateNotePayload{}, errors.New(errors.ErrNotFound, "image "+id+" not on "+day)
	}
	next := append([]models.ImageRecord(nil), items...)
	next[i].Note = note
	c.board[day] = next
	c.mu.Unlock()

	c.publish()
	return models.UpdateNotePayload{ID: id, DayKey: day, Note: note}, nil
}

// ToggleFavorite sets the favorite flag of id and moves favorites to the
// front of the day, keeping relative order within both groups.
func (c *Cache) ToggleFavorite(day, id string, fav bool) (models.ToggleFavoritePayload, error) {
	c.mu.Lock()
	items := c.board[day]
	i := indexOf(items, id)
	if i < 0 {
		c.mu.Unlock()
		return models.ToggleFavoritePayload{}, errors.New(errors.ErrNotFound, "image "+id+" not on "+day)
	}
	marked := append([]models.ImageRecord(nil), items...)
	marked[i].Fav = fav

	next := make([]models.ImageRecord, 0, len(marked))
	for _, it := range marked {
		if it.Fav {
			next = append(next, it)
		}
	}
	for _, it := range marked {
		if !it.Fav {
			next = append(next, it)
		}
	}
	c.board[day] = next
	c.mu.Unlock()

	c.publish()
	return models.ToggleFavoritePayload{
		ID:      id,
		DayKey:  day,
		Fav:     fav,
		Ordered: idsOf(next),
	}, nil
}

// Move relocates the item at srcIndex of srcDay to dstIndex of dstDay.
// It reports false when the move is a no-op.
func (c *Cache) Move(srcDay string, srcIndex int, dstDay string, dstIndex int) (models.ReorderPayload, bool, error) {
	if !models.ValidDayKey(srcDay) || !models.ValidDayKey(dstDay) {
		return models.ReorderPayload{}, false, errors.New(errors.ErrInvalid, "invalid day key")
	}
	if srcDay == dstDay && srcIndex == dstIndex {
		return models.ReorderPayload{}, false, nil
	}

	c.mu.Lock()
	src := c.board[srcDay]
	if srcIndex < 0 || srcIndex >= len(src) {
		c.mu.Unlock()
		return models.ReorderPayload{}, false, errors.New(errors.ErrNotFound, "no image at that position")
	}
	moved := src[srcIndex]

	sArr := make([]models.ImageRecord, 0, len(src))
	sArr = append(sArr, src[:srcIndex]...)
	sArr = append(sArr, src[srcIndex+1:]...)

	dArr := sArr
	if srcDay != dstDay {
		dArr = append([]models.ImageRecord(nil), c.board[dstDay]...)
	}
	if dstIndex < 0 {
		dstIndex = 0
	}
	if dstIndex > len(dArr) {
		dstIndex = len(dArr)
	}
	dArr = append(dArr[:dstIndex], append([]models.ImageRecord{moved}, dArr[dstIndex:]...)...)

	if srcDay == dstDay {
		sArr = dArr
	}
	c.board[srcDay] = sArr
	c.board[dstDay] = dArr
	c.mu.Unlock()

	c.publish()
	return models.ReorderPayload{
		SourceKey: srcDay,
		DestKey:   dstDay,
		SourceIDs: idsOf(sArr),
		DestIDs:   idsOf(dArr),
	}, true, nil
}

func indexOf(items []models.ImageRecord, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func idsOf(items []models.ImageRecord) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}
