package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/media"
	"github.com/kimhsiao/postbills/backend/internal/models"
	"github.com/kimhsiao/postbills/backend/internal/remote"
)

// Translator turns queued payloads into remote store calls.
// Every translation is safe to replay: adds overwrite by id, deletes of
// missing documents succeed, and order rewrites are absolute.
type Translator struct {
	docs    remote.DocumentStore
	objects remote.ObjectStore
	now     func() time.Time
}

// NewTranslator creates a Translator.
func NewTranslator(docs remote.DocumentStore, objects remote.ObjectStore) *Translator {
	return &Translator{docs: docs, objects: objects, now: time.Now}
}

// Apply performs the remote writes for one payload. Batch targets that no
// longer exist remotely are dropped.
func (t *Translator) Apply(ctx context.Context, boardID string, p models.Payload) error {
	return t.apply(ctx, boardID, p, nil)
}

// ApplyQueued is Apply for a replayed operation. A batch target listed in
// unconfirmed belongs to an earlier add that has not landed yet: instead of
// dropping it, the batch fails with REMOTE_NOT_FOUND so the operation is
// retried after the add.
func (t *Translator) ApplyQueued(ctx context.Context, boardID string, p models.Payload, unconfirmed map[string]bool) error {
	return t.apply(ctx, boardID, p, unconfirmed)
}

func (t *Translator) apply(ctx context.Context, boardID string, p models.Payload, unconfirmed map[string]bool) error {
	if p == nil {
		return errors.New(errors.ErrInvalid, "operation has no payload")
	}
	if err := p.Validate(); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid operation payload", err)
	}

	var err error
	switch p := p.(type) {
	case models.AddPayload:
		err = t.add(ctx, boardID, p, unconfirmed)
	case models.DeletePayload:
		err = t.delete(ctx, boardID, p)
	case models.UpdateNotePayload:
		err = t.docs.Merge(ctx, boardID, p.ID, remote.Patch{
			Note:   remote.Ptr(p.Note),
			DayKey: remote.Ptr(p.DayKey),
		})
	case models.ToggleFavoritePayload:
		err = t.batchExisting(ctx, boardID, toggleFavoriteWrites(p), unconfirmed)
	case models.ReorderPayload:
		err = t.batchExisting(ctx, boardID, reorderWrites(p), unconfirmed)
	default:
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unsupported payload %T", p))
	}
	return classify(err)
}

// classify maps foreign errors from a store implementation onto the
// transient code so they go through the retry path.
func classify(err error) error {
	if err == nil || errors.CodeOf(err) != "" {
		return err
	}
	return errors.Wrap(errors.ErrRemoteTransient, "remote call failed", err)
}

func (t *Translator) add(ctx context.Context, boardID string, p models.AddPayload, unconfirmed map[string]bool) error {
	if len(p.Shifted) > 0 {
		writes := make([]remote.Write, len(p.Shifted))
		for i, ref := range p.Shifted {
			writes[i] = remote.Write{ID: ref.ID, Patch: remote.Patch{Order: remote.Ptr(ref.Order)}}
		}
		if err := t.batchExisting(ctx, boardID, writes, unconfirmed); err != nil {
			return err
		}
	}

	for i, entry := range p.Entries {
		data, err := media.JPEGFromDataURL(entry.DataURL)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, fmt.Sprintf("entry %s has an unusable image", entry.ID), err)
		}

		key := remote.ObjectKey(boardID, entry.ID)
		if err := t.objects.Upload(ctx, key, data, "image/jpeg"); err != nil {
			return classify(err)
		}
		url, err := t.objects.URL(ctx, key)
		if err != nil {
			return classify(err)
		}

		doc := remote.Document{
			ID:        entry.ID,
			Name:      entry.Name,
			DayKey:    p.DayKey,
			Order:     p.StartOrder + i,
			ImageURL:  url,
			Fav:       false,
			Note:      "",
			CreatedAt: t.now().UnixMilli(),
		}
		if err := t.docs.Set(ctx, boardID, doc); err != nil {
			return classify(err)
		}
		logging.Debug("uploaded image", map[string]interface{}{
			"board_id": boardID,
			"item_id":  entry.ID,
			"bytes":    len(data),
		})
	}
	return nil
}

func (t *Translator) delete(ctx context.Context, boardID string, p models.DeletePayload) error {
	if err := t.docs.Delete(ctx, boardID, p.ID); err != nil {
		if !errors.IsNotFound(err) {
			return err
		}
		logging.Debug("delete target already gone", map[string]interface{}{"board_id": boardID, "item_id": p.ID})
	}

	// the object may never have been uploaded or may already be gone
	if err := t.objects.Delete(ctx, remote.ObjectKey(boardID, p.ID)); err != nil {
		logging.Debug("image object not deleted", map[string]interface{}{
			"board_id": boardID,
			"item_id":  p.ID,
			"reason":   err.Error(),
		})
	}
	return nil
}

// batchExisting applies writes atomically. When some targets were deleted
// remotely in the meantime the batch is retried once without them, unless
// one of the missing targets is still unconfirmed.
func (t *Translator) batchExisting(ctx context.Context, boardID string, writes []remote.Write, unconfirmed map[string]bool) error {
	if len(writes) == 0 {
		return nil
	}
	err := t.docs.Batch(ctx, boardID, writes)
	if err == nil || !errors.IsNotFound(err) {
		return err
	}

	current, listErr := t.docs.List(ctx, boardID)
	if listErr != nil {
		return err
	}
	exists := make(map[string]bool, len(current))
	for _, d := range current {
		exists[d.ID] = true
	}

	kept := writes[:0:0]
	for _, w := range writes {
		if exists[w.ID] {
			kept = append(kept, w)
			continue
		}
		if unconfirmed[w.ID] {
			return errors.Wrap(errors.ErrRemoteNotFound, fmt.Sprintf("batch target %s is not uploaded yet", w.ID), err)
		}
	}
	logging.Warn("dropping batch writes for documents deleted remotely", map[string]interface{}{
		"board_id": boardID,
		"dropped":  len(writes) - len(kept),
	})
	if len(kept) == 0 {
		return nil
	}
	if len(kept) == len(writes) {
		return err
	}
	return t.docs.Batch(ctx, boardID, kept)
}

func toggleFavoriteWrites(p models.ToggleFavoritePayload) []remote.Write {
	writes := make([]remote.Write, 0, len(p.Ordered)+1)
	targetListed := false
	for i, id := range p.Ordered {
		patch := remote.Patch{Order: remote.Ptr(i), DayKey: remote.Ptr(p.DayKey)}
		if id == p.ID {
			patch.Fav = remote.Ptr(p.Fav)
			targetListed = true
		}
		writes = append(writes, remote.Write{ID: id, Patch: patch})
	}
	if !targetListed {
		writes = append([]remote.Write{{
			ID:    p.ID,
			Patch: remote.Patch{Fav: remote.Ptr(p.Fav), DayKey: remote.Ptr(p.DayKey)},
		}}, writes...)
	}
	return writes
}

func reorderWrites(p models.ReorderPayload) []remote.Write {
	writes := make([]remote.Write, 0, len(p.SourceIDs)+len(p.DestIDs))
	for i, id := range p.SourceIDs {
		writes = append(writes, remote.Write{
			ID:    id,
			Patch: remote.Patch{Order: remote.Ptr(i), DayKey: remote.Ptr(p.SourceKey)},
		})
	}
	if p.DestKey != p.SourceKey {
		for i, id := range p.DestIDs {
			writes = append(writes, remote.Write{
				ID:    id,
				Patch: remote.Patch{Order: remote.Ptr(i), DayKey: remote.Ptr(p.DestKey)},
			})
		}
	}
	return writes
}
