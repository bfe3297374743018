// Package remote defines the contract of the remote board store and an
// in-process implementation of it.
package remote

import (
	"context"
	"fmt"
)

// Document is one board item as held by the remote document store,
// addressed as boards/{boardId}/items/{id}.
type Document struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DayKey    string `json:"dayKey"`
	Order     int    `json:"order"`
	ImageURL  string `json:"imageURL"`
	Fav       bool   `json:"fav"`
	Note      string `json:"note"`
	CreatedAt int64  `json:"createdAt"`
}

// Patch is a partial document update. Nil fields are left untouched.
type Patch struct {
	Name     *string `json:"name,omitempty"`
	DayKey   *string `json:"dayKey,omitempty"`
	Order    *int    `json:"order,omitempty"`
	ImageURL *string `json:"imageURL,omitempty"`
	Fav      *bool   `json:"fav,omitempty"`
	Note     *string `json:"note,omitempty"`
}

// Apply copies the set fields of p onto d.
func (p Patch) Apply(d *Document) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.DayKey != nil {
		d.DayKey = *p.DayKey
	}
	if p.Order != nil {
		d.Order = *p.Order
	}
	if p.ImageURL != nil {
		d.ImageURL = *p.ImageURL
	}
	if p.Fav != nil {
		d.Fav = *p.Fav
	}
	if p.Note != nil {
		d.Note = *p.Note
	}
}

// Empty reports whether the patch sets no field.
func (p Patch) Empty() bool {
	return p.Name == nil && p.DayKey == nil && p.Order == nil &&
		p.ImageURL == nil && p.Fav == nil && p.Note == nil
}

// Write is one element of an atomic batch.
type Write struct {
	ID    string `json:"id"`
	Patch Patch  `json:"patch"`
}

// DocumentStore is the remote item store.
//
// Errors are *errors.AppError with code REMOTE_TRANSIENT, REMOTE_NOT_FOUND
// or REMOTE_REJECTED.
type DocumentStore interface {
	// Set writes the whole document, replacing any existing one.
	Set(ctx context.Context, boardID string, doc Document) error
	// Merge applies p to the document, creating it when absent.
	Merge(ctx context.Context, boardID, id string, p Patch) error
	// Delete removes the document. A missing document is REMOTE_NOT_FOUND.
	Delete(ctx context.Context, boardID, id string) error
	// Batch applies every write or none. Any missing target is REMOTE_NOT_FOUND.
	Batch(ctx context.Context, boardID string, writes []Write) error
	// List returns the current item set.
	List(ctx context.Context, boardID string) ([]Document, error)
	// Subscribe delivers the full item set now and after every change until
	// unsubscribe is called or ctx is done.
	Subscribe(ctx context.Context, boardID string, fn func([]Document)) (unsubscribe func(), err error)
}

// ObjectStore holds uploaded image binaries.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// URL returns the public URL of an uploaded object.
	URL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey returns the object key of an item's image.
func ObjectKey(boardID, itemID string) string {
	return fmt.Sprintf("boards/%s/%s.jpg", boardID, itemID)
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
