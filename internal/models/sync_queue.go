// Package models provides data model definitions for the board sync backend.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind identifies the kind of a queued mutation.
type OpKind string

const (
	OpAdd            OpKind = "add"
	OpDelete         OpKind = "delete"
	OpUpdateNote     OpKind = "update-note"
	OpToggleFavorite OpKind = "toggle-favorite"
	OpReorder        OpKind = "reorder"
)

// Valid reports whether k is one of the known kinds.
func (k OpKind) Valid() bool {
	switch k {
	case OpAdd, OpDelete, OpUpdateNote, OpToggleFavorite, OpReorder:
		return true
	}
	return false
}

// Payload is the kind-specific body of a queued operation.
// Each payload carries enough to rebuild the remote write without reading board state.
type Payload interface {
	Kind() OpKind
	Validate() error
}

// AddEntry is one new image in an add operation.
type AddEntry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	DataURL string `json:"dataUrl"`
}

// OrderRef pins an existing item to an absolute order.
type OrderRef struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// AddPayload inserts Entries at StartOrder in DayKey.
// Shifted lists the existing items at or after the insertion index with their new order.
type AddPayload struct {
	DayKey     string     `json:"dayKey"`
	StartOrder int        `json:"startOrder"`
	Entries    []AddEntry `json:"entries"`
	Shifted    []OrderRef `json:"shifted,omitempty"`
}

func (AddPayload) Kind() OpKind { return OpAdd }

func (p AddPayload) Validate() error {
	if !ValidDayKey(p.DayKey) {
		return fmt.Errorf("add: invalid day key %q", p.DayKey)
	}
	if len(p.Entries) == 0 {
		return fmt.Errorf("add: no entries")
	}
	if p.StartOrder < 0 {
		return fmt.Errorf("add: negative start order %d", p.StartOrder)
	}
	for i, e := range p.Entries {
		if e.ID == "" {
			return fmt.Errorf("add: entry %d has no id", i)
		}
		if !IsDataURL(e.DataURL) {
			return fmt.Errorf("add: entry %s has no inline payload", e.ID)
		}
	}
	return nil
}

// DeletePayload removes one item.
type DeletePayload struct {
	ID     string `json:"id"`
	DayKey string `json:"dayKey,omitempty"`
}

func (DeletePayload) Kind() OpKind { return OpDelete }

func (p DeletePayload) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("delete: missing id")
	}
	return nil
}

// UpdateNotePayload replaces the note of one item.
type UpdateNotePayload struct {
	ID     string `json:"id"`
	DayKey string `json:"dayKey"`
	Note   string `json:"note"`
}

func (UpdateNotePayload) Kind() OpKind { return OpUpdateNote }

func (p UpdateNotePayload) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("update-note: missing id")
	}
	if !ValidDayKey(p.DayKey) {
		return fmt.Errorf("update-note: invalid day key %q", p.DayKey)
	}
	return nil
}

// ToggleFavoritePayload sets the favorite flag and rewrites the day's order.
// Ordered is the full day list after the toggle, favorites first.
type ToggleFavoritePayload struct {
	ID      string   `json:"id"`
	DayKey  string   `json:"dayKey"`
	Fav     bool     `json:"fav"`
	Ordered []string `json:"ordered"`
}

func (ToggleFavoritePayload) Kind() OpKind { return OpToggleFavorite }

func (p ToggleFavoritePayload) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("toggle-favorite: missing id")
	}
	if !ValidDayKey(p.DayKey) {
		return fmt.Errorf("toggle-favorite: invalid day key %q", p.DayKey)
	}
	return nil
}

// ReorderPayload rewrites the order of the source list and, when it differs, the destination list.
type ReorderPayload struct {
	SourceKey string   `json:"sourceKey"`
	DestKey   string   `json:"destKey"`
	SourceIDs []string `json:"sourceIds"`
	DestIDs   []string `json:"destIds"`
}

func (ReorderPayload) Kind() OpKind { return OpReorder }

func (p ReorderPayload) Validate() error {
	if !ValidDayKey(p.SourceKey) || !ValidDayKey(p.DestKey) {
		return fmt.Errorf("reorder: invalid day keys %q -> %q", p.SourceKey, p.DestKey)
	}
	if len(p.SourceIDs) == 0 && len(p.DestIDs) == 0 {
		return fmt.Errorf("reorder: nothing to reorder")
	}
	return nil
}

// QueuedOperation is a durable, self-contained user mutation awaiting remote application.
// Only Retries changes after creation.
type QueuedOperation struct {
	ID      string `db:"id" json:"id"`
	Seq     int64  `db:"seq" json:"seq"`
	Kind    OpKind `db:"kind" json:"kind"`
	BoardID string `db:"board_id" json:"boardId"`
	// CreatedAt is unix milliseconds and the FIFO ordering key; Seq breaks ties.
	CreatedAt int64   `db:"created_at" json:"createdAt"`
	Payload   Payload `db:"payload" json:"payload"`
	Retries   int     `db:"retries" json:"retries"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (op *QueuedOperation) CreatedAtTime() time.Time {
	return time.UnixMilli(op.CreatedAt)
}

// EncodePayload serializes a payload for the payload column.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	return json.Marshal(p)
}

// DecodePayload restores the typed payload for kind.
func DecodePayload(kind OpKind, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case OpAdd:
		var v AddPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpDelete:
		var v DeletePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpUpdateNote:
		var v UpdateNotePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpToggleFavorite:
		var v ToggleFavoritePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpReorder:
		var v ReorderPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
	}
	return p, nil
}
