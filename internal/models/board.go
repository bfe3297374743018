// Package models provides data model definitions for the board sync backend.
package models

import (
	"sort"
	"strings"
	"time"
)

// DayKeyLayout is the ISO calendar date form used as a bucket key.
const DayKeyLayout = "2006-01-02"

// DayKeyOf returns the day key for t in t's location.
func DayKeyOf(t time.Time) string {
	return t.Format(DayKeyLayout)
}

// ValidDayKey reports whether k is an ISO calendar date.
func ValidDayKey(k string) bool {
	_, err := time.Parse(DayKeyLayout, k)
	return err == nil
}

// ImageRecord is one image on the board.
type ImageRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Src is what gets rendered: an inline data URL or a remote URL.
	Src string `json:"src"`
	// ImageURL is the confirmed remote URL, empty until the upload is acknowledged.
	ImageURL string `json:"imageURL,omitempty"`
	Fav      bool   `json:"fav"`
	Note     string `json:"note"`
	// Order is only populated while reconciling against the remote store.
	Order *int `json:"order,omitempty"`
}

// IsDataURL reports whether s is an inline data URL.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// IsLocalOnly reports whether the record has never been confirmed uploaded.
func (r ImageRecord) IsLocalOnly() bool {
	return r.ImageURL == "" && IsDataURL(r.Src)
}

// Board maps day keys to ordered image lists. Index 0 is displayed first.
type Board map[string][]ImageRecord

// Clone returns a deep copy of the board.
func (b Board) Clone() Board {
	out := make(Board, len(b))
	for day, items := range b {
		cp := make([]ImageRecord, len(items))
		for i, it := range items {
			if it.Order != nil {
				o := *it.Order
				it.Order = &o
			}
			cp[i] = it
		}
		out[day] = cp
	}
	return out
}

// Len returns the number of records across all days.
func (b Board) Len() int {
	n := 0
	for _, items := range b {
		n += len(items)
	}
	return n
}

// Find locates a record by id.
func (b Board) Find(id string) (day string, index int, ok bool) {
	for d, items := range b {
		for i, it := range items {
			if it.ID == id {
				return d, i, true
			}
		}
	}
	return "", -1, false
}

// IDs returns every record id on the board, grouped by sorted day key.
func (b Board) IDs() []string {
	ids := make([]string, 0, b.Len())
	for _, day := range b.DayKeys() {
		for _, it := range b[day] {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// DayKeys returns the day keys in ascending order.
func (b Board) DayKeys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BoardSnapshot is the persisted form of a board, replaced wholesale on every save.
type BoardSnapshot struct {
	BoardID string `db:"board_id" json:"boardId"`
	Board   Board  `db:"board" json:"board"`
	SavedAt int64  `db:"saved_at" json:"savedAt"`
}

// TableName returns the table name for BoardSnapshot.
func (BoardSnapshot) TableName() string {
	return "board_snapshots"
}

// SavedAtTime returns SavedAt (unix milliseconds) as time.Time.
func (s *BoardSnapshot) SavedAtTime() time.Time {
	return time.UnixMilli(s.SavedAt)
}
