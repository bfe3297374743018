// Package models provides data model definitions for the board sync backend.
package models

import "time"

// CachedImage is a locally cached image payload keyed by image record id.
type CachedImage struct {
	ID          string `db:"id" json:"id"`
	DataURL     string `db:"data_url" json:"dataUrl"`
	ContentHash string `db:"content_hash" json:"contentHash"`
	CachedAt    int64  `db:"cached_at" json:"cachedAt"`
}

// TableName returns the table name for CachedImage.
func (CachedImage) TableName() string {
	return "image_cache"
}

// CachedAtTime returns CachedAt (unix milliseconds) as time.Time.
func (c *CachedImage) CachedAtTime() time.Time {
	return time.UnixMilli(c.CachedAt)
}
