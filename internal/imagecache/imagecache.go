// Package imagecache keeps image payloads on disk so boards render offline.
package imagecache

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/postbills/backend/internal/db"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/media"
	"github.com/kimhsiao/postbills/backend/internal/models"
)

const (
	// DefaultFetchTimeout bounds a single image download.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultConcurrency is the number of parallel backfill downloads.
	DefaultConcurrency = 4
	// maxImageBytes rejects absurd downloads.
	maxImageBytes = 32 << 20
)

// Options configures a Cache.
type Options struct {
	FetchTimeout time.Duration
	Concurrency  int
}

// Cache is a best-effort image payload cache keyed by image record id.
// Every failure degrades to a miss.
type Cache struct {
	store  db.ImageStore
	client *http.Client
	group  singleflight.Group

	timeout     time.Duration
	concurrency int

	mu      sync.Mutex
	fetched int
	failed  int
}

// New creates a cache over store. A nil client uses http.DefaultClient.
func New(store db.ImageStore, client *http.Client, opts Options) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Cache{
		store:       store,
		client:      client,
		timeout:     opts.FetchTimeout,
		concurrency: opts.Concurrency,
	}
}

// Get returns the cached payload for id.
func (c *Cache) Get(ctx context.Context, id string) (string, bool) {
	img, ok := c.store.GetCachedImage(ctx, id)
	if !ok {
		return "", false
	}
	return img.DataURL, true
}

// GetMany returns the cached payloads for the ids that have one.
func (c *Cache) GetMany(ctx context.Context, ids []string) map[string]string {
	if len(ids) == 0 {
		return map[string]string{}
	}
	return c.store.GetCachedImages(ctx, ids)
}

// Put stores a payload. Failures are logged, never returned.
func (c *Cache) Put(ctx context.Context, id, dataURL string) {
	if !models.IsDataURL(dataURL) {
		return
	}
	if err := c.store.CacheImage(ctx, id, dataURL); err != nil {
		logging.Warn("failed to cache image", map[string]interface{}{"image_id": id, "reason": err.Error()})
	}
}

// Fetch downloads url, caches it under id and returns the payload.
// Concurrent fetches of the same id share one download.
func (c *Cache) Fetch(ctx context.Context, id, url string) (string, error) {
	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		dataURL, err := c.download(fetchCtx, url)
		if err != nil {
			return "", err
		}
		c.Put(ctx, id, dataURL)
		return dataURL, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty image body")
	}

	// CDNs often answer with a generic or missing type; trust the bytes then
	mediaType := ""
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && strings.HasPrefix(mt, "image/") {
			mediaType = mt
		}
	}
	if mediaType == "" {
		mediaType = mimetype.Detect(data).String()
	}
	return media.EncodeDataURL(mediaType, data), nil
}

// Backfill downloads and caches the remote images of items that are not
// cached yet. Failures are logged and skipped. It returns the payloads that
// were fetched, keyed by id.
func (c *Cache) Backfill(ctx context.Context, items []models.ImageRecord) map[string]string {
	var missing []models.ImageRecord
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.ImageURL != "" {
			ids = append(ids, it.ID)
		}
	}
	cached := c.GetMany(ctx, ids)
	for _, it := range items {
		if it.ImageURL == "" {
			continue
		}
		if _, ok := cached[it.ID]; ok {
			continue
		}
		missing = append(missing, it)
	}

	out := make(map[string]string)
	if len(missing) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, it := range missing {
		it := it
		g.Go(func() error {
			dataURL, err := c.Fetch(gctx, it.ID, it.ImageURL)
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				c.failed++
				logging.Warn("image backfill failed", map[string]interface{}{
					"image_id": it.ID,
					"reason":   err.Error(),
				})
				return nil
			}
			c.fetched++
			mu.Lock()
			out[it.ID] = dataURL
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	logging.Debug("image backfill finished", map[string]interface{}{
		"requested": len(missing),
		"fetched":   len(out),
	})
	return out
}

// Stats reports download counters since the cache was created.
func (c *Cache) Stats() (fetched, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched, c.failed
}
