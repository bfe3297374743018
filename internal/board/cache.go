// Package board holds the in-memory board a client renders and reconciles it
// against the last local snapshot, live remote updates and optimistic edits.
package board

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/kimhsiao/postbills/backend/internal/db"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/models"
	"github.com/kimhsiao/postbills/backend/internal/observer"
	"github.com/kimhsiao/postbills/backend/internal/remote"
)

// DefaultPersistDelay is how long edits settle before the snapshot is written.
const DefaultPersistDelay = 500 * time.Millisecond

// ImageCache is the part of the image cache the board needs.
type ImageCache interface {
	GetMany(ctx context.Context, ids []string) map[string]string
	Put(ctx context.Context, id, dataURL string)
	Backfill(ctx context.Context, items []models.ImageRecord) map[string]string
}

// Options configures a Cache.
type Options struct {
	// PersistDelay debounces snapshot writes. Zero uses DefaultPersistDelay.
	PersistDelay time.Duration

	// TrustEmptyAfter is the number of consecutive empty remote payloads
	// after which an empty remote state replaces a non-empty local board.
	// Zero never trusts an empty payload.
	TrustEmptyAfter int
}

// Cache is the board for one board id.
// All methods are safe for concurrent use.
type Cache struct {
	boardID string
	store   db.SnapshotStore
	images  ImageCache
	opts    Options

	mu          sync.Mutex
	board       models.Board
	loaded      bool
	remoteSeen  bool
	emptyStreak int
	closed      bool

	persist   func(func())
	listeners observer.Registry[models.Board]

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates an empty board cache. images may be nil.
func New(boardID string, store db.SnapshotStore, images ImageCache, opts Options) *Cache {
	if opts.PersistDelay <= 0 {
		opts.PersistDelay = DefaultPersistDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		boardID:  boardID,
		store:    store,
		images:   images,
		opts:     opts,
		board:    models.Board{},
		persist:  debounce.New(opts.PersistDelay),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// BoardID returns the board this cache holds.
func (c *Cache) BoardID() string {
	return c.boardID
}

// Board returns a deep copy of the current board.
func (c *Cache) Board() models.Board {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.board.Clone()
}

// Loaded reports whether the board has been populated from any source.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Subscribe registers fn for every published board. fn receives its own copy.
func (c *Cache) Subscribe(fn func(models.Board)) (unsubscribe func()) {
	return c.listeners.Subscribe(fn)
}

// LoadSnapshot paints the board from the stored snapshot, substituting cached
// image payloads. It does nothing once the board was populated by a remote
// update or a local edit, and reports whether the snapshot was used.
func (c *Cache) LoadSnapshot(ctx context.Context) bool {
	snap, ok := c.store.LoadBoardSnapshot(ctx, c.boardID)
	if !ok {
		return false
	}
	board := snap.Board
	c.substituteCached(ctx, board)

	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		logging.Debug("snapshot superseded before load", map[string]interface{}{"board_id": c.boardID})
		return false
	}
	c.board = board
	c.loaded = true
	out := c.board.Clone()
	c.mu.Unlock()

	logging.Info("board painted from snapshot", map[string]interface{}{
		"board_id": c.boardID,
		"items":    board.Len(),
		"saved_at": snap.SavedAtTime().Format(time.RFC3339),
	})
	c.listeners.Emit(out)
	return true
}

// ApplyRemote reconciles the board with the full remote item set and reports
// whether the board was replaced.
//
// The board is rebuilt from docs ordered by their order field. Local items
// that were never uploaded and are absent remotely are appended back to
// their day. Remote images with a cached payload render from the cache; the
// others are fetched in the background. An empty payload is ignored while
// the local board is non-empty, unless TrustEmptyAfter consecutive empty
// payloads were seen.
func (c *Cache) ApplyRemote(ctx context.Context, docs []remote.Document) bool {
	c.mu.Lock()
	if len(docs) == 0 && c.board.Len() > 0 {
		c.emptyStreak++
		streak := c.emptyStreak
		local := c.board.Len()
		trust := c.opts.TrustEmptyAfter > 0 && streak >= c.opts.TrustEmptyAfter
		c.mu.Unlock()
		if !trust {
			logging.Warn("empty remote snapshot ignored", map[string]interface{}{
				"board_id":    c.boardID,
				"local_items": local,
				"consecutive": streak,
				"code":        "RECONCILIATION_ANOMALY",
			})
			return false
		}
		logging.Info("trusting empty remote snapshot", map[string]interface{}{
			"board_id":    c.boardID,
			"consecutive": streak,
		})
	} else {
		if len(docs) > 0 {
			c.emptyStreak = 0
		}
		c.mu.Unlock()
	}

	rebuilt, remoteIDs := fromDocuments(docs)
	cached := c.substituteCached(ctx, rebuilt)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	kept := 0
	for _, day := range c.board.DayKeys() {
		for _, it := range c.board[day] {
			if remoteIDs[it.ID] || !it.IsLocalOnly() {
				continue
			}
			rebuilt[day] = append(rebuilt[day], it)
			kept++
		}
	}
	stripOrder(rebuilt)
	c.board = rebuilt
	c.loaded = true
	c.remoteSeen = true
	out := c.board.Clone()
	c.mu.Unlock()

	logging.Debug("board reconciled", map[string]interface{}{
		"board_id":   c.boardID,
		"remote":     len(docs),
		"local_only": kept,
		"cached":     len(cached),
	})
	c.schedulePersist()
	c.listeners.Emit(out)
	c.backfill(out, cached)
	return true
}

// fromDocuments groups docs by day, sorted stable by order.
func fromDocuments(docs []remote.Document) (models.Board, map[string]bool) {
	board := models.Board{}
	ids := make(map[string]bool, len(docs))
	for _, d := range docs {
		if d.ID == "" || ids[d.ID] {
			continue
		}
		ids[d.ID] = true
		order := d.Order
		board[d.DayKey] = append(board[d.DayKey], models.ImageRecord{
			ID:       d.ID,
			Name:     d.Name,
			Src:      d.ImageURL,
			ImageURL: d.ImageURL,
			Fav:      d.Fav,
			Note:     d.Note,
			Order:    &order,
		})
	}
	for _, items := range board {
		sort.SliceStable(items, func(i, j int) bool {
			return orderOf(items[i]) < orderOf(items[j])
		})
	}
	return board, ids
}

func orderOf(r models.ImageRecord) int {
	if r.Order == nil {
		return 0
	}
	return *r.Order
}

func stripOrder(b models.Board) {
	for _, items := range b {
		for i := range items {
			items[i].Order = nil
		}
	}
}

// substituteCached swaps remote references in b for cached payloads and
// returns the ids that were substituted.
func (c *Cache) substituteCached(ctx context.Context, b models.Board) map[string]string {
	if c.images == nil {
		return nil
	}
	var ids []string
	for _, items := range b {
		for _, it := range items {
			if it.ImageURL != "" {
				ids = append(ids, it.ID)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	cached := c.images.GetMany(ctx, ids)
	for _, items := range b {
		for i := range items {
			if src, ok := cached[items[i].ID]; ok && items[i].ImageURL != "" {
				items[i].Src = src
			}
		}
	}
	return cached
}

// backfill fetches the uncached remote images of b and republishes the board
// once they are available.
func (c *Cache) backfill(b models.Board, cached map[string]string) {
	if c.images == nil {
		return
	}
	var missing []models.ImageRecord
	for _, day := range b.DayKeys() {
		for _, it := range b[day] {
			if it.ImageURL == "" {
				continue
			}
			if _, ok := cached[it.ID]; ok {
				continue
			}
			missing = append(missing, it)
		}
	}
	if len(missing) == 0 {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.bg.Done()
		fetched := c.images.Backfill(c.bgCtx, missing)
		if len(fetched) == 0 {
			return
		}

		c.mu.Lock()
		changed := false
		for _, items := range c.board {
			for i := range items {
				src, ok := fetched[items[i].ID]
				if ok && items[i].ImageURL != "" && items[i].Src == items[i].ImageURL {
					items[i].Src = src
					changed = true
				}
			}
		}
		out := c.board.Clone()
		c.mu.Unlock()

		if changed {
			c.listeners.Emit(out)
		}
	}()
}

// Wait blocks until background image fetches started so far have finished.
func (c *Cache) Wait() {
	c.bg.Wait()
}

// =====================================================
// Persistence
// =====================================================

func (c *Cache) schedulePersist() {
	c.persist(func() {
		if err := c.save(c.bgCtx); err != nil {
			logging.Error("failed to persist board snapshot", err, map[string]interface{}{"board_id": c.boardID})
		}
	})
}

// Flush writes the current board to the snapshot store now.
func (c *Cache) Flush(ctx context.Context) error {
	return c.save(ctx)
}

func (c *Cache) save(ctx context.Context) error {
	c.mu.Lock()
	if !c.loaded {
		c.mu.Unlock()
		return nil
	}
	snap := snapshotForm(c.board)
	c.mu.Unlock()

	return c.store.SaveBoardSnapshot(ctx, c.boardID, snap)
}

// snapshotForm is the board as stored: confirmed images reference their
// remote URL, cached payloads are substituted again on load.
func snapshotForm(b models.Board) models.Board {
	out := b.Clone()
	for _, items := range out {
		for i := range items {
			if items[i].ImageURL != "" {
				items[i].Src = items[i].ImageURL
			}
			items[i].Order = nil
		}
	}
	return out
}

// Close stops background fetches and writes the final snapshot.
func (c *Cache) Close(ctx context.Context) error {
	c.bgCancel()
	c.bg.Wait()

	err := c.save(ctx)

	c.mu.Lock()
	c.closed = true
	c.loaded = false
	c.mu.Unlock()
	return err
}

// publish marks the board as populated, schedules a snapshot write and
// notifies listeners. Callers must not hold mu.
func (c *Cache) publish() {
	c.mu.Lock()
	c.loaded = true
	out := c.board.Clone()
	c.mu.Unlock()

	c.schedulePersist()
	c.listeners.Emit(out)
}
