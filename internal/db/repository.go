package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/models"
	"github.com/kimhsiao/postbills/backend/internal/uuid"
)

// maxInArgs keeps IN (...) lists well below SQLite's host parameter limit.
const maxInArgs = 500

// Repository provides the durable store operations over a single SQLite handle.
type Repository struct {
	db *sql.DB

	// Prepared statements, keyed by query text, prepared on first use.
	stmtCache sync.Map // map[string]*sql.Stmt

	now func() time.Time
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// another goroutine may have won the race
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Board snapshots
// =====================================================

// SaveBoardSnapshot replaces the stored snapshot for boardID.
func (r *Repository) SaveBoardSnapshot(ctx context.Context, boardID string, board models.Board) error {
	if boardID == "" {
		return errors.New(errors.ErrInvalid, "board id is required")
	}
	if board == nil {
		board = models.Board{}
	}

	raw, err := json.Marshal(board)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to encode board snapshot", err)
	}

	stmt, err := r.PrepareStmt(ctx, `
	INSERT INTO board_snapshots (board_id, board, saved_at) VALUES (?, ?, ?)
	ON CONFLICT(board_id) DO UPDATE SET board = excluded.board, saved_at = excluded.saved_at
	`)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to save board snapshot", err)
	}
	if _, err := stmt.ExecContext(ctx, boardID, string(raw), r.now().UnixMilli()); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to save board snapshot", err)
	}
	return nil
}

// LoadBoardSnapshot returns the stored snapshot for boardID.
// It never fails: a missing, unreadable or corrupt record reports false.
func (r *Repository) LoadBoardSnapshot(ctx context.Context, boardID string) (*models.BoardSnapshot, bool) {
	stmt, err := r.PrepareStmt(ctx, `SELECT board_id, board, saved_at FROM board_snapshots WHERE board_id = ?`)
	if err != nil {
		logging.Warn("board snapshot unavailable", map[string]interface{}{"board_id": boardID, "reason": err.Error()})
		return nil, false
	}

	var (
		snap models.BoardSnapshot
		raw  string
	)
	err = stmt.QueryRowContext(ctx, boardID).Scan(&snap.BoardID, &raw, &snap.SavedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		logging.Warn("board snapshot unavailable", map[string]interface{}{"board_id": boardID, "reason": err.Error()})
		return nil, false
	}

	if err := json.Unmarshal([]byte(raw), &snap.Board); err != nil {
		logging.Warn("board snapshot corrupt, ignoring", map[string]interface{}{"board_id": boardID, "reason": err.Error()})
		return nil, false
	}
	if snap.Board == nil {
		snap.Board = models.Board{}
	}
	return &snap, true
}

// =====================================================
// Sync queue
// =====================================================

const queueColumns = `seq, id, board_id, kind, payload, retries, created_at`

// Enqueue durably appends op and returns the stored record.
// ID and CreatedAt are assigned when zero; Retries always starts at 0.
func (r *Repository) Enqueue(ctx context.Context, op *models.QueuedOperation) (*models.QueuedOperation, error) {
	if op == nil || op.Payload == nil {
		return nil, errors.New(errors.ErrInvalid, "operation payload is required")
	}

	stored := *op
	if stored.ID == "" {
		stored.ID = uuid.NewOrdered()
	}
	if stored.CreatedAt == 0 {
		stored.CreatedAt = r.now().UnixMilli()
	}
	stored.Kind = op.Payload.Kind()
	stored.Retries = 0

	raw, err := models.EncodePayload(stored.Payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to encode operation payload", err)
	}

	stmt, err := r.PrepareStmt(ctx, `
	INSERT INTO sync_queue (id, board_id, kind, payload, retries, created_at)
	VALUES (?, ?, ?, ?, 0, ?)
	`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to enqueue operation", err)
	}
	res, err := stmt.ExecContext(ctx, stored.ID, stored.BoardID, string(stored.Kind), string(raw), stored.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to enqueue operation", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		stored.Seq = seq
	}
	return &stored, nil
}

func scanQueued(scan func(dest ...interface{}) error) (*models.QueuedOperation, error) {
	var (
		op   models.QueuedOperation
		kind string
		raw  string
	)
	if err := scan(&op.Seq, &op.ID, &op.BoardID, &kind, &raw, &op.Retries, &op.CreatedAt); err != nil {
		return nil, err
	}
	op.Kind = models.OpKind(kind)

	payload, err := models.DecodePayload(op.Kind, []byte(raw))
	if err != nil {
		// kept with a nil payload so the engine can count it as a failure
		logging.Warn("queued operation has undecodable payload", map[string]interface{}{
			"op_id":  op.ID,
			"kind":   kind,
			"reason": err.Error(),
		})
	}
	op.Payload = payload
	return &op, nil
}

// ListQueued returns every pending operation for boardID in creation order.
func (r *Repository) ListQueued(ctx context.Context, boardID string) ([]*models.QueuedOperation, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+queueColumns+` FROM sync_queue
	WHERE board_id = ? ORDER BY created_at ASC, seq ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list queued operations", err)
	}

	rows, err := stmt.QueryContext(ctx, boardID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list queued operations", err)
	}
	defer rows.Close()

	ops := []*models.QueuedOperation{}
	for rows.Next() {
		op, err := scanQueued(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to read queued operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list queued operations", err)
	}
	return ops, nil
}

// GetQueued returns one queued operation by id.
func (r *Repository) GetQueued(ctx context.Context, id string) (*models.QueuedOperation, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get queued operation", err)
	}

	op, err := scanQueued(stmt.QueryRowContext(ctx, id).Scan)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("queued operation %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get queued operation", err)
	}
	return op, nil
}

// RemoveQueued deletes the operation. Removing an absent id is a no-op.
func (r *Repository) RemoveQueued(ctx context.Context, id string) error {
	return r.execQueue(ctx, "failed to remove queued operation", `DELETE FROM sync_queue WHERE id = ?`, id)
}

// IncrementRetries bumps the retry counter. An absent id is a no-op.
func (r *Repository) IncrementRetries(ctx context.Context, id string) error {
	return r.execQueue(ctx, "failed to increment retries", `UPDATE sync_queue SET retries = retries + 1 WHERE id = ?`, id)
}

func (r *Repository) execQueue(ctx context.Context, msg, query string, args ...interface{}) error {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, msg, err)
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return errors.Wrap(errors.ErrStorage, msg, err)
	}
	return nil
}

// ResetRetries zeroes the retry counter of every queued operation for boardID.
func (r *Repository) ResetRetries(ctx context.Context, boardID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sync_queue SET retries = 0 WHERE board_id = ? AND retries > 0`, boardID)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to reset retries", err)
	}
	return res.RowsAffected()
}

// ClearQueue drops every queued operation for boardID.
func (r *Repository) ClearQueue(ctx context.Context, boardID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE board_id = ?`, boardID)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to clear queue", err)
	}
	return res.RowsAffected()
}

// QueueCount returns the number of pending operations for boardID.
func (r *Repository) QueueCount(ctx context.Context, boardID string) (int, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT COUNT(*) FROM sync_queue WHERE board_id = ?`)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count queued operations", err)
	}
	var n int
	if err := stmt.QueryRowContext(ctx, boardID).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count queued operations", err)
	}
	return n, nil
}

// LatestQueuedAt returns the newest created_at in the queue across all
// boards, 0 when the queue is empty.
func (r *Repository) LatestQueuedAt(ctx context.Context) (int64, error) {
	var latest int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at), 0) FROM sync_queue`).Scan(&latest); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to read newest queued timestamp", err)
	}
	return latest, nil
}

// QueuedBoards returns the ids of boards that have pending operations.
func (r *Repository) QueuedBoards(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT board_id FROM sync_queue ORDER BY board_id`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list queued boards", err)
	}
	defer rows.Close()

	var boards []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to list queued boards", err)
		}
		boards = append(boards, id)
	}
	return boards, rows.Err()
}

// =====================================================
// Image cache
// =====================================================

// ContentHash returns the hex sha256 of a cached payload.
func ContentHash(dataURL string) string {
	sum := sha256.Sum256([]byte(dataURL))
	return hex.EncodeToString(sum[:])
}

// CacheImage stores (or replaces) the payload cached for id.
func (r *Repository) CacheImage(ctx context.Context, id, dataURL string) error {
	if id == "" || dataURL == "" {
		return errors.New(errors.ErrInvalid, "image id and payload are required")
	}
	stmt, err := r.PrepareStmt(ctx, `
	INSERT INTO image_cache (id, data_url, content_hash, cached_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET data_url = excluded.data_url,
		content_hash = excluded.content_hash, cached_at = excluded.cached_at
	`)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to cache image", err)
	}
	if _, err := stmt.ExecContext(ctx, id, dataURL, ContentHash(dataURL), r.now().UnixMilli()); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to cache image", err)
	}
	return nil
}

// GetCachedImage returns the cached payload for id.
// Read failures and hash mismatches are reported as misses.
func (r *Repository) GetCachedImage(ctx context.Context, id string) (*models.CachedImage, bool) {
	stmt, err := r.PrepareStmt(ctx, `SELECT id, data_url, content_hash, cached_at FROM image_cache WHERE id = ?`)
	if err != nil {
		logging.Warn("image cache read failed", map[string]interface{}{"image_id": id, "reason": err.Error()})
		return nil, false
	}

	var img models.CachedImage
	err = stmt.QueryRowContext(ctx, id).Scan(&img.ID, &img.DataURL, &img.ContentHash, &img.CachedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		logging.Warn("image cache read failed", map[string]interface{}{"image_id": id, "reason": err.Error()})
		return nil, false
	}
	if ContentHash(img.DataURL) != img.ContentHash {
		logging.Warn("image cache entry failed verification", map[string]interface{}{"image_id": id})
		return nil, false
	}
	return &img, true
}

// GetCachedImages returns the verified payloads for the ids that are cached.
func (r *Repository) GetCachedImages(ctx context.Context, ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	for start := 0; start < len(ids); start += maxInArgs {
		end := start + maxInArgs
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `SELECT id, data_url, content_hash FROM image_cache WHERE id IN (?` +
			strings.Repeat(",?", len(chunk)-1) + `)`

		if err := r.collectCached(ctx, query, args, out); err != nil {
			logging.Warn("image cache batch read failed", map[string]interface{}{"ids": len(chunk), "reason": err.Error()})
		}
	}
	return out
}

func (r *Repository) collectCached(ctx context.Context, query string, args []interface{}, out map[string]string) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, dataURL, hash string
		if err := rows.Scan(&id, &dataURL, &hash); err != nil {
			return err
		}
		if ContentHash(dataURL) != hash {
			logging.Warn("image cache entry failed verification", map[string]interface{}{"image_id": id})
			continue
		}
		out[id] = dataURL
	}
	return rows.Err()
}

// RemoveCachedImage drops the cached payload for id.
func (r *Repository) RemoveCachedImage(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM image_cache WHERE id = ?`, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to remove cached image", err)
	}
	return nil
}

// ImageCacheStats reports the number of cached payloads and their total size in bytes.
func (r *Repository) ImageCacheStats(ctx context.Context) (count int, bytes int64, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(length(data_url)), 0) FROM image_cache`).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, errors.Wrap(errors.ErrStorage, "failed to read image cache stats", err)
	}
	return count, bytes, nil
}
