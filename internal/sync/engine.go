// Package sync replays queued board mutations against the remote store.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/models"
	"github.com/kimhsiao/postbills/backend/internal/observer"
	"github.com/kimhsiao/postbills/backend/internal/remote"
	"github.com/kimhsiao/postbills/backend/internal/sync/queue"
)

// SyncStatus is the user-visible state of a board's sync.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// DefaultSuccessResetDelay is how long a success status stays up before reverting to idle.
const DefaultSuccessResetDelay = 3 * time.Second

// maxErrorHistory caps the retained failure entries.
const maxErrorHistory = 100

// SyncEvent is published on every status change.
type SyncEvent struct {
	BoardID    string     `json:"boardId"`
	Status     SyncStatus `json:"status"`
	Message    string     `json:"message,omitempty"`
	QueueCount int        `json:"queueCount"`
	Timestamp  time.Time  `json:"timestamp"`
}

// SyncErrorEntry records one failed replay attempt.
type SyncErrorEntry struct {
	BoardID   string        `json:"boardId"`
	OpID      string        `json:"opId"`
	Kind      models.OpKind `json:"kind"`
	Retries   int           `json:"retries"`
	Stuck     bool          `json:"stuck"`
	Error     string        `json:"error"`
	Timestamp time.Time     `json:"timestamp"`
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	BoardID   string        `json:"boardId"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Stuck     int           `json:"stuck"`
	Held      int           `json:"held"`
	Remaining int           `json:"remaining"`
	Skipped   bool          `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// Options tunes an Engine.
type Options struct {
	// SuccessResetDelay defaults to DefaultSuccessResetDelay; negative disables the revert.
	SuccessResetDelay time.Duration
}

// DrainOptions tunes a single drain pass.
type DrainOptions struct {
	// SkipStuck leaves operations at the retry ceiling queued without
	// resending them. Background passes set it; explicit drains do not.
	SkipStuck bool
}

// SyncEngine drains per-board mutation queues.
// At most one drain runs per board; drains of different boards may overlap.
type SyncEngine struct {
	queue      *queue.MutationQueue
	translator *Translator

	mu         sync.Mutex
	inFlight   map[string]bool
	status     map[string]SyncStatus
	lastSync   map[string]time.Time
	idleTimers map[string]*time.Timer
	resetDelay time.Duration

	errMu        sync.RWMutex
	errorHistory []SyncErrorEntry

	listeners observer.Registry[SyncEvent]
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(q *queue.MutationQueue, docs remote.DocumentStore, objects remote.ObjectStore, opts Options) *SyncEngine {
	delay := opts.SuccessResetDelay
	if delay == 0 {
		delay = DefaultSuccessResetDelay
	}
	return &SyncEngine{
		queue:        q,
		translator:   NewTranslator(docs, objects),
		inFlight:     make(map[string]bool),
		status:       make(map[string]SyncStatus),
		lastSync:     make(map[string]time.Time),
		idleTimers:   make(map[string]*time.Timer),
		resetDelay:   delay,
		errorHistory: make([]SyncErrorEntry, 0),
	}
}

// Subscribe registers fn for status events. Events are delivered
// synchronously in registration order.
func (e *SyncEngine) Subscribe(fn func(SyncEvent)) (unsubscribe func()) {
	return e.listeners.Subscribe(fn)
}

// Status returns the current status of boardID.
func (e *SyncEngine) Status(boardID string) SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.status[boardID]; ok {
		return s
	}
	return SyncStatusIdle
}

// LastSync returns when boardID last finished a drain without failures.
func (e *SyncEngine) LastSync(boardID string) *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastSync[boardID]
	if !ok {
		return nil
	}
	return &t
}

// Draining reports whether a drain of boardID is in flight.
func (e *SyncEngine) Draining(boardID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[boardID]
}

// Apply performs one direct remote write without touching the queue.
func (e *SyncEngine) Apply(ctx context.Context, boardID string, p models.Payload) error {
	return e.translator.Apply(ctx, boardID, p)
}

// Drain replays the operations queued for boardID when the call starts.
// Operations enqueued while the pass runs wait for the next trigger.
// A drain requested while one is running for the same board is skipped.
func (e *SyncEngine) Drain(ctx context.Context, boardID string) (*DrainResult, error) {
	return e.DrainWith(ctx, boardID, DrainOptions{})
}

// DrainWith is Drain with per-pass options.
func (e *SyncEngine) DrainWith(ctx context.Context, boardID string, opts DrainOptions) (*DrainResult, error) {
	e.mu.Lock()
	if e.inFlight[boardID] {
		e.mu.Unlock()
		logging.Debug("drain already in progress, skipping", map[string]interface{}{"board_id": boardID})
		return &DrainResult{BoardID: boardID, Skipped: true}, nil
	}
	e.inFlight[boardID] = true
	if timer, ok := e.idleTimers[boardID]; ok {
		timer.Stop()
		delete(e.idleTimers, boardID)
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, boardID)
		e.mu.Unlock()
	}()

	start := time.Now()
	result := &DrainResult{BoardID: boardID}

	ops, err := e.queue.Pending(ctx, boardID)
	if err != nil {
		logging.Error("failed to read sync queue", err, map[string]interface{}{"board_id": boardID})
		e.emit(SyncEvent{BoardID: boardID, Status: SyncStatusError, Message: "Sync failed: queue unavailable"})
		return nil, err
	}

	// ids of adds that failed or were held back in this pass; later batches must not skip them
	unconfirmed := make(map[string]bool)

	if opts.SkipStuck {
		active := ops[:0:0]
		for _, op := range ops {
			if e.queue.Stuck(op) {
				result.Held++
				markUnconfirmed(unconfirmed, op)
				continue
			}
			active = append(active, op)
		}
		ops = active
	}

	if len(ops) == 0 {
		if result.Held > 0 {
			logging.Debug("only stuck operations queued, waiting for manual retry", map[string]interface{}{
				"board_id": boardID,
				"held":     result.Held,
			})
			result.Remaining = result.Held
			return result, nil
		}
		e.emit(SyncEvent{BoardID: boardID, Status: SyncStatusIdle})
		return result, nil
	}

	result.Total = len(ops)
	e.emit(SyncEvent{
		BoardID:    boardID,
		Status:     SyncStatusSyncing,
		Message:    fmt.Sprintf("Syncing %d changes", len(ops)),
		QueueCount: len(ops),
	})
	logging.Info("drain started", map[string]interface{}{"board_id": boardID, "pending": len(ops)})

	// bookkeeping for a write that already landed must not be cut short
	bookCtx := context.WithoutCancel(ctx)

	var ctxErr error
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			// the rest stay queued untouched for the next trigger
			ctxErr = err
			break
		}

		if err := e.translator.ApplyQueued(ctx, boardID, op.Payload, unconfirmed); err != nil {
			markUnconfirmed(unconfirmed, op)
			result.Failed++
			stuck, qerr := e.queue.Failed(bookCtx, op, err)
			if qerr != nil {
				logging.Error("failed to record retry", qerr, map[string]interface{}{"op_id": op.ID})
			}
			if stuck {
				result.Stuck++
			}
			e.recordError(op, stuck, err)
			continue
		}

		result.Succeeded++
		if err := e.queue.Complete(bookCtx, op.ID); err != nil {
			// the write landed; replaying it later is harmless
			logging.Error("failed to remove applied operation", err, map[string]interface{}{"op_id": op.ID})
		}
	}

	remaining, err := e.queue.Count(bookCtx, boardID)
	if err != nil {
		remaining = result.Total + result.Held - result.Succeeded
	}
	result.Remaining = remaining
	result.Duration = time.Since(start)

	fields := map[string]interface{}{
		"board_id":  boardID,
		"total":     result.Total,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"stuck":     result.Stuck,
		"held":      result.Held,
		"remaining": result.Remaining,
		"duration":  result.Duration.String(),
	}

	if result.Failed > 0 || result.Held > 0 || ctxErr != nil {
		logging.Warn("drain finished with failures", fields)
		e.emit(SyncEvent{
			BoardID:    boardID,
			Status:     SyncStatusError,
			Message:    fmt.Sprintf("Synced %d of %d changes", result.Succeeded, result.Total+result.Held),
			QueueCount: remaining,
		})
		return result, ctxErr
	}

	logging.Info("drain finished", fields)
	e.mu.Lock()
	e.lastSync[boardID] = time.Now()
	e.mu.Unlock()
	e.emit(SyncEvent{
		BoardID:    boardID,
		Status:     SyncStatusSuccess,
		Message:    fmt.Sprintf("Synced %d changes", result.Succeeded),
		QueueCount: remaining,
	})
	e.scheduleIdle(boardID)
	return result, nil
}

func markUnconfirmed(unconfirmed map[string]bool, op *models.QueuedOperation) {
	if add, ok := op.Payload.(models.AddPayload); ok {
		for _, entry := range add.Entries {
			unconfirmed[entry.ID] = true
		}
	}
}

// scheduleIdle reverts a success status to idle after the reset delay
// unless something else happened to the board in the meantime.
func (e *SyncEngine) scheduleIdle(boardID string) {
	if e.resetDelay < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if timer, ok := e.idleTimers[boardID]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(e.resetDelay, func() {
		e.mu.Lock()
		if e.idleTimers[boardID] != timer || e.inFlight[boardID] || e.status[boardID] != SyncStatusSuccess {
			e.mu.Unlock()
			return
		}
		delete(e.idleTimers, boardID)
		e.mu.Unlock()

		count, err := e.queue.Count(context.Background(), boardID)
		if err != nil {
			count = 0
		}
		e.emit(SyncEvent{BoardID: boardID, Status: SyncStatusIdle, QueueCount: count})
	})
	e.idleTimers[boardID] = timer
}

// emit records the status and notifies listeners.
func (e *SyncEngine) emit(event SyncEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.mu.Lock()
	e.status[event.BoardID] = event.Status
	e.mu.Unlock()

	e.listeners.Emit(event)
}

func (e *SyncEngine) recordError(op *models.QueuedOperation, stuck bool, err error) {
	entry := SyncErrorEntry{
		BoardID:   op.BoardID,
		OpID:      op.ID,
		Kind:      op.Kind,
		Retries:   op.Retries,
		Stuck:     stuck,
		Error:     err.Error(),
		Timestamp: time.Now(),
	}

	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.errorHistory = append(e.errorHistory, entry)
	if len(e.errorHistory) > maxErrorHistory {
		e.errorHistory = e.errorHistory[len(e.errorHistory)-maxErrorHistory:]
	}
}

// GetErrorHistory returns a copy of the recorded failures, oldest first.
func (e *SyncEngine) GetErrorHistory() []SyncErrorEntry {
	e.errMu.RLock()
	defer e.errMu.RUnlock()
	out := make([]SyncErrorEntry, len(e.errorHistory))
	copy(out, e.errorHistory)
	return out
}

// ClearErrorHistory drops every recorded failure.
func (e *SyncEngine) ClearErrorHistory() {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.errorHistory = make([]SyncErrorEntry, 0)
}

// Close stops pending idle reverts.
func (e *SyncEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timer := range e.idleTimers {
		timer.Stop()
		delete(e.idleTimers, id)
	}
}
