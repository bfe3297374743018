package sync

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math/rand"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/postbills/backend/internal/db"
	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/media"
	"github.com/kimhsiao/postbills/backend/internal/models"
	"github.com/kimhsiao/postbills/backend/internal/remote"
	"github.com/kimhsiao/postbills/backend/internal/sync/queue"
)

const (
	testBoard = "demo"
	testDay   = "2024-06-01"
)

type harness struct {
	engine *SyncEngine
	queue  *queue.MutationQueue
	repo   *db.Repository
	mem    *remote.Memory

	mu     stdsync.Mutex
	events []SyncEvent
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	mem := remote.NewMemory("")
	q := queue.NewMutationQueue(repo, queue.DefaultMaxRetries)
	if opts.SuccessResetDelay == 0 {
		opts.SuccessResetDelay = -1
	}
	h := &harness{
		engine: NewSyncEngine(q, mem, mem.Objects(), opts),
		queue:  q,
		repo:   repo,
		mem:    mem,
	}
	t.Cleanup(h.engine.Close)
	h.engine.Subscribe(func(e SyncEvent) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) enqueue(t *testing.T, p models.Payload) *models.QueuedOperation {
	t.Helper()
	op, err := h.queue.Enqueue(context.Background(), testBoard, p)
	require.NoError(t, err)
	return op
}

func (h *harness) statuses() []SyncStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SyncStatus, len(h.events))
	for i, e := range h.events {
		out[i] = e.Status
	}
	return out
}

func (h *harness) lastEvent() SyncEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[len(h.events)-1]
}

var pngDataURL = func() string {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2)))
	return media.EncodeDataURL("image/png", buf.Bytes())
}()

func addPayload(start int, ids ...string) models.AddPayload {
	p := models.AddPayload{DayKey: testDay, StartOrder: start}
	for _, id := range ids {
		p.Entries = append(p.Entries, models.AddEntry{ID: id, Name: id + ".png", DataURL: pngDataURL})
	}
	return p
}

func seedDocs(t *testing.T, mem *remote.Memory, ids ...string) {
	t.Helper()
	for i, id := range ids {
		require.NoError(t, mem.Set(context.Background(), testBoard, remote.Document{
			ID: id, Name: id, DayKey: testDay, Order: i, ImageURL: "https://cdn/" + id,
		}))
	}
	mem.ResetCalls()
}

// =====================================================
// Engine basics
// =====================================================

func TestNewSyncEngine(t *testing.T) {
	engine := NewSyncEngine(nil, nil, nil, Options{})

	assert.Equal(t, SyncStatusIdle, engine.Status("any"))
	assert.Nil(t, engine.LastSync("any"))
	assert.False(t, engine.Draining("any"))
	assert.NotNil(t, engine.GetErrorHistory())
	assert.Empty(t, engine.GetErrorHistory())
	assert.Equal(t, DefaultSuccessResetDelay, engine.resetDelay)
}

func TestDrain_emptyQueueEmitsIdle(t *testing.T) {
	h := newHarness(t, Options{})

	res, err := h.engine.Drain(context.Background(), testBoard)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, []SyncStatus{SyncStatusIdle}, h.statuses())
	assert.Empty(t, h.mem.Calls())
}

func TestDrain_successMessageAndEvents(t *testing.T) {
	h := newHarness(t, Options{})
	seedDocs(t, h.mem, "a")
	h.enqueue(t, models.UpdateNotePayload{ID: "a", DayKey: testDay, Note: "one"})
	h.enqueue(t, models.UpdateNotePayload{ID: "a", DayKey: testDay, Note: "two"})

	res, err := h.engine.Drain(context.Background(), testBoard)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, []SyncStatus{SyncStatusSyncing, SyncStatusSuccess}, h.statuses())

	h.mu.Lock()
	syncing, success := h.events[0], h.events[1]
	h.mu.Unlock()
	assert.Equal(t, 2, syncing.QueueCount)
	assert.Equal(t, "Synced 2 changes", success.Message)
	assert.Equal(t, 0, success.QueueCount)
	assert.NotNil(t, h.engine.LastSync(testBoard))
	assert.Equal(t, "two", h.mem.Documents(testBoard)[0].Note)
}

func TestDrain_successRevertsToIdle(t *testing.T) {
	h := newHarness(t, Options{SuccessResetDelay: 20 * time.Millisecond})
	h.enqueue(t, models.UpdateNotePayload{ID: "a", DayKey: testDay, Note: "x"})

	_, err := h.engine.Drain(context.Background(), testBoard)
	require.NoError(t, err)
	assert.Equal(t, SyncStatusSuccess, h.engine.Status(testBoard))

	require.Eventually(t, func() bool {
		return h.engine.Status(testBoard) == SyncStatusIdle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []SyncStatus{SyncStatusSyncing, SyncStatusSuccess, SyncStatusIdle}, h.statuses())
}

func TestDrain_partialFailureContinues(t *testing.T) {
	h := newHarness(t, Options{})
	h.mem.SetFault(func(op, boardID string, ids []string) error {
		if op == "merge" && ids[0] == "bad" {
			return errors.New(errors.ErrRemoteTransient, "injected")
		}
		return nil
	})

	h.enqueue(t, models.UpdateNotePayload{ID: "a", DayKey: testDay, Note: "1"})
	bad := h.enqueue(t, models.UpdateNotePayload{ID: "bad", DayKey: testDay, Note: "2"})
	h.enqueue(t, models.UpdateNotePayload{ID: "c", DayKey: testDay, Note: "3"})

	res, err := h.engine.Drain(context.Background(), testBoard)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)

	last := h.lastEvent()
	assert.Equal(t, SyncStatusError, last.Status)
	assert.Equal(t, "Synced 2 of 3 changes", last.Message)
	assert.Equal(t, 1, last.QueueCount)

	pending, _ := h.queue.Pending(context.Background(), testBoard)
	require.Len(t, pending, 1)
	assert.Equal(t, bad.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Retries)

	history := h.engine.GetErrorHistory()
	require.Len(t, history, 1)
	assert.Equal(t, bad.ID, history[0].OpID)
	assert.False(t, history[0].Stuck)
}

func TestDrain_retryCeiling(t *testing.T) {
	h := newHarness(t, Options{})
	h.mem.SetFault(func(op, boardID string, ids []string) error {
		return errors.New(errors.ErrRemoteTransient, "offline")
	})
	op := h.enqueue(t, models.UpdateNotePayload{ID: "a", DayKey: testDay, Note: "x"})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := h.engine.Drain(ctx, testBoard)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Stuck, "drain %d", i)
		assert.Len(t, h.mem.Calls(), i, "one remote call per drain, no in-pass retry")
	}

	got, err := h.repo.GetQueued(ctx, op.ID)
	require.NoError(t, err, "operation must not be discarded")
	assert.Equal(t, 3, got.Retries)

	// no further call happens without a new trigger
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.mem.Calls(), 3)

	res, err := h.engine.Drain(ctx, testBoard)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stuck)
	got, _ = h.repo.GetQueued(ctx, op.ID)
	assert.Equal(t, 3, got.Retries, "counter stops at the ceiling")
	assert.Equal(t, "Synced 0 of 1 changes", h.lastEvent().Message)

	history := h.engine.GetErrorHistory()
	assert.True(t, history[len(history)-1].Stuck)
}

func TestDrainWith_skipStuckLeavesCeilingOpsAlone(t *testing.T) {
	h := newHarness(t, Options{})
	seedDocs(t, h.mem, "a")
	failing := true
	h.mem.SetFault(func(op, boardID string, ids []string) error {
		if failing && op == "merge" {
			return errors.New(errors.ErrRemoteTransient, "offline")
		}
		return nil
	})
	stuck := h.enqueue(t, models.UpdateNotePayload{ID: "a", DayKey: testDay, Note: "x"})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.engine.Drain(ctx, testBoard)
		require.NoError(t, err)
	}
	h.enqueue(t, models.UpdateNotePayload{ID: "a", DayKey: testDay, Note: "y"})
	h.mem.ResetCalls()

	res, err := h.engine.DrainWith(ctx, testBoard, DrainOptions{SkipStuck: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Held)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Stuck)
	assert.Equal(t, 1, res.Remaining)
	assert.Len(t, h.mem.Calls(), 1, "stuck operation not resent")
	assert.Equal(t, SyncStatusError, h.lastEvent().Status)
	assert.Equal(t, "Synced 1 of 2 changes", h.lastEvent().Message)

	// a pass with nothing but stuck operations makes no calls and no events
	h.mem.ResetCalls()
	before := len(h.statuses())
	res, err = h.engine.DrainWith(ctx, testBoard, DrainOptions{SkipStuck: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Held)
	assert.Zero(t, res.Total)
	assert.Empty(t, h.mem.Calls())
	assert.Len(t, h.statuses(), before)

	// an explicit drain still resends it
	failing = false
	res, err = h.engine.Drain(ctx, testBoard)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	_, err = h.repo.GetQueued(ctx, stuck.ID)
	assert.Error(t, err)
}

func TestDrainWith_heldAddBlocksLaterBatch(t *testing.T) {
	h := newHarness(t, Options{})
	seedDocs(t, h.mem, "a")
	add := h.enqueue(t, addPayload(1, "x"))
	ctx := context.Background()
	require.NoError(t, h.repo.IncrementRetries(ctx, add.ID))
	require.NoError(t, h.repo.IncrementRetries(ctx, add.ID))
	require.NoError(t, h.repo.IncrementRetries(ctx, add.ID))
	h.enqueue(t, models.ToggleFavoritePayload{
		ID: "x", DayKey: testDay, Fav: true, Ordered: []string{"x", "a"},
	})

	res, err := h.engine.DrainWith(ctx, testBoard, DrainOptions{SkipStuck: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Held)
	assert.Equal(t, 1, res.Failed, "favorite waits for the held add")
	assert.Equal(t, 2, res.Remaining)
	assert.Len(t, h.mem.Documents(testBoard), 1)
}

func TestDrain_concurrentSameBoardSkipped(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.mem.SetFault(func(op, boardID string, ids []string) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	h.enqueue(t, models.UpdateNotePayload{ID: "a", DayKey: testDay, Note: "x"})

	done := make(chan *DrainResult, 1)
	go func() {
		res, _ := h.engine.Drain(context.Background(), testBoard)
		done <- res
	}()
	<-entered
	require.True(t, h.engine.Draining(testBoard))

	res, err := h.engine.Drain(context.Background(), testBoard)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Succeeded)
	assert.Len(t, h.mem.Calls(), 1)
}

func TestDrain_opsEnqueuedDuringDrainWait(t *testing.T) {
	h := newHarness(t, Options{})
	var once stdsync.Once
	h.mem.SetFault(func(op, boardID string, ids []string) error {
		once.Do(func() {
			h.queue.Enqueue(context.Background(), testBoard,
				models.UpdateNotePayload{ID: "late", DayKey: testDay, Note: "later"})
		})
		return nil
	})
	h.enqueue(t, models.UpdateNotePayload{ID: "a", DayKey: testDay, Note: "x"})

	res, err := h.engine.Drain(context.Background(), testBoard)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, 1, h.lastEvent().QueueCount)
}

func TestDrain_cancelledContextLeavesRestQueued(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	h.mem.SetFault(func(op, boardID string, ids []string) error {
		cancel()
		return nil
	})
	h.enqueue(t, models.UpdateNotePayload{ID: "a", DayKey: testDay, Note: "1"})
	h.enqueue(t, models.UpdateNotePayload{ID: "b", DayKey: testDay, Note: "2"})

	res, err := h.engine.Drain(ctx, testBoard)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Failed)

	pending, _ := h.queue.Pending(context.Background(), testBoard)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Retries)
}

// =====================================================
// Ordering and idempotence
// =====================================================

type expectedCall = remote.Call

func randomPayloads(rng *rand.Rand, n int) []models.Payload {
	var out []models.Payload
	known := []string{}
	for i := 0; i < n; i++ {
		switch {
		case len(known) == 0 || rng.Intn(3) == 0:
			id := fmt.Sprintf("img-%d", i)
			known = append(known, id)
			out = append(out, addPayload(rng.Intn(3), id))
		case rng.Intn(2) == 0:
			id := known[rng.Intn(len(known))]
			out = append(out, models.UpdateNotePayload{ID: id, DayKey: testDay, Note: fmt.Sprintf("n%d", i)})
		default:
			id := known[rng.Intn(len(known))]
			out = append(out, models.DeletePayload{ID: id, DayKey: testDay})
		}
	}
	return out
}

func callsFor(p models.Payload) []expectedCall {
	switch p := p.(type) {
	case models.AddPayload:
		var calls []expectedCall
		for _, e := range p.Entries {
			calls = append(calls,
				expectedCall{Op: "upload", IDs: []string{remote.ObjectKey(testBoard, e.ID)}},
				expectedCall{Op: "set", BoardID: testBoard, IDs: []string{e.ID}})
		}
		return calls
	case models.UpdateNotePayload:
		return []expectedCall{{Op: "merge", BoardID: testBoard, IDs: []string{p.ID}}}
	case models.DeletePayload:
		return []expectedCall{
			{Op: "delete", BoardID: testBoard, IDs: []string{p.ID}},
			{Op: "delete-object", IDs: []string{remote.ObjectKey(testBoard, p.ID)}},
		}
	}
	return nil
}

func TestDrain_replaysInEnqueueOrder(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			h := newHarness(t, Options{})
			payloads := randomPayloads(rand.New(rand.NewSource(seed)), 25)

			var want []expectedCall
			for _, p := range payloads {
				h.enqueue(t, p)
				want = append(want, callsFor(p)...)
			}

			res, err := h.engine.Drain(context.Background(), testBoard)
			require.NoError(t, err)
			assert.Equal(t, len(payloads), res.Succeeded)
			assert.Equal(t, want, h.mem.Calls())
		})
	}
}

func normalized(docs []remote.Document) []remote.Document {
	out := make([]remote.Document, len(docs))
	for i, d := range docs {
		d.CreatedAt = 0
		out[i] = d
	}
	return out
}

func TestDrain_replayAfterCrashIsIdempotent(t *testing.T) {
	payloads := randomPayloads(rand.New(rand.NewSource(42)), 30)
	ctx := context.Background()

	once := newHarness(t, Options{})
	for _, p := range payloads {
		once.enqueue(t, p)
	}
	_, err := once.engine.Drain(ctx, testBoard)
	require.NoError(t, err)

	// the first half landed remotely but the process died before removing it
	twice := newHarness(t, Options{})
	for _, p := range payloads {
		twice.enqueue(t, p)
	}
	for _, p := range payloads[:15] {
		require.NoError(t, twice.engine.Apply(ctx, testBoard, p))
	}
	_, err = twice.engine.Drain(ctx, testBoard)
	require.NoError(t, err)

	assert.Equal(t, normalized(once.mem.Documents(testBoard)), normalized(twice.mem.Documents(testBoard)))
}

// =====================================================
// Translation
// =====================================================

func TestApply_addUploadsAndWritesDocuments(t *testing.T) {
	h := newHarness(t, Options{})
	seedDocs(t, h.mem, "old0", "old1")

	p := addPayload(1, "n1", "n2")
	p.Shifted = []models.OrderRef{{ID: "old1", Order: 3}}
	require.NoError(t, h.engine.Apply(context.Background(), testBoard, p))

	calls := h.mem.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "batch", calls[0].Op, "existing items shift first")

	docs := h.mem.Documents(testBoard)
	require.Len(t, docs, 4)
	got := make([]string, len(docs))
	for i, d := range docs {
		got[i] = d.ID
	}
	assert.Equal(t, []string{"old0", "n1", "n2", "old1"}, got)

	n1 := docs[1]
	assert.Equal(t, "n1.png", n1.Name)
	assert.Equal(t, testDay, n1.DayKey)
	assert.False(t, n1.Fav)
	assert.Equal(t, "", n1.Note)
	assert.Equal(t, "mem://objects/"+remote.ObjectKey(testBoard, "n1"), n1.ImageURL)

	data, ct, ok := h.mem.Objects().Get(remote.ObjectKey(testBoard, "n1"))
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", ct)
	_, err := media.Inspect(data)
	assert.NoError(t, err)
}

func TestApply_addRejectsBadImage(t *testing.T) {
	h := newHarness(t, Options{})
	p := models.AddPayload{DayKey: testDay, Entries: []models.AddEntry{{ID: "x", DataURL: "data:image/png;base64,AAAA"}}}

	err := h.engine.Apply(context.Background(), testBoard, p)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
	assert.False(t, errors.IsRetryable(err))
}

func TestApply_deleteMissingIsSuccess(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.engine.Apply(context.Background(), testBoard, models.DeletePayload{ID: "ghost"})
	assert.NoError(t, err)
}

func TestApply_deleteRemovesObject(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.engine.Apply(ctx, testBoard, addPayload(0, "x")))

	require.NoError(t, h.engine.Apply(ctx, testBoard, models.DeletePayload{ID: "x", DayKey: testDay}))
	assert.Empty(t, h.mem.Documents(testBoard))
	_, _, ok := h.mem.Objects().Get(remote.ObjectKey(testBoard, "x"))
	assert.False(t, ok)
}

func TestApply_toggleFavoriteRewritesOrder(t *testing.T) {
	h := newHarness(t, Options{})
	seedDocs(t, h.mem, "a", "b", "c")

	err := h.engine.Apply(context.Background(), testBoard, models.ToggleFavoritePayload{
		ID: "c", DayKey: testDay, Fav: true, Ordered: []string{"c", "a", "b"},
	})
	require.NoError(t, err)

	calls := h.mem.Calls()
	require.Len(t, calls, 1, "single atomic batch")
	assert.Equal(t, "batch", calls[0].Op)

	docs := h.mem.Documents(testBoard)
	assert.Equal(t, "c", docs[0].ID)
	assert.True(t, docs[0].Fav)
	assert.False(t, docs[1].Fav)
}

func TestApply_reorderAcrossDays(t *testing.T) {
	h := newHarness(t, Options{})
	seedDocs(t, h.mem, "a", "b")

	err := h.engine.Apply(context.Background(), testBoard, models.ReorderPayload{
		SourceKey: testDay, DestKey: "2024-06-02",
		SourceIDs: []string{"a"}, DestIDs: []string{"b"},
	})
	require.NoError(t, err)

	docs := h.mem.Documents(testBoard)
	require.Len(t, docs, 2)
	assert.Equal(t, testDay, docs[0].DayKey)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "2024-06-02", docs[1].DayKey)
	assert.Equal(t, 0, docs[1].Order)
}

func TestApply_batchSkipsRemotelyDeletedTargets(t *testing.T) {
	h := newHarness(t, Options{})
	seedDocs(t, h.mem, "a", "b")

	err := h.engine.Apply(context.Background(), testBoard, models.ReorderPayload{
		SourceKey: testDay, DestKey: testDay,
		SourceIDs: []string{"gone", "b", "a"},
	})
	require.NoError(t, err)

	docs := h.mem.Documents(testBoard)
	assert.Equal(t, "b", docs[0].ID)
	assert.Equal(t, 1, docs[0].Order)
	assert.Equal(t, 2, docs[1].Order)
}

func TestDrain_favoriteWaitsForFailedAdd(t *testing.T) {
	h := newHarness(t, Options{})
	seedDocs(t, h.mem, "a")

	uploads := 0
	h.mem.SetFault(func(op, boardID string, ids []string) error {
		if op == "upload" {
			uploads++
			if uploads == 1 {
				return errors.New(errors.ErrRemoteTransient, "injected")
			}
		}
		return nil
	})

	h.enqueue(t, addPayload(1, "x"))
	fav := h.enqueue(t, models.ToggleFavoritePayload{
		ID: "x", DayKey: testDay, Fav: true, Ordered: []string{"x", "a"},
	})
	ctx := context.Background()

	res, err := h.engine.Drain(ctx, testBoard)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 2, res.Failed, "favorite of an item not uploaded yet must stay queued")
	assert.Equal(t, 2, res.Remaining)

	got, err := h.repo.GetQueued(ctx, fav.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retries)
	assert.Len(t, h.mem.Documents(testBoard), 1, "nothing written for x")

	res, err = h.engine.Drain(ctx, testBoard)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, res.Remaining)

	docs := h.mem.Documents(testBoard)
	require.Len(t, docs, 2)
	assert.Equal(t, "x", docs[0].ID)
	assert.True(t, docs[0].Fav)
	assert.Equal(t, 0, docs[0].Order)
	assert.Equal(t, "a", docs[1].ID)
	assert.False(t, docs[1].Fav)
	assert.Equal(t, 1, docs[1].Order)
}

func TestApplyQueued_unconfirmedTargetFails(t *testing.T) {
	h := newHarness(t, Options{})
	seedDocs(t, h.mem, "a")
	tr := NewTranslator(h.mem, h.mem.Objects())

	p := models.ReorderPayload{SourceKey: testDay, DestKey: testDay, SourceIDs: []string{"x", "a"}}
	err := tr.ApplyQueued(context.Background(), testBoard, p, map[string]bool{"x": true})
	assert.True(t, errors.Is(err, errors.ErrRemoteNotFound))
	assert.Equal(t, 0, h.mem.Documents(testBoard)[0].Order, "batch is all or nothing")

	// a target deleted remotely with no pending add is still dropped
	require.NoError(t, tr.ApplyQueued(context.Background(), testBoard, p, map[string]bool{}))
	assert.Equal(t, 1, h.mem.Documents(testBoard)[0].Order)
}

func TestApply_invalidPayloads(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	assert.True(t, errors.Is(h.engine.Apply(ctx, testBoard, nil), errors.ErrInvalid))
	assert.True(t, errors.Is(h.engine.Apply(ctx, testBoard, models.UpdateNotePayload{ID: "x", DayKey: "bad"}), errors.ErrInvalid))
	assert.Empty(t, h.mem.Calls())
}

func TestDrain_invalidPayloadCountsAsFailure(t *testing.T) {
	h := newHarness(t, Options{})
	// the queue stores anything; validation happens at replay
	h.enqueue(t, models.ToggleFavoritePayload{})

	res, err := h.engine.Drain(context.Background(), testBoard)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, SyncStatusError, h.lastEvent().Status)
	assert.Empty(t, h.mem.Calls())
}

func TestClassify_wrapsForeignErrors(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.True(t, errors.IsRetryable(classify(fmt.Errorf("socket closed"))))

	rejected := errors.New(errors.ErrRemoteRejected, "no")
	assert.Equal(t, errors.ErrRemoteRejected, errors.CodeOf(classify(rejected)))
}

// =====================================================
// Error history
// =====================================================

func TestErrorHistory_cappedAndCopied(t *testing.T) {
	engine := NewSyncEngine(nil, nil, nil, Options{})
	op := &models.QueuedOperation{ID: "x", BoardID: testBoard, Kind: models.OpDelete}

	for i := 0; i < maxErrorHistory+50; i++ {
		engine.recordError(op, false, fmt.Errorf("e%d", i))
	}

	history := engine.GetErrorHistory()
	require.Len(t, history, maxErrorHistory)
	assert.Equal(t, "e149", history[len(history)-1].Error)

	history[0] = SyncErrorEntry{}
	assert.Equal(t, "e50", engine.GetErrorHistory()[0].Error)

	engine.ClearErrorHistory()
	assert.Empty(t, engine.GetErrorHistory())
}
