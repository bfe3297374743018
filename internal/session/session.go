// Package session wires the sync subsystem for one process: local store,
// mutation queue, sync engine, connectivity, image cache and the boards
// currently open.
package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/kimhsiao/postbills/backend/internal/board"
	"github.com/kimhsiao/postbills/backend/internal/connectivity"
	"github.com/kimhsiao/postbills/backend/internal/db"
	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/imagecache"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/remote"
	syncpkg "github.com/kimhsiao/postbills/backend/internal/sync"
	"github.com/kimhsiao/postbills/backend/internal/sync/queue"
	"github.com/kimhsiao/postbills/backend/internal/sync/scheduler"
)

// Options configures a SyncContext. Zero values use each component's defaults.
type Options struct {
	MaxRetries int
	Engine     syncpkg.Options
	Board      board.Options
	Images     imagecache.Options
	Scheduler  *scheduler.SchedulerConfig
	HTTPClient *http.Client
}

// SyncContext owns the sync subsystem's collaborators.
// Construct one per process, or one per test.
type SyncContext struct {
	Store     db.LocalStore
	Docs      remote.DocumentStore
	Objects   remote.ObjectStore
	Monitor   *connectivity.Monitor
	Queue     *queue.MutationQueue
	Engine    *syncpkg.SyncEngine
	Images    *imagecache.Cache
	Scheduler *scheduler.Scheduler

	opts Options

	mu      sync.Mutex
	boards  map[string]*openBoard
	started bool
	detach  func()
	ctx     context.Context
	cancel  context.CancelFunc
}

type openBoard struct {
	cache *board.Cache
	unsub func()
}

// New builds a SyncContext. Nothing runs until Start.
func New(store db.LocalStore, docs remote.DocumentStore, objects remote.ObjectStore, monitor *connectivity.Monitor, opts Options) *SyncContext {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = queue.DefaultMaxRetries
	}
	if monitor == nil {
		monitor = connectivity.NewMonitor(true)
	}
	schedCfg := opts.Scheduler
	if schedCfg == nil {
		schedCfg = scheduler.DefaultSchedulerConfig()
	}
	cfg := *schedCfg
	cfg.StartOnline = monitor.Online()

	q := queue.NewMutationQueue(store, opts.MaxRetries)
	engine := syncpkg.NewSyncEngine(q, docs, objects, opts.Engine)
	ctx, cancel := context.WithCancel(context.Background())

	return &SyncContext{
		Store:     store,
		Docs:      docs,
		Objects:   objects,
		Monitor:   monitor,
		Queue:     q,
		Engine:    engine,
		Images:    imagecache.New(store, opts.HTTPClient, opts.Images),
		Scheduler: scheduler.NewScheduler(engine, q, &cfg),
		opts:      opts,
		boards:    make(map[string]*openBoard),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start follows connectivity and runs background drains. Boards with queued
// operations left from a previous run are drained right away when online.
func (s *SyncContext) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	// registered ahead of the scheduler: resubscribe, then drain
	unsubMonitor := s.Monitor.Subscribe(func(ev connectivity.Event) {
		if ev.IsReconnect() {
			s.resubscribe()
		}
	})
	detachScheduler := s.Scheduler.Attach(s.ctx, s.Monitor)

	s.mu.Lock()
	s.detach = func() {
		unsubMonitor()
		detachScheduler()
	}
	s.mu.Unlock()

	s.Scheduler.Start(s.ctx)
	if s.Monitor.Online() {
		s.Scheduler.TriggerAll(ctx)
	}
}

// Open paints the board from its snapshot and subscribes to remote updates.
// A failed subscription is retried on the next reconnect.
func (s *SyncContext) Open(ctx context.Context, boardID string) (*board.Cache, error) {
	if boardID == "" {
		return nil, errors.New(errors.ErrInvalid, "board id is required")
	}

	s.mu.Lock()
	if ob, ok := s.boards[boardID]; ok {
		s.mu.Unlock()
		return ob.cache, nil
	}
	cache := board.New(boardID, s.Store, s.Images, s.opts.Board)
	ob := &openBoard{cache: cache}
	s.boards[boardID] = ob
	s.mu.Unlock()

	cache.LoadSnapshot(ctx)
	s.subscribe(boardID, ob)
	return cache, nil
}

// Board returns an open board.
func (s *SyncContext) Board(boardID string) (*board.Cache, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.boards[boardID]
	if !ok {
		return nil, false
	}
	return ob.cache, true
}

func (s *SyncContext) subscribe(boardID string, ob *openBoard) {
	if !s.Monitor.Online() {
		return
	}
	unsub, err := s.Docs.Subscribe(s.ctx, boardID, func(docs []remote.Document) {
		ob.cache.ApplyRemote(s.ctx, docs)
	})
	if err != nil {
		logging.Warn("remote subscription failed", map[string]interface{}{
			"board_id": boardID,
			"reason":   err.Error(),
		})
		return
	}

	s.mu.Lock()
	if ob.unsub != nil {
		ob.unsub()
	}
	ob.unsub = unsub
	s.mu.Unlock()
}

func (s *SyncContext) resubscribe() {
	s.mu.Lock()
	var missing []string
	for id, ob := range s.boards {
		if ob.unsub == nil {
			missing = append(missing, id)
		}
	}
	s.mu.Unlock()

	for _, id := range missing {
		s.mu.Lock()
		ob, ok := s.boards[id]
		s.mu.Unlock()
		if ok {
			s.subscribe(id, ob)
		}
	}
}

// Close stops background work and writes every open board's snapshot.
func (s *SyncContext) Close(ctx context.Context) error {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	boards := s.boards
	s.boards = make(map[string]*openBoard)
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
	s.Scheduler.Stop()
	s.cancel()

	var firstErr error
	for id, ob := range boards {
		if ob.unsub != nil {
			ob.unsub()
		}
		if err := ob.cache.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
			logging.Error("failed to save board on close", err, map[string]interface{}{"board_id": id})
		}
	}
	s.Engine.Close()
	return firstErr
}
