// Package scheduler decides when queued board mutations are drained:
// on reconnect, on explicit request and periodically while online.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/postbills/backend/internal/connectivity"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	syncpkg "github.com/kimhsiao/postbills/backend/internal/sync"
)

// BoardLister returns the boards that have queued operations.
type BoardLister interface {
	Boards(ctx context.Context) ([]string, error)
}

// Scheduler manages background drains.
type Scheduler struct {
	engine   syncpkg.Drainer
	boards   BoardLister
	interval time.Duration

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	isOnline  bool
	// board id to whether the drain resends stuck operations
	pending map[string]bool
	lastRun   time.Time
	drains    int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// Interval between periodic drains while online. Zero disables them.
	Interval time.Duration
	// StartOnline is the initial connectivity state.
	StartOnline bool
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval:    time.Minute,
		StartOnline: true,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.Drainer, boards BoardLister, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		engine:   engine,
		boards:   boards,
		interval: config.Interval,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		isOnline: config.StartOnline,
		pending:  make(map[string]bool),
	}
}

// Start starts the background drain worker.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.workerLoop(ctx)

	if s.interval > 0 {
		s.wg.Add(1)
		go s.periodicLoop(ctx)
	}

	logging.Info("drain scheduler started", map[string]interface{}{
		"interval_seconds": s.interval.Seconds(),
	})
	s.signal()
}

// Stop stops the scheduler and waits for a running drain to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("drain scheduler stopped", nil)
}

// Attach follows the monitor's state. A reconnect drains every board with
// queued operations.
func (s *Scheduler) Attach(ctx context.Context, m *connectivity.Monitor) (detach func()) {
	s.SetOnlineStatus(ctx, m.Online())
	return m.Subscribe(func(ev connectivity.Event) {
		s.SetOnlineStatus(ctx, ev.Online)
	})
}

// SetOnlineStatus records the connectivity state. Going online schedules a
// drain of every board with queued operations.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("scheduler online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.TriggerAll(ctx)
	}
}

// Trigger schedules a drain of boardID. Requests for a board that is already
// pending are coalesced. It returns false while offline.
func (s *Scheduler) Trigger(boardID string) bool {
	return s.enqueue(boardID, true)
}

// TriggerAll schedules a drain of every board with queued operations.
func (s *Scheduler) TriggerAll(ctx context.Context) int {
	return s.enqueueAll(ctx, true)
}

func (s *Scheduler) enqueueAll(ctx context.Context, resendStuck bool) int {
	boards, err := s.boards.Boards(ctx)
	if err != nil {
		logging.Error("failed to list queued boards", err, nil)
		return 0
	}
	n := 0
	for _, b := range boards {
		if s.enqueue(b, resendStuck) {
			n++
		}
	}
	return n
}

// enqueue marks boardID pending. A pending resend of stuck operations is
// never downgraded by a periodic request.
func (s *Scheduler) enqueue(boardID string, resendStuck bool) bool {
	s.mu.Lock()
	if !s.isOnline {
		s.mu.Unlock()
		return false
	}
	s.pending[boardID] = s.pending[boardID] || resendStuck
	s.mu.Unlock()

	s.signal()
	return true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// workerLoop runs pending drains one board at a time.
func (s *Scheduler) workerLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			for _, req := range s.takePending() {
				select {
				case <-ctx.Done():
					return
				case <-s.stopCh:
					return
				default:
				}
				s.runDrain(ctx, req.boardID, syncpkg.DrainOptions{SkipStuck: !req.resendStuck})
			}
		}
	}
}

type drainRequest struct {
	boardID     string
	resendStuck bool
}

func (s *Scheduler) takePending() []drainRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOnline || len(s.pending) == 0 {
		return nil
	}
	reqs := make([]drainRequest, 0, len(s.pending))
	for b, resend := range s.pending {
		reqs = append(reqs, drainRequest{boardID: b, resendStuck: resend})
	}
	s.pending = make(map[string]bool)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].boardID < reqs[j].boardID })
	return reqs
}

// periodicLoop drains all queued boards while online. Operations at the
// retry ceiling are left for a reconnect or an explicit drain.
func (s *Scheduler) periodicLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.enqueueAll(ctx, false)
		}
	}
}

func (s *Scheduler) runDrain(ctx context.Context, boardID string, opts syncpkg.DrainOptions) {
	result, err := s.engine.DrainWith(ctx, boardID, opts)
	if err != nil {
		logging.Error("drain interrupted", err, map[string]interface{}{"board_id": boardID})
		return
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.drains++
	s.mu.Unlock()

	if result.Skipped {
		logging.Debug("drain already in progress, skipped", map[string]interface{}{"board_id": boardID})
		return
	}
	logging.Info("scheduled drain completed", map[string]interface{}{
		"board_id":  boardID,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"held":      result.Held,
		"remaining": result.Remaining,
	})
}

// DrainNow drains boardID on the calling goroutine.
func (s *Scheduler) DrainNow(ctx context.Context, boardID string) (*syncpkg.DrainResult, error) {
	result, err := s.engine.Drain(ctx, boardID)
	if err == nil {
		s.mu.Lock()
		s.lastRun = time.Now()
		s.drains++
		s.mu.Unlock()
	}
	return result, err
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning bool
	IsOnline  bool
	LastRun   *time.Time
	Drains    int
	Pending   []string
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning: s.isRunning,
		IsOnline:  s.isOnline,
		Drains:    s.drains,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		status.LastRun = &t
	}
	for b := range s.pending {
		status.Pending = append(status.Pending, b)
	}
	sort.Strings(status.Pending)
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
