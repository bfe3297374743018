// Package scheduler tests for drain scheduling.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/postbills/backend/internal/connectivity"
	syncpkg "github.com/kimhsiao/postbills/backend/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeEngine struct {
	mu      sync.Mutex
	drained []string
	opts    []syncpkg.DrainOptions
	block   chan struct{}
	err     error
}

func (f *fakeEngine) Drain(ctx context.Context, boardID string) (*syncpkg.DrainResult, error) {
	return f.DrainWith(ctx, boardID, syncpkg.DrainOptions{})
}

func (f *fakeEngine) DrainWith(ctx context.Context, boardID string, opts syncpkg.DrainOptions) (*syncpkg.DrainResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = append(f.drained, boardID)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &syncpkg.DrainResult{BoardID: boardID}, nil
}

func (f *fakeEngine) Status(string) syncpkg.SyncStatus { return syncpkg.SyncStatusIdle }

func (f *fakeEngine) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.drained...)
}

func (f *fakeEngine) options() []syncpkg.DrainOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncpkg.DrainOptions(nil), f.opts...)
}

type fakeBoards struct {
	boards []string
	err    error
}

func (f *fakeBoards) Boards(context.Context) ([]string, error) { return f.boards, f.err }

func createTestScheduler(t *testing.T, config *SchedulerConfig, boards ...string) (*fakeEngine, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{}
	s := NewScheduler(engine, &fakeBoards{boards: boards}, config)
	t.Cleanup(s.Stop)
	return engine, s
}

// =====================================================
// Construction
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.Interval != time.Minute {
		t.Errorf("Interval = %v, want 1m", config.Interval)
	}
	if !config.StartOnline {
		t.Error("StartOnline should default to true")
	}
}

// TestNewScheduler_nilConfig verifies default config is used.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, &fakeBoards{}, nil)

	if s.interval != time.Minute {
		t.Errorf("interval = %v, want 1m (default)", s.interval)
	}
	if !s.IsOnline() {
		t.Error("IsOnline should be true by default")
	}
}

// =====================================================
// Start/Stop
// =====================================================

// TestScheduler_StartStop verifies lifecycle and idempotence.
func TestScheduler_StartStop(t *testing.T) {
	_, s := createTestScheduler(t, &SchedulerConfig{Interval: 0})

	s.Stop() // without Start
	if s.IsRunning() {
		t.Error("Stop() without Start should keep scheduler not running")
	}

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("Start() should set isRunning to true")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("Stop() should set isRunning to false")
	}
}

// =====================================================
// Triggers
// =====================================================

// TestScheduler_Trigger drains the requested board.
func TestScheduler_Trigger(t *testing.T) {
	engine, s := createTestScheduler(t, &SchedulerConfig{StartOnline: true})
	s.Start(context.Background())

	require.True(t, s.Trigger("demo"))
	assert.Eventually(t, func() bool {
		return len(engine.calls()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"demo"}, engine.calls())

	status := s.GetStatus()
	assert.Equal(t, 1, status.Drains)
	assert.NotNil(t, status.LastRun)
}

// TestScheduler_Trigger_offline verifies nothing runs while offline.
func TestScheduler_Trigger_offline(t *testing.T) {
	engine, s := createTestScheduler(t, &SchedulerConfig{StartOnline: false})
	s.Start(context.Background())

	if s.Trigger("demo") {
		t.Error("Trigger() while offline = true, want false")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, engine.calls())
}

// TestScheduler_Trigger_coalesces verifies repeated requests collapse while a drain runs.
func TestScheduler_Trigger_coalesces(t *testing.T) {
	engine, s := createTestScheduler(t, &SchedulerConfig{StartOnline: true})
	engine.block = make(chan struct{})
	s.Start(context.Background())

	s.Trigger("a")
	// wait until the worker picked up "a" and is blocked in Drain
	assert.Eventually(t, func() bool { return len(s.GetStatus().Pending) == 0 }, time.Second, time.Millisecond)

	s.Trigger("b")
	s.Trigger("b")
	s.Trigger("b")
	assert.Equal(t, []string{"b"}, s.GetStatus().Pending)

	close(engine.block)
	assert.Eventually(t, func() bool { return len(engine.calls()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, engine.calls())
}

// TestScheduler_reconnectDrainsQueuedBoards verifies the offline to online edge.
func TestScheduler_reconnectDrainsQueuedBoards(t *testing.T) {
	engine, s := createTestScheduler(t, &SchedulerConfig{}, "b2", "b1")
	m := connectivity.NewMonitor(false)
	ctx := context.Background()

	detach := s.Attach(ctx, m)
	defer detach()
	s.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, engine.calls())

	m.Set(true)
	assert.Eventually(t, func() bool { return len(engine.calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b1", "b2"}, engine.calls())

	m.Set(false)
	assert.False(t, s.IsOnline())
}

// TestScheduler_periodic verifies periodic drains while online only.
func TestScheduler_periodic(t *testing.T) {
	engine, s := createTestScheduler(t, &SchedulerConfig{Interval: 10 * time.Millisecond, StartOnline: true}, "demo")
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return len(engine.calls()) >= 2 }, time.Second, 5*time.Millisecond)

	s.SetOnlineStatus(context.Background(), false)
	time.Sleep(20 * time.Millisecond)
	n := len(engine.calls())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(engine.calls()), "no drains while offline")
}

// TestScheduler_periodicSkipsStuck verifies background passes leave stuck
// operations alone while reconnects and explicit triggers resend them.
func TestScheduler_periodicSkipsStuck(t *testing.T) {
	engine, s := createTestScheduler(t, &SchedulerConfig{Interval: 10 * time.Millisecond}, "demo")
	ctx := context.Background()
	s.Start(ctx)

	// the reconnect pass
	s.SetOnlineStatus(ctx, true)
	assert.Eventually(t, func() bool { return len(engine.calls()) >= 3 }, time.Second, 5*time.Millisecond)
	s.SetOnlineStatus(ctx, false)
	time.Sleep(20 * time.Millisecond)

	resend, skip := 0, 0
	for _, o := range engine.options() {
		if o.SkipStuck {
			skip++
		} else {
			resend++
		}
	}
	assert.Equal(t, 1, resend, "only the reconnect resends stuck operations")
	assert.GreaterOrEqual(t, skip, 2)
}

// TestScheduler_explicitTriggerNotDowngraded verifies a periodic request
// does not turn a pending explicit drain into a background one.
func TestScheduler_explicitTriggerNotDowngraded(t *testing.T) {
	engine, s := createTestScheduler(t, &SchedulerConfig{StartOnline: true}, "demo")
	engine.block = make(chan struct{})
	ctx := context.Background()
	s.Start(ctx)

	s.Trigger("busy")
	assert.Eventually(t, func() bool { return len(s.GetStatus().Pending) == 0 }, time.Second, time.Millisecond)

	s.Trigger("demo")
	s.enqueueAll(ctx, false)
	assert.Equal(t, []string{"demo"}, s.GetStatus().Pending)

	close(engine.block)
	assert.Eventually(t, func() bool { return len(engine.calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"busy", "demo"}, engine.calls())
	assert.False(t, engine.options()[1].SkipStuck)
}

// TestScheduler_TriggerAll_listError verifies a failing board listing schedules nothing.
func TestScheduler_TriggerAll_listError(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, &fakeBoards{err: errors.New("disk gone")}, &SchedulerConfig{StartOnline: true})
	assert.Equal(t, 0, s.TriggerAll(context.Background()))
}

// TestScheduler_DrainNow verifies synchronous drains and error propagation.
func TestScheduler_DrainNow(t *testing.T) {
	engine, s := createTestScheduler(t, &SchedulerConfig{})

	res, err := s.DrainNow(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", res.BoardID)
	assert.Equal(t, 1, s.GetStatus().Drains)

	engine.err = context.Canceled
	_, err = s.DrainNow(context.Background(), "demo")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.GetStatus().Drains)
}

// TestScheduler_concurrentAccess verifies thread safety.
func TestScheduler_concurrentAccess(t *testing.T) {
	_, s := createTestScheduler(t, &SchedulerConfig{Interval: 5 * time.Millisecond, StartOnline: true}, "a", "b")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				s.SetOnlineStatus(ctx, (i+j)%2 == 0)
				s.Trigger("a")
				_ = s.GetStatus()
				_ = s.IsOnline()
			}
		}(i)
	}
	wg.Wait()
}
