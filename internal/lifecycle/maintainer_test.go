package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hession/toolmate/internal/logger"
	"github.com/hession/toolmate/internal/memory"
)

type countingRunner struct {
	mu    sync.Mutex
	calls int
	err   error
	ran   chan struct{}
}

func newCountingRunner() *countingRunner {
	return &countingRunner{ran: make(chan struct{}, 100)}
}

func (r *countingRunner) RunMaintenance(ctx context.Context) (memory.MaintenanceResult, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()
	select {
	case r.ran <- struct{}{}:
	default:
	}
	return memory.MaintenanceResult{Compressed: int64(n)}, r.err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func waitRun(t *testing.T, r *countingRunner) {
	t.Helper()
	select {
	case <-r.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for maintenance run")
	}
}

func TestStartRunsImmediately(t *testing.T) {
	r := newCountingRunner()
	m := New(r, time.Hour, logger.Discard())

	m.Start()
	waitRun(t, r)
	m.Stop()

	if r.count() != 1 {
		t.Errorf("Expected 1 run, got %d", r.count())
	}
	if st := m.LastResult(); st.Runs != 1 || st.Last.Compressed != 1 {
		t.Errorf("Unexpected status: %+v", st)
	}
}

func TestTickerRuns(t *testing.T) {
	r := newCountingRunner()
	m := New(r, 10*time.Millisecond, logger.Discard())

	m.Start()
	for i := 0; i < 3; i++ {
		waitRun(t, r)
	}
	m.Stop()

	if r.count() < 3 {
		t.Errorf("Expected at least 3 runs, got %d", r.count())
	}
	if m.Running() {
		t.Error("Maintainer should be stopped")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	r := newCountingRunner()
	m := New(r, time.Hour, logger.Discard())

	m.Stop()
	m.Start()
	m.Start()
	waitRun(t, r)
	m.Stop()
	m.Stop()

	if r.count() != 1 {
		t.Errorf("Double start should launch one loop, got %d runs", r.count())
	}

	m.Start()
	waitRun(t, r)
	m.Stop()
	if r.count() != 2 {
		t.Errorf("Restart should run again, got %d runs", r.count())
	}
}

func TestRunOnceRecordsError(t *testing.T) {
	r := newCountingRunner()
	r.err = errors.New("disk full")
	m := New(r, 0, logger.Discard())

	if m.Interval() != DefaultInterval {
		t.Errorf("Interval = %v", m.Interval())
	}
	if _, err := m.RunOnce(context.Background()); err == nil {
		t.Error("Expected error")
	}
	if st := m.LastResult(); st.Err == nil || st.Runs != 1 {
		t.Errorf("Unexpected status: %+v", st)
	}
}

func TestMaintainerAgainstStore(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-95 * 24 * time.Hour)
	nowFn := func() time.Time { return clock }

	store, err := memory.NewSQLiteStore(filepath.Join(dir, "m.db"),
		memory.WithStoreClock(nowFn), memory.WithStoreLogger(logger.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	mgr := memory.NewManager(store, memory.WithManagerClock(nowFn), memory.WithManagerLogger(logger.Discard()))
	ctx := context.Background()
	if _, err := mgr.Save(ctx, "u1", "stale", memory.Metadata{}, ""); err != nil {
		t.Fatal(err)
	}
	clock = now

	m := New(mgr, time.Hour, logger.Discard())
	res, err := m.RunOnce(ctx)
	if err != nil || res.Compressed != 1 || res.Archived != 1 {
		t.Errorf("First pass = %+v, %v", res, err)
	}
	res, err = m.RunOnce(ctx)
	if err != nil || res.Compressed != 0 || res.Archived != 0 {
		t.Errorf("Second pass = %+v, %v", res, err)
	}
}
