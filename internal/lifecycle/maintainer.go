// Package lifecycle schedules memory maintenance
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hession/toolmate/internal/memory"
)

// DefaultInterval between scheduled runs
const DefaultInterval = 24 * time.Hour

// Runner performs one maintenance pass
type Runner interface {
	RunMaintenance(ctx context.Context) (memory.MaintenanceResult, error)
}

// Maintainer runs maintenance on demand and on a ticker. Start runs one
// pass immediately, then one per interval until Stop.
type Maintainer struct {
	runner   Runner
	interval time.Duration
	log      *slog.Logger

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex

	// guards a single pass at a time
	runMu sync.Mutex

	last    memory.MaintenanceResult
	lastErr error
	runs    int
}

// New creates a Maintainer. A non-positive interval uses DefaultInterval.
func New(runner Runner, interval time.Duration, log *slog.Logger) *Maintainer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Maintainer{
		runner:   runner,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Interval returns the scheduling period
func (m *Maintainer) Interval() time.Duration {
	return m.interval
}

// Start launches the background loop. Calling it twice is a no-op.
func (m *Maintainer) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(stop)
}

// Stop ends the loop and waits for an in-flight pass to finish
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

// Running reports whether the loop is active
func (m *Maintainer) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Maintainer) loop(stop <-chan struct{}) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.RunOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs one maintenance pass and records its outcome
func (m *Maintainer) RunOnce(ctx context.Context) (memory.MaintenanceResult, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	res, err := m.runner.RunMaintenance(ctx)
	if err != nil {
		m.log.Error("scheduled maintenance failed", "error", err)
	}

	m.mu.Lock()
	m.last, m.lastErr = res, err
	m.runs++
	m.mu.Unlock()
	return res, err
}

// Status snapshot of the most recent pass
type Status struct {
	Last memory.MaintenanceResult
	Err  error
	Runs int
}

// LastResult returns the most recent pass and the number of passes so far
func (m *Maintainer) LastResult() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Last: m.last, Err: m.lastErr, Runs: m.runs}
}
