package memory

import (
	"context"

	"github.com/hession/toolmate/internal/worker"
)

// AsyncManager runs Manager operations on a worker queue so an interactive
// caller is never blocked on storage or the embedding provider. Results are
// the same as the blocking form; only the moment the caller is released
// differs. Dropping a returned future makes the call fire-and-forget.
type AsyncManager struct {
	m *Manager
	q *worker.Queue
}

// NewAsyncManager creates the non-blocking façade
func NewAsyncManager(m *Manager, q *worker.Queue) *AsyncManager {
	return &AsyncManager{m: m, q: q}
}

// Blocking returns the underlying blocking façade
func (a *AsyncManager) Blocking() *Manager {
	return a.m
}

// Save schedules Manager.Save. The future resolves to the new id. It waits
// for queue room when the buffer is full.
func (a *AsyncManager) Save(ctx context.Context, userID, content string, meta Metadata, category string) *worker.Future[int64] {
	meta = meta.Clone()
	return worker.Go(ctx, a.q, func(ctx context.Context) (int64, error) {
		return a.m.Save(ctx, userID, content, meta, category)
	})
}

// TrySave is Save for call sites that must not wait. A full queue drops the
// save and resolves the future with worker.ErrQueueFull.
func (a *AsyncManager) TrySave(ctx context.Context, userID, content string, meta Metadata, category string) *worker.Future[int64] {
	meta = meta.Clone()
	return worker.TryGo(ctx, a.q, func(ctx context.Context) (int64, error) {
		return a.m.Save(ctx, userID, content, meta, category)
	})
}

// Retrieve schedules Manager.Retrieve
func (a *AsyncManager) Retrieve(ctx context.Context, userID string, limit int, category string) *worker.Future[string] {
	return worker.Go(ctx, a.q, func(ctx context.Context) (string, error) {
		return a.m.Retrieve(ctx, userID, limit, category)
	})
}

// FindSimilar schedules Manager.FindSimilar
func (a *AsyncManager) FindSimilar(ctx context.Context, userID string, query []float32, threshold float64, limit int) *worker.Future[[]ScoredRecord] {
	return worker.Go(ctx, a.q, func(ctx context.Context) ([]ScoredRecord, error) {
		return a.m.FindSimilar(ctx, userID, query, threshold, limit)
	})
}

// Clear schedules Manager.Clear
func (a *AsyncManager) Clear(ctx context.Context, userID string) *worker.Future[int64] {
	return worker.Go(ctx, a.q, func(ctx context.Context) (int64, error) {
		return a.m.Clear(ctx, userID)
	})
}

// RunMaintenance schedules Manager.RunMaintenance
func (a *AsyncManager) RunMaintenance(ctx context.Context) *worker.Future[MaintenanceResult] {
	return worker.Go(ctx, a.q, func(ctx context.Context) (MaintenanceResult, error) {
		return a.m.RunMaintenance(ctx)
	})
}

// Stats schedules Manager.Stats
func (a *AsyncManager) Stats(ctx context.Context, userID string) *worker.Future[Stats] {
	return worker.Go(ctx, a.q, func(ctx context.Context) (Stats, error) {
		return a.m.Stats(ctx, userID)
	})
}
