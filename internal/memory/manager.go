package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hession/toolmate/internal/embedding"
	"github.com/hession/toolmate/internal/metrics"
)

// NoMemoriesSentinel is what Retrieve returns when nothing matches
const NoMemoriesSentinel = "No previous interactions found."

// Defaults for the façade
const (
	DefaultRetrieveLimit       = 5
	DefaultCandidateWindow     = 100
	DefaultSimilarityThreshold = 0.7
	DefaultSimilarLimit        = 5
)

// VectorSource produces an embedding or nil when none is available
type VectorSource interface {
	EmbedWithRetry(ctx context.Context, text string) []float32
}

// Policy lifecycle thresholds
type Policy struct {
	CompressAfterDays     int
	CompressAccessCeiling int
	ArchiveAfterDays      int
	ArchiveAccessCeiling  int
}

// DefaultPolicy compress after 30 days below 5 accesses, archive after 90
// days below 2 accesses
func DefaultPolicy() Policy {
	return Policy{
		CompressAfterDays:     30,
		CompressAccessCeiling: 5,
		ArchiveAfterDays:      90,
		ArchiveAccessCeiling:  2,
	}
}

// MaintenanceResult outcome of one RunMaintenance
type MaintenanceResult struct {
	StartedAt  time.Time
	Duration   time.Duration
	Compressed int64
	Archived   int64
}

// Manager is the blocking memory façade. Every step runs on the caller's
// goroutine; AsyncManager schedules the same methods on a worker queue.
type Manager struct {
	store           Store
	vectors         VectorSource
	metrics         *metrics.Collector
	log             *slog.Logger
	policy          Policy
	now             func() time.Time
	retrieveLimit   int
	candidateWindow int
	defaultCategory string
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithVectorSource enables embeddings on save and text similarity search
func WithVectorSource(v VectorSource) ManagerOption {
	return func(m *Manager) { m.vectors = v }
}

// WithManagerMetrics records operation metrics
func WithManagerMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// WithManagerLogger sets the logger
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithPolicy overrides DefaultPolicy
func WithPolicy(p Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithManagerClock overrides time.Now for metadata stamps
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRetrieveLimit sets the limit used when Retrieve is passed zero
func WithRetrieveLimit(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.retrieveLimit = n
		}
	}
}

// WithCandidateWindow sets how many recent records FindSimilar scores
func WithCandidateWindow(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.candidateWindow = n
		}
	}
}

// WithDefaultCategory sets the category used when Save is passed none
func WithDefaultCategory(c string) ManagerOption {
	return func(m *Manager) {
		if c != "" {
			m.defaultCategory = c
		}
	}
}

// NewManager creates the façade over store
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:           store,
		log:             slog.Default(),
		policy:          DefaultPolicy(),
		now:             time.Now,
		retrieveLimit:   DefaultRetrieveLimit,
		candidateWindow: DefaultCandidateWindow,
		defaultCategory: DefaultCategory,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the lifecycle thresholds in effect
func (m *Manager) Policy() Policy {
	return m.policy
}

// EmbeddingsEnabled reports whether saves attempt an embedding
func (m *Manager) EmbeddingsEnabled() bool {
	return m.vectors != nil
}

// Save embeds content when possible, stamps created_at and stores the
// record. A missing embedding never fails the save.
func (m *Manager) Save(ctx context.Context, userID, content string, meta Metadata, category string) (id int64, err error) {
	defer m.observe("save", time.Now(), &err)

	if strings.TrimSpace(userID) == "" {
		return 0, storeError("save", ErrEmptyUserID)
	}
	if strings.TrimSpace(content) == "" {
		return 0, storeError("save", ErrEmptyContent)
	}

	meta = meta.Clone()
	if category == "" {
		category = meta.Category
	}
	if category == "" {
		category = m.defaultCategory
	}
	meta.Category = category
	meta.CreatedAt = m.now().UTC()

	var vec []float32
	if m.vectors != nil {
		vec = m.vectors.EmbedWithRetry(ctx, content)
	}

	id, err = m.store.Save(ctx, NewRecord{
		UserID:    userID,
		Content:   content,
		Embedding: vec,
		Metadata:  meta,
		Category:  category,
	})
	if err != nil {
		return 0, err
	}

	m.log.Debug("memory saved", "user_id", userID, "id", id, "category", category, "embedded", vec != nil)
	return id, nil
}

// Records returns up to limit active records, newest first, counting them
// as accessed. A zero limit uses the configured default.
func (m *Manager) Records(ctx context.Context, userID string, limit int, category string) (records []Record, err error) {
	defer m.observe("retrieve", time.Now(), &err)

	if limit <= 0 {
		limit = m.retrieveLimit
	}
	records, err = m.store.Get(ctx, Query{UserID: userID, Limit: limit, Category: category})
	if err != nil {
		return nil, err
	}
	m.metrics.AddRecordsReturned(len(records))
	return records, nil
}

// Retrieve renders recent records for prompt injection
func (m *Manager) Retrieve(ctx context.Context, userID string, limit int, category string) (string, error) {
	records, err := m.Records(ctx, userID, limit, category)
	if err != nil {
		return "", err
	}
	return Format(records), nil
}

// Format renders one "[timestamp] content" line per record, or the
// sentinel when there are none.
func Format(records []Record) string {
	if len(records) == 0 {
		return NoMemoriesSentinel
	}
	lines := make([]string, len(records))
	for i, r := range records {
		lines[i] = fmt.Sprintf("[%s] %s", r.Timestamp.Format("2006-01-02 15:04:05"), r.Content)
	}
	return strings.Join(lines, "\n")
}

// FindSimilar scores the user's most recent records against query and
// returns those at or above threshold, best first, at most limit. Records
// without an embedding are skipped. Only returned records count as accessed.
func (m *Manager) FindSimilar(ctx context.Context, userID string, query []float32, threshold float64, limit int) (out []ScoredRecord, err error) {
	defer m.observe("find_similar", time.Now(), &err)

	if limit <= 0 {
		limit = DefaultSimilarLimit
	}

	candidates, err := m.store.Recent(ctx, Query{UserID: userID, Limit: m.candidateWindow})
	if err != nil {
		return nil, err
	}

	for _, rec := range candidates {
		if len(rec.Embedding) == 0 {
			continue
		}
		score := embedding.CosineSimilarity(query, rec.Embedding)
		if score >= threshold {
			out = append(out, ScoredRecord{Record: rec, Score: score})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}

	if len(out) > 0 {
		ids := make([]int64, len(out))
		for i := range out {
			ids[i] = out[i].ID
		}
		if err := m.store.Touch(ctx, ids); err != nil {
			return nil, err
		}
		accessed := m.now().UTC()
		for i := range out {
			out[i].AccessCount++
			if accessed.After(out[i].LastAccessed) {
				out[i].LastAccessed = accessed
			}
		}
	}

	m.metrics.AddRecordsReturned(len(out))
	return out, nil
}

// FindSimilarText embeds text and runs FindSimilar with it
func (m *Manager) FindSimilarText(ctx context.Context, userID, text string, threshold float64, limit int) ([]ScoredRecord, error) {
	if m.vectors == nil {
		return nil, ErrEmbeddingUnavailable
	}
	query := m.vectors.EmbedWithRetry(ctx, text)
	if query == nil {
		return nil, ErrEmbeddingUnavailable
	}
	return m.FindSimilar(ctx, userID, query, threshold, limit)
}

// Clear hard-deletes all of the user's records
func (m *Manager) Clear(ctx context.Context, userID string) (n int64, err error) {
	defer m.observe("clear", time.Now(), &err)

	n, err = m.store.Clear(ctx, userID)
	if err != nil {
		return 0, err
	}
	m.log.Info("memories cleared", "user_id", userID, "count", n)
	return n, nil
}

// Delete hard-deletes one of userID's records
func (m *Manager) Delete(ctx context.Context, userID string, id int64) (ok bool, err error) {
	defer m.observe("delete", time.Now(), &err)
	return m.store.Delete(ctx, userID, id)
}

// RunMaintenance compresses then archives according to the policy. Running
// it again without new activity changes nothing.
func (m *Manager) RunMaintenance(ctx context.Context) (res MaintenanceResult, err error) {
	begin := time.Now()
	res.StartedAt = m.now()
	defer func() {
		res.Duration = time.Since(begin)
		m.metrics.ObserveMaintenance(res.Compressed, res.Archived, err)
	}()

	res.Compressed, err = m.store.Compress(ctx, m.policy.CompressAfterDays, m.policy.CompressAccessCeiling)
	if err != nil {
		return res, err
	}
	res.Archived, err = m.store.Archive(ctx, m.policy.ArchiveAfterDays, m.policy.ArchiveAccessCeiling)
	if err != nil {
		return res, err
	}

	m.log.Info("memory maintenance completed", "compressed", res.Compressed, "archived", res.Archived)
	return res, nil
}

// Stats counts the user's records by lifecycle state
func (m *Manager) Stats(ctx context.Context, userID string) (Stats, error) {
	return m.store.Stats(ctx, userID)
}

func (m *Manager) observe(op string, start time.Time, err *error) {
	m.metrics.ObserveMemoryOp(op, start, *err)
	if *err != nil {
		m.log.Error("memory operation failed", "op", op, "error", *err)
	}
}
