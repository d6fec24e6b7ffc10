package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hession/toolmate/internal/embedding"
	"github.com/hession/toolmate/internal/logger"
	"github.com/hession/toolmate/internal/metrics"
)

// staticVectors maps known texts to fixed vectors
type staticVectors map[string][]float32

func (s staticVectors) EmbedWithRetry(_ context.Context, text string) []float32 {
	return s[text]
}

func setupManager(t *testing.T, clock *fakeClock, opts ...ManagerOption) (*Manager, *SQLiteStore) {
	t.Helper()
	store := setupTestStore(t, clock)
	opts = append([]ManagerOption{
		WithManagerClock(clock.Now),
		WithManagerLogger(logger.Discard()),
	}, opts...)
	return NewManager(store, opts...), store
}

func TestManagerSaveStampsMetadata(t *testing.T) {
	clock := newFakeClock()
	m, _ := setupManager(t, clock)
	ctx := context.Background()

	id, err := m.Save(ctx, "u1", "asked about sqlite", Metadata{Source: "chat"}, "database_query")
	if err != nil || id == 0 {
		t.Fatalf("Save = %d, %v", id, err)
	}

	records, err := m.Records(ctx, "u1", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	r := records[0]
	if !r.Metadata.CreatedAt.Equal(clock.Now()) {
		t.Errorf("created_at = %v, want %v", r.Metadata.CreatedAt, clock.Now())
	}
	if r.Category != "database_query" || r.Metadata.Category != "database_query" || r.Metadata.Source != "chat" {
		t.Errorf("Unexpected record: %+v", r)
	}
	if r.Embedding != nil {
		t.Error("No vector source configured, embedding should be absent")
	}
}

func TestManagerSaveDefaultCategory(t *testing.T) {
	clock := newFakeClock()
	m, _ := setupManager(t, clock, WithDefaultCategory("tool_recommendation"))
	ctx := context.Background()

	m.Save(ctx, "u1", "no category", Metadata{}, "")
	m.Save(ctx, "u1", "category from metadata", Metadata{Category: "meta"}, "")

	if out, _ := m.Retrieve(ctx, "u1", 10, "tool_recommendation"); !strings.Contains(out, "no category") {
		t.Errorf("Default category not applied: %q", out)
	}
	if out, _ := m.Retrieve(ctx, "u1", 10, "meta"); !strings.Contains(out, "category from metadata") {
		t.Errorf("Metadata category not applied: %q", out)
	}
}

func TestManagerSaveValidation(t *testing.T) {
	calls := 0
	vectors := vectorFunc(func(string) []float32 { calls++; return nil })
	m, _ := setupManager(t, newFakeClock(), WithVectorSource(vectors))

	if _, err := m.Save(context.Background(), "", "x", Metadata{}, ""); !errors.Is(err, ErrEmptyUserID) {
		t.Errorf("Expected ErrEmptyUserID, got %v", err)
	}
	if _, err := m.Save(context.Background(), "u1", "   ", Metadata{}, ""); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("Expected ErrEmptyContent, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Invalid saves must not call the embedding provider, got %d calls", calls)
	}
}

type vectorFunc func(text string) []float32

func (f vectorFunc) EmbedWithRetry(_ context.Context, text string) []float32 { return f(text) }

func TestRetrieveFormatting(t *testing.T) {
	clock := newFakeClock()
	m, _ := setupManager(t, clock)
	ctx := context.Background()

	out, err := m.Retrieve(ctx, "u1", 5, "")
	if err != nil || out != NoMemoriesSentinel {
		t.Errorf("Empty retrieve = %q, %v", out, err)
	}

	m.Save(ctx, "u1", "first question", Metadata{}, "")
	clock.Advance(90 * time.Second)
	m.Save(ctx, "u1", "second question", Metadata{}, "")

	out, err = m.Retrieve(ctx, "u1", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	want := "[2026-06-01 12:01:30] second question\n[2026-06-01 12:00:00] first question"
	if out != want {
		t.Errorf("Retrieve =\n%s\nwant\n%s", out, want)
	}
}

func TestRetrieveCategoryScenario(t *testing.T) {
	clock := newFakeClock()
	m, _ := setupManager(t, clock)
	ctx := context.Background()

	for i, c := range []string{"a", "a", "b"} {
		if _, err := m.Save(ctx, "u1", fmt.Sprintf("record %d", i), Metadata{}, c); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Second)
	}

	out, err := m.Retrieve(ctx, "u1", 10, "a")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d: %q", len(lines), out)
	}
	if !strings.HasSuffix(lines[0], "record 1") || !strings.HasSuffix(lines[1], "record 0") {
		t.Errorf("Expected newest first, got %q", lines)
	}
}

func TestRetrieveSeesBlockingSave(t *testing.T) {
	clock := newFakeClock()
	m, _ := setupManager(t, clock)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		content := fmt.Sprintf("interaction %d", i)
		if _, err := m.Save(ctx, "u1", content, Metadata{}, ""); err != nil {
			t.Fatal(err)
		}
		out, err := m.Retrieve(ctx, "u1", 1, "")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasSuffix(out, content) {
			t.Fatalf("Retrieve after save should include %q, got %q", content, out)
		}
		if i%3 == 0 {
			clock.Advance(time.Millisecond)
		}
	}
}

func TestClearThenRetrieveSentinel(t *testing.T) {
	m, _ := setupManager(t, newFakeClock())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m.Save(ctx, "u1", fmt.Sprintf("x%d", i), Metadata{}, "")
	}
	m.Save(ctx, "u2", "keep", Metadata{}, "")

	n, err := m.Clear(ctx, "u1")
	if err != nil || n != 4 {
		t.Fatalf("Clear = %d, %v; want 4", n, err)
	}
	if out, _ := m.Retrieve(ctx, "u1", 10, ""); out != NoMemoriesSentinel {
		t.Errorf("Expected sentinel after clear, got %q", out)
	}
	if out, _ := m.Retrieve(ctx, "u2", 10, ""); out == NoMemoriesSentinel {
		t.Error("Other users must be unaffected by clear")
	}
}

func TestFindSimilar(t *testing.T) {
	clock := newFakeClock()
	vectors := staticVectors{
		"exact":    {1, 0, 0},
		"close":    {0.9, 0.1, 0},
		"related":  {0.7, 0.7, 0},
		"opposite": {-1, 0, 0},
		"zero":     {0, 0, 0},
	}
	m, store := setupManager(t, clock, WithVectorSource(vectors))
	ctx := context.Background()

	for _, text := range []string{"exact", "close", "related", "opposite", "zero", "no vector"} {
		if _, err := m.Save(ctx, "u1", text, Metadata{}, ""); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Second)
	}

	results, err := m.FindSimilar(ctx, "u1", []float32{1, 0, 0}, 0.7, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(results))
	for i, r := range results {
		got[i] = r.Content
		if r.Score < 0.7 {
			t.Errorf("%s scored %v below threshold", r.Content, r.Score)
		}
		if i > 0 && r.Score > results[i-1].Score {
			t.Errorf("Scores not descending at %d", i)
		}
	}
	if strings.Join(got, ",") != "exact,close,related" {
		t.Errorf("FindSimilar = %v", got)
	}

	limited, _ := m.FindSimilar(ctx, "u1", []float32{1, 0, 0}, 0.7, 2)
	if len(limited) != 2 {
		t.Errorf("Limit not applied: %d results", len(limited))
	}

	all, _ := store.Recent(ctx, Query{UserID: "u1", Limit: 10})
	for _, r := range all {
		switch r.Content {
		case "exact", "close":
			if r.AccessCount != 2 {
				t.Errorf("%s should have 2 accesses, got %d", r.Content, r.AccessCount)
			}
		case "related":
			if r.AccessCount != 1 {
				t.Errorf("related should have 1 access, got %d", r.AccessCount)
			}
		default:
			if r.AccessCount != 0 {
				t.Errorf("Unreturned record %s should not be touched, got %d", r.Content, r.AccessCount)
			}
		}
	}
}

func TestFindSimilarCandidateWindow(t *testing.T) {
	clock := newFakeClock()
	vectors := staticVectors{"old match": {1, 0}, "new miss": {0, 1}}
	m, _ := setupManager(t, clock, WithVectorSource(vectors), WithCandidateWindow(1))
	ctx := context.Background()

	m.Save(ctx, "u1", "old match", Metadata{}, "")
	clock.Advance(time.Second)
	m.Save(ctx, "u1", "new miss", Metadata{}, "")

	results, err := m.FindSimilar(ctx, "u1", []float32{1, 0}, 0.5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("Only the newest candidate should be scored, got %+v", results)
	}
}

func TestFindSimilarText(t *testing.T) {
	m, _ := setupManager(t, newFakeClock())
	if _, err := m.FindSimilarText(context.Background(), "u1", "q", 0.5, 5); !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Errorf("Expected ErrEmbeddingUnavailable without vectors, got %v", err)
	}

	vectors := staticVectors{"sqlite tips": {1, 1}, "query": {1, 1}}
	m, _ = setupManager(t, newFakeClock(), WithVectorSource(vectors))
	m.Save(context.Background(), "u1", "sqlite tips", Metadata{}, "")

	results, err := m.FindSimilarText(context.Background(), "u1", "query", 0.9, 5)
	if err != nil || len(results) != 1 || results[0].Content != "sqlite tips" {
		t.Errorf("FindSimilarText = %+v, %v", results, err)
	}

	if _, err := m.FindSimilarText(context.Background(), "u1", "unknown", 0.9, 5); !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Errorf("Failed query embedding should report ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestSaveSurvivesEmbeddingFailure(t *testing.T) {
	failing := embeddingFunc(func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("provider down")
	})
	retrier := embedding.NewRetrier(failing, embedding.RetrierConfig{MaxAttempts: 3},
		embedding.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		embedding.WithLogger(logger.Discard()),
	)

	m, _ := setupManager(t, newFakeClock(), WithVectorSource(retrier))
	ctx := context.Background()

	id, err := m.Save(ctx, "u1", "still saved", Metadata{}, "")
	if err != nil || id == 0 {
		t.Fatalf("Save must succeed without an embedding: %d, %v", id, err)
	}
	records, _ := m.Records(ctx, "u1", 1, "")
	if len(records) != 1 || records[0].Embedding != nil {
		t.Errorf("Expected record with null embedding, got %+v", records)
	}
}

type embeddingFunc func(ctx context.Context, text string) ([]float32, error)

func (f embeddingFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

func TestRunMaintenanceScenario(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()
	collector := metrics.New(nil)
	m, store := setupManager(t, clock, WithManagerMetrics(collector))
	ctx := context.Background()

	clock.Set(now.Add(-95 * 24 * time.Hour))
	m.Save(ctx, "cold", "unused for months", Metadata{}, "")
	m.Save(ctx, "warm", "read all the time", Metadata{}, "")
	clock.Set(now)

	for i := 0; i < 10; i++ {
		m.Records(ctx, "warm", 1, "")
	}

	res, err := m.RunMaintenance(ctx)
	if err != nil {
		t.Fatalf("RunMaintenance failed: %v", err)
	}
	if res.Compressed != 1 || res.Archived != 1 {
		t.Errorf("First run = %+v, want 1 compressed and 1 archived", res)
	}

	cold, _ := store.Stats(ctx, "cold")
	warm, _ := store.Stats(ctx, "warm")
	if cold.Archived != 1 || warm.Archived != 0 || warm.Compressed != 0 {
		t.Errorf("cold=%+v warm=%+v", cold, warm)
	}

	res, err = m.RunMaintenance(ctx)
	if err != nil || res.Compressed != 0 || res.Archived != 0 {
		t.Errorf("Second run should change nothing: %+v, %v", res, err)
	}

	if got := testutil.ToFloat64(collector.MaintenanceRuns.WithLabelValues("ok")); got != 2 {
		t.Errorf("maintenance runs = %v", got)
	}
	if got := testutil.ToFloat64(collector.MaintenanceRecords.WithLabelValues("archived")); got != 1 {
		t.Errorf("archived metric = %v", got)
	}
}

func TestManagerPolicyOverride(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()
	m, _ := setupManager(t, clock, WithPolicy(Policy{
		CompressAfterDays:     1,
		CompressAccessCeiling: 1,
		ArchiveAfterDays:      2,
		ArchiveAccessCeiling:  1,
	}))
	ctx := context.Background()

	clock.Set(now.Add(-3 * 24 * time.Hour))
	m.Save(ctx, "u1", "three days", Metadata{}, "")
	clock.Set(now)

	res, err := m.RunMaintenance(ctx)
	if err != nil || res.Compressed != 1 || res.Archived != 1 {
		t.Errorf("Custom policy run = %+v, %v", res, err)
	}
	if m.Policy().ArchiveAfterDays != 2 {
		t.Errorf("Policy not applied: %+v", m.Policy())
	}
}

func TestManagerStatsAndDelete(t *testing.T) {
	m, _ := setupManager(t, newFakeClock())
	ctx := context.Background()

	id, _ := m.Save(ctx, "u1", "a", Metadata{}, "")
	m.Save(ctx, "u1", "b", Metadata{}, "")

	if ok, err := m.Delete(ctx, "u2", id); err != nil || ok {
		t.Errorf("Delete as another user = %v, %v; want false", ok, err)
	}
	if ok, err := m.Delete(ctx, "u1", id); err != nil || !ok {
		t.Errorf("Delete = %v, %v", ok, err)
	}
	st, err := m.Stats(ctx, "u1")
	if err != nil || st.Total != 1 || st.Active != 1 {
		t.Errorf("Stats = %+v, %v", st, err)
	}
}

func TestManagerMetrics(t *testing.T) {
	collector := metrics.New(nil)
	m, _ := setupManager(t, newFakeClock(), WithManagerMetrics(collector))
	ctx := context.Background()

	m.Save(ctx, "u1", "a", Metadata{}, "")
	m.Save(ctx, "", "a", Metadata{}, "")
	m.Retrieve(ctx, "u1", 5, "")

	if got := testutil.ToFloat64(collector.MemoryOps.WithLabelValues("save", "ok")); got != 1 {
		t.Errorf("save ok = %v", got)
	}
	if got := testutil.ToFloat64(collector.MemoryOps.WithLabelValues("save", "error")); got != 1 {
		t.Errorf("save error = %v", got)
	}
	if got := testutil.ToFloat64(collector.RecordsReturned); got != 1 {
		t.Errorf("records returned = %v", got)
	}
}

func TestManagerSaveCopiesMetadata(t *testing.T) {
	m, _ := setupManager(t, newFakeClock())
	ctx := context.Background()

	meta := Metadata{Tags: []string{"go"}, Extra: map[string]string{"mood": "calm"}}
	if _, err := m.Save(ctx, "u1", "tagged", meta, ""); err != nil {
		t.Fatal(err)
	}
	meta.Tags[0] = "rust"
	meta.Extra["mood"] = "angry"
	if meta.Category != "" {
		t.Errorf("Save must not write back into the caller's metadata: %+v", meta)
	}

	records, err := m.Records(ctx, "u1", 1, "")
	if err != nil || len(records) != 1 {
		t.Fatalf("Records = %v, %v", records, err)
	}
	got := records[0].Metadata
	if got.Tags[0] != "go" || got.Extra["mood"] != "calm" {
		t.Errorf("Stored metadata changed with caller's copy: %+v", got)
	}
}
