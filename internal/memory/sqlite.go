package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hession/toolmate/internal/sqlitex"
)

// CompressedSuffix marks content cut down by Compress
const CompressedSuffix = "...[compressed]"

// DefaultSummaryLength characters kept by Compress
const DefaultSummaryLength = 500

const recordColumns = `id, user_id, content, embedding, timestamp, metadata,
	COALESCE(category, ''), COALESCE(compressed, 0), COALESCE(archived, 0),
	COALESCE(access_count, 0), last_accessed`

// SQLiteStore SQLite memory storage implementation
type SQLiteStore struct {
	db            *sql.DB
	now           func() time.Time
	summaryLength int
	log           *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// StoreOption configures a SQLiteStore
type StoreOption func(*SQLiteStore)

// WithStoreClock overrides time.Now for timestamps and age cutoffs
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *SQLiteStore) { s.now = now }
}

// WithSummaryLength sets how many characters Compress keeps
func WithSummaryLength(n int) StoreOption {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.summaryLength = n
		}
	}
}

// WithStoreLogger sets the logger
func WithStoreLogger(log *slog.Logger) StoreOption {
	return func(s *SQLiteStore) { s.log = log }
}

// NewSQLiteStore opens the database at dbPath, creating or migrating the
// schema as needed.
func NewSQLiteStore(dbPath string, opts ...StoreOption) (*SQLiteStore, error) {
	db, err := sqlitex.Open(dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{
		db:            db,
		now:           time.Now,
		summaryLength: DefaultSummaryLength,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database tables: %w", err)
	}

	return store, nil
}

// initTables creates the table, adds lifecycle columns missing from older
// databases, then builds indexes.
func (s *SQLiteStore) initTables() error {
	create := `CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		metadata TEXT,
		category TEXT DEFAULT 'general',
		compressed BOOLEAN NOT NULL DEFAULT 0,
		archived BOOLEAN NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed DATETIME
	)`
	if _, err := s.db.Exec(create); err != nil {
		return fmt.Errorf("failed to execute SQL: %s, error: %w", create, err)
	}

	columns := []struct {
		name       string
		definition string
	}{
		{"embedding", "TEXT"},
		{"metadata", "TEXT"},
		{"category", "TEXT DEFAULT 'general'"},
		{"compressed", "BOOLEAN NOT NULL DEFAULT 0"},
		{"archived", "BOOLEAN NOT NULL DEFAULT 0"},
		{"access_count", "INTEGER NOT NULL DEFAULT 0"},
		{"last_accessed", "DATETIME"},
	}
	for _, col := range columns {
		added, err := sqlitex.EnsureColumn(s.db, "memories", col.name, col.definition)
		if err != nil {
			return err
		}
		if added {
			s.log.Info("migrated memories table", "column", col.name)
		}
	}

	queries := []string{
		`UPDATE memories SET last_accessed = timestamp WHERE last_accessed IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_id ON memories(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_timestamp ON memories(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_compressed ON memories(compressed)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_archived ON memories(archived)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %s, error: %w", query, err)
		}
	}

	return nil
}

func (s *SQLiteStore) acquire() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	return nil
}

// Save inserts one record and returns its id
func (s *SQLiteStore) Save(ctx context.Context, rec NewRecord) (int64, error) {
	if strings.TrimSpace(rec.UserID) == "" {
		return 0, storeError("save", ErrEmptyUserID)
	}
	if strings.TrimSpace(rec.Content) == "" {
		return 0, storeError("save", ErrEmptyContent)
	}
	if err := s.acquire(); err != nil {
		return 0, storeError("save", err)
	}
	defer s.mu.RUnlock()

	var embedding sql.NullString
	if len(rec.Embedding) > 0 {
		data, err := json.Marshal(rec.Embedding)
		if err != nil {
			return 0, storeError("save", fmt.Errorf("encode embedding: %w", err))
		}
		embedding = sql.NullString{String: string(data), Valid: true}
	}

	var metadata sql.NullString
	if !rec.Metadata.IsZero() {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return 0, storeError("save", fmt.Errorf("encode metadata: %w", err))
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	category := rec.Category
	if category == "" {
		category = DefaultCategory
	}

	now := sqlitex.FormatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (user_id, content, embedding, timestamp, metadata, category, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.Content, embedding, now, metadata, category, now,
	)
	if err != nil {
		return 0, storeError("save", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeError("save", err)
	}
	return id, nil
}

// Get returns up to q.Limit active records newest first, and in the same
// transaction bumps access_count and last_accessed for exactly those rows.
func (s *SQLiteStore) Get(ctx context.Context, q Query) ([]Record, error) {
	if strings.TrimSpace(q.UserID) == "" {
		return nil, storeError("get", ErrEmptyUserID)
	}
	if err := s.acquire(); err != nil {
		return nil, storeError("get", err)
	}
	defer s.mu.RUnlock()

	if q.Limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("get", err)
	}
	defer tx.Rollback()

	records, err := s.selectActive(ctx, tx, q)
	if err != nil {
		return nil, storeError("get", err)
	}
	if len(records) == 0 {
		return records, nil
	}

	ids := make([]int64, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}
	accessed := s.now().UTC()
	if err := touch(ctx, tx, ids, accessed); err != nil {
		return nil, storeError("get", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError("get", err)
	}

	for i := range records {
		records[i].AccessCount++
		if accessed.After(records[i].LastAccessed) {
			records[i].LastAccessed = accessed
		}
	}
	return records, nil
}

// Recent returns up to q.Limit active records newest first, read only
func (s *SQLiteStore) Recent(ctx context.Context, q Query) ([]Record, error) {
	if strings.TrimSpace(q.UserID) == "" {
		return nil, storeError("recent", ErrEmptyUserID)
	}
	if err := s.acquire(); err != nil {
		return nil, storeError("recent", err)
	}
	defer s.mu.RUnlock()

	if q.Limit <= 0 {
		return nil, nil
	}

	records, err := s.selectActive(ctx, s.db, q)
	if err != nil {
		return nil, storeError("recent", err)
	}
	return records, nil
}

// Touch bumps access tracking for ids in one statement
func (s *SQLiteStore) Touch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.acquire(); err != nil {
		return storeError("touch", err)
	}
	defer s.mu.RUnlock()

	return storeError("touch", touch(ctx, s.db, ids, s.now().UTC()))
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) selectActive(ctx context.Context, db queryer, q Query) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM memories WHERE user_id = ? AND COALESCE(archived, 0) = 0`
	args := []any{q.UserID}
	if q.Category != "" {
		query += ` AND category = ?`
		args = append(args, q.Category)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// touch moves last_accessed forward only, so a lagging clock never rewinds it
func touch(ctx context.Context, db queryer, ids []int64, at time.Time) error {
	stamp := sqlitex.FormatTime(at)
	args := make([]any, 0, len(ids)+2)
	args = append(args, stamp, stamp)
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := db.ExecContext(ctx,
		`UPDATE memories
		 SET access_count = COALESCE(access_count, 0) + 1,
		     last_accessed = CASE
		         WHEN last_accessed IS NULL OR last_accessed < ? THEN ?
		         ELSE last_accessed END
		 WHERE id IN (`+sqlitex.Placeholders(len(ids))+`)`,
		args...,
	)
	return err
}

func (s *SQLiteStore) scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec          Record
		embedding    sql.NullString
		metadata     sql.NullString
		timestamp    sqlitex.Time
		lastAccessed sqlitex.Time
	)
	if err := rows.Scan(
		&rec.ID, &rec.UserID, &rec.Content, &embedding, &timestamp, &metadata,
		&rec.Category, &rec.Compressed, &rec.Archived, &rec.AccessCount, &lastAccessed,
	); err != nil {
		return Record{}, err
	}

	rec.Timestamp = timestamp.Time
	rec.LastAccessed = lastAccessed.Time
	if !lastAccessed.Valid {
		rec.LastAccessed = rec.Timestamp
	}

	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &rec.Embedding); err != nil {
			s.log.Warn("unreadable embedding, treating as absent", "id", rec.ID, "error", err)
			rec.Embedding = nil
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			s.log.Warn("unreadable metadata, treating as empty", "id", rec.ID, "error", err)
			rec.Metadata = Metadata{}
		}
	}
	return rec, nil
}

// Clear hard-deletes every record of the user
func (s *SQLiteStore) Clear(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, storeError("clear", ErrEmptyUserID)
	}
	if err := s.acquire(); err != nil {
		return 0, storeError("clear", err)
	}
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ?`, userID)
	if err != nil {
		return 0, storeError("clear", err)
	}
	n, err := res.RowsAffected()
	return n, storeError("clear", err)
}

// Delete hard-deletes one of userID's records and reports whether it existed.
// Another user's id counts as missing.
func (s *SQLiteStore) Delete(ctx context.Context, userID string, id int64) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, storeError("delete", ErrEmptyUserID)
	}
	if err := s.acquire(); err != nil {
		return false, storeError("delete", err)
	}
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, storeError("delete", err)
	}
	n, err := res.RowsAffected()
	return n > 0, storeError("delete", err)
}

// Compress truncates content of uncompressed records older than
// olderThanDays with fewer than accessBelow accesses.
func (s *SQLiteStore) Compress(ctx context.Context, olderThanDays, accessBelow int) (int64, error) {
	if err := s.acquire(); err != nil {
		return 0, storeError("compress", err)
	}
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE memories
		 SET compressed = 1,
		     content = substr(content, 1, ?) || ?
		 WHERE COALESCE(compressed, 0) = 0
		   AND timestamp < ?
		   AND COALESCE(access_count, 0) < ?`,
		s.summaryLength, CompressedSuffix, s.cutoff(olderThanDays), accessBelow,
	)
	if err != nil {
		return 0, storeError("compress", err)
	}
	n, err := res.RowsAffected()
	return n, storeError("compress", err)
}

// Archive flags unarchived records older than olderThanDays with fewer than
// accessBelow accesses. The flag is never cleared.
func (s *SQLiteStore) Archive(ctx context.Context, olderThanDays, accessBelow int) (int64, error) {
	if err := s.acquire(); err != nil {
		return 0, storeError("archive", err)
	}
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE memories
		 SET archived = 1
		 WHERE COALESCE(archived, 0) = 0
		   AND timestamp < ?
		   AND COALESCE(access_count, 0) < ?`,
		s.cutoff(olderThanDays), accessBelow,
	)
	if err != nil {
		return 0, storeError("archive", err)
	}
	n, err := res.RowsAffected()
	return n, storeError("archive", err)
}

func (s *SQLiteStore) cutoff(days int) string {
	return sqlitex.FormatTime(s.now().Add(-time.Duration(days) * 24 * time.Hour))
}

// Stats counts the user's records by lifecycle state
func (s *SQLiteStore) Stats(ctx context.Context, userID string) (Stats, error) {
	if err := s.acquire(); err != nil {
		return Stats{}, storeError("stats", err)
	}
	defer s.mu.RUnlock()

	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN COALESCE(archived, 0) = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN COALESCE(compressed, 0) = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN COALESCE(archived, 0) = 1 THEN 1 ELSE 0 END), 0)
		 FROM memories WHERE user_id = ?`,
		userID,
	).Scan(&st.Total, &st.Active, &st.Compressed, &st.Archived)
	if err != nil {
		return Stats{}, storeError("stats", err)
	}
	return st, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
