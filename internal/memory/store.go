package memory

import (
	"context"
	"time"
)

// DefaultCategory applies when a save names no category
const DefaultCategory = "general"

// Store memory record storage
type Store interface {
	Save(ctx context.Context, rec NewRecord) (int64, error)

	// Get returns active records newest first and counts them as accessed
	Get(ctx context.Context, q Query) ([]Record, error)
	// Recent returns active records newest first without access tracking
	Recent(ctx context.Context, q Query) ([]Record, error)
	// Touch counts the given records as accessed
	Touch(ctx context.Context, ids []int64) error

	Clear(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, userID string, id int64) (bool, error)

	Compress(ctx context.Context, olderThanDays, accessBelow int) (int64, error)
	Archive(ctx context.Context, olderThanDays, accessBelow int) (int64, error)

	Stats(ctx context.Context, userID string) (Stats, error)

	Close() error
}

// NewRecord fields supplied by the caller on save
type NewRecord struct {
	UserID    string
	Content   string
	Embedding []float32
	Metadata  Metadata
	Category  string
}

// Query selects active records for one user
type Query struct {
	UserID   string
	Limit    int
	Category string // empty matches all
}

// Record one saved interaction
type Record struct {
	ID           int64
	UserID       string
	Content      string
	Embedding    []float32
	Metadata     Metadata
	Category     string
	Timestamp    time.Time
	Compressed   bool
	Archived     bool
	AccessCount  int
	LastAccessed time.Time
}

// ScoredRecord a record with its similarity to a query vector
type ScoredRecord struct {
	Record
	Score float64
}

// Stats record counts for one user
type Stats struct {
	Total      int64
	Active     int64
	Compressed int64
	Archived   int64
}
