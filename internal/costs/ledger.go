// Package costs keeps an append-only ledger of estimated spend on the
// embedding and chat providers.
package costs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hession/toolmate/internal/sqlitex"
)

// Operation kinds
const (
	OpEmbedding = "embedding"
	OpChat      = "chat"
)

// ErrLedgerClosed is returned after Close
var ErrLedgerClosed = errors.New("cost ledger closed")

// Entry one logged provider call
type Entry struct {
	ID        int64
	Timestamp time.Time
	Service   string
	Model     string
	Operation string
	Tokens    int
	Cost      float64
	Metadata  map[string]string
}

// Usage what a Log* call recorded
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Breakdown spend since a point in time
type Breakdown struct {
	Since     time.Time
	ByService map[string]float64
	Total     float64
}

// Ledger SQLite-backed cost ledger
type Ledger struct {
	db      *sql.DB
	prices  *Calculator
	counter TokenCounter
	now     func() time.Time
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures a Ledger
type Option func(*Ledger)

// WithTokenCounter replaces the tiktoken-based estimator
func WithTokenCounter(c TokenCounter) Option {
	return func(l *Ledger) { l.counter = c }
}

// WithPricing replaces DefaultPricing
func WithPricing(c *Calculator) Option {
	return func(l *Ledger) { l.prices = c }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// Open opens or creates the ledger database at path
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := sqlitex.Open(path)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		db:      db,
		prices:  NewCalculator(nil),
		counter: CountTokens,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cost tables: %w", err)
	}
	return l, nil
}

func (l *Ledger) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS api_costs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			service TEXT NOT NULL,
			model TEXT NOT NULL,
			operation TEXT NOT NULL,
			tokens INTEGER,
			cost REAL NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_costs_timestamp ON api_costs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_api_costs_service ON api_costs(service)`,
	}
	for _, query := range queries {
		if _, err := l.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %s, error: %w", query, err)
		}
	}
	return nil
}

// Log appends one entry. A zero Timestamp means now.
func (l *Ledger) Log(ctx context.Context, e Entry) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrLedgerClosed
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	var meta sql.NullString
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to encode cost metadata: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO api_costs (timestamp, service, model, operation, tokens, cost, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sqlitex.FormatTime(e.Timestamp), e.Service, e.Model, e.Operation, e.Tokens, e.Cost, meta,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to log cost: %w", err)
	}
	return res.LastInsertId()
}

// LogEmbedding prices and records one embedding call for text
func (l *Ledger) LogEmbedding(ctx context.Context, service, model, text string) (Usage, error) {
	tokens := l.counter(model, text)
	u := Usage{
		InputTokens: tokens,
		Cost:        l.prices.Calculate(model, tokens, 0),
	}

	_, err := l.Log(ctx, Entry{
		Service:   service,
		Model:     model,
		Operation: OpEmbedding,
		Tokens:    tokens,
		Cost:      u.Cost,
	})
	return u, err
}

// LogChat prices input and output separately and records one chat call
func (l *Ledger) LogChat(ctx context.Context, service, model, input, output string) (Usage, error) {
	u := Usage{
		InputTokens:  l.counter(model, input),
		OutputTokens: l.counter(model, output),
	}
	u.Cost = l.prices.Calculate(model, u.InputTokens, u.OutputTokens)

	_, err := l.Log(ctx, Entry{
		Service:   service,
		Model:     model,
		Operation: OpChat,
		Tokens:    u.InputTokens + u.OutputTokens,
		Cost:      u.Cost,
		Metadata: map[string]string{
			"input_tokens":  fmt.Sprint(u.InputTokens),
			"output_tokens": fmt.Sprint(u.OutputTokens),
		},
	})
	return u, err
}

// CostOverPeriod totals entries logged within the last d
func (l *Ledger) CostOverPeriod(ctx context.Context, d time.Duration) (*Breakdown, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}

	since := l.now().Add(-d)
	b := &Breakdown{
		Since:     since,
		ByService: make(map[string]float64),
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT service, SUM(cost) FROM api_costs WHERE timestamp >= ? GROUP BY service`,
		sqlitex.FormatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query costs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			service string
			total   float64
		)
		if err := rows.Scan(&service, &total); err != nil {
			return nil, fmt.Errorf("failed to scan cost row: %w", err)
		}
		b.ByService[service] = total
		b.Total += total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate costs: %w", err)
	}
	return b, nil
}

// DailyCost total over the last 24 hours
func (l *Ledger) DailyCost(ctx context.Context) (float64, error) {
	b, err := l.CostOverPeriod(ctx, 24*time.Hour)
	if err != nil {
		return 0, err
	}
	return b.Total, nil
}

// MonthlyCost total over the last 30 days
func (l *Ledger) MonthlyCost(ctx context.Context) (float64, error) {
	b, err := l.CostOverPeriod(ctx, 30*24*time.Hour)
	if err != nil {
		return 0, err
	}
	return b.Total, nil
}

// Recent returns the newest entries first
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, timestamp, service, model, operation, COALESCE(tokens, 0), cost, metadata
		 FROM api_costs ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			ts   sqlitex.Time
			meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Service, &e.Model, &e.Operation, &e.Tokens, &e.Cost, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan cost entry: %w", err)
		}
		e.Timestamp = ts.Time
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				l.log.Warn("unreadable cost metadata", "id", e.ID, "error", err)
				e.Metadata = nil
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
