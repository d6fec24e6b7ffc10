// Package sqlitex holds the SQLite plumbing shared by the memory store and
// the cost ledger: opening a file-backed database, additive column
// migrations, and a sortable timestamp encoding.
package sqlitex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TimeLayout is fixed width so stored timestamps sort lexicographically,
// and shares its prefix with SQLite's CURRENT_TIMESTAMP format.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Open opens (creating if needed) the database file at path
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection per process; SQLite serializes writers anyway and a
	// single handle avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return db, nil
}

// FormatTime encodes t in UTC using TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

var parseLayouts = []string{
	TimeLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime decodes any timestamp shape SQLite or older writers may have left
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Time scans a timestamp column whether the driver hands back time.Time,
// text, or NULL.
type Time struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner
func (t *Time) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("sqlitex: cannot scan %T into Time", value)
	}
}

func (t *Time) parse(s string) error {
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time, t.Valid = parsed, true
	return nil
}

// EnsureColumn adds column to table when missing. It reports whether the
// column was added.
func EnsureColumn(db *sql.DB, table, column, definition string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}

	var (
		cid       int
		name      string
		colType   string
		notNull   int
		dfltValue sql.NullString
		pk        int
		found     bool
	)
	for rows.Next() {
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan table info(%s): %w", table, err)
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return false, fmt.Errorf("iterate table info(%s): %w", table, err)
	}
	rows.Close()

	if found {
		return false, nil
	}

	stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition)
	if _, err := db.Exec(stmt); err != nil {
		return false, fmt.Errorf("alter table add column %s.%s: %w", table, column, err)
	}
	return true, nil
}

// Placeholders returns "?,?,?" for n arguments
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
