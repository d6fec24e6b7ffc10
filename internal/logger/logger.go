package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// Config logger configuration
type Config struct {
	LogDir     string     // Log directory
	Level      slog.Level // Minimum level
	MaxDays    int        // Max days to keep logs
	ConsoleOut bool       // Output to console as well
	Console    io.Writer  // Console destination, stderr when nil
}

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RotatingFile is an io.Writer that appends to one file per day
type RotatingFile struct {
	mu          sync.Mutex
	logDir      string
	maxDays     int
	currentFile *os.File
	currentDate string
	now         func() time.Time
}

// NewRotatingFile creates the log directory and opens today's file
func NewRotatingFile(logDir string, maxDays int) (*RotatingFile, error) {
	if maxDays <= 0 {
		maxDays = 7
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f := &RotatingFile{
		logDir:  logDir,
		maxDays: maxDays,
		now:     time.Now,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rotateIfNeeded(); err != nil {
		return nil, err
	}

	return f, nil
}

// rotateIfNeeded opens a new file when the day changes. Caller holds mu.
func (f *RotatingFile) rotateIfNeeded() error {
	today := f.now().Format("2006-01-02")
	if f.currentDate == today && f.currentFile != nil {
		return nil
	}

	if f.currentFile != nil {
		f.currentFile.Close()
	}

	filename := filepath.Join(f.logDir, fmt.Sprintf("toolmate-%s.log", today))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	f.currentFile = file
	f.currentDate = today

	go f.cleanOldLogs()

	return nil
}

// cleanOldLogs removes log files beyond maxDays
func (f *RotatingFile) cleanOldLogs() {
	files, err := filepath.Glob(filepath.Join(f.logDir, "toolmate-*.log"))
	if err != nil {
		return
	}

	if len(files) <= f.maxDays {
		return
	}

	// Names sort by date
	sort.Strings(files)

	for i := 0; i < len(files)-f.maxDays; i++ {
		os.Remove(files[i])
	}
}

// Write implements io.Writer
func (f *RotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.rotateIfNeeded(); err != nil {
		return 0, err
	}
	return f.currentFile.Write(p)
}

// Close closes the current file
func (f *RotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentFile != nil {
		err := f.currentFile.Close()
		f.currentFile = nil
		return err
	}
	return nil
}

// New builds a logger writing JSON lines to the rotating file and, when
// ConsoleOut is set, text lines to the console. The returned function closes
// the file.
func New(cfg Config) (*slog.Logger, func() error, error) {
	file, err := NewRotatingFile(cfg.LogDir, cfg.MaxDays)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	handlers := []slog.Handler{slog.NewJSONHandler(file, opts)}

	if cfg.ConsoleOut {
		console := cfg.Console
		if console == nil {
			console = os.Stderr
		}
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	}

	return slog.New(slogmulti.Fanout(handlers...)), file.Close, nil
}

// Discard returns a logger that drops every record, for tests and for
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
