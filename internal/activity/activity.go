// Package activity reports coarse progress of long-running operations to
// whoever is watching (the chat REPL shows it with /activity).
package activity

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Observer receives progress for one named activity at a time.
// Implementations must be safe for concurrent use.
type Observer interface {
	Start(name string, params map[string]any) string
	Update(id string, progress float64, details map[string]any)
	Complete(id string, summary string)
}

type nopObserver struct{}

func (nopObserver) Start(string, map[string]any) string    { return "" }
func (nopObserver) Update(string, float64, map[string]any) {}
func (nopObserver) Complete(string, string)                {}

// Nop returns an observer that ignores everything
func Nop() Observer { return nopObserver{} }

// Guard wraps o so a panicking observer is logged instead of unwinding the
// caller. A nil o yields Nop.
func Guard(o Observer, log *slog.Logger) Observer {
	if o == nil {
		return Nop()
	}
	if log == nil {
		log = slog.Default()
	}
	return &guarded{inner: o, log: log}
}

type guarded struct {
	inner Observer
	log   *slog.Logger
}

func (g *guarded) recover(op string) {
	if r := recover(); r != nil {
		g.log.Warn("progress observer failed", "op", op, "panic", fmt.Sprint(r))
	}
}

func (g *guarded) Start(name string, params map[string]any) (id string) {
	defer g.recover("start")
	return g.inner.Start(name, params)
}

func (g *guarded) Update(id string, progress float64, details map[string]any) {
	defer g.recover("update")
	g.inner.Update(id, progress, details)
}

func (g *guarded) Complete(id string, summary string) {
	defer g.recover("complete")
	g.inner.Complete(id, summary)
}

// Status of an activity
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
)

// Activity one tracked operation
type Activity struct {
	ID        string
	Name      string
	Params    map[string]any
	Status    string
	Progress  float64
	Details   map[string]any
	StartedAt time.Time
	EndedAt   time.Time
	Result    string
}

// Duration returns how long the activity ran, or has been running
func (a Activity) Duration() time.Duration {
	if a.EndedAt.IsZero() {
		return time.Since(a.StartedAt)
	}
	return a.EndedAt.Sub(a.StartedAt)
}

// Summary snapshot of the tracker
type Summary struct {
	Current  *Activity
	Recent   []Activity
	APICalls map[string]int
	Total    int
}

const (
	recentLimit   = 10
	resultPreview = 100
)

// Tracker keeps the current activity, a bounded log of past ones and
// per-service API call counts.
type Tracker struct {
	mu       sync.Mutex
	current  *Activity
	log      []*Activity
	apiCalls map[string]int
	total    int
	maxLog   int
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		apiCalls: make(map[string]int),
		maxLog:   100,
	}
}

// Start begins tracking and returns the activity id. A "service" param
// counts as one API call for that service.
func (t *Tracker) Start(name string, params map[string]any) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := &Activity{
		ID:        uuid.NewString(),
		Name:      name,
		Params:    maps.Clone(params),
		Status:    StatusRunning,
		Details:   make(map[string]any),
		StartedAt: time.Now(),
	}
	t.current = a
	t.log = append(t.log, a)
	if len(t.log) > t.maxLog {
		t.log = t.log[len(t.log)-t.maxLog:]
	}
	t.total++

	if svc, ok := params["service"].(string); ok && svc != "" {
		t.apiCalls[svc]++
	}

	return a.ID
}

// Update records progress in [0,1] and merges details
func (t *Tracker) Update(id string, progress float64, details map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.find(id)
	if a == nil {
		return
	}
	a.Progress = clamp(progress)
	for k, v := range details {
		a.Details[k] = v
	}
}

// Complete marks the activity done
func (t *Tracker) Complete(id string, summary string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.find(id)
	if a == nil {
		return
	}
	a.Status = StatusComplete
	a.Progress = 1
	a.EndedAt = time.Now()
	a.Result = preview(summary)
}

// preview cuts s to resultPreview runes
func preview(s string) string {
	if utf8.RuneCountInString(s) <= resultPreview {
		return s
	}
	n := 0
	for i := range s {
		if n == resultPreview {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

// Summary returns a copy of the tracker state
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		APICalls: maps.Clone(t.apiCalls),
		Total:    t.total,
	}
	if t.current != nil {
		c := copyActivity(t.current)
		s.Current = &c
	}
	start := len(t.log) - recentLimit
	if start < 0 {
		start = 0
	}
	for _, a := range t.log[start:] {
		s.Recent = append(s.Recent, copyActivity(a))
	}
	return s
}

func (t *Tracker) find(id string) *Activity {
	for i := len(t.log) - 1; i >= 0; i-- {
		if t.log[i].ID == id {
			return t.log[i]
		}
	}
	return nil
}

func copyActivity(a *Activity) Activity {
	c := *a
	c.Params = maps.Clone(a.Params)
	c.Details = maps.Clone(a.Details)
	return c
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
