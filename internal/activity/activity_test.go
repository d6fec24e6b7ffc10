package activity

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()

	id := tr.Start("embedding", map[string]any{"service": "openai", "chars": 12})
	if id == "" {
		t.Fatal("Start should return an id")
	}

	tr.Update(id, 0.5, map[string]any{"attempt": 1})
	s := tr.Summary()
	if s.Current == nil || s.Current.ID != id {
		t.Fatalf("Current activity should be %s, got %+v", id, s.Current)
	}
	if s.Current.Progress != 0.5 || s.Current.Details["attempt"] != 1 {
		t.Errorf("Unexpected progress state: %+v", s.Current)
	}
	if s.Current.Status != StatusRunning {
		t.Errorf("Expected running, got %s", s.Current.Status)
	}

	tr.Complete(id, strings.Repeat("x", 150))
	s = tr.Summary()
	if s.Current.Status != StatusComplete || s.Current.Progress != 1 {
		t.Errorf("Expected completed activity, got %+v", s.Current)
	}
	if len(s.Current.Result) != resultPreview+3 {
		t.Errorf("Result should be truncated, got %d chars", len(s.Current.Result))
	}
	if s.APICalls["openai"] != 1 || s.Total != 1 {
		t.Errorf("Unexpected counters: %v total=%d", s.APICalls, s.Total)
	}
}

func TestCompleteTruncatesByRune(t *testing.T) {
	tr := NewTracker()
	id := tr.Start("chat", nil)

	body := strings.Repeat("错误", 80)
	tr.Complete(id, body)
	got := tr.Summary().Current.Result

	if !utf8.ValidString(got) {
		t.Fatalf("Result is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != resultPreview+3 {
		t.Errorf("Expected %d runes, got %d", resultPreview+3, n)
	}

	tr.Complete(id, "短")
	if got := tr.Summary().Current.Result; got != "短" {
		t.Errorf("Short result should be kept, got %q", got)
	}
}

func TestTrackerRecentIsBounded(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 25; i++ {
		tr.Start("op", nil)
	}

	s := tr.Summary()
	if len(s.Recent) != recentLimit {
		t.Errorf("Expected %d recent activities, got %d", recentLimit, len(s.Recent))
	}
	if s.Total != 25 {
		t.Errorf("Expected total 25, got %d", s.Total)
	}
}

func TestTrackerUnknownIDIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Update("missing", 0.3, nil)
	tr.Complete("missing", "done")

	if s := tr.Summary(); s.Current != nil || s.Total != 0 {
		t.Errorf("Unknown ids should not create activities: %+v", s)
	}
}

func TestUpdateClampsProgress(t *testing.T) {
	tr := NewTracker()
	id := tr.Start("op", nil)

	tr.Update(id, 7, nil)
	if p := tr.Summary().Current.Progress; p != 1 {
		t.Errorf("Expected clamp to 1, got %v", p)
	}
	tr.Update(id, -2, nil)
	if p := tr.Summary().Current.Progress; p != 0 {
		t.Errorf("Expected clamp to 0, got %v", p)
	}
}

func TestSummaryIsACopy(t *testing.T) {
	tr := NewTracker()
	id := tr.Start("op", map[string]any{"service": "openai"})
	tr.Update(id, 0.1, map[string]any{"k": "v"})

	s := tr.Summary()
	s.APICalls["openai"] = 99
	s.Current.Details["k"] = "changed"

	again := tr.Summary()
	if again.APICalls["openai"] != 1 || again.Current.Details["k"] != "v" {
		t.Errorf("Summary should not alias tracker state: %+v", again)
	}
}

type panicky struct{}

func (panicky) Start(string, map[string]any) string    { panic("start") }
func (panicky) Update(string, float64, map[string]any) { panic("update") }
func (panicky) Complete(string, string)                { panic("complete") }

func TestGuardRecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	o := Guard(panicky{}, log)
	if id := o.Start("op", nil); id != "" {
		t.Errorf("Expected empty id after panic, got %q", id)
	}
	o.Update("x", 0.5, nil)
	o.Complete("x", "done")

	if got := strings.Count(buf.String(), "progress observer failed"); got != 3 {
		t.Errorf("Expected 3 warnings, got %d: %s", got, buf.String())
	}
}

func TestGuardNil(t *testing.T) {
	o := Guard(nil, nil)
	if id := o.Start("op", nil); id != "" {
		t.Errorf("Nop observer should return empty id, got %q", id)
	}
}
