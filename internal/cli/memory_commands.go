package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hession/toolmate/internal/activity"
	"github.com/hession/toolmate/internal/costs"
	"github.com/hession/toolmate/internal/memory"
)

// Commands handles the REPL slash commands that inspect memory, activity
// and spend for one user.
type Commands struct {
	mem       *memory.Manager
	ledger    *costs.Ledger
	tracker   *activity.Tracker
	userID    string
	threshold float64
}

// NewCommands creates a slash command handler
func NewCommands(mem *memory.Manager, ledger *costs.Ledger, tracker *activity.Tracker, userID string, threshold float64) *Commands {
	return &Commands{mem: mem, ledger: ledger, tracker: tracker, userID: userID, threshold: threshold}
}

// HandleCommand runs cmd if it is one of ours.
// Returns whether the command was handled and its output.
func (c *Commands) HandleCommand(ctx context.Context, cmd string) (bool, string) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, ""
	}

	switch strings.ToLower(parts[0]) {
	case "/memory":
		return true, c.handleMemoryCommand(ctx, parts[1:])
	case "/activity":
		return true, RenderActivity(c.tracker.Summary())
	case "/costs":
		hours := 24
		if len(parts) > 1 {
			if h, err := strconv.Atoi(parts[1]); err == nil && h > 0 {
				hours = h
			}
		}
		return true, c.costs(ctx, time.Duration(hours)*time.Hour)
	default:
		return false, ""
	}
}

func (c *Commands) handleMemoryCommand(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return c.list(ctx, memory.DefaultRetrieveLimit)
	}

	switch strings.ToLower(args[0]) {
	case "list":
		limit := 10
		if len(args) > 1 {
			if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
				limit = n
			}
		}
		return c.list(ctx, limit)
	case "stats":
		st, err := c.mem.Stats(ctx, c.userID)
		if err != nil {
			return fmt.Sprintf("❌ Failed to load stats: %v", err)
		}
		return RenderStats(c.userID, st)
	case "search":
		if len(args) < 2 {
			return "❌ Usage: /memory search <text>"
		}
		results, err := c.mem.FindSimilarText(ctx, c.userID, strings.Join(args[1:], " "), c.threshold, memory.DefaultSimilarLimit)
		if err != nil {
			return fmt.Sprintf("❌ Search failed: %v", err)
		}
		return RenderScored(results)
	case "rm":
		if len(args) < 2 {
			return "❌ Usage: /memory rm <id>"
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Sprintf("❌ Invalid id: %s", args[1])
		}
		ok, err := c.mem.Delete(ctx, c.userID, id)
		if err != nil {
			return fmt.Sprintf("❌ Delete failed: %v", err)
		}
		if !ok {
			return fmt.Sprintf("❓ No memory with id %d", id)
		}
		return fmt.Sprintf("✅ Memory %d deleted", id)
	case "clear":
		n, err := c.mem.Clear(ctx, c.userID)
		if err != nil {
			return fmt.Sprintf("❌ Clear failed: %v", err)
		}
		return fmt.Sprintf("✅ Deleted %d memories", n)
	case "maintain":
		res, err := c.mem.RunMaintenance(ctx)
		if err != nil {
			return fmt.Sprintf("❌ Maintenance failed: %v", err)
		}
		return RenderMaintenance(res)
	default:
		return memoryHelp()
	}
}

func (c *Commands) list(ctx context.Context, limit int) string {
	records, err := c.mem.Records(ctx, c.userID, limit, "")
	if err != nil {
		return fmt.Sprintf("❌ Failed to load memories: %v", err)
	}
	return RenderRecords(records)
}

func (c *Commands) costs(ctx context.Context, d time.Duration) string {
	out, err := CostReport(ctx, c.ledger, d)
	if err != nil {
		return fmt.Sprintf("❌ Failed to load costs: %v", err)
	}
	return out
}

// CostReport renders spend over d followed by the daily and monthly totals
func CostReport(ctx context.Context, ledger *costs.Ledger, d time.Duration) (string, error) {
	b, err := ledger.CostOverPeriod(ctx, d)
	if err != nil {
		return "", err
	}
	daily, err := ledger.DailyCost(ctx)
	if err != nil {
		return "", err
	}
	monthly, err := ledger.MonthlyCost(ctx)
	if err != nil {
		return "", err
	}
	return RenderCosts(d, b) + "\n" + RenderCostTotals(daily, monthly), nil
}

func memoryHelp() string {
	return `📚 Memory commands
  /memory                 - Show recent memories
  /memory list [n]        - Show the n most recent memories
  /memory stats           - Count memories by lifecycle state
  /memory search <text>   - Find similar memories
  /memory rm <id>         - Delete one memory
  /memory clear           - Delete all of your memories
  /memory maintain        - Compress and archive old memories`
}

// RenderRecords lists records with id, category and access count
func RenderRecords(records []memory.Record) string {
	if len(records) == 0 {
		return "📋 " + memory.NoMemoriesSentinel
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 %d memories\n\n", len(records))
	for _, r := range records {
		flag := ""
		if r.Compressed {
			flag = " (compressed)"
		}
		fmt.Fprintf(&b, "#%d [%s] %s%s, accessed %d×\n", r.ID, r.Timestamp.Format("2006-01-02 15:04:05"), r.Category, flag, r.AccessCount)
		fmt.Fprintf(&b, "   %s\n", truncateForDisplay(r.Content, 100))
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderScored lists similarity results best first
func RenderScored(results []memory.ScoredRecord) string {
	if len(results) == 0 {
		return "🔍 No similar memories found"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔍 %d similar memories\n\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "%d. #%d score %.3f [%s]\n", i+1, r.ID, r.Score, r.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "   %s\n", truncateForDisplay(r.Content, 100))
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderStats shows lifecycle counts
func RenderStats(userID string, st memory.Stats) string {
	return fmt.Sprintf("📊 Memory stats for %s\n   Total: %d\n   Active: %d\n   Compressed: %d\n   Archived: %d",
		userID, st.Total, st.Active, st.Compressed, st.Archived)
}

// RenderMaintenance summarizes one maintenance pass
func RenderMaintenance(res memory.MaintenanceResult) string {
	return fmt.Sprintf("🧹 Maintenance completed in %s\n   Compressed: %d\n   Archived: %d",
		formatDuration(res.Duration), res.Compressed, res.Archived)
}

// RenderCosts shows spend per service over the period
func RenderCosts(d time.Duration, b *costs.Breakdown) string {
	var out strings.Builder
	fmt.Fprintf(&out, "💰 API costs over the last %s\n", formatDuration(d))

	services := make([]string, 0, len(b.ByService))
	for svc := range b.ByService {
		services = append(services, svc)
	}
	sort.Strings(services)
	for _, svc := range services {
		fmt.Fprintf(&out, "   %-12s $%.6f\n", svc, b.ByService[svc])
	}
	fmt.Fprintf(&out, "   %-12s $%.6f", "total", b.Total)
	return out.String()
}

// RenderCostTotals shows the rolling 24h and 30 day spend
func RenderCostTotals(daily, monthly float64) string {
	return fmt.Sprintf("   %-12s $%.6f\n   %-12s $%.6f", "last 24h", daily, "last 30d", monthly)
}

// RenderActivity shows the current and recent tracked activities
func RenderActivity(s activity.Summary) string {
	var b strings.Builder
	b.WriteString("⚙️  Activity\n")

	if s.Current != nil && s.Current.Status == activity.StatusRunning {
		fmt.Fprintf(&b, "   Running: %s (%.0f%%)\n", s.Current.Name, s.Current.Progress*100)
	}

	services := make([]string, 0, len(s.APICalls))
	for svc := range s.APICalls {
		services = append(services, svc)
	}
	sort.Strings(services)
	for _, svc := range services {
		fmt.Fprintf(&b, "   API calls to %s: %d\n", svc, s.APICalls[svc])
	}
	fmt.Fprintf(&b, "   Total activities: %d\n", s.Total)

	if len(s.Recent) > 0 {
		b.WriteString("\n   Recent:\n")
		for i := len(s.Recent) - 1; i >= 0; i-- {
			a := s.Recent[i]
			fmt.Fprintf(&b, "   - %s [%s, %s] %s\n", a.Name, a.Status, formatDuration(a.Duration()), truncateForDisplay(a.Result, 60))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatDuration renders d at a human scale
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// truncateForDisplay flattens text to one line of at most maxLen bytes
func truncateForDisplay(text string, maxLen int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.TrimSpace(text)

	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}

// CommandSuggestion one completion entry
type CommandSuggestion struct {
	Text        string
	Description string
}

// GetCommandSuggestions lists the REPL commands for completion and help
func GetCommandSuggestions() []CommandSuggestion {
	return []CommandSuggestion{
		{Text: "/help", Description: "Show help"},
		{Text: "/memory", Description: "Show recent memories"},
		{Text: "/memory list", Description: "List memories"},
		{Text: "/memory stats", Description: "Memory lifecycle counts"},
		{Text: "/memory search", Description: "Find similar memories"},
		{Text: "/memory rm", Description: "Delete one memory"},
		{Text: "/memory clear", Description: "Delete all memories"},
		{Text: "/memory maintain", Description: "Run maintenance now"},
		{Text: "/activity", Description: "Show recent activity"},
		{Text: "/costs", Description: "Show API spend"},
		{Text: "/config", Description: "Show configuration"},
		{Text: "/exit", Description: "Exit"},
	}
}
