// Package cli is the interactive chat front end
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/hession/toolmate/internal/app"
	"github.com/hession/toolmate/internal/config"
	"github.com/hession/toolmate/internal/llm"
	"github.com/hession/toolmate/internal/memory"
)

const (
	Version = "0.2.0"

	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// historyTurns is how many question/answer pairs stay in the chat window
const historyTurns = 10

// ErrChatUnavailable is returned when no chat API key is configured
var ErrChatUnavailable = errors.New("chat model API key not configured")

// Session is one user's conversation. Each turn injects recent memories
// into the system prompt and saves the exchange without waiting.
type Session struct {
	app     *app.App
	userID  string
	prompts *config.PromptConfig
	cmds    *Commands
	out     io.Writer
	history []llm.Message
}

// NewSession creates a conversation for userID writing to out
func NewSession(a *app.App, userID string, prompts *config.PromptConfig, out io.Writer) *Session {
	if prompts == nil {
		prompts = config.DefaultPromptConfig()
	}
	return &Session{
		app:     a,
		userID:  userID,
		prompts: prompts,
		cmds:    NewCommands(a.Memory, a.Ledger, a.Tracker, userID, a.Config.Memory.SimilarityThreshold),
		out:     out,
	}
}

// Turn answers input, streaming the reply to the session output
func (s *Session) Turn(ctx context.Context, input string) (string, error) {
	if s.app.Chat == nil {
		return "", ErrChatUnavailable
	}

	memCtx, err := s.app.Memory.Retrieve(ctx, s.userID, 0, "")
	if err != nil {
		s.app.Log.Warn("memory retrieval failed, answering without context", "user_id", s.userID, "error", err)
		memCtx = ""
	}

	messages := make([]llm.Message, 0, len(s.history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: s.prompts.SystemWithMemory(memCtx)})
	messages = append(messages, s.history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: input})

	resp, err := s.app.Chat.ChatStream(ctx, messages, func(chunk string) {
		fmt.Fprint(s.out, chunk)
	})
	if err != nil {
		return "", err
	}

	s.history = append(s.history,
		llm.Message{Role: llm.RoleUser, Content: input},
		llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
	)
	if limit := historyTurns * 2; len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}

	// the reply is already on screen; persistence happens in the background
	s.app.Async.TrySave(ctx, s.userID, formatInteraction(input, resp.Content), memory.Metadata{Source: "chat"}, "")
	return resp.Content, nil
}

// Reset drops the in-session chat history. Stored memories are kept.
func (s *Session) Reset() {
	s.history = nil
}

func formatInteraction(question, answer string) string {
	return "User: " + question + "\nAssistant: " + answer
}

// Run starts the interactive REPL for userID
func Run(a *app.App, userID string) error {
	printWelcome(userID)

	if a.Chat == nil {
		path, _ := config.SecretsPath()
		fmt.Printf("%s⚠️  API Key not configured%s\n", colorYellow, colorReset)
		fmt.Printf("Add %s_API_KEY=... to %s or the environment, then restart.\n", strings.ToUpper(a.Config.Model.Service), path)
		return ErrChatUnavailable
	}

	prompts, err := config.LoadPromptConfig()
	if err != nil {
		a.Log.Warn("prompt config unreadable, using defaults", "error", err)
		prompts = config.DefaultPromptConfig()
	}

	return runREPL(a, NewSession(a, userID, prompts, os.Stdout))
}

func printWelcome(userID string) {
	fmt.Printf("\n%s🧰 Toolmate v%s%s - tool recommendations that remember you\n", colorCyan, Version, colorReset)
	fmt.Printf("%sSigned in as %s. Type /help for help, /exit to quit%s\n", colorGray, userID, colorReset)
	fmt.Printf("%sFor multi-line input: end a line with \\, then press Enter twice to submit%s\n\n", colorGray, colorReset)
}

func getHistoryFilePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	historyDir := filepath.Join(homeDir, ".toolmate")
	if err := os.MkdirAll(historyDir, 0755); err != nil {
		return ""
	}
	return filepath.Join(historyDir, "history")
}

func completer() *readline.PrefixCompleter {
	items := make(map[string][]readline.PrefixCompleterInterface)
	var order []string
	for _, s := range GetCommandSuggestions() {
		head, sub, _ := strings.Cut(s.Text, " ")
		if _, ok := items[head]; !ok {
			order = append(order, head)
			items[head] = nil
		}
		if sub != "" {
			items[head] = append(items[head], readline.PcItem(sub))
		}
	}
	top := make([]readline.PrefixCompleterInterface, 0, len(order))
	for _, head := range order {
		top = append(top, readline.PcItem(head, items[head]...))
	}
	return readline.NewPrefixCompleter(top...)
}

func runREPL(a *app.App, s *Session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            fmt.Sprintf("%sYou: %s", colorGreen, colorReset),
		HistoryFile:       getHistoryFilePath(),
		HistoryLimit:      1000,
		AutoComplete:      completer(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A signal ends the loop; the caller's deferred App.Close drains
	// pending saves.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
			rl.Close()
		case <-ctx.Done():
		}
	}()

	var multiLineBuffer strings.Builder
	inMultiLine := false

	for {
		if inMultiLine {
			rl.SetPrompt(fmt.Sprintf("%s...  %s", colorGray, colorReset))
		} else {
			rl.SetPrompt(fmt.Sprintf("%sYou: %s", colorGreen, colorReset))
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLineBuffer.Reset()
					inMultiLine = false
					fmt.Println()
					continue
				}
				fmt.Printf("\n%sPress Ctrl+D or type /exit to quit%s\n", colorYellow, colorReset)
				continue
			}
			if err == io.EOF || ctx.Err() != nil {
				fmt.Printf("\n%sGoodbye! 👋%s\n", colorCyan, colorReset)
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		if inMultiLine {
			if line != "" {
				multiLineBuffer.WriteString(line)
				multiLineBuffer.WriteString("\n")
				continue
			}
			inMultiLine = false
			input := strings.TrimSpace(multiLineBuffer.String())
			multiLineBuffer.Reset()
			if input != "" {
				processInput(ctx, s, input)
			}
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasSuffix(input, "\\") {
			inMultiLine = true
			multiLineBuffer.WriteString(strings.TrimSuffix(input, "\\"))
			multiLineBuffer.WriteString("\n")
			fmt.Printf("%s(Multi-line mode: press Enter twice to submit, Ctrl+C to cancel)%s\n", colorGray, colorReset)
			continue
		}

		if strings.HasPrefix(input, "/") {
			if handleCommand(ctx, a, s, input) {
				continue
			}
			return nil
		}

		processInput(ctx, s, input)
	}
}

func processInput(ctx context.Context, s *Session, input string) {
	fmt.Printf("\n%sToolmate: %s", colorBlue, colorReset)

	if _, err := s.Turn(ctx, input); err != nil {
		fmt.Printf("\n%s❌ Error: %v%s\n", colorRed, err, colorReset)
	}

	fmt.Println()
	fmt.Println()
}

// handleCommand runs a built-in command. It returns false on /exit.
func handleCommand(ctx context.Context, a *app.App, s *Session, cmd string) bool {
	if ok, out := s.cmds.HandleCommand(ctx, cmd); ok {
		fmt.Println(out)
		fmt.Println()
		return true
	}

	parts := strings.Fields(cmd)
	switch strings.ToLower(parts[0]) {
	case "/help":
		printHelp()
	case "/clear":
		s.Reset()
		fmt.Printf("%s✅ Conversation cleared, memories kept%s\n", colorGreen, colorReset)
	case "/config":
		fmt.Println(a.Config.String())
	case "/exit", "/quit", "/q":
		fmt.Printf("%sGoodbye! 👋%s\n", colorCyan, colorReset)
		return false
	default:
		fmt.Printf("%s❓ Unknown command: %s%s\n", colorYellow, cmd, colorReset)
		fmt.Println("Type /help for available commands")
	}
	return true
}

func printHelp() {
	fmt.Printf("\n%s📚 Toolmate Help%s\n\n%sBuilt-in Commands:%s\n", colorCyan, colorReset, colorYellow, colorReset)
	for _, s := range GetCommandSuggestions() {
		fmt.Printf("  %-18s - %s\n", s.Text, s.Description)
	}
	fmt.Printf("  %-18s - %s\n", "/clear", "Forget this conversation, keep memories")
	fmt.Printf(`
%sInput Tips:%s
  • Use Up/Down arrow keys to browse command history
  • Press Tab to complete commands
  • End line with \ for multi-line input
  • Press Ctrl+C to cancel current input

%sExamples:%s
  "What's a good tool to profile Go services?"
  "I need a terminal UI for browsing SQLite files"

`, colorYellow, colorReset, colorYellow, colorReset)
}
