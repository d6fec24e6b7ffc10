// Package llm is the chat-completion boundary. Every successful call logs
// a chat cost entry.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hession/toolmate/internal/activity"
	"github.com/hession/toolmate/internal/costs"
	"github.com/hession/toolmate/internal/metrics"
)

// Roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CostRecorder logs the spend of one chat completion
type CostRecorder interface {
	LogChat(ctx context.Context, service, model, input, output string) (costs.Usage, error)
}

// Config chat client settings
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Service     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client OpenAI-compatible chat client
type Client struct {
	cfg        Config
	httpClient *http.Client
	costs      CostRecorder
	observer   activity.Observer
	metrics    *metrics.Collector
	log        *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Client
type Option func(*Client)

// WithCostRecorder logs a chat cost entry per successful call
func WithCostRecorder(c CostRecorder) Option {
	return func(cl *Client) { cl.costs = c }
}

// WithObserver reports call progress
func WithObserver(o activity.Observer) Option {
	return func(cl *Client) { cl.observer = o }
}

// WithMetrics records spend
func WithMetrics(m *metrics.Collector) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(cl *Client) { cl.httpClient = h }
}

// WithSleep replaces the wait between retries
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(cl *Client) { cl.sleep = sleep }
}

// Message chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse chat response
type ChatResponse struct {
	Content string
	Usage   costs.Usage
}

// StreamHandler receives streamed content deltas
type StreamHandler func(content string)

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	Delta        Message `json:"delta"`
	FinishReason string  `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// New creates a chat client
func New(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Service == "" {
		cfg.Service = "openai"
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        slog.Default(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.observer = activity.Guard(c.observer, c.log)
	return c
}

// Model returns the chat model name
func (c *Client) Model() string {
	return c.cfg.Model
}

// Chat sends a chat request
func (c *Client) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	return c.chat(ctx, messages, false, nil)
}

// ChatStream sends a streaming chat request, passing deltas to handler
func (c *Client) ChatStream(ctx context.Context, messages []Message, handler StreamHandler) (*ChatResponse, error) {
	return c.chat(ctx, messages, true, handler)
}

func (c *Client) chat(ctx context.Context, messages []Message, stream bool, handler StreamHandler) (*ChatResponse, error) {
	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	id := c.observer.Start("chat_completion", map[string]any{"service": c.cfg.Service, "model": c.cfg.Model})
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observer.Complete(id, "failed: "+err.Error())
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.observer.Complete(id, fmt.Sprintf("failed: status %d", resp.StatusCode))
		return nil, fmt.Errorf("API returned error (status %d): %s", resp.StatusCode, string(body))
	}

	var out *ChatResponse
	if stream {
		out, err = c.handleStreamResponse(resp.Body, handler)
	} else {
		out, err = c.handleResponse(resp.Body)
	}
	if err != nil {
		c.observer.Complete(id, "failed: "+err.Error())
		return nil, err
	}

	out.Usage = c.recordCost(ctx, messages, out.Content)
	c.observer.Complete(id, out.Content)
	return out, nil
}

// recordCost logs the call; failures are reported and swallowed
func (c *Client) recordCost(ctx context.Context, messages []Message, output string) costs.Usage {
	if c.costs == nil {
		return costs.Usage{}
	}
	var input strings.Builder
	for i, m := range messages {
		if i > 0 {
			input.WriteString("\n")
		}
		input.WriteString(m.Content)
	}

	usage, err := c.costs.LogChat(context.WithoutCancel(ctx), c.cfg.Service, c.cfg.Model, input.String(), output)
	if err != nil {
		c.log.Warn("chat cost logging failed", "model", c.cfg.Model, "error", err)
		return costs.Usage{}
	}
	c.metrics.AddSpend(c.cfg.Service, costs.OpChat, usage.Cost)
	return usage
}

func (c *Client) handleResponse(body io.Reader) (*ChatResponse, error) {
	var resp chatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("API returned empty response")
	}
	return &ChatResponse{Content: resp.Choices[0].Message.Content}, nil
}

func (c *Client) handleStreamResponse(body io.Reader, handler StreamHandler) (*ChatResponse, error) {
	reader := bufio.NewReader(body)
	var fullContent strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read streaming response: %w", err)
		}

		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			if data == "[DONE]" {
				break
			}
			var resp chatResponse
			if json.Unmarshal([]byte(data), &resp) == nil && len(resp.Choices) > 0 {
				if delta := resp.Choices[0].Delta.Content; delta != "" {
					fullContent.WriteString(delta)
					if handler != nil {
						handler(delta)
					}
				}
			}
		}

		if err == io.EOF {
			break
		}
	}

	return &ChatResponse{Content: fullContent.String()}, nil
}

// ChatWithRetry retries Chat with a linearly growing wait
func (c *Client) ChatWithRetry(ctx context.Context, messages []Message, maxRetries int) (*ChatResponse, error) {
	return c.retry(ctx, maxRetries, func() (*ChatResponse, error) {
		return c.Chat(ctx, messages)
	})
}

// ChatStreamWithRetry retries ChatStream with a linearly growing wait
func (c *Client) ChatStreamWithRetry(ctx context.Context, messages []Message, handler StreamHandler, maxRetries int) (*ChatResponse, error) {
	return c.retry(ctx, maxRetries, func() (*ChatResponse, error) {
		return c.ChatStream(ctx, messages, handler)
	})
}

func (c *Client) retry(ctx context.Context, maxRetries int, call func() (*ChatResponse, error)) (*ChatResponse, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i == maxRetries-1 {
			break
		}
		c.log.Warn("chat request failed, retrying", "attempt", i+1, "error", err)
		if err := c.sleep(ctx, time.Duration(i+1)*time.Second); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
