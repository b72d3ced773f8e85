// Package llm wraps the chat-completions API behind a small neutral type
// set. Three backends share the OpenAI wire format: api.openai.com,
// openrouter.ai, and a local ollama daemon.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	logx "zclaw/pkg/logx"
)

const (
	BackendOpenAI     = "openai"
	BackendOpenRouter = "openrouter"
	BackendOllama     = "ollama"

	// Message roles, matching the chat-completions wire values.
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	defaultMaxTokens = 1024
	defaultTimeout   = 20 * time.Second

	defaultMaxAttempts = 3
	defaultRetryBase   = 2 * time.Second
	defaultRetryMax    = 10 * time.Second
	defaultRetryBudget = 45 * time.Second
)

// ErrExhausted wraps the last transport error once every attempt failed.
var ErrExhausted = errors.New("llm attempts exhausted")

type Config struct {
	Backend   string
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration

	// Retry pacing. Attempts counts the first try.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	RetryBudget time.Duration
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendOpenAI
	}
	if c.BaseURL == "" {
		switch c.Backend {
		case BackendOpenRouter:
			c.BaseURL = "https://openrouter.ai/api/v1"
		case BackendOllama:
			c.BaseURL = "http://127.0.0.1:11434/v1"
		default:
			c.BaseURL = "https://api.openai.com/v1"
		}
	}
	if c.Model == "" {
		switch c.Backend {
		case BackendOpenRouter:
			c.Model = "minimax/minimax-m2.5"
		case BackendOllama:
			c.Model = "qwen3:8b"
		default:
			c.Model = "gpt-5.2"
		}
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = defaultRetryBudget
	}
	return c
}

// Message is one turn of a conversation. Assistant turns may carry tool
// calls; tool-result turns reference the call they answer.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec describes one callable tool for the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Reply is the assistant's next turn: text, tool calls, or both.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
}

type Snapshot struct {
	Backend  string
	Model    string
	Requests uint64
	Failures uint64
	Retries  uint64
}

type Client struct {
	cfg Config
	api *openai.Client
	log logx.Logger

	requests atomic.Uint64
	failures atomic.Uint64
	retries  atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	api := openai.DefaultConfig(cfg.APIKey)
	api.BaseURL = cfg.BaseURL
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.Backend == BackendOpenRouter {
		// OpenRouter asks callers to identify themselves.
		httpClient.Transport = &headerTransport{base: http.DefaultTransport, headers: map[string]string{
			"HTTP-Referer": "https://github.com/tnm/zclaw",
			"X-Title":      "zclaw",
		}}
	}
	api.HTTPClient = httpClient

	log.Info("llm client ready",
		logx.String("backend", cfg.Backend), logx.String("model", cfg.Model))
	return &Client{cfg: cfg, api: openai.NewClientWithConfig(api), log: log}
}

func (c *Client) Model() string   { return c.cfg.Model }
func (c *Client) Backend() string { return c.cfg.Backend }

func (c *Client) Snapshot() Snapshot {
	return Snapshot{
		Backend:  c.cfg.Backend,
		Model:    c.cfg.Model,
		Requests: c.requests.Load(),
		Failures: c.failures.Load(),
		Retries:  c.retries.Load(),
	}
}

// Chat sends the system prompt, conversation, and tool schemas, returning the
// assistant's turn. Transient failures are retried with exponential backoff
// under a wall-clock budget; auth and request errors fail immediately.
func (c *Client) Chat(ctx context.Context, system string, msgs []Message, tools []ToolSpec) (Reply, error) {
	req := openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages:  buildMessages(system, msgs),
		Tools:     buildTools(tools),
	}

	deadline := time.Now().Add(c.cfg.RetryBudget)
	delay := c.cfg.RetryBase
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		c.requests.Add(1)
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			return parseReply(resp)
		}
		lastErr = err
		c.failures.Add(1)

		if !retryable(err) || attempt == c.cfg.MaxAttempts {
			break
		}
		if time.Now().Add(delay).After(deadline) {
			c.log.Warn("llm retry budget exhausted", logx.Int("attempt", attempt))
			break
		}
		c.log.Warn("llm request failed, retrying",
			logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		c.retries.Add(1)
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.RetryMax {
			delay = c.cfg.RetryMax
		}
	}
	return Reply{}, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// retryable separates transient transport trouble from errors another
// attempt cannot fix.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		return apiErr.HTTPStatusCode >= 500
	}
	return true // network-level failure
}

func buildMessages(system string, msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: system,
		})
	}
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func buildTools(tools []ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func parseReply(resp openai.ChatCompletionResponse) (Reply, error) {
	if len(resp.Choices) == 0 {
		return Reply{}, errors.New("empty completion: no choices")
	}
	msg := resp.Choices[0].Message
	r := Reply{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		r.ToolCalls = append(r.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return r, nil
}

// headerTransport stamps fixed headers onto every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}
