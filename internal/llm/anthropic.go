package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/caregent/caregent/internal/config"
	"github.com/caregent/caregent/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// APIError is a non-2xx response from the provider. RetryAfter is the
// parsed Retry-After header when the provider sent one, zero otherwise.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic API error %d: %s", e.StatusCode, e.Body)
}

// Options configure an AnthropicClient. Zero values fall back to the
// defaults from DefaultOptions.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	// MaxRetries is the total number of HTTP attempts per call,
	// including the first.
	MaxRetries int
	RetryDelay time.Duration

	MaxMessageTokens      int
	MaxConversationTokens int
	TokenHeadroom         int
	RequestsPerMinute     int
	TokensPerMinute       int
}

// DefaultOptions returns the stock client configuration.
func DefaultOptions() Options {
	return Options{
		Model:                 "claude-3-5-sonnet-20241022",
		MaxTokens:             1000,
		Temperature:           0.1,
		MaxRetries:            3,
		RetryDelay:            time.Second,
		MaxMessageTokens:      2000,
		MaxConversationTokens: 180000,
		TokenHeadroom:         4096,
		RequestsPerMinute:     50,
		TokensPerMinute:       40000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Model == "" {
		o.Model = d.Model
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.Temperature <= 0 {
		o.Temperature = d.Temperature
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.MaxMessageTokens <= 0 {
		o.MaxMessageTokens = d.MaxMessageTokens
	}
	if o.MaxConversationTokens <= 0 {
		o.MaxConversationTokens = d.MaxConversationTokens
	}
	if o.TokenHeadroom <= 0 {
		o.TokenHeadroom = d.TokenHeadroom
	}
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = d.RequestsPerMinute
	}
	if o.TokensPerMinute <= 0 {
		o.TokensPerMinute = d.TokensPerMinute
	}
	return o
}

// Provider is the gateway surface the engine talks to. CreateMessage
// sends one full conversation and returns the normalized response.
type Provider interface {
	CreateMessage(ctx context.Context, system string, messages []Message, tools []ToolSchema) (*Response, error)
	ValidateMessage(text string) error
}

// AnthropicClient is a client for the Anthropic Messages API with
// built-in conversation truncation, shared rate limiting, and retry.
type AnthropicClient struct {
	apiKey     string
	opts       Options
	httpClient *http.Client
	estimator  Estimator
	limiter    *RateLimiter
	retry      *RetryPolicy
	logger     *slog.Logger

	// baseURL is a test seam.
	baseURL string
}

// NewAnthropicClient creates an Anthropic client. The rate limiter it
// builds is owned by the client and shared across every caller.
func NewAnthropicClient(apiKey string, opts Options, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	// Responses can take a while before headers arrive on long
	// prompts. Use a transport with a generous header timeout and
	// rely on ctx for overall timeout control.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	logger = logger.With("provider", "anthropic")
	return &AnthropicClient{
		apiKey:    apiKey,
		opts:      opts,
		logger:    logger,
		estimator: HeuristicEstimator{},
		limiter:   NewRateLimiter(opts.RequestsPerMinute, opts.TokensPerMinute, logger),
		retry: &RetryPolicy{
			MaxAttempts: opts.MaxRetries,
			Classify:    anthropicRetryClassifier(opts.RetryDelay),
		},
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
		baseURL: anthropicAPIURL,
	}
}

// ValidateMessage rejects a new user message that exceeds the
// per-message token ceiling. Called before the message joins any
// conversation.
func (c *AnthropicClient) ValidateMessage(text string) error {
	return ValidateMessageTokens(c.estimator, text, c.opts.MaxMessageTokens)
}

// Anthropic wire types.

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Tools       []ToolSchema       `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

type anthropicResponse struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Content    []json.RawMessage `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
	Usage      anthropicUsage    `json:"usage"`
}

type anthropicUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

// CreateMessage sends one conversation turn through the gateway:
// truncate to the context budget, wait for rate-limit admission, then
// call the API under the retry policy and normalize the result.
func (c *AnthropicClient) CreateMessage(ctx context.Context, system string, messages []Message, tools []ToolSchema) (*Response, error) {
	kept := TruncateConversation(c.estimator, messages, system, tools, c.opts.MaxConversationTokens, c.opts.TokenHeadroom)
	if len(kept) < len(messages) {
		c.logger.Warn("conversation truncated to fit context budget",
			"dropped", len(messages)-len(kept),
			"kept", len(kept),
		)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("conversation does not fit context budget")
	}

	cost := estimateConversation(c.estimator, system, kept, tools)
	if err := c.limiter.Wait(ctx, cost); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	// The cache hint goes on the last tool so the provider can cache
	// the whole tool prefix.
	wireTools := make([]ToolSchema, len(tools))
	copy(wireTools, tools)
	if n := len(wireTools); n > 0 {
		wireTools[n-1].CacheControl = EphemeralCache()
	}

	req := anthropicRequest{
		Model:       c.opts.Model,
		Messages:    convertMessages(kept),
		System:      system,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
		Tools:       wireTools,
	}
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	var resp *Response
	err = c.retry.Do(ctx, func() error {
		var callErr error
		resp, callErr = c.doRequest(ctx, jsonData)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"cache_read_tokens", resp.Usage.CacheReadTokens,
		"tool_calls", len(resp.ToolCalls()),
	)
	return resp, nil
}

// doRequest performs one HTTP attempt and normalizes the response.
func (c *AnthropicClient) doRequest(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		c.logger.Error("API error", "status", httpResp.StatusCode, "body", errBody)
		return nil, &APIError{
			StatusCode: httpResp.StatusCode,
			Body:       errBody,
			RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
		}
	}

	var wire anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return c.normalize(&wire), nil
}

// normalize converts a wire response into provider-agnostic blocks.
// Blocks of unknown type, and blocks that fail to decode, are skipped
// with a warning rather than failing the whole response. Cache usage
// fields absent from the wire default to zero.
func (c *AnthropicClient) normalize(wire *anthropicResponse) *Response {
	var content []Block
	for i, raw := range wire.Content {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			c.logger.Warn("skipping malformed content block", "index", i, "error", err)
			continue
		}
		switch BlockType(probe.Type) {
		case BlockText, BlockToolUse, BlockToolResult:
			var blk Block
			if err := json.Unmarshal(raw, &blk); err != nil {
				c.logger.Warn("skipping malformed content block", "index", i, "type", probe.Type, "error", err)
				continue
			}
			content = append(content, blk)
		default:
			c.logger.Warn("skipping unknown content block type", "index", i, "type", probe.Type)
		}
	}

	return &Response{
		Content:    content,
		StopReason: wire.StopReason,
		Model:      wire.Model,
		Usage: Usage{
			InputTokens:         wire.Usage.InputTokens,
			OutputTokens:        wire.Usage.OutputTokens,
			CacheCreationTokens: wire.Usage.CacheCreationTokens,
			CacheReadTokens:     wire.Usage.CacheReadTokens,
		},
	}
}

// convertMessages maps conversation messages onto the wire format.
func convertMessages(messages []Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// parseRetryAfter reads a Retry-After header in delay-seconds form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
