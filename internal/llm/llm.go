// Package llm wraps the Anthropic Messages API with the gateway's
// validation, token-budget truncation, and classified retry/back-off. It is
// a pure client: no persistence, no conversation awareness beyond the
// message list it is handed.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/relayhub/wagateway/internal/apperr"
	"github.com/relayhub/wagateway/internal/models"
)

// Defaults for the completion call contract.
const (
	DefaultModel          = anthropic.ModelClaude3_5SonnetLatest
	DefaultMaxOutputTokens = 1024
	DefaultTemperature     = 1.0
	DefaultSystemPrompt    = "You are a helpful assistant replying over WhatsApp. Keep answers concise."
	DefaultTokenBudget     = 8000

	MaxAttempts  = 3
	CallTimeout  = 30 * time.Second
	backoffBaseMillis = 1000

	// DefaultCallsPerSecond and DefaultBurst pace outbound requests to the
	// LLM API independently of the per-request retry/back-off; this is
	// process-wide call shaping, not the webhook's inbound rate limiter.
	DefaultCallsPerSecond = 5.0
	DefaultBurst          = 5
)

// PriceTable prices a model's input/output tokens in dollars per million
// tokens, used to compute Result.Cost.
type PriceTable struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPriceTable matches the pricing named in the design's cost formula.
var DefaultPriceTable = PriceTable{InputPerMillion: 3, OutputPerMillion: 15}

// Opts carries client configuration, filled in by Option functions.
type Opts struct {
	APIKey      string
	Model       anthropic.Model
	MaxTokens   int64
	Temperature float64
	SystemPrompt string
	TokenBudget int
	Prices      PriceTable

	CallsPerSecond float64
	Burst          int
}

// Option configures a Client at construction time.
type Option func(*Opts)

func WithAPIKey(key string) Option { return func(o *Opts) { o.APIKey = key } }
func WithModel(model anthropic.Model) Option { return func(o *Opts) { o.Model = model } }
func WithMaxTokens(n int64) Option { return func(o *Opts) { o.MaxTokens = n } }
func WithTemperature(t float64) Option { return func(o *Opts) { o.Temperature = t } }
func WithSystemPrompt(p string) Option { return func(o *Opts) { o.SystemPrompt = p } }
func WithTokenBudget(n int) Option { return func(o *Opts) { o.TokenBudget = n } }
func WithPriceTable(p PriceTable) Option { return func(o *Opts) { o.Prices = p } }

// WithCallsPerSecond paces outbound requests to the LLM API, independent of
// the inbound webhook rate limiter.
func WithCallsPerSecond(n float64, burst int) Option {
	return func(o *Opts) {
		o.CallsPerSecond = n
		o.Burst = burst
	}
}

// Result is the metrics-variant return value of Complete.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
	TokensUsed   int
	LatencyMs    int
	Model        string
	StopReason   string
	Cost         float64
}

// Client is a thin, validating wrapper around the Anthropic Messages API.
type Client struct {
	sdk     *anthropic.Client
	opts    Opts
	limiter *rate.Limiter
}

// New constructs a Client. APIKey must be set via WithAPIKey.
func New(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:          DefaultModel,
		MaxTokens:      DefaultMaxOutputTokens,
		Temperature:    DefaultTemperature,
		SystemPrompt:   DefaultSystemPrompt,
		TokenBudget:    DefaultTokenBudget,
		Prices:         DefaultPriceTable,
		CallsPerSecond: DefaultCallsPerSecond,
		Burst:          DefaultBurst,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: API key not set")
	}
	return &Client{
		sdk:     anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		opts:    cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), cfg.Burst),
	}, nil
}

// validate enforces the message-list shape: non-empty, valid roles,
// non-empty trimmed content, and the last item must be role=user.
func validate(messages []models.ContextMessage) error {
	if len(messages) == 0 {
		return fmt.Errorf("llm: %w: empty message list", apperr.ErrValidationFailed)
	}
	for i, m := range messages {
		if !m.Role.IsValid() {
			return fmt.Errorf("llm: %w: message[%d] invalid role %q", apperr.ErrValidationFailed, i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("llm: %w: message[%d] empty content", apperr.ErrValidationFailed, i)
		}
	}
	if messages[len(messages)-1].Role != models.RoleUser {
		return fmt.Errorf("llm: %w: last message must be role=user", apperr.ErrValidationFailed)
	}
	return nil
}

// estimateTokens approximates token count as ceil(len(content)/4), the
// estimator used for budget enforcement only (not billing).
func estimateTokens(content string) int {
	n := len(content)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// truncateToBudget drops items from the oldest end until the cumulative
// estimated token count fits within budget, preserving the suffix (most
// recent messages).
func truncateToBudget(messages []models.ContextMessage, budget int) []models.ContextMessage {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m.Content)
	}
	start := 0
	for total > budget && start < len(messages)-1 {
		total -= estimateTokens(messages[start].Content)
		start++
	}
	return messages[start:]
}

// Complete validates, truncates, and issues the completion request with
// classified retry/back-off. It returns the metrics-variant Result on
// success, or an apperr-classified error after all retries are exhausted.
func (c *Client) Complete(ctx context.Context, messages []models.ContextMessage) (*Result, error) {
	if err := validate(messages); err != nil {
		return nil, err
	}
	truncated := truncateToBudget(messages, c.opts.TokenBudget)

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 {
			sleep := time.Duration(backoffBaseMillis*pow2(attempt-2)) * time.Millisecond
			slog.Debug("llm: retrying after back-off", "attempt", attempt, "sleep", sleep)
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return nil, fmt.Errorf("llm: %w: %v", apperr.ErrUpstreamUnavailable, ctx.Err())
			}
		}

		start := time.Now()
		result, err := c.attempt(ctx, truncated)
		elapsed := time.Since(start)

		if err == nil {
			result.LatencyMs = int(elapsed.Milliseconds())
			return result, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, classify(err)
		}
		slog.Warn("llm: retryable error, will retry", "attempt", attempt, "error", err)
	}
	return nil, classify(lastErr)
}

func (c *Client) attempt(ctx context.Context, messages []models.ContextMessage) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	if err := c.limiter.Wait(callCtx); err != nil {
		return nil, fmt.Errorf("llm: %w: %v", apperr.ErrUpstreamUnavailable, err)
	}

	sdkMessages := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser:
			sdkMessages = append(sdkMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case models.RoleAssistant:
			sdkMessages = append(sdkMessages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case models.RoleSystem:
			// System-role turns inside the message list are sent as separate
			// user-role turns; the vendor API carries system instructions
			// out-of-band via the System parameter instead.
			sdkMessages = append(sdkMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	resp, err := c.sdk.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:       anthropic.F(c.opts.Model),
		MaxTokens:   anthropic.Int(c.opts.MaxTokens),
		Temperature: anthropic.Float(c.opts.Temperature),
		System:      anthropic.F([]anthropic.TextBlockParam{anthropic.NewTextBlock(c.opts.SystemPrompt)}),
		Messages:    anthropic.F(sdkMessages),
	})
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for i, block := range resp.Content {
		if text, ok := block.AsUnion().(anthropic.TextBlock); ok {
			if i > 0 && sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(text.Text)
		}
	}

	inputTokens := int(resp.Usage.InputTokens)
	outputTokens := int(resp.Usage.OutputTokens)
	return &Result{
		Content:      sb.String(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TokensUsed:   inputTokens + outputTokens,
		Model:        string(resp.Model),
		StopReason:   string(resp.StopReason),
		Cost:         cost(inputTokens, outputTokens, c.opts.Prices),
	}, nil
}

func cost(inputTokens, outputTokens int, prices PriceTable) float64 {
	return float64(inputTokens)/1_000_000*prices.InputPerMillion +
		float64(outputTokens)/1_000_000*prices.OutputPerMillion
}

func pow2(n int) int64 {
	if n <= 0 {
		return 1
	}
	return 2 << (n - 1)
}

// isRetryable reports whether err matches the retry criteria: HTTP 429,
// HTTP >= 500, or a network-class error whose message contains one of
// "timeout", "network", "econnreset" (case-insensitive).
func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "network") || strings.Contains(msg, "econnreset")
}

// classify maps a post-retry failure into the caller-facing apperr kinds:
// 429 -> upstream_rate_limited, 400 -> validation_failed, 401/403 ->
// unauthenticated, >=500 -> upstream_unavailable. Anything unrecognized is
// wrapped as upstream_error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fmt.Errorf("llm: %w: %v", apperr.ErrUpstreamRateLimited, err)
		case apiErr.StatusCode == 400:
			return fmt.Errorf("llm: %w: %v", apperr.ErrValidationFailed, err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return fmt.Errorf("llm: %w: %v", apperr.ErrUnauthenticated, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("llm: %w: %v", apperr.ErrUpstreamUnavailable, err)
		}
	}
	return fmt.Errorf("llm: %w: %v", apperr.ErrUpstreamError, err)
}
