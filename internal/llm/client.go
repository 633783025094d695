// Package llm wraps the OpenAI chat completion API with request pacing,
// response caching and call monitoring. All agent text generation goes
// through this client so every call shares the same quota and health view.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/metrics"
	"github.com/lumilearn/orchestrator/internal/monitor"
	"github.com/lumilearn/orchestrator/internal/ratelimit"
	"github.com/lumilearn/orchestrator/internal/resilience"
)

// completionAPI is the slice of the OpenAI client we use; tests substitute a
// fake.
type completionAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client is the shared generation client. The token-bucket limiter smooths
// burst traffic while the sliding-window limiter enforces the provider's
// stated per-minute quota; both must admit a call before it goes out.
type Client struct {
	api     completionAPI
	pacer   *rate.Limiter
	window  *ratelimit.Registry
	monitor *monitor.Monitor
	cache   *gocache.Cache
	cfg     config.OpenAIConfig
	logger  *zap.Logger
}

// New builds the generation client from configuration.
func New(cfg config.OpenAIConfig, window *ratelimit.Registry, mon *monitor.Monitor, logger *zap.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Client{
		api:     openai.NewClient(cfg.APIKey),
		pacer:   rate.NewLimiter(rate.Limit(1), 3),
		window:  window,
		monitor: mon,
		cache:   gocache.New(cfg.CacheTTL, cfg.CacheTTL),
		cfg:     cfg,
		logger:  logger,
	}
}

// Request is one generation call.
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

func (c *Client) cacheKey(req Request) string {
	sum := sha256.Sum256([]byte(c.cfg.Model + "\x00" + req.System + "\x00" + req.Prompt))
	return hex.EncodeToString(sum[:])
}

// Generate produces a completion for the request. Identical prompts within
// the cache TTL are served from cache without consuming quota.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	key := c.cacheKey(req)
	if cached, ok := c.cache.Get(key); ok {
		metrics.GenerationCacheHits.WithLabelValues("hit").Inc()
		return cached.(string), nil
	}
	metrics.GenerationCacheHits.WithLabelValues("miss").Inc()

	if err := c.pacer.Wait(ctx); err != nil {
		return "", fmt.Errorf("generation pacing: %w", err)
	}
	if c.window != nil {
		if err := c.window.Wait(ctx, "generation"); err != nil {
			return "", fmt.Errorf("generation rate limit: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	messages := []openai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	latency := time.Since(start)

	if c.monitor != nil {
		c.monitor.Record(monitor.CallRecord{
			Service:     "generation",
			Success:     err == nil,
			RateLimited: isRateLimited(err),
			Latency:     latency,
			Timestamp:   time.Now(),
		})
	}

	if err != nil {
		c.logger.Warn("Generation call failed",
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", resilience.NewCallError("malformed_response", "completion returned no choices", resilience.SeverityMedium)
	}

	content := resp.Choices[0].Message.Content
	metrics.GenerationTokens.Observe(float64(resp.Usage.TotalTokens))
	c.cache.Set(key, content, gocache.DefaultExpiration)
	if req.System != "" {
		// Second index under the prompt alone. The fallback path (Lookup)
		// has no access to the agent's system message.
		c.cache.Set(c.cacheKey(Request{Prompt: req.Prompt}), content, gocache.DefaultExpiration)
	}
	return content, nil
}

// Lookup satisfies resilience.ResponseCache so the generation fallback can
// reuse a cached answer for the same prompt, regardless of which system
// message produced it.
func (c *Client) Lookup(prompt string) (string, bool) {
	key := c.cacheKey(Request{Prompt: prompt})
	if cached, ok := c.cache.Get(key); ok {
		return cached.(string), true
	}
	return "", false
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429
}

// classify maps transport and API failures onto the shared error taxonomy so
// the resilience handler can pick retry and fallback behavior by code.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.NewCallError("timeout", "generation request timed out", resilience.SeverityMedium)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return resilience.NewCallError("auth_rejected", apiErr.Message, resilience.SeverityCritical)
		case apiErr.HTTPStatusCode == 429:
			return resilience.NewCallError("rate_limit_exceeded", apiErr.Message, resilience.SeverityHigh)
		case apiErr.HTTPStatusCode >= 500:
			return resilience.NewCallError("unavailable", apiErr.Message, resilience.SeverityHigh)
		}
		return resilience.NewCallError("unknown_error", apiErr.Message, resilience.SeverityMedium)
	}
	return resilience.NewCallError("network_error", err.Error(), resilience.SeverityMedium)
}
