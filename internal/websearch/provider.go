// Package websearch provides web search with an adaptive two-tier strategy:
// a free instant-answer provider first, topped up or replaced by a premium
// provider when the free results are not good enough.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/monitor"
	"github.com/lumilearn/orchestrator/internal/resilience"
	"github.com/lumilearn/orchestrator/internal/tracing"
)

// Result is one web search hit.
type Result struct {
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Link    string  `json:"link"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Provider fetches results from one search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// InstantAnswerProvider queries a DuckDuckGo-style instant answer API. It is
// free and unauthenticated, which makes it the default first tier.
type InstantAnswerProvider struct {
	baseURL string
	http    *http.Client
	monitor *monitor.Monitor
}

// NewInstantAnswerProvider creates the first-tier provider.
func NewInstantAnswerProvider(cfg config.InstantAnswerConfig, mon *monitor.Monitor) *InstantAnswerProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.duckduckgo.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	return &InstantAnswerProvider{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		monitor: mon,
	}
}

func (p *InstantAnswerProvider) Name() string { return "instant_answer" }

type instantAnswerResponse struct {
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Heading       string `json:"Heading"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

func (p *InstantAnswerProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	u := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", p.baseURL, url.QueryEscape(query))
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, u)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build instant answer request: %w", err)
	}
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := p.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		p.record(false, false, latency)
		return nil, classifyTransport(ctx, err, "instant answer")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.record(false, resp.StatusCode == http.StatusTooManyRequests, latency)
		return nil, classifyStatus(resp.StatusCode, "instant answer")
	}

	var ia instantAnswerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ia); err != nil {
		p.record(false, false, latency)
		return nil, resilience.NewCallError("parse_response", err.Error(), resilience.SeverityMedium)
	}
	p.record(true, false, latency)

	var out []Result
	if ia.AbstractText != "" {
		out = append(out, Result{
			Title:   ia.Heading,
			Snippet: ia.AbstractText,
			Link:    ia.AbstractURL,
			Source:  p.Name(),
		})
	}
	for _, topic := range ia.RelatedTopics {
		if len(out) >= limit {
			break
		}
		if topic.Text == "" {
			continue
		}
		out = append(out, Result{
			Title:   truncateTitle(topic.Text),
			Snippet: topic.Text,
			Link:    topic.FirstURL,
			Source:  p.Name(),
		})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *InstantAnswerProvider) record(success, rateLimited bool, latency time.Duration) {
	if p.monitor == nil {
		return
	}
	p.monitor.Record(monitor.CallRecord{
		Service:     "websearch",
		Success:     success,
		RateLimited: rateLimited,
		Latency:     latency,
		Timestamp:   time.Now(),
	})
}

// truncateTitle bounds a related-topic title to 80 bytes without splitting
// a UTF-8 rune.
func truncateTitle(s string) string {
	n := 80
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// PremiumProvider queries a paid Tavily-style search API. It is the second
// tier, used only when first-tier quality falls short.
type PremiumProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client
	monitor *monitor.Monitor
}

// NewPremiumProvider creates the second-tier provider.
func NewPremiumProvider(cfg config.PremiumConfig, mon *monitor.Monitor) *PremiumProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tavily.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &PremiumProvider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		monitor: mon,
	}
}

func (p *PremiumProvider) Name() string { return "premium" }

// Configured reports whether the provider can be used at all.
func (p *PremiumProvider) Configured() bool { return p.apiKey != "" }

type premiumResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		Content string  `json:"content"`
		URL     string  `json:"url"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (p *PremiumProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if !p.Configured() {
		return nil, resilience.NewCallError("auth_missing", "premium search has no API key", resilience.SeverityLow)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"api_key":     p.apiKey,
		"query":       query,
		"max_results": limit,
	})
	u := p.baseURL + "/search"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, u)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build premium search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := p.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		p.record(false, false, latency)
		return nil, classifyTransport(ctx, err, "premium search")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.record(false, resp.StatusCode == http.StatusTooManyRequests, latency)
		return nil, classifyStatus(resp.StatusCode, "premium search")
	}

	var pr premiumResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		p.record(false, false, latency)
		return nil, resilience.NewCallError("parse_response", err.Error(), resilience.SeverityMedium)
	}
	p.record(true, false, latency)

	out := make([]Result, 0, len(pr.Results))
	for _, r := range pr.Results {
		out = append(out, Result{
			Title:   r.Title,
			Snippet: r.Content,
			Link:    r.URL,
			Source:  p.Name(),
			Score:   r.Score,
		})
	}
	return out, nil
}

func (p *PremiumProvider) record(success, rateLimited bool, latency time.Duration) {
	if p.monitor == nil {
		return
	}
	p.monitor.Record(monitor.CallRecord{
		Service:     "websearch",
		Success:     success,
		RateLimited: rateLimited,
		Latency:     latency,
		Timestamp:   time.Now(),
	})
}

func classifyTransport(ctx context.Context, err error, what string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return resilience.NewCallError("timeout", what+" request timed out", resilience.SeverityMedium)
	}
	return resilience.NewCallError("connection_failed", err.Error(), resilience.SeverityMedium)
}

func classifyStatus(status int, what string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return resilience.NewCallError("auth_rejected", fmt.Sprintf("%s returned %d", what, status), resilience.SeverityHigh)
	case status == http.StatusTooManyRequests:
		return resilience.NewCallError("rate_limit_exceeded", what+" throttled the request", resilience.SeverityHigh)
	case status >= 500:
		return resilience.NewCallError("unavailable", fmt.Sprintf("%s returned %d", what, status), resilience.SeverityHigh)
	default:
		return resilience.NewCallError("unknown_error", fmt.Sprintf("%s returned %d", what, status), resilience.SeverityMedium)
	}
}
