// Package knowledge is the HTTP client for the vector knowledge base that
// holds the course material. It speaks the Qdrant points API: queries are
// embedded, then searched with an optional chapter filter.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/monitor"
	"github.com/lumilearn/orchestrator/internal/resilience"
	"github.com/lumilearn/orchestrator/internal/tracing"
)

// Result is one knowledge-base hit.
type Result struct {
	Content string  `json:"content"`
	Chapter int     `json:"chapter"`
	Level   string  `json:"level"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Embedder turns query text into a vector. The OpenAI embeddings API is the
// production implementation; tests substitute a fixed vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder embeds queries with the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	api   *openai.Client
	model openai.EmbeddingModel
}

// NewOpenAIEmbedder creates an embedder with the small embedding model.
func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		api:   openai.NewClient(apiKey),
		model: openai.SmallEmbedding3,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed query: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// Client is a minimal Qdrant HTTP client scoped to one collection.
type Client struct {
	cfg      config.KnowledgeConfig
	http     *http.Client
	embedder Embedder
	monitor  *monitor.Monitor
	logger   *zap.Logger
}

// NewClient creates the knowledge-base client.
func NewClient(cfg config.KnowledgeConfig, embedder Embedder, mon *monitor.Monitor, logger *zap.Logger) *Client {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "course_material"
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		embedder: embedder,
		monitor:  mon,
		logger:   logger,
	}
}

type queryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type queryResponse struct {
	Result struct {
		Points []struct {
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search embeds the query and searches the collection. A chapter of 0 means
// no chapter filter (global search).
func (c *Client) Search(ctx context.Context, query string, chapter, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = c.cfg.TopK
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.record(false, 0)
		return nil, resilience.NewCallError("network_embedding", err.Error(), resilience.SeverityMedium)
	}

	var filter map[string]interface{}
	if chapter > 0 {
		filter = map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "chapter", "match": map[string]interface{}{"value": chapter}},
			},
		}
	}
	var thr *float64
	if c.cfg.Threshold > 0 {
		thr = &c.cfg.Threshold
	}
	body, _ := json.Marshal(queryRequest{
		Query:          vec,
		Limit:          limit,
		ScoreThreshold: thr,
		WithPayload:    true,
		Filter:         filter,
	})

	url := fmt.Sprintf("%s/collections/%s/points/query", c.cfg.BaseURL, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build knowledge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.record(false, latency)
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.record(false, latency)
		return nil, classifyStatus(resp.StatusCode)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		c.record(false, latency)
		return nil, resilience.NewCallError("parse_response", err.Error(), resilience.SeverityMedium)
	}
	c.record(true, latency)

	out := make([]Result, 0, len(qr.Result.Points))
	for _, p := range qr.Result.Points {
		r := Result{Score: p.Score, Source: "knowledge_base"}
		if v, ok := p.Payload["content"].(string); ok {
			r.Content = v
		}
		if v, ok := p.Payload["chapter"].(float64); ok {
			r.Chapter = int(v)
		}
		if v, ok := p.Payload["level"].(string); ok {
			r.Level = v
		}
		out = append(out, r)
	}
	c.logger.Debug("Knowledge search",
		zap.Int("chapter", chapter),
		zap.Int("results", len(out)),
		zap.Duration("latency", latency),
	)
	return out, nil
}

func (c *Client) record(success bool, latency time.Duration) {
	if c.monitor == nil {
		return
	}
	c.monitor.Record(monitor.CallRecord{
		Service:   "knowledge",
		Success:   success,
		Latency:   latency,
		Timestamp: time.Now(),
	})
}

func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return resilience.NewCallError("timeout", "knowledge base request timed out", resilience.SeverityMedium)
	}
	return resilience.NewCallError("connection_failed", err.Error(), resilience.SeverityMedium)
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return resilience.NewCallError("auth_rejected", fmt.Sprintf("knowledge base returned %d", status), resilience.SeverityCritical)
	case status == http.StatusTooManyRequests:
		return resilience.NewCallError("rate_limit_exceeded", "knowledge base throttled the request", resilience.SeverityHigh)
	case status >= 500:
		return resilience.NewCallError("unavailable", fmt.Sprintf("knowledge base returned %d", status), resilience.SeverityHigh)
	default:
		return resilience.NewCallError("unknown_error", fmt.Sprintf("knowledge base returned %d", status), resilience.SeverityMedium)
	}
}
