// Package search fuses knowledge-base and web results into one ranked list.
// Ranking is deterministic: a weighted score over similarity, source
// reliability, chapter fit, completeness, recency and level match, with a
// stable tie-break so equal scores keep their source order.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/knowledge"
	"github.com/lumilearn/orchestrator/internal/metrics"
	"github.com/lumilearn/orchestrator/internal/websearch"
)

// Item is one fused, ranked search hit.
type Item struct {
	Content    string    `json:"content"`
	Title      string    `json:"title,omitempty"`
	Link       string    `json:"link,omitempty"`
	Source     string    `json:"source"`
	Chapter    int       `json:"chapter,omitempty"`
	Level      string    `json:"level,omitempty"`
	Similarity float64   `json:"similarity"`
	FetchedAt  time.Time `json:"fetched_at"`
	Score      float64   `json:"score"`
}

// Response is the fused result set with its quality grade.
type Response struct {
	Items   []Item  `json:"items"`
	Quality float64 `json:"quality"`
}

// KnowledgeSearcher is the knowledge-base slice the engine needs.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, chapter, limit int) ([]knowledge.Result, error)
}

// WebSearcher is the web-search slice the engine needs.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) (*websearch.Response, error)
}

// Engine runs chapter-scoped and global knowledge searches plus web search,
// then dedupes and ranks the union.
type Engine struct {
	kb     KnowledgeSearcher
	web    WebSearcher
	cfg    config.SearchConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates the fusion engine.
func NewEngine(kb KnowledgeSearcher, web WebSearcher, cfg config.SearchConfig, logger *zap.Logger) *Engine {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	w := &cfg.RankingWeights
	if w.Similarity <= 0 {
		w.Similarity = 0.4
	}
	if w.Reliability <= 0 {
		w.Reliability = 0.2
	}
	if w.Context <= 0 {
		w.Context = 0.15
	}
	if w.Completeness <= 0 {
		w.Completeness = 0.1
	}
	if w.Recency <= 0 {
		w.Recency = 0.1
	}
	if w.LevelMatch <= 0 {
		w.LevelMatch = 0.05
	}
	return &Engine{kb: kb, web: web, cfg: cfg, logger: logger, now: time.Now}
}

// Search fuses all sources for the query. Individual source failures shrink
// the result set rather than failing the whole search.
func (e *Engine) Search(ctx context.Context, query string, chapter int, level string) (*Response, error) {
	var items []Item

	if e.kb != nil {
		if hits, err := e.kb.Search(ctx, query, chapter, e.cfg.MaxResults); err == nil {
			items = append(items, fromKnowledge(hits, e.now())...)
		} else {
			e.logger.Warn("Chapter-scoped knowledge search failed",
				zap.Int("chapter", chapter),
				zap.Error(err),
			)
		}
		// Global pass catches material filed under other chapters.
		if hits, err := e.kb.Search(ctx, query, 0, e.cfg.MaxResults/2+1); err == nil {
			items = append(items, fromKnowledge(hits, e.now())...)
		}
	}

	if e.web != nil {
		if resp, err := e.web.Search(ctx, query, e.cfg.MaxResults); err == nil && !resp.Degraded {
			items = append(items, fromWeb(resp.Results, e.now())...)
		}
	}

	items = dedupe(items)
	e.rank(items, chapter, level)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if items[i].Source != items[j].Source {
			return items[i].Source < items[j].Source
		}
		return items[i].Content < items[j].Content
	})
	if len(items) > e.cfg.MaxResults {
		items = items[:e.cfg.MaxResults]
	}

	quality := responseQuality(items)
	metrics.SearchQuality.Observe(quality)
	e.logger.Debug("Fused search",
		zap.Int("results", len(items)),
		zap.Float64("quality", quality),
	)
	return &Response{Items: items, Quality: quality}, nil
}

func fromKnowledge(hits []knowledge.Result, now time.Time) []Item {
	out := make([]Item, 0, len(hits))
	for _, h := range hits {
		out = append(out, Item{
			Content:    h.Content,
			Source:     h.Source,
			Chapter:    h.Chapter,
			Level:      h.Level,
			Similarity: h.Score,
			FetchedAt:  now,
		})
	}
	return out
}

func fromWeb(hits []websearch.Result, now time.Time) []Item {
	out := make([]Item, 0, len(hits))
	for _, h := range hits {
		content := h.Snippet
		if content == "" {
			content = h.Title
		}
		sim := h.Score
		if sim == 0 {
			sim = 0.5
		}
		out = append(out, Item{
			Content:    content,
			Title:      h.Title,
			Link:       h.Link,
			Source:     "web",
			Similarity: sim,
			FetchedAt:  now,
		})
	}
	return out
}

// dedupe drops items whose leading content matches an earlier item. The key
// is the lowercased first 100 characters, which catches the same passage
// arriving from both the scoped and the global knowledge pass.
func dedupe(items []Item) []Item {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		key := strings.ToLower(it.Content)
		if len(key) > 100 {
			key = key[:100]
		}
		key = strings.TrimSpace(key)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

func sourceReliability(source string) float64 {
	switch source {
	case "knowledge_base":
		return 0.9
	case "web":
		return 0.6
	default:
		return 0.3
	}
}

func (e *Engine) rank(items []Item, chapter int, level string) {
	w := e.cfg.RankingWeights
	for i := range items {
		it := &items[i]

		chapterFit := 0.5
		if it.Chapter == chapter && chapter > 0 {
			chapterFit = 1.0
		} else if it.Chapter == 0 {
			chapterFit = 0.6
		}

		completeness := float64(len(it.Content)) / 300.0
		if completeness > 1 {
			completeness = 1
		}

		recency := 1.0
		if age := e.now().Sub(it.FetchedAt); age > time.Hour {
			recency = 0.5
		}

		levelFit := 0.5
		if it.Level != "" && it.Level == level {
			levelFit = 1.0
		}

		it.Score = w.Similarity*it.Similarity +
			w.Reliability*sourceReliability(it.Source) +
			w.Context*chapterFit +
			w.Completeness*completeness +
			w.Recency*recency +
			w.LevelMatch*levelFit
	}
}

// responseQuality grades the whole response: 70% the average score of the
// top three items, 30% source diversity.
func responseQuality(items []Item) float64 {
	if len(items) == 0 {
		return 0
	}
	top := items
	if len(top) > 3 {
		top = top[:3]
	}
	var sum float64
	for _, it := range top {
		sum += it.Score
	}
	avg := sum / float64(len(top))

	sources := make(map[string]bool)
	for _, it := range items {
		sources[it.Source] = true
	}
	diversity := float64(len(sources)) / 3.0
	if diversity > 1 {
		diversity = 1
	}
	return 0.7*avg + 0.3*diversity
}
