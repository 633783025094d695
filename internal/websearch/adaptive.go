package websearch

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/metrics"
	"github.com/lumilearn/orchestrator/internal/ratelimit"
)

// Adaptive runs the two-tier strategy. The first tier is always tried; its
// result quality decides whether the premium tier is skipped, used to top up,
// or used as a full replacement.
type Adaptive struct {
	primary   Provider
	secondary Provider
	limiter   *ratelimit.Registry
	cfg       config.SearchConfig
	logger    *zap.Logger
}

// NewAdaptive creates the adaptive search strategy.
func NewAdaptive(primary, secondary Provider, limiter *ratelimit.Registry, cfg config.SearchConfig, logger *zap.Logger) *Adaptive {
	if cfg.HighQuality <= 0 {
		cfg.HighQuality = 0.8
	}
	if cfg.AcceptQuality <= 0 {
		cfg.AcceptQuality = 0.4
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	return &Adaptive{
		primary:   primary,
		secondary: secondary,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Response carries the merged results plus how they were obtained.
type Response struct {
	Results  []Result `json:"results"`
	Quality  float64  `json:"quality"`
	Strategy string   `json:"strategy"`
	Degraded bool     `json:"degraded"`
}

// Search runs the adaptive strategy. It returns a degraded placeholder
// rather than an error when every provider fails, so callers always have
// something to show.
func (a *Adaptive) Search(ctx context.Context, query string, limit int) (*Response, error) {
	if limit <= 0 || limit > a.cfg.MaxResults {
		limit = a.cfg.MaxResults
	}

	// The first tier is probed with a small batch; quality decides whether
	// more is needed at all.
	probe := limit
	if probe > 3 {
		probe = 3
	}

	var primary []Result
	var primaryErr error
	if a.allow("websearch") {
		primary, primaryErr = a.primary.Search(ctx, query, probe)
	}
	quality := QualityScore(query, primary)

	strategy := "primary_only"
	results := primary

	switch {
	case primaryErr == nil && quality >= a.cfg.HighQuality:
		// Free tier is good enough; premium quota stays untouched.

	case primaryErr == nil && quality >= a.cfg.AcceptQuality:
		strategy = "supplemented"
		if extra := a.secondarySearch(ctx, query, limit-len(primary)); len(extra) > 0 {
			results = append(results, extra...)
		}

	default:
		strategy = "replaced"
		if replacement := a.secondarySearch(ctx, query, limit); len(replacement) > 0 {
			results = replacement
		}
	}

	results = Dedupe(results)
	if len(results) == 0 {
		// No tier produced anything: an instant-answer miss, a rate-limit
		// denial or an outage all land here. Callers always get a result set.
		metrics.SearchQueries.WithLabelValues("degraded").Inc()
		a.logger.Warn("No search provider returned results",
			zap.String("query", query),
			zap.Error(primaryErr),
		)
		return &Response{
			Results: []Result{{
				Title:   "Search temporarily unavailable",
				Snippet: "Web search could not be reached. Please rely on the course material or retry shortly.",
				Source:  "placeholder",
			}},
			Strategy: "degraded",
			Degraded: true,
		}, nil
	}
	if len(results) > limit {
		results = results[:limit]
	}
	finalQuality := QualityScore(query, results)

	metrics.SearchQueries.WithLabelValues(strategy).Inc()
	a.logger.Debug("Adaptive search",
		zap.String("strategy", strategy),
		zap.Float64("primary_quality", quality),
		zap.Float64("final_quality", finalQuality),
		zap.Int("results", len(results)),
	)
	return &Response{Results: results, Quality: finalQuality, Strategy: strategy}, nil
}

func (a *Adaptive) secondarySearch(ctx context.Context, query string, limit int) []Result {
	if a.secondary == nil || limit <= 0 {
		return nil
	}
	if !a.allow("premium") {
		return nil
	}
	results, err := a.secondary.Search(ctx, query, limit)
	if err != nil {
		a.logger.Warn("Premium search failed",
			zap.Error(err),
		)
		return nil
	}
	return results
}

func (a *Adaptive) allow(service string) bool {
	if a.limiter == nil {
		return true
	}
	return a.limiter.Allow(service)
}

// QualityScore grades a result set against the query on a 0..1 scale. Each
// result is scored on completeness and query-term coverage; the set average
// gets a small bonus when there are at least three results.
func QualityScore(query string, results []Result) float64 {
	if len(results) == 0 {
		return 0
	}
	terms := queryTerms(query)
	var sum float64
	for _, r := range results {
		sum += resultScore(terms, r)
	}
	score := sum / float64(len(results))
	if len(results) >= 3 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

func resultScore(terms []string, r Result) float64 {
	var score float64
	if len(r.Title) > 10 {
		score += 0.3
	}
	if len(r.Snippet) > 20 {
		score += 0.3
	}
	if strings.HasPrefix(r.Link, "http") {
		score += 0.2
	}
	if r.Source != "placeholder" && r.Source != "" {
		score += 0.2
	}
	if len(terms) > 0 {
		text := strings.ToLower(r.Title + " " + r.Snippet)
		hits := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				hits++
			}
		}
		score += float64(hits) / float64(len(terms)) * 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

func queryTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if len(w) > 2 {
			terms = append(terms, w)
		}
	}
	return terms
}

// Dedupe removes duplicate results, keeping first occurrences. Identity is
// the normalized link when present, otherwise the normalized title.
func Dedupe(results []Result) []Result {
	seen := make(map[string]bool, len(results))
	out := results[:0:0]
	for _, r := range results {
		key := strings.ToLower(strings.TrimRight(r.Link, "/"))
		if key == "" {
			key = "title:" + strings.ToLower(strings.TrimSpace(r.Title))
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}
