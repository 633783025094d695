package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/knowledge"
	"github.com/lumilearn/orchestrator/internal/websearch"
)

type fakeKB struct {
	scoped []knowledge.Result
	global []knowledge.Result
	err    error
}

func (f *fakeKB) Search(_ context.Context, _ string, chapter, _ int) ([]knowledge.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if chapter == 0 {
		return f.global, nil
	}
	return f.scoped, nil
}

type fakeWeb struct {
	resp *websearch.Response
	err  error
}

func (f *fakeWeb) Search(_ context.Context, _ string, _ int) (*websearch.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func kbResult(content string, chapter int, level string, score float64) knowledge.Result {
	return knowledge.Result{Content: content, Chapter: chapter, Level: level, Source: "knowledge_base", Score: score}
}

func newTestEngine(kb KnowledgeSearcher, web WebSearcher) *Engine {
	return NewEngine(kb, web, config.SearchConfig{MaxResults: 8}, zap.NewNop())
}

func TestFusesAllSources(t *testing.T) {
	kb := &fakeKB{
		scoped: []knowledge.Result{kbResult("Scoped chapter material about neural networks and layers.", 2, "low", 0.9)},
		global: []knowledge.Result{kbResult("Global material about gradient descent optimization methods.", 5, "low", 0.7)},
	}
	web := &fakeWeb{resp: &websearch.Response{Results: []websearch.Result{
		{Title: "NN guide", Snippet: "A practical web guide to neural networks for beginners.", Link: "https://w.example/nn", Score: 0.6},
	}}}

	resp, err := newTestEngine(kb, web).Search(context.Background(), "neural networks", 2, "low")
	require.NoError(t, err)
	assert.Len(t, resp.Items, 3)

	sources := make(map[string]bool)
	for _, it := range resp.Items {
		sources[it.Source] = true
	}
	assert.True(t, sources["knowledge_base"])
	assert.True(t, sources["web"])
}

func TestKnowledgeRanksAboveWebAtEqualSimilarity(t *testing.T) {
	kb := &fakeKB{
		scoped: []knowledge.Result{kbResult("Knowledge base passage on transformers with enough detail to matter.", 1, "low", 0.6)},
	}
	web := &fakeWeb{resp: &websearch.Response{Results: []websearch.Result{
		{Title: "Web hit", Snippet: "Web passage on transformers with enough detail to matter too.", Link: "https://w.example/t", Score: 0.6},
	}}}

	resp, err := newTestEngine(kb, web).Search(context.Background(), "transformers", 1, "low")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(resp.Items), 2)
	assert.Equal(t, "knowledge_base", resp.Items[0].Source, "source reliability favors the knowledge base")
}

func TestDedupeByLeadingContent(t *testing.T) {
	passage := "This exact passage appears in both the scoped and the global search results."
	kb := &fakeKB{
		scoped: []knowledge.Result{kbResult(passage, 1, "low", 0.9)},
		global: []knowledge.Result{kbResult(passage+" With a longer tail that only the global copy has.", 1, "low", 0.8)},
	}

	resp, err := newTestEngine(kb, nil).Search(context.Background(), "anything", 1, "low")
	require.NoError(t, err)
	assert.Len(t, resp.Items, 1, "items sharing the first 100 characters are duplicates")
}

func TestDedupeIsCaseInsensitive(t *testing.T) {
	kb := &fakeKB{
		scoped: []knowledge.Result{kbResult("Shared passage about embeddings.", 1, "low", 0.9)},
		global: []knowledge.Result{kbResult("SHARED PASSAGE ABOUT EMBEDDINGS.", 1, "low", 0.8)},
	}
	resp, err := newTestEngine(kb, nil).Search(context.Background(), "anything", 1, "low")
	require.NoError(t, err)
	assert.Len(t, resp.Items, 1)
}

func TestRankingIsDeterministic(t *testing.T) {
	kb := &fakeKB{scoped: []knowledge.Result{
		kbResult("Alpha passage with identical metadata for the tie break.", 1, "low", 0.5),
		kbResult("Beta passage with identical metadata for the tie break..", 1, "low", 0.5),
	}}
	e := newTestEngine(kb, nil)

	first, err := e.Search(context.Background(), "q", 1, "low")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Search(context.Background(), "q", 1, "low")
		require.NoError(t, err)
		require.Equal(t, len(first.Items), len(again.Items))
		for j := range first.Items {
			assert.Equal(t, first.Items[j].Content, again.Items[j].Content, "ordering must be stable across runs")
		}
	}
}

func TestSourceFailureShrinksNotFails(t *testing.T) {
	kb := &fakeKB{err: errors.New("kb down")}
	web := &fakeWeb{resp: &websearch.Response{Results: []websearch.Result{
		{Title: "Only web", Snippet: "Web results still flow when the knowledge base is down.", Link: "https://w.example/1"},
	}}}

	resp, err := newTestEngine(kb, web).Search(context.Background(), "q", 1, "low")
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "web", resp.Items[0].Source)
}

func TestDegradedWebIsExcluded(t *testing.T) {
	kb := &fakeKB{scoped: []knowledge.Result{kbResult("Knowledge passage that should stand alone.", 1, "low", 0.8)}}
	web := &fakeWeb{resp: &websearch.Response{
		Degraded: true,
		Results:  []websearch.Result{{Title: "placeholder", Source: "placeholder"}},
	}}

	resp, err := newTestEngine(kb, web).Search(context.Background(), "q", 1, "low")
	require.NoError(t, err)
	for _, it := range resp.Items {
		assert.NotEqual(t, "placeholder", it.Source)
	}
}

func TestResponseQuality(t *testing.T) {
	assert.Zero(t, responseQuality(nil))

	single := []Item{{Score: 0.8, Source: "knowledge_base"}}
	// 0.7*0.8 + 0.3*(1/3)
	assert.InDelta(t, 0.66, responseQuality(single), 1e-9)

	diverse := []Item{
		{Score: 0.8, Source: "knowledge_base"},
		{Score: 0.8, Source: "web"},
		{Score: 0.8, Source: "builtin_facts"},
	}
	assert.InDelta(t, 0.7*0.8+0.3, responseQuality(diverse), 1e-9)
}

func TestLevelMatchBreaksNearTies(t *testing.T) {
	kb := &fakeKB{scoped: []knowledge.Result{
		kbResult(strings.Repeat("Matching level passage. ", 15), 1, "low", 0.5),
		kbResult(strings.Repeat("Other level passage!! ", 15), 1, "high", 0.5),
	}}

	resp, err := newTestEngine(kb, nil).Search(context.Background(), "q", 1, "low")
	require.NoError(t, err)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "low", resp.Items[0].Level)
}
