package resilience

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCache struct {
	entries map[string]string
}

func (c *fakeCache) Lookup(prompt string) (string, bool) {
	v, ok := c.entries[prompt]
	return v, ok
}

func TestKnowledgeFallbackMatchesKeyword(t *testing.T) {
	f, err := NewKnowledgeFallback()
	require.NoError(t, err)

	result, err := f.Execute(context.Background(), map[string]interface{}{
		"query": "what is machine learning used for",
	})
	require.NoError(t, err)
	assert.True(t, result.IsFallback)
	assert.Equal(t, "builtin_facts", result.FallbackType)
	require.NotEmpty(t, result.Results, "a keyword-matched query must never come back empty")
	for _, entry := range result.Results {
		assert.Equal(t, "builtin_facts", entry.Source)
		assert.NotEmpty(t, entry.Content)
	}
	for i := 1; i < len(result.Results); i++ {
		assert.GreaterOrEqual(t, result.Results[i-1].Relevance, result.Results[i].Relevance)
	}
}

func TestKnowledgeFallbackUnmatchedQueryStillAnswers(t *testing.T) {
	f, err := NewKnowledgeFallback()
	require.NoError(t, err)

	result, err := f.Execute(context.Background(), map[string]interface{}{
		"query": "quantum basket weaving",
	})
	require.NoError(t, err)
	assert.True(t, result.IsFallback)
	assert.NotEmpty(t, result.Results, "unmatched queries get a general sample, not an empty answer")
}

func TestGenerationFallbackUsesCache(t *testing.T) {
	f := &GenerationFallback{Cache: &fakeCache{entries: map[string]string{
		"explain neural networks": "A neural network is made of connected layers.",
	}}}

	result, err := f.Execute(context.Background(), map[string]interface{}{
		"prompt": "explain neural networks",
	})
	require.NoError(t, err)
	assert.True(t, result.IsFallback)
	assert.Equal(t, "cached_response", result.FallbackType)
	assert.Equal(t, "A neural network is made of connected layers.", result.Content)
}

func TestGenerationFallbackCannedWithoutCacheHit(t *testing.T) {
	f := &GenerationFallback{Cache: &fakeCache{entries: map[string]string{}}}

	result, err := f.Execute(context.Background(), map[string]interface{}{
		"prompt": "never seen before",
	})
	require.NoError(t, err)
	assert.Equal(t, "canned_response", result.FallbackType)
	assert.NotEmpty(t, result.Content)
	assert.Equal(t, "retry_later", result.SuggestedAction)
}

func TestWebSearchFallback(t *testing.T) {
	f := &WebSearchFallback{}
	assert.True(t, f.Applicable(ServiceError{Service: ServiceWebSearch}))
	assert.False(t, f.Applicable(ServiceError{Service: ServiceGeneration}))

	result, err := f.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.IsFallback)
	assert.Equal(t, "use_knowledge_base", result.SuggestedAction)
}

func TestStrategyRegistrationOrder(t *testing.T) {
	h := NewHandler(testConfig(), nil, zap.NewNop())
	kf, err := NewKnowledgeFallback()
	require.NoError(t, err)
	h.Register(kf)
	h.Register(&WebSearchFallback{})

	outcome := h.HandleError(context.Background(), ServiceKnowledge, "timeout", "kb down",
		map[string]interface{}{"retry_count": 9, "query": "tell me about ai"}, SeverityMedium)
	require.Equal(t, OutcomeFallback, outcome.Kind)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, "builtin_facts", outcome.Result.FallbackType)
	assert.NotEmpty(t, outcome.Result.Results)
}
