package resilience

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed facts.yaml
var factsYAML []byte

type factEntry struct {
	Content   string  `yaml:"content"`
	Relevance float64 `yaml:"relevance"`
}

type factTable struct {
	Facts map[string][]factEntry `yaml:"facts"`
}

func loadFactTable() (map[string][]factEntry, error) {
	var table factTable
	if err := yaml.Unmarshal(factsYAML, &table); err != nil {
		return nil, fmt.Errorf("parse embedded fact table: %w", err)
	}
	return table.Facts, nil
}

// ResponseCache lets the generation fallback reuse a previously cached answer
// for the same prompt before settling for the canned message.
type ResponseCache interface {
	Lookup(prompt string) (string, bool)
}

// GenerationFallback answers for the generation service when it is down:
// a cached response for the same prompt if one exists, otherwise a canned
// message that keeps the conversation alive.
type GenerationFallback struct {
	Cache ResponseCache
}

func (f *GenerationFallback) Name() string { return "generation_fallback" }

func (f *GenerationFallback) Applicable(err ServiceError) bool {
	return err.Service == ServiceGeneration
}

func (f *GenerationFallback) Execute(_ context.Context, callCtx map[string]interface{}) (*FallbackResult, error) {
	if f.Cache != nil {
		if prompt, ok := callCtx["prompt"].(string); ok && prompt != "" {
			if cached, hit := f.Cache.Lookup(prompt); hit {
				return &FallbackResult{
					Content:      cached,
					IsFallback:   true,
					FallbackType: "cached_response",
				}, nil
			}
		}
	}
	return &FallbackResult{
		Content:         "I'm having trouble generating a response right now. Let's continue with the lesson material, and feel free to ask again in a moment.",
		IsFallback:      true,
		FallbackType:    "canned_response",
		SuggestedAction: "retry_later",
	}, nil
}

// KnowledgeFallback serves facts from the embedded table when the knowledge
// base is unreachable. A query matching any keyword always yields at least
// one entry; an unmatched query gets a small general-topic sample so the
// learner still sees content.
type KnowledgeFallback struct {
	facts map[string][]factEntry
}

// NewKnowledgeFallback loads the embedded fact table.
func NewKnowledgeFallback() (*KnowledgeFallback, error) {
	facts, err := loadFactTable()
	if err != nil {
		return nil, err
	}
	return &KnowledgeFallback{facts: facts}, nil
}

func (f *KnowledgeFallback) Name() string { return "knowledge_fallback" }

func (f *KnowledgeFallback) Applicable(err ServiceError) bool {
	return err.Service == ServiceKnowledge
}

func (f *KnowledgeFallback) Execute(_ context.Context, callCtx map[string]interface{}) (*FallbackResult, error) {
	query, _ := callCtx["query"].(string)
	lower := strings.ToLower(query)

	var entries []FallbackEntry
	for keyword, facts := range f.facts {
		if !strings.Contains(lower, keyword) {
			continue
		}
		for _, fact := range facts {
			entries = append(entries, FallbackEntry{
				Content:   fact.Content,
				Source:    "builtin_facts",
				Relevance: fact.Relevance,
			})
		}
	}

	if len(entries) == 0 {
		keywords := make([]string, 0, len(f.facts))
		for k := range f.facts {
			keywords = append(keywords, k)
		}
		sort.Strings(keywords)
		for _, k := range keywords {
			if len(entries) >= 2 {
				break
			}
			entries = append(entries, FallbackEntry{
				Content:   f.facts[k][0].Content,
				Source:    "builtin_facts",
				Relevance: 0.3,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Relevance > entries[j].Relevance
	})

	return &FallbackResult{
		Content:      "The knowledge base is temporarily unavailable, so here is some general material on the topic.",
		Results:      entries,
		IsFallback:   true,
		FallbackType: "builtin_facts",
		Sources:      []string{"builtin_facts"},
	}, nil
}

// WebSearchFallback tells the learner web search is unavailable and steers
// the flow toward sources that still work.
type WebSearchFallback struct{}

func (f *WebSearchFallback) Name() string { return "websearch_fallback" }

func (f *WebSearchFallback) Applicable(err ServiceError) bool {
	return err.Service == ServiceWebSearch
}

func (f *WebSearchFallback) Execute(_ context.Context, _ map[string]interface{}) (*FallbackResult, error) {
	return &FallbackResult{
		Content:         "Web search is temporarily unavailable. Answers will rely on the built-in course material until it recovers.",
		IsFallback:      true,
		FallbackType:    "search_unavailable",
		SuggestedAction: "use_knowledge_base",
	}, nil
}
