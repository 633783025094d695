package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/resilience"
)

type fakeAPI struct {
	calls    int
	response string
	err      error
}

func (f *fakeAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.response}},
		},
		Usage: openai.Usage{TotalTokens: 42},
	}, nil
}

func testClient(api completionAPI) *Client {
	return &Client{
		api:    api,
		pacer:  rate.NewLimiter(rate.Inf, 1),
		cache:  gocache.New(time.Minute, time.Minute),
		cfg:    config.OpenAIConfig{Model: "test-model", Timeout: time.Second},
		logger: zap.NewNop(),
	}
}

func TestGenerate(t *testing.T) {
	api := &fakeAPI{response: "hello learner"}
	c := testClient(api)

	out, err := c.Generate(context.Background(), Request{Prompt: "say hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello learner", out)
	assert.Equal(t, 1, api.calls)
}

func TestGenerateCachesIdenticalPrompts(t *testing.T) {
	api := &fakeAPI{response: "cached answer"}
	c := testClient(api)

	_, err := c.Generate(context.Background(), Request{Prompt: "explain ai"})
	require.NoError(t, err)
	out, err := c.Generate(context.Background(), Request{Prompt: "explain ai"})
	require.NoError(t, err)
	assert.Equal(t, "cached answer", out)
	assert.Equal(t, 1, api.calls, "second identical prompt must hit the cache")
}

func TestGenerateDistinctPromptsMissCache(t *testing.T) {
	api := &fakeAPI{response: "answer"}
	c := testClient(api)

	_, _ = c.Generate(context.Background(), Request{Prompt: "one"})
	_, _ = c.Generate(context.Background(), Request{Prompt: "two"})
	assert.Equal(t, 2, api.calls)
}

func TestGenerateClassifiesAPIErrors(t *testing.T) {
	cases := []struct {
		status   int
		wantCode string
	}{
		{401, "auth_rejected"},
		{429, "rate_limit_exceeded"},
		{500, "unavailable"},
		{418, "unknown_error"},
	}
	for _, tc := range cases {
		api := &fakeAPI{err: &openai.APIError{HTTPStatusCode: tc.status, Message: "nope"}}
		c := testClient(api)
		_, err := c.Generate(context.Background(), Request{Prompt: "x"})
		var ce *resilience.CallError
		require.ErrorAs(t, err, &ce, "status %d", tc.status)
		assert.Equal(t, tc.wantCode, ce.Code, "status %d", tc.status)
	}
}

func TestGenerateClassifiesNetworkErrors(t *testing.T) {
	api := &fakeAPI{err: errors.New("connection refused")}
	c := testClient(api)
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	var ce *resilience.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "network_error", ce.Code)
}

func TestGenerateEmptyChoices(t *testing.T) {
	c := testClient(&emptyAPI{})
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	var ce *resilience.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "malformed_response", ce.Code)
}

type emptyAPI struct{}

func (e *emptyAPI) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, nil
}

func TestLookupServesFallbackCache(t *testing.T) {
	api := &fakeAPI{response: "remembered"}
	c := testClient(api)

	_, err := c.Generate(context.Background(), Request{Prompt: "what is ai"})
	require.NoError(t, err)

	got, ok := c.Lookup("what is ai")
	assert.True(t, ok)
	assert.Equal(t, "remembered", got)

	_, ok = c.Lookup("never asked")
	assert.False(t, ok)
}

func TestLookupIgnoresSystemMessage(t *testing.T) {
	// Agent calls always carry a system message; the fallback only knows the
	// prompt, so the cache must be reachable through the prompt alone.
	api := &fakeAPI{response: "remembered"}
	c := testClient(api)

	_, err := c.Generate(context.Background(), Request{System: "You are a tutor.", Prompt: "what is ai"})
	require.NoError(t, err)

	got, ok := c.Lookup("what is ai")
	assert.True(t, ok)
	assert.Equal(t, "remembered", got)
}
