package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/go-go-golems/gaiachat/pkg/api"
	"github.com/go-go-golems/gaiachat/pkg/catalog"
	"github.com/go-go-golems/gaiachat/pkg/conversation"
	"github.com/go-go-golems/gaiachat/pkg/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAsker struct {
	requests []*api.AskRequest
	replies  []*api.AskResponse
	errs     []error
}

func (r *recordingAsker) Ask(_ context.Context, req *api.AskRequest) (*api.AskResponse, error) {
	i := len(r.requests)
	r.requests = append(r.requests, req)
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	return r.replies[i], nil
}

func testCatalog() *catalog.Catalog {
	return catalog.New(nil,
		catalog.WithExpensiveModels("gpt"),
		catalog.WithEntries(map[string]api.ModelEntry{
			"gpt": {Versions: []api.ModelVersion{
				{ID: "gpt-5", Tier: catalog.TierBest},
				{ID: "gpt-4o-mini", Tier: catalog.TierCheap},
			}},
			"grok": {Versions: []api.ModelVersion{{ID: "mixtral-8x7b", Tier: catalog.TierGood}}},
		}),
	)
}

func longHistory() []conversation.Turn {
	return []conversation.Turn{
		{Role: "user", Content: strings.Repeat("please look at this function ", 60)},
		{Role: "assistant", Content: strings.Repeat("the loop never terminates ", 60)},
	}
}

func TestIsCodeOriented(t *testing.T) {
	tests := []struct {
		prompt string
		want   bool
	}{
		{"```go\nfunc main() {}\n```", true},
		{"why does `x := 1` shadow?", true},
		{"    indented code block\n", true},
		{"Can you refactor this?", true},
		{"Fix the bug in my SQL query", true},
		{"What is the capital of France?", false},
		{"Write me a poem about autumn", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsCodeOriented(tt.prompt), tt.prompt)
	}
}

func TestLowCost_ShouldRun(t *testing.T) {
	l := NewLowCost(&recordingAsker{}, testCatalog(), WithTokenThreshold(100))

	base := Request{Model: "gpt", ModelVersion: "gpt-5", Message: "fix this function", History: longHistory()}
	require.True(t, l.ShouldRun(&base))

	cheap := base
	cheap.ModelVersion = "gpt-4o-mini"
	assert.False(t, l.ShouldRun(&cheap), "cheap version")

	other := base
	other.Model, other.ModelVersion = "grok", "mixtral-8x7b"
	assert.False(t, l.ShouldRun(&other), "model not expensive")

	files := base
	files.Attachments = 1
	assert.False(t, l.ShouldRun(&files), "attachments")

	prose := base
	prose.Message = "tell me about the weather"
	assert.False(t, l.ShouldRun(&prose), "not code")

	short := base
	short.History = []conversation.Turn{{Role: "user", Content: "hi"}}
	assert.False(t, l.ShouldRun(&short), "below threshold")

	assert.False(t, l.ShouldRun(nil))
}

func TestLowCost_CountTokens(t *testing.T) {
	l := NewLowCost(&recordingAsker{}, testCatalog())
	assert.Equal(t, 0, l.CountTokens(""))
	assert.GreaterOrEqual(t, l.CountTokens("a"), 1)
	assert.Greater(t, l.HistoryTokens(longHistory()), DefaultTokenThreshold/10)
}

func TestLowCost_RunComposesBothSteps(t *testing.T) {
	asker := &recordingAsker{replies: []*api.AskResponse{
		{Reply: "  user asked about an infinite loop  ", Model: "gpt-4o-mini",
			Usage: &conversation.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110}},
		{Reply: "Add a break condition.", Model: "gpt-5",
			Usage: &conversation.Usage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25}},
	}}
	sink := events.NewCollectingSink()
	ctx := events.WithEventSinks(context.Background(), sink)

	l := NewLowCost(asker, testCatalog())
	reply, err := l.Run(ctx, &Request{
		ChatID:       "c1",
		Model:        "gpt",
		ModelVersion: "gpt-5",
		Message:      "How do I fix it?",
		History: []conversation.Turn{
			{Role: "user", Content: "my loop hangs"},
			{Role: "assistant", Content: "show me the code"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Add a break condition.", reply.Content)
	require.Equal(t, "gpt-5", reply.Model)
	require.Equal(t, &conversation.Usage{PromptTokens: 120, CompletionTokens: 15, TotalTokens: 135}, reply.Usage)

	require.Len(t, asker.requests, 2)
	summarize := asker.requests[0]
	assert.Equal(t, "gpt-4o-mini", summarize.ModelVersion)
	assert.Equal(t, "USER: my loop hangs\nASSISTANT: show me the code", summarize.Message)
	assert.Equal(t, []conversation.Turn{{Role: "system", Content: SummarizeSystemPrompt}}, summarize.History)

	answer := asker.requests[1]
	assert.Equal(t, "gpt-5", answer.ModelVersion)
	assert.Equal(t, "Context:\nuser asked about an infinite loop\n\nQuestion:\nHow do I fix it?", answer.Message)
	assert.Equal(t, []conversation.Turn{{Role: "system", Content: AnswerSystemPrompt}}, answer.History)

	assert.Equal(t, []events.EventType{events.EventTypeInfo, events.EventTypeInfo}, sink.Types())
}

func TestLowCost_RunFailures(t *testing.T) {
	ctx := context.Background()
	req := &Request{Model: "gpt", ModelVersion: "gpt-5", Message: "q"}

	asker := &recordingAsker{errs: []error{errors.New("boom")}}
	_, err := NewLowCost(asker, testCatalog()).Run(ctx, req)
	require.ErrorContains(t, err, "compression step failed")

	asker = &recordingAsker{replies: []*api.AskResponse{{Reply: "   "}}}
	_, err = NewLowCost(asker, testCatalog()).Run(ctx, req)
	require.ErrorContains(t, err, "returned nothing")
	require.Len(t, asker.requests, 1)

	asker = &recordingAsker{
		replies: []*api.AskResponse{{Reply: "summary"}, nil},
		errs:    []error{nil, errors.New("down")},
	}
	_, err = NewLowCost(asker, testCatalog()).Run(ctx, req)
	require.ErrorContains(t, err, "answer step failed")

	_, err = NewLowCost(asker, catalog.New(nil)).Run(ctx, req)
	require.ErrorIs(t, err, ErrNoCheapVersion)
}

func TestLowCost_CheapVersionOverride(t *testing.T) {
	asker := &recordingAsker{replies: []*api.AskResponse{{Reply: "summary"}, {Reply: "answer"}}}
	_, err := NewLowCost(asker, testCatalog(), WithCheapVersion("gpt-3.5-turbo")).
		Run(context.Background(), &Request{Model: "gpt", ModelVersion: "gpt-5", Message: "q"})
	require.NoError(t, err)
	require.Equal(t, "gpt-3.5-turbo", asker.requests[0].ModelVersion)
}
