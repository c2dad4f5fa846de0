package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/gaiachat/pkg/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	data map[string]api.ModelEntry
	err  error
}

// scriptedSource answers the n-th call with whatever is sent on replies[n].
type scriptedSource struct {
	mu      sync.Mutex
	calls   int
	replies []chan response
}

func newScriptedSource(n int) *scriptedSource {
	s := &scriptedSource{}
	for i := 0; i < n; i++ {
		s.replies = append(s.replies, make(chan response, 1))
	}
	return s
}

func (s *scriptedSource) ModelVersions(ctx context.Context, force bool) (map[string]api.ModelEntry, error) {
	s.mu.Lock()
	ch := s.replies[s.calls]
	s.calls++
	s.mu.Unlock()
	r := <-ch
	return r.data, r.err
}

func entries(label string) map[string]api.ModelEntry {
	return map[string]api.ModelEntry{
		"gpt-5": {Versions: []api.ModelVersion{{ID: "gpt-5.2-pro-2025-12-11", Label: label, Tier: "best"}}},
	}
}

func TestRefresh_LateResponseIsDiscarded(t *testing.T) {
	src := newScriptedSource(2)
	c := New(src)

	type outcome struct {
		applied bool
		err     error
	}
	first := make(chan outcome)
	go func() {
		applied, err := c.Refresh(context.Background(), false)
		first <- outcome{applied, err}
	}()
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls == 1
	}, timeout, tick)

	second := make(chan outcome)
	go func() {
		applied, err := c.Refresh(context.Background(), true)
		second <- outcome{applied, err}
	}()
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls == 2
	}, timeout, tick)

	src.replies[1] <- response{data: entries("from #2")}
	o2 := <-second
	require.NoError(t, o2.err)
	require.True(t, o2.applied)

	src.replies[0] <- response{data: entries("from #1")}
	o1 := <-first
	require.NoError(t, o1.err)
	require.False(t, o1.applied)

	require.Equal(t, "from #2", c.Versions("gpt-5")[0].Label)
}

func TestRefresh_SupersededFailureIsSilent(t *testing.T) {
	src := newScriptedSource(2)
	c := New(src)
	src.replies[0] <- response{err: errors.New("timeout")}

	_, err := c.Refresh(context.Background(), false)
	require.Error(t, err)

	src.replies[1] <- response{data: entries("ok")}
	applied, err := c.Refresh(context.Background(), false)
	require.NoError(t, err)
	require.True(t, applied)
	require.False(t, c.LoadedAt().IsZero())
}

func TestNormalize_DedupesLabelsAndTruncates(t *testing.T) {
	c := New(nil, WithEntries(map[string]api.ModelEntry{
		"Gemini-Pro": {Versions: []api.ModelVersion{
			{ID: "gemini-2.5-pro", Tier: "BEST"},
			{ID: "gemini-2.5-pro", Label: "dup"},
			{ID: "  "},
			{ID: "gemini-2.5-flash", Label: "2.5 Flash", Tier: "good"},
			{ID: "gemini-1.5-flash", Tier: "cheap"},
			{ID: "gemini-1.0-pro", Tier: "cheap"},
		}},
	}))

	versions := c.Versions("gemini-pro")
	require.Equal(t, []api.ModelVersion{
		{ID: "gemini-2.5-pro", Label: "2.5", Tier: "best"},
		{ID: "gemini-2.5-flash", Label: "2.5 Flash", Tier: "good"},
		{ID: "gemini-1.5-flash", Label: "1.5", Tier: "cheap"},
	}, versions)
	require.Equal(t, []string{"gemini-pro"}, c.Models())
}

func TestWithEntries_HonoursLaterMaxVersions(t *testing.T) {
	seed := map[string]api.ModelEntry{
		"gpt": {Versions: []api.ModelVersion{{ID: "gpt-5.1"}, {ID: "gpt-5"}, {ID: "gpt-4.1"}}},
	}

	c := New(nil, WithEntries(seed), WithMaxVersions(2))
	require.Len(t, c.Versions("gpt"), 2)

	c = New(nil, WithMaxVersions(2), WithEntries(seed))
	require.Len(t, c.Versions("gpt"), 2)
}

func TestAutoLabel(t *testing.T) {
	tests := map[string]string{
		"gpt-5.1-2025-11-13":      "5.1",
		"gpt-5-2025-08-07":        "5",
		"models/gemini-2.5-pro":   "2.5",
		"llama-3.3-70b-versatile": "llama 3.3 70b versatile",
		"mixtral-8x7b-32768":      "mixtral 8x7b 32768",
		"command-r":               "command-r",
		"":                        "",
	}
	for id, want := range tests {
		assert.Equal(t, want, AutoLabel(id), id)
	}
}

func TestResolve(t *testing.T) {
	c := New(nil, WithEntries(map[string]api.ModelEntry{
		"gpt-5": {Versions: []api.ModelVersion{
			{ID: "gpt-5.2-pro-2025-12-11", Label: "5.2", Tier: "best"},
			{ID: "gpt-5.1-2025-11-13", Label: "5.1", Tier: "good"},
			{ID: "gpt-5-2025-08-07", Label: "5.0", Tier: "cheap"},
		}},
		"grok": {Default: "good", Versions: []api.ModelVersion{
			{ID: "llama-3.3-70b-versatile", Tier: "best"},
			{ID: "mixtral-8x7b-32768", Tier: "good"},
		}},
	}))

	assert.Equal(t, "gpt-5.2-pro-2025-12-11", c.Resolve("gpt-5", ""))
	assert.Equal(t, "gpt-5.2-pro-2025-12-11", c.Resolve("GPT-5", "latest"))
	assert.Equal(t, "mixtral-8x7b-32768", c.Resolve("grok", ""))
	assert.Equal(t, "gpt-5-2025-08-07", c.Resolve("gpt-5", "cheap"))
	assert.Equal(t, "gpt-5.1-2025-11-13", c.Resolve("gpt-5", "gpt-5.1-2025-11-13"))
	assert.Equal(t, "gpt-5.1-2025-11-13", c.Resolve("gpt-5", "5.1"))
	assert.Equal(t, "o3-raw", c.Resolve("gpt-5", "o3-raw"))
	assert.Equal(t, "", c.Resolve("unknown", ""))

	cheap, ok := c.CheapVersion("gpt-5")
	require.True(t, ok)
	assert.Equal(t, "gpt-5-2025-08-07", cheap)
	cheap, ok = c.CheapVersion("grok")
	require.True(t, ok)
	assert.Equal(t, "mixtral-8x7b-32768", cheap)
}

func TestClassification(t *testing.T) {
	c := New(nil,
		WithStreamingModels("grok", " Gemini "),
		WithExpensiveModels("gpt-5"),
		WithEntries(map[string]api.ModelEntry{
			"gpt-5": {Versions: []api.ModelVersion{
				{ID: "gpt-5.2-pro-2025-12-11", Tier: "best"},
				{ID: "gpt-5-2025-08-07", Tier: "cheap"},
			}},
		}),
	)
	assert.True(t, c.Streamable("gemini"))
	assert.False(t, c.Streamable("gpt-5"))
	assert.True(t, c.Expensive("gpt-5", ""))
	assert.True(t, c.Expensive("gpt-5", "gpt-5.2-pro-2025-12-11"))
	assert.False(t, c.Expensive("gpt-5", "gpt-5-2025-08-07"))
	assert.False(t, c.Expensive("grok", ""))
}

const (
	timeout = 2 * time.Second
	tick    = time.Millisecond
)
