package conversation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-go-golems/gaiachat/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateInsertsAtHead(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryBackend())

	first, err := s.Create(ctx, "first", "grok")
	require.NoError(t, err)
	second, err := s.Create(ctx, "  ", "grok")
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, "New chat", second.Name)
	require.Empty(t, second.History)
	require.Equal(t, &UsageStats{}, second.Stats)

	chats := s.List(ctx)
	require.Len(t, chats, 2)
	require.Equal(t, second.ID, chats[0].ID)
	require.Equal(t, first.ID, chats[1].ID)
}

func TestStore_GetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryBackend())
	c, err := s.Create(ctx, "chat", "grok")
	require.NoError(t, err)

	got, ok := s.Get(ctx, c.ID)
	require.True(t, ok)
	got.Name = "changed without update"

	again, ok := s.Get(ctx, c.ID)
	require.True(t, ok)
	require.Equal(t, "chat", again.Name)

	_, ok = s.Get(ctx, "missing")
	require.False(t, ok)
}

func TestStore_AppendReturnsStableIndex(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryBackend())
	c, err := s.Create(ctx, "chat", "grok")
	require.NoError(t, err)

	i, err := s.Append(ctx, c, NewUserMessage("hello"))
	require.NoError(t, err)
	require.Equal(t, 0, i)
	i, err = s.Append(ctx, c, NewPlaceholder())
	require.NoError(t, err)
	require.Equal(t, 1, i)

	got, _ := s.Get(ctx, c.ID)
	require.Len(t, got.History, 2)
	require.True(t, got.History[1].Pending)
}

func TestStore_UsageAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryBackend())
	c, err := s.Create(ctx, "chat", "grok")
	require.NoError(t, err)

	require.NoError(t, s.AddUsage(ctx, c.ID, &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}))
	require.NoError(t, s.AddUsage(ctx, c.ID, &Usage{PromptTokens: 1, CompletionTokens: 2}))
	require.NoError(t, s.AddUsage(ctx, c.ID, nil))

	got, _ := s.Get(ctx, c.ID)
	require.Equal(t, &UsageStats{InTokens: 11, OutTokens: 7, TotalTokens: 18}, got.Stats)
}

func TestStore_DeleteAndUpdateMissing(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryBackend())
	c, err := s.Create(ctx, "chat", "grok")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, c.ID))
	_, ok := s.Get(ctx, c.ID)
	require.False(t, ok)

	require.ErrorIs(t, s.Delete(ctx, c.ID), ErrChatNotFound)
	require.ErrorIs(t, s.Update(ctx, c), ErrChatNotFound)
}

func TestStore_RoundTripThroughBackend(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	s := NewStore(backend)

	c, err := s.Create(ctx, "math", "gemini-pro")
	require.NoError(t, err)
	c.History = append(c.History,
		NewUserMessage("What is 2+2?", WithAttachments(Attachment{Name: "a.txt", MIME: "text/plain", Size: 3, SHA256: "abc"})),
		NewMessage(RoleAssistant, "4", WithMeta(&Meta{Model: "gemini-2.5-pro", Usage: &Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}})),
	)
	_, err = Edit(c, 0, "What is 3+3?")
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, c))

	before, ok := s.Get(ctx, c.ID)
	require.True(t, ok)

	reloaded := NewStore(backend)
	after, ok := reloaded.Get(ctx, c.ID)
	require.True(t, ok)

	b1, err := json.Marshal(before)
	require.NoError(t, err)
	b2, err := json.Marshal(after)
	require.NoError(t, err)
	require.JSONEq(t, string(b1), string(b2))
	require.Equal(t, before.Branch, after.Branch)
	require.Equal(t, 1, after.History[0].AttachCount)
}

func TestStore_CorruptOrLegacyState(t *testing.T) {
	ctx := context.Background()

	backend := storage.NewMemoryBackend()
	require.NoError(t, backend.Save(ctx, DefaultStoreKey, []byte("{not json")))
	s := NewStore(backend)
	require.Empty(t, s.List(ctx))

	// records written before stats and message ids existed
	legacy := `[{"id":"c1","name":"old","model":"grok","history":[{"role":"user","content":"hi"}],"branch":null}]`
	require.NoError(t, backend.Save(ctx, DefaultStoreKey, []byte(legacy)))
	s = NewStore(backend)
	got, ok := s.Get(ctx, "c1")
	require.True(t, ok)
	require.Equal(t, &UsageStats{}, got.Stats)
	require.NotEmpty(t, got.History[0].ID)
}

func TestStore_MutateErrorLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryBackend())
	c, err := s.Create(ctx, "chat", "grok")
	require.NoError(t, err)

	_, err = s.Mutate(ctx, c.ID, func(chat *Chat) error {
		chat.Name = "renamed"
		_, err := Edit(chat, 0, "no such message")
		return err
	})
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	got, _ := s.Get(ctx, c.ID)
	require.Equal(t, "chat", got.Name)
}

var errDiskFull = errors.New("disk full")

// flakyBackend fails every save while failing is set.
type flakyBackend struct {
	*storage.MemoryBackend
	failing bool
}

func (f *flakyBackend) Save(ctx context.Context, key string, data []byte) error {
	if f.failing {
		return errDiskFull
	}
	return f.MemoryBackend.Save(ctx, key, data)
}

func TestStore_FailedSaveLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: storage.NewMemoryBackend()}
	s := NewStore(backend)
	keep, err := s.Create(ctx, "keep", "grok")
	require.NoError(t, err)
	other, err := s.Create(ctx, "other", "grok")
	require.NoError(t, err)

	backend.failing = true

	_, err = s.Create(ctx, "lost", "grok")
	require.ErrorIs(t, err, errDiskFull)

	renamed := *keep
	renamed.Name = "renamed"
	require.ErrorIs(t, s.Update(ctx, &renamed), errDiskFull)

	_, err = s.Mutate(ctx, keep.ID, func(c *Chat) error {
		c.Name = "mutated"
		return nil
	})
	require.ErrorIs(t, err, errDiskFull)

	require.ErrorIs(t, s.Delete(ctx, other.ID), errDiskFull)

	chats := s.List(ctx)
	require.Len(t, chats, 2)
	require.Equal(t, other.ID, chats[0].ID)
	require.Equal(t, "keep", chats[1].Name)

	// memory and backend still agree
	backend.failing = false
	s.Reload()
	reloaded := s.List(ctx)
	require.Len(t, reloaded, 2)
	require.Equal(t, "keep", reloaded[1].Name)
}
