package conversation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/gaiachat/pkg/storage"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultStoreKey = "gaia.chats.v1"

var ErrChatNotFound = errors.New("chat not found")

// Store owns the chat list. Every mutation writes the whole list through to
// the backend under a single key.
//
// Callers always get copies: a chat read with Get is not shared with the
// store, so writing it back requires an explicit Update. Use Mutate for
// read-modify-write so the record is never a stale copy.
type Store struct {
	backend storage.Backend
	key     string

	mu     sync.Mutex
	loaded bool
	chats  []*Chat
}

type StoreOption func(*Store)

func WithStoreKey(key string) StoreOption {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

func NewStore(backend storage.Backend, options ...StoreOption) *Store {
	ret := &Store{
		backend: backend,
		key:     DefaultStoreKey,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// load reads the chat list once. Absent or corrupt state is an empty list.
func (s *Store) load(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	s.chats = nil

	data, err := s.backend.Load(ctx, s.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("key", s.key).Msg("could not load chats, starting empty")
		}
		return
	}

	var chats []*Chat
	if err := json.Unmarshal(data, &chats); err != nil {
		log.Warn().Err(err).Str("key", s.key).Int("bytes", len(data)).Msg("stored chats are corrupt, starting empty")
		return
	}
	for _, c := range chats {
		if c == nil || c.ID == "" {
			continue
		}
		s.chats = append(s.chats, c)
	}
	log.Debug().Str("key", s.key).Int("chats", len(s.chats)).Msg("loaded chats")
}

// commit writes chats to the backend and only then makes them the current
// list, so a failed save leaves the store as it was.
func (s *Store) commit(ctx context.Context, chats []*Chat) error {
	if chats == nil {
		chats = []*Chat{}
	}
	data, err := json.Marshal(chats)
	if err != nil {
		return errors.Wrap(err, "could not serialize chats")
	}
	if err := s.backend.Save(ctx, s.key, data); err != nil {
		return errors.Wrap(err, "could not persist chats")
	}
	s.chats = chats
	return nil
}

func (s *Store) find(id string) int {
	for i, c := range s.chats {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// migrate backfills fields older records may lack.
func migrate(c *Chat) {
	if c.Stats == nil {
		c.Stats = &UsageStats{}
	}
	for i := range c.History {
		if c.History[i].ID == "" {
			c.History[i].ID = uuid.NewString()
		}
	}
}

func cloneChat(c *Chat) *Chat {
	return clone.Clone(c).(*Chat)
}

// List returns copies of all chats, most recently created first.
func (s *Store) List(ctx context.Context) []*Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)

	ret := make([]*Chat, 0, len(s.chats))
	for _, c := range s.chats {
		cp := cloneChat(c)
		migrate(cp)
		ret = append(ret, cp)
	}
	return ret
}

// Create inserts a new empty chat at the head of the list.
func (s *Store) Create(ctx context.Context, name string, model string) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)

	now := time.Now()
	c := &Chat{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Model:     model,
		History:   []Message{},
		Stats:     &UsageStats{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.Name == "" {
		c.Name = "New chat"
	}
	if err := s.commit(ctx, append([]*Chat{c}, s.chats...)); err != nil {
		return nil, err
	}
	log.Debug().Str("chat_id", c.ID).Str("name", c.Name).Msg("created chat")
	return cloneChat(c), nil
}

// Get returns a copy of the chat, with a missing stats record backfilled.
func (s *Store) Get(ctx context.Context, id string) (*Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)

	i := s.find(id)
	if i < 0 {
		return nil, false
	}
	ret := cloneChat(s.chats[i])
	migrate(ret)
	return ret, true
}

// Update replaces the stored record for chat.ID. Last write wins.
func (s *Store) Update(ctx context.Context, chat *Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)
	return s.updateLocked(ctx, chat)
}

func (s *Store) updateLocked(ctx context.Context, chat *Chat) error {
	i := s.find(chat.ID)
	if i < 0 {
		return errors.Wrapf(ErrChatNotFound, "chat %s", chat.ID)
	}
	stored := cloneChat(chat)
	stored.UpdatedAt = time.Now()
	chats := append([]*Chat(nil), s.chats...)
	chats[i] = stored
	return s.commit(ctx, chats)
}

// Delete removes the chat and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)

	i := s.find(id)
	if i < 0 {
		return errors.Wrapf(ErrChatNotFound, "chat %s", id)
	}
	chats := make([]*Chat, 0, len(s.chats)-1)
	chats = append(chats, s.chats[:i]...)
	chats = append(chats, s.chats[i+1:]...)
	if err := s.commit(ctx, chats); err != nil {
		return err
	}
	log.Debug().Str("chat_id", id).Msg("deleted chat")
	return nil
}

// Append pushes msg onto the chat's history, persists the chat and returns
// the message's index.
func (s *Store) Append(ctx context.Context, chat *Chat, msg Message) (int, error) {
	chat.History = append(chat.History, msg)
	index := len(chat.History) - 1
	if err := s.Update(ctx, chat); err != nil {
		return 0, err
	}
	return index, nil
}

// Mutate fetches a fresh copy of the chat, applies fn and writes the result
// back, all under the store lock. fn must not call back into the store.
func (s *Store) Mutate(ctx context.Context, id string, fn func(c *Chat) error) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)

	i := s.find(id)
	if i < 0 {
		return nil, errors.Wrapf(ErrChatNotFound, "chat %s", id)
	}
	c := cloneChat(s.chats[i])
	migrate(c)
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := s.updateLocked(ctx, c); err != nil {
		return nil, err
	}
	return cloneChat(c), nil
}

// AddUsage adds a reply's usage to the chat's running totals.
func (s *Store) AddUsage(ctx context.Context, id string, u *Usage) error {
	if u == nil {
		return nil
	}
	_, err := s.Mutate(ctx, id, func(c *Chat) error {
		c.Stats.Add(u)
		return nil
	})
	return err
}

// Reload drops the in-memory list so the next call re-reads the backend.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.chats = nil
}
