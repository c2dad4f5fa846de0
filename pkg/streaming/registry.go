package streaming

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry keeps at most one live session per chat.
type Registry struct {
	mu   sync.Mutex
	live map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{live: map[string]*Session{}}
}

// Start cancels the chat's live session, if any, and then starts s. The
// prior session is fully finalized by the time s starts.
func (r *Registry) Start(ctx context.Context, s *Session, open Opener) error {
	r.mu.Lock()
	prev := r.live[s.ChatID]
	r.live[s.ChatID] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		log.Debug().
			Str("chat_id", s.ChatID).
			Str("prev_session_id", prev.ID).
			Str("session_id", s.ID).
			Msg("cancelling prior session")
		prev.Cancel()
	}

	if err := s.Start(ctx, open); err != nil {
		r.forget(s)
		return err
	}
	go func() {
		<-s.Done()
		r.forget(s)
	}()
	return nil
}

func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[s.ChatID] == s {
		delete(r.live, s.ChatID)
	}
}

// Get returns the chat's live session or nil.
func (r *Registry) Get(chatID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[chatID]
}

// Cancel cancels the chat's live session and reports whether there was one.
func (r *Registry) Cancel(chatID string) bool {
	r.mu.Lock()
	s := r.live[chatID]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	s.Cancel()
	return true
}

func (r *Registry) CancelAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.live))
	for _, s := range r.live {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Cancel()
	}
}
