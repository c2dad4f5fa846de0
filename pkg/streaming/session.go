// Package streaming turns an incremental event feed into one finalized reply.
//
// A Session is single-use: Idle → Connecting → Streaming → one of Completed,
// Cancelled or Errored. Whatever ends the session, its Target is finalized
// exactly once and the feed is closed.
package streaming

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-go-golems/gaiachat/pkg/api"
	"github.com/go-go-golems/gaiachat/pkg/events"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateCancelled
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateErrored
}

const (
	DefaultStoppedText = "(stopped)"
	DefaultErrorText   = "stream failed"
)

var (
	ErrSessionFinished = errors.New("session was already started")
	ErrFeedClosed      = errors.New("stream ended without done")
)

// Feed is an open incremental event feed.
type Feed interface {
	Events() <-chan api.StreamEvent
	Close() error
}

// Opener opens the feed. It runs on the session's goroutine and must honour ctx.
type Opener func(ctx context.Context) (Feed, error)

// Target receives the reply. All calls are serialized, and no call happens
// after Finalize.
type Target interface {
	OnStart(model string)
	// OnDelta receives the whole provisional content so far.
	OnDelta(provisional string)
	Finalize(r Result) error
}

type Result struct {
	State   State
	Content string
	Model   string
	Err     error
}

type Session struct {
	ID     string
	ChatID string

	stoppedText string
	emptyText   string
	messageID   uuid.UUID
	target      Target

	mu       sync.Mutex
	state    State
	buf      strings.Builder
	model    string
	closed   bool
	result   Result
	feed     Feed
	cancel   context.CancelFunc
	eventCtx context.Context
	done     chan struct{}
}

type SessionOption func(*Session)

func WithChatID(chatID string) SessionOption {
	return func(s *Session) {
		s.ChatID = chatID
	}
}

// WithStoppedText sets the content persisted when a session is cancelled
// before anything arrived.
func WithStoppedText(text string) SessionOption {
	return func(s *Session) {
		if text != "" {
			s.stoppedText = text
		}
	}
}

// WithEmptyText sets the content persisted when a stream completes without
// any text. By default the content stays empty.
func WithEmptyText(text string) SessionOption {
	return func(s *Session) {
		s.emptyText = text
	}
}

// WithMessageID ties published events to the message being filled.
func WithMessageID(id uuid.UUID) SessionOption {
	return func(s *Session) {
		s.messageID = id
	}
}

func NewSession(target Target, options ...SessionOption) *Session {
	ret := &Session{
		ID:          uuid.NewString(),
		stoppedText: DefaultStoppedText,
		target:      target,
		done:        make(chan struct{}),
		eventCtx:    context.Background(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Start moves the session to Connecting and opens the feed in the
// background. Events are published to the sinks carried by ctx, and
// cancelling ctx cancels the session.
func (s *Session) Start(ctx context.Context, open Opener) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return errors.Wrapf(ErrSessionFinished, "session %s is %s", s.ID, s.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.eventCtx = ctx
	s.state = StateConnecting
	s.mu.Unlock()

	log.Debug().Str("session_id", s.ID).Str("chat_id", s.ChatID).Msg("session connecting")
	go s.run(runCtx, open)
	return nil
}

func (s *Session) run(ctx context.Context, open Opener) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session_id", s.ID).Interface("panic", r).Msg("session panicked")
			s.fail(errors.Errorf("stream handler panicked: %v", r))
		}
	}()

	feed, err := open(ctx)
	if !s.attach(feed, err) {
		return
	}

	for {
		select {
		case ev, ok := <-feed.Events():
			if !ok {
				s.fail(ErrFeedClosed)
				return
			}
			if s.handle(ev) {
				return
			}
		case <-ctx.Done():
			s.Cancel()
			return
		}
	}
}

// attach installs the opened feed. It reports false when the session ended
// while connecting, in which case the feed is closed right away.
func (s *Session) attach(feed Feed, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if feed != nil {
			_ = feed.Close()
		}
		return false
	}
	if err != nil {
		s.finalizeLocked(StateErrored, err)
		return false
	}
	if feed == nil {
		s.finalizeLocked(StateErrored, errors.New("no feed"))
		return false
	}
	s.feed = feed
	s.state = StateStreaming
	log.Debug().Str("session_id", s.ID).Str("chat_id", s.ChatID).Msg("session streaming")
	return true
}

// handle applies one event and reports whether the session has ended.
func (s *Session) handle(ev api.StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	switch ev.Type {
	case api.StreamStart:
		if ev.Model != "" {
			s.model = ev.Model
		}
		s.target.OnStart(s.model)
		events.PublishEventToContext(s.eventCtx, events.NewStartEvent(s.metadataLocked()))

	case api.StreamDelta:
		if ev.Text == "" {
			return false
		}
		s.buf.WriteString(ev.Text)
		provisional := s.buf.String()
		s.target.OnDelta(provisional)
		events.PublishEventToContext(s.eventCtx, events.NewPartialCompletionEvent(s.metadataLocked(), ev.Text, provisional))

	case api.StreamDone:
		s.finalizeLocked(StateCompleted, nil)
		return true

	case api.StreamGaiaError, api.StreamError:
		msg := ev.Error
		if msg == "" {
			msg = DefaultErrorText
		}
		s.finalizeLocked(StateErrored, errors.New(msg))
		return true

	default:
		log.Trace().Str("session_id", s.ID).Str("event", string(ev.Type)).Msg("ignoring event")
	}
	return false
}

// Cancel ends a live session with whatever was buffered. Cancelling an ended
// session does nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.finalizeLocked(StateCancelled, context.Canceled)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeLocked(StateErrored, err)
}

func (s *Session) contentLocked(state State, err error) string {
	text := strings.TrimSpace(s.buf.String())
	switch state {
	case StateCompleted:
		if text == "" {
			return s.emptyText
		}
		return text
	case StateCancelled:
		if text == "" {
			return s.stoppedText
		}
		return text
	default:
		if text != "" {
			return text
		}
		msg := DefaultErrorText
		if err != nil && err.Error() != "" {
			msg = err.Error()
		}
		if strings.HasPrefix(strings.ToLower(msg), "error") {
			return msg
		}
		return "Error: " + msg
	}
}

// finalizeLocked is the single exit path. The feed and context are released
// even if the target panics.
func (s *Session) finalizeLocked(state State, err error) {
	if s.closed {
		return
	}
	s.closed = true
	defer s.releaseLocked()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session_id", s.ID).Interface("panic", r).Msg("finalize panicked")
			s.result.Err = errors.Errorf("finalize panicked: %v", r)
		}
	}()

	s.state = state
	s.result = Result{
		State:   state,
		Content: s.contentLocked(state, err),
		Model:   s.model,
		Err:     err,
	}

	log.Debug().
		Str("session_id", s.ID).
		Str("chat_id", s.ChatID).
		Str("state", state.String()).
		Int("content_len", len(s.result.Content)).
		AnErr("cause", err).
		Msg("session finalized")

	meta := s.metadataLocked()
	switch state {
	case StateCompleted:
		events.PublishEventToContext(s.eventCtx, events.NewFinalEvent(meta, s.result.Content))
	case StateCancelled:
		events.PublishEventToContext(s.eventCtx, events.NewInterruptEvent(meta, s.result.Content))
	default:
		events.PublishEventToContext(s.eventCtx, events.NewErrorEvent(meta, err, s.result.Content))
	}

	if ferr := s.target.Finalize(s.result); ferr != nil {
		log.Warn().Err(ferr).Str("session_id", s.ID).Msg("could not persist finalized reply")
	}
}

func (s *Session) releaseLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", s.ID).Msg("could not close feed")
		}
	}
	close(s.done)
}

func (s *Session) metadataLocked() events.EventMetadata {
	return events.EventMetadata{
		ID:        s.messageID,
		ChatID:    s.ChatID,
		SessionID: s.ID,
		Model:     s.model,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Live reports whether the session has started and not ended yet.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle && !s.closed
}

// Done is closed once the session is finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is finalized or ctx ends.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
