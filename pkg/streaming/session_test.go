package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/gaiachat/pkg/api"
	"github.com/go-go-golems/gaiachat/pkg/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	ch     chan api.StreamEvent
	closed atomic.Int32
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan api.StreamEvent)}
}

func (f *fakeFeed) Events() <-chan api.StreamEvent {
	return f.ch
}

func (f *fakeFeed) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeFeed) opener() Opener {
	return func(ctx context.Context) (Feed, error) {
		return f, nil
	}
}

// send delivers ev unless the session already ended.
func (f *fakeFeed) send(s *Session, ev api.StreamEvent) bool {
	select {
	case f.ch <- ev:
		return true
	case <-s.Done():
		return false
	}
}

type recordingTarget struct {
	mu       sync.Mutex
	models   []string
	deltas   []string
	finals   []Result
	panicked bool
}

func (r *recordingTarget) OnStart(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = append(r.models, model)
}

func (r *recordingTarget) OnDelta(provisional string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, provisional)
}

func (r *recordingTarget) Finalize(res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals = append(r.finals, res)
	if r.panicked {
		panic("store exploded")
	}
	return nil
}

func (r *recordingTarget) deltaCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deltas)
}

func (r *recordingTarget) finalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finals)
}

func wait(t *testing.T, s *Session) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestSession_DeltasConcatenateInOrder(t *testing.T) {
	target := &recordingTarget{}
	sink := events.NewCollectingSink()
	ctx := events.WithEventSinks(context.Background(), sink)
	feed := newFakeFeed()

	s := NewSession(target, WithChatID("c1"))
	require.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Start(ctx, feed.opener()))

	feed.send(s, api.StreamEvent{Type: api.StreamStart, Model: "llama-3.3-70b-versatile"})
	feed.send(s, api.StreamEvent{Type: api.StreamDelta, Text: "Hel"})
	feed.send(s, api.StreamEvent{Type: api.StreamDelta, Text: "lo"})
	feed.send(s, api.StreamEvent{Type: api.StreamDone})

	res := wait(t, s)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, "Hello", res.Content)
	require.Equal(t, "llama-3.3-70b-versatile", res.Model)
	require.NoError(t, res.Err)

	require.Equal(t, []string{"llama-3.3-70b-versatile"}, target.models)
	require.Equal(t, []string{"Hel", "Hello"}, target.deltas)
	require.Equal(t, 1, target.finalCount())
	require.Equal(t, int32(1), feed.closed.Load())
	require.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypeFinal,
	}, sink.Types())
	require.False(t, s.Live())
}

func TestSession_CompletedTrimsAndKeepsEmpty(t *testing.T) {
	target := &recordingTarget{}
	feed := newFakeFeed()
	s := NewSession(target)
	require.NoError(t, s.Start(context.Background(), feed.opener()))
	feed.send(s, api.StreamEvent{Type: api.StreamDelta, Text: "  \n"})
	feed.send(s, api.StreamEvent{Type: api.StreamDone})
	require.Equal(t, "", wait(t, s).Content)

	feed = newFakeFeed()
	s = NewSession(&recordingTarget{}, WithEmptyText("(no response)"))
	require.NoError(t, s.Start(context.Background(), feed.opener()))
	feed.send(s, api.StreamEvent{Type: api.StreamDone})
	require.Equal(t, "(no response)", wait(t, s).Content)
}

func TestSession_FinalizeRunsOnceUnderCancelRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		target := &recordingTarget{}
		feed := newFakeFeed()
		s := NewSession(target)
		require.NoError(t, s.Start(context.Background(), feed.opener()))
		require.True(t, feed.send(s, api.StreamEvent{Type: api.StreamDelta, Text: "par"}))
		require.Eventually(t, func() bool { return target.deltaCount() == 1 }, time.Second, time.Millisecond)

		terminal := api.StreamEvent{Type: api.StreamDone}
		if i%2 == 1 {
			terminal = api.StreamEvent{Type: api.StreamGaiaError, Error: "boom"}
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			s.Cancel()
		}()
		go func() {
			defer wg.Done()
			feed.send(s, terminal)
		}()
		go func() {
			defer wg.Done()
			s.Cancel()
		}()
		wg.Wait()

		res := wait(t, s)
		require.True(t, res.State.Terminal())
		require.Equal(t, "par", res.Content, "buffered content survives every exit path")
		require.Equal(t, 1, target.finalCount())
		require.Equal(t, int32(1), feed.closed.Load())
	}
}

func TestSession_CancelWithoutContent(t *testing.T) {
	target := &recordingTarget{}
	feed := newFakeFeed()
	s := NewSession(target, WithStoppedText("(halted)"))
	require.NoError(t, s.Start(context.Background(), feed.opener()))
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, time.Second, time.Millisecond)

	s.Cancel()
	s.Cancel()
	res := wait(t, s)
	require.Equal(t, StateCancelled, res.State)
	require.Equal(t, "(halted)", res.Content)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Equal(t, 1, target.finalCount())
}

func TestSession_CancelBeforeStart(t *testing.T) {
	target := &recordingTarget{}
	s := NewSession(target)
	s.Cancel()
	require.Equal(t, StateCancelled, wait(t, s).State)
	require.ErrorIs(t, s.Start(context.Background(), newFakeFeed().opener()), ErrSessionFinished)
	require.Equal(t, 1, target.finalCount())
}

func TestSession_CancelWhileConnectingClosesLateFeed(t *testing.T) {
	target := &recordingTarget{}
	feed := newFakeFeed()
	release := make(chan struct{})
	opened := make(chan struct{})
	s := NewSession(target)
	require.NoError(t, s.Start(context.Background(), func(ctx context.Context) (Feed, error) {
		close(opened)
		<-release
		return feed, nil
	}))

	<-opened
	require.Equal(t, StateConnecting, s.State())
	s.Cancel()
	require.Equal(t, DefaultStoppedText, wait(t, s).Content)

	close(release)
	require.Eventually(t, func() bool { return feed.closed.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, target.finalCount())
}

func TestSession_ErrorPaths(t *testing.T) {
	tests := []struct {
		name    string
		events  []api.StreamEvent
		content string
		cause   string
	}{
		{
			name: "gaia error keeps buffered content",
			events: []api.StreamEvent{
				{Type: api.StreamDelta, Text: "partial answer"},
				{Type: api.StreamGaiaError, Error: "provider down"},
			},
			content: "partial answer",
			cause:   "provider down",
		},
		{
			name:    "gaia error without content",
			events:  []api.StreamEvent{{Type: api.StreamGaiaError, Error: "provider down"}},
			content: "Error: provider down",
			cause:   "provider down",
		},
		{
			name:    "bare error event",
			events:  []api.StreamEvent{{Type: api.StreamError}},
			content: "Error: stream failed",
			cause:   "stream failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := events.NewCollectingSink()
			feed := newFakeFeed()
			s := NewSession(&recordingTarget{})
			require.NoError(t, s.Start(events.WithEventSinks(context.Background(), sink), feed.opener()))
			for _, ev := range tt.events {
				feed.send(s, ev)
			}
			res := wait(t, s)
			require.Equal(t, StateErrored, res.State)
			require.Equal(t, tt.content, res.Content)
			require.EqualError(t, res.Err, tt.cause)

			all := sink.Events()
			require.Equal(t, events.EventTypeError, all[len(all)-1].Type())
		})
	}
}

func TestSession_OpenFailure(t *testing.T) {
	s := NewSession(&recordingTarget{})
	require.NoError(t, s.Start(context.Background(), func(ctx context.Context) (Feed, error) {
		return nil, errors.New("connection refused")
	}))
	res := wait(t, s)
	require.Equal(t, StateErrored, res.State)
	require.Equal(t, "Error: connection refused", res.Content)
}

func TestSession_FeedClosedWithoutDone(t *testing.T) {
	feed := newFakeFeed()
	s := NewSession(&recordingTarget{})
	require.NoError(t, s.Start(context.Background(), feed.opener()))
	feed.send(s, api.StreamEvent{Type: api.StreamDelta, Text: "cut"})
	close(feed.ch)

	res := wait(t, s)
	require.Equal(t, StateErrored, res.State)
	require.ErrorIs(t, res.Err, ErrFeedClosed)
	require.Equal(t, "cut", res.Content)
}

func TestSession_ParentContextCancels(t *testing.T) {
	feed := newFakeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(&recordingTarget{})
	require.NoError(t, s.Start(ctx, feed.opener()))
	feed.send(s, api.StreamEvent{Type: api.StreamDelta, Text: "so far"})
	cancel()

	res := wait(t, s)
	require.Equal(t, StateCancelled, res.State)
	require.Equal(t, "so far", res.Content)
}

func TestSession_PanickingTargetStillReleases(t *testing.T) {
	target := &recordingTarget{panicked: true}
	feed := newFakeFeed()
	s := NewSession(target)
	require.NoError(t, s.Start(context.Background(), feed.opener()))
	feed.send(s, api.StreamEvent{Type: api.StreamDone})

	res := wait(t, s)
	require.Error(t, res.Err)
	require.Equal(t, int32(1), feed.closed.Load())
	require.Equal(t, 1, target.finalCount())
}

func TestRegistry_SecondStartCancelsFirst(t *testing.T) {
	r := NewRegistry()
	first, second := &recordingTarget{}, &recordingTarget{}
	feed1, feed2 := newFakeFeed(), newFakeFeed()

	s1 := NewSession(first, WithChatID("c1"))
	require.NoError(t, r.Start(context.Background(), s1, feed1.opener()))
	feed1.send(s1, api.StreamEvent{Type: api.StreamDelta, Text: "Hel"})
	require.Eventually(t, func() bool { return first.deltaCount() == 1 }, time.Second, time.Millisecond)

	s2 := NewSession(second, WithChatID("c1"))
	require.NoError(t, r.Start(context.Background(), s2, feed2.opener()))

	res1 := wait(t, s1)
	require.Equal(t, StateCancelled, res1.State)
	require.Equal(t, "Hel", res1.Content)
	require.Same(t, s2, r.Get("c1"))

	feed2.send(s2, api.StreamEvent{Type: api.StreamDelta, Text: "fresh"})
	feed2.send(s2, api.StreamEvent{Type: api.StreamDone})
	require.Equal(t, "fresh", wait(t, s2).Content)
	require.Eventually(t, func() bool { return r.Get("c1") == nil }, time.Second, time.Millisecond)

	require.Equal(t, 1, first.finalCount())
	require.Equal(t, 1, second.finalCount())
}

func TestRegistry_OtherChatsAreIndependent(t *testing.T) {
	r := NewRegistry()
	feedA, feedB := newFakeFeed(), newFakeFeed()
	a := NewSession(&recordingTarget{}, WithChatID("a"))
	b := NewSession(&recordingTarget{}, WithChatID("b"))
	require.NoError(t, r.Start(context.Background(), a, feedA.opener()))
	require.NoError(t, r.Start(context.Background(), b, feedB.opener()))

	require.True(t, r.Cancel("a"))
	require.Equal(t, StateCancelled, wait(t, a).State)
	require.True(t, b.Live())
	require.False(t, r.Cancel("nope"))

	r.CancelAll()
	require.Equal(t, StateCancelled, wait(t, b).State)
}
