package client

import (
	"context"
	"strings"

	"github.com/go-go-golems/gaiachat/pkg/api"
	"github.com/go-go-golems/gaiachat/pkg/conversation"
	"github.com/go-go-golems/gaiachat/pkg/events"
	"github.com/go-go-golems/gaiachat/pkg/pipeline"
	"github.com/go-go-golems/gaiachat/pkg/streaming"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Mode is the delivery mode a reply was produced with.
type Mode string

const (
	ModePipeline Mode = "pipeline"
	ModeStream   Mode = "stream"
	ModeBuffered Mode = "buffered"
)

// Reply is the finalized content of one placeholder.
type Reply struct {
	ChatID    string
	MessageID string
	Mode      Mode
	Content   string
	Model     string
	Usage     *conversation.Usage
	// SQL is the query plan the service echoes for data files.
	SQL string
	// Err is the failure the content was derived from, nil on success.
	Err error
}

// Pending is a dispatched reply that has not necessarily arrived yet.
type Pending struct {
	ChatID    string
	MessageID string

	done  chan struct{}
	reply Reply
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the reply is finalized and persisted, or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*Reply, error) {
	select {
	case <-p.done:
		r := p.reply
		return &r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// job is one outgoing user turn bound to its placeholder.
type job struct {
	chatID    string
	messageID string
	model     string
	version   string
	question  string
	history   []conversation.Turn
	files     []api.File
	pending   *Pending
}

// newJob captures everything a request needs from the chat as it is right
// after the user turn and placeholder were added. question is the history
// index of the user message being answered.
func (c *ConversationClient) newJob(chat *conversation.Chat, question int, placeholderID string, text string) *job {
	model := chat.Model
	if model == "" {
		model = c.model
	}
	before := conversation.SlotOf(chat.History, chat.Branch, question)
	return &job{
		chatID:    chat.ID,
		messageID: placeholderID,
		model:     model,
		version:   c.catalog.Resolve(model, c.modelVersion),
		question:  text,
		history:   conversation.OutgoingHistory(chat.History, chat.Branch, before, c.historyWindow),
		pending: &Pending{
			ChatID:    chat.ID,
			MessageID: placeholderID,
			done:      make(chan struct{}),
		},
	}
}

func (j *job) metadata() events.EventMetadata {
	id, _ := uuid.Parse(j.messageID)
	return events.EventMetadata{ID: id, ChatID: j.chatID, Model: j.version}
}

// dispatch cancels whatever reply the chat still has in flight and starts
// the new one with the first applicable mode: pipeline, stream, buffered.
func (c *ConversationClient) dispatch(ctx context.Context, j *job) *Pending {
	c.cancelPrior(j.chatID)

	logger := log.With().
		Str("chat_id", j.chatID).
		Str("message_id", j.messageID).
		Str("model", j.model).
		Str("version", j.version).
		Int("history", len(j.history)).
		Int("files", len(j.files)).
		Logger()

	if c.pipeline != nil {
		req := &pipeline.Request{
			ChatID:       j.chatID,
			Model:        j.model,
			ModelVersion: j.version,
			Message:      j.question,
			History:      j.history,
			Attachments:  len(j.files),
		}
		if c.pipeline.ShouldRun(req) {
			logger.Debug().Msg("dispatching to pipeline")
			c.runAsync(ctx, j, func(ctx context.Context) Reply {
				return c.runPipeline(ctx, j, req)
			})
			return j.pending
		}
	}

	if len(j.files) == 0 && c.catalog.Streamable(j.model) {
		logger.Debug().Msg("dispatching as stream")
		c.startStream(ctx, j)
		return j.pending
	}

	logger.Debug().Msg("dispatching as buffered request")
	c.runAsync(ctx, j, func(ctx context.Context) Reply {
		return c.runBuffered(ctx, j)
	})
	return j.pending
}

func (c *ConversationClient) cancelPrior(chatID string) {
	if c.registry.Cancel(chatID) {
		log.Debug().Str("chat_id", chatID).Msg("cancelled prior stream")
	}
	c.mu.Lock()
	prev := c.inflight[chatID]
	delete(c.inflight, chatID)
	c.mu.Unlock()
	if prev != nil {
		log.Debug().Str("chat_id", chatID).Str("message_id", prev.messageID).Msg("cancelled prior request")
		prev.cancel()
	}
}

// runAsync runs a buffered-style request on its own goroutine under a
// cancellable context registered as the chat's in-flight reply.
func (c *ConversationClient) runAsync(ctx context.Context, j *job, run func(ctx context.Context) Reply) {
	runCtx, cancel := context.WithCancel(ctx)
	in := &inflight{messageID: j.messageID, cancel: cancel}
	c.mu.Lock()
	c.inflight[j.chatID] = in
	c.mu.Unlock()

	events.PublishEventToContext(ctx, events.NewStartEvent(j.metadata()))

	go func() {
		defer cancel()
		reply := run(runCtx)

		c.mu.Lock()
		if c.inflight[j.chatID] == in {
			delete(c.inflight, j.chatID)
		}
		c.mu.Unlock()

		c.publishOutcome(ctx, j, reply)
		c.complete(ctx, j, reply)
	}()
}

func (c *ConversationClient) runPipeline(ctx context.Context, j *job, req *pipeline.Request) Reply {
	out, err := c.pipeline.Run(ctx, req)
	if err == nil {
		content := strings.TrimSpace(out.Content)
		if content == "" {
			content = c.emptyText
		}
		return Reply{Mode: ModePipeline, Content: content, Model: out.Model, Usage: out.Usage}
	}
	if ctx.Err() != nil {
		return c.failure(ModePipeline, ctx.Err())
	}
	log.Warn().Err(err).Str("chat_id", j.chatID).Msg("pipeline failed, falling back to buffered request")
	return c.runBuffered(ctx, j)
}

func (c *ConversationClient) runBuffered(ctx context.Context, j *job) Reply {
	resp, err := c.service.Ask(ctx, &api.AskRequest{
		Model:        j.model,
		ModelVersion: j.version,
		Message:      j.question,
		History:      j.history,
		ChatID:       j.chatID,
		Style:        c.style,
		Files:        j.files,
	})
	if err != nil {
		return c.failure(ModeBuffered, err)
	}
	content := strings.TrimSpace(resp.Reply)
	if content == "" {
		content = c.emptyText
	}
	return Reply{Mode: ModeBuffered, Content: content, Model: resp.Model, Usage: resp.Usage, SQL: resp.SQL}
}

func (c *ConversationClient) failure(mode Mode, err error) Reply {
	return Reply{Mode: mode, Content: c.ReplyText(err), Err: err}
}

// ReplyText turns a failure into the terminal content of a reply. A
// cancellation reads as stopped, anything else as an error line.
func (c *ConversationClient) ReplyText(err error) string {
	var appErr *api.ApplicationError
	var protoErr *api.ProtocolError
	switch {
	case errors.Is(err, context.Canceled):
		return c.stoppedText
	case errors.Is(err, context.DeadlineExceeded):
		return "Error: request timed out"
	case errors.As(err, &appErr):
		return "Error: " + appErr.Message
	case errors.As(err, &protoErr):
		return "Error: " + protoErr.Error()
	default:
		return "Error: " + err.Error()
	}
}

func (c *ConversationClient) publishOutcome(ctx context.Context, j *job, r Reply) {
	meta := j.metadata()
	if r.Model != "" {
		meta.Model = r.Model
	}
	meta.Usage = r.Usage
	switch {
	case r.Err == nil:
		events.PublishEventToContext(ctx, events.NewFinalEvent(meta, r.Content))
	case errors.Is(r.Err, context.Canceled):
		events.PublishEventToContext(ctx, events.NewInterruptEvent(meta, r.Content))
	default:
		events.PublishEventToContext(ctx, events.NewErrorEvent(meta, r.Err, r.Content))
	}
}

// complete fills the placeholder in place, adds the usage to the chat's
// totals and resolves the Pending.
func (c *ConversationClient) complete(ctx context.Context, j *job, r Reply) {
	r.ChatID, r.MessageID = j.chatID, j.messageID
	storeCtx := context.WithoutCancel(ctx)

	meta := &conversation.Meta{Model: r.Model, Usage: r.Usage, SQL: r.SQL}
	if meta.Model == "" && meta.Usage == nil && meta.SQL == "" {
		meta = nil
	}
	if err := c.fill(storeCtx, j.chatID, j.messageID, r.Content, meta); err != nil {
		log.Warn().Err(err).Str("chat_id", j.chatID).Str("message_id", j.messageID).Msg("could not persist reply")
	}
	if r.Usage != nil {
		if err := c.store.AddUsage(storeCtx, j.chatID, r.Usage); err != nil {
			log.Warn().Err(err).Str("chat_id", j.chatID).Msg("could not record usage")
		}
	}

	c.mu.Lock()
	delete(c.provisional, j.messageID)
	c.mu.Unlock()

	log.Debug().
		Str("chat_id", j.chatID).
		Str("message_id", j.messageID).
		Str("mode", string(r.Mode)).
		AnErr("cause", r.Err).
		Int("content_len", len(r.Content)).
		Msg("reply finalized")

	j.pending.reply = r
	close(j.pending.done)
}

func (c *ConversationClient) fill(ctx context.Context, chatID, messageID, content string, meta *conversation.Meta) error {
	_, err := c.store.Mutate(ctx, chatID, func(chat *conversation.Chat) error {
		i := chat.IndexOf(messageID)
		if i < 0 {
			return errors.Wrapf(ErrMessageGone, "message %s", messageID)
		}
		m := &chat.History[i]
		m.Content = content
		m.Pending = false
		if meta != nil {
			m.Meta = meta
		}
		return nil
	})
	return err
}

// placeholder is the streaming target of one reply. Provisional content is
// kept in memory; only the final content is persisted.
type placeholder struct {
	c *ConversationClient
	j *job
	// ctx is the send's context, for persisting after the stream ends.
	ctx context.Context
}

var _ streaming.Target = (*placeholder)(nil)

func (p *placeholder) OnStart(model string) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	cur := p.c.provisional[p.j.messageID]
	cur.model = model
	p.c.provisional[p.j.messageID] = cur
}

func (p *placeholder) OnDelta(content string) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	cur := p.c.provisional[p.j.messageID]
	cur.content = content
	p.c.provisional[p.j.messageID] = cur
}

func (p *placeholder) Finalize(r streaming.Result) error {
	reply := Reply{Mode: ModeStream, Content: r.Content, Model: r.Model, Err: r.Err}
	if r.State == streaming.StateCompleted {
		reply.Err = nil
	}
	p.c.complete(p.ctx, p.j, reply)
	return nil
}

func (c *ConversationClient) startStream(ctx context.Context, j *job) {
	target := &placeholder{c: c, j: j, ctx: ctx}
	options := []streaming.SessionOption{
		streaming.WithChatID(j.chatID),
		streaming.WithStoppedText(c.stoppedText),
		streaming.WithEmptyText(c.emptyText),
	}
	if id, err := uuid.Parse(j.messageID); err == nil {
		options = append(options, streaming.WithMessageID(id))
	}
	s := streaming.NewSession(target, options...)

	open := func(ctx context.Context) (streaming.Feed, error) {
		stream, err := c.service.Stream(ctx, &api.StreamRequest{
			Model:        j.model,
			ModelVersion: j.version,
			Query:        j.question,
			History:      j.history,
		})
		if err != nil {
			return nil, err
		}
		return stream, nil
	}
	if err := c.registry.Start(ctx, s, open); err != nil {
		// a fresh session always starts; this only guards against misuse
		c.complete(ctx, j, c.failure(ModeStream, err))
	}
}
