// Package client is the conversation orchestrator. It owns the session
// context of one input surface (current chat, pending attachments, in-flight
// replies) and turns user actions into history mutations and requests.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-go-golems/gaiachat/pkg/api"
	"github.com/go-go-golems/gaiachat/pkg/catalog"
	"github.com/go-go-golems/gaiachat/pkg/conversation"
	"github.com/go-go-golems/gaiachat/pkg/pipeline"
	"github.com/go-go-golems/gaiachat/pkg/settings"
	"github.com/go-go-golems/gaiachat/pkg/streaming"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHistoryWindow = 16
	DefaultStoppedText   = streaming.DefaultStoppedText
	DefaultEmptyText     = "(no response)"

	chatNameLength = 40
)

var (
	ErrBusy        = errors.New("a send is already being dispatched")
	ErrNoChat      = errors.New("no chat selected")
	ErrEmptyPrompt = errors.New("message is empty")
	ErrMessageGone = errors.New("message no longer exists")
)

// Service is the remote service as seen by the client. *api.Client
// implements it.
type Service interface {
	Ask(ctx context.Context, r *api.AskRequest) (*api.AskResponse, error)
	Stream(ctx context.Context, r *api.StreamRequest) (*api.EventStream, error)
}

var _ Service = (*api.Client)(nil)

type ConversationClient struct {
	service  Service
	store    *conversation.Store
	catalog  *catalog.Catalog
	pipeline pipeline.Pipeline
	registry *streaming.Registry

	model         string
	modelVersion  string
	style         string
	historyWindow int
	stoppedText   string
	emptyText     string

	busy atomic.Bool

	mu          sync.Mutex
	chatID      string
	files       []api.File
	attachments []conversation.Attachment
	inflight    map[string]*inflight
	provisional map[string]provisional
}

type inflight struct {
	messageID string
	cancel    context.CancelFunc
}

type provisional struct {
	content string
	model   string
}

type Option func(*ConversationClient)

func WithCatalog(c *catalog.Catalog) Option {
	return func(cc *ConversationClient) {
		cc.catalog = c
	}
}

// WithPipeline installs the collaborator consulted before the regular
// delivery modes.
func WithPipeline(p pipeline.Pipeline) Option {
	return func(cc *ConversationClient) {
		cc.pipeline = p
	}
}

func WithRegistry(r *streaming.Registry) Option {
	return func(cc *ConversationClient) {
		cc.registry = r
	}
}

// WithModel sets the default model key and version selection. The version
// may be an id, a label, a tier or empty.
func WithModel(model, version string) Option {
	return func(cc *ConversationClient) {
		cc.model = model
		cc.modelVersion = version
	}
}

func WithStyle(style string) Option {
	return func(cc *ConversationClient) {
		cc.style = style
	}
}

func WithHistoryWindow(n int) Option {
	return func(cc *ConversationClient) {
		cc.historyWindow = n
	}
}

func WithStoppedText(text string) Option {
	return func(cc *ConversationClient) {
		if text != "" {
			cc.stoppedText = text
		}
	}
}

func WithEmptyReplyText(text string) Option {
	return func(cc *ConversationClient) {
		if text != "" {
			cc.emptyText = text
		}
	}
}

// OptionsFromSettings maps the client settings onto options.
func OptionsFromSettings(s *settings.ClientSettings) []Option {
	return []Option{
		WithModel(s.Model, s.ModelVersion),
		WithStyle(s.Style),
		WithHistoryWindow(s.HistoryWindow),
		WithStoppedText(s.StoppedText),
		WithEmptyReplyText(s.EmptyReplyText),
	}
}

func New(service Service, store *conversation.Store, options ...Option) *ConversationClient {
	ret := &ConversationClient{
		service:       service,
		store:         store,
		style:         api.StyleSimple,
		historyWindow: DefaultHistoryWindow,
		stoppedText:   DefaultStoppedText,
		emptyText:     DefaultEmptyText,
		inflight:      map[string]*inflight{},
		provisional:   map[string]provisional{},
	}
	for _, option := range options {
		option(ret)
	}
	if ret.catalog == nil {
		ret.catalog = catalog.New(nil)
	}
	if ret.registry == nil {
		ret.registry = streaming.NewRegistry()
	}
	return ret
}

func (c *ConversationClient) Store() *conversation.Store {
	return c.store
}

func (c *ConversationClient) Catalog() *catalog.Catalog {
	return c.catalog
}

// SelectChat makes id the chat that Send appends to.
func (c *ConversationClient) SelectChat(ctx context.Context, id string) error {
	if _, ok := c.store.Get(ctx, id); !ok {
		return errors.Wrapf(conversation.ErrChatNotFound, "chat %s", id)
	}
	c.mu.Lock()
	c.chatID = id
	c.mu.Unlock()
	return nil
}

func (c *ConversationClient) CurrentChat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// NewChat creates a chat for the default model and selects it.
func (c *ConversationClient) NewChat(ctx context.Context, name string) (*conversation.Chat, error) {
	chat, err := c.store.Create(ctx, name, c.model)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.chatID = chat.ID
	c.mu.Unlock()
	return chat, nil
}

func (c *ConversationClient) RenameChat(ctx context.Context, id string, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("chat name is empty")
	}
	_, err := c.store.Mutate(ctx, id, func(chat *conversation.Chat) error {
		chat.Name = name
		return nil
	})
	return err
}

// DeleteChat stops any reply in flight for the chat and removes it.
func (c *ConversationClient) DeleteChat(ctx context.Context, id string) error {
	c.Stop(id)
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.mu.Lock()
	if c.chatID == id {
		c.chatID = ""
	}
	c.mu.Unlock()
	return nil
}

// Attach queues a file for the next Send. The MIME type is guessed from
// the extension, then from the content, when it is not given.
func (c *ConversationClient) Attach(name string, data []byte, mimeType string) conversation.Attachment {
	if mimeType == "" {
		mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	sum := sha256.Sum256(data)
	a := conversation.Attachment{
		Name:   filepath.Base(name),
		MIME:   mimeType,
		Size:   int64(len(data)),
		SHA256: hex.EncodeToString(sum[:]),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, api.File{Name: a.Name, MIME: a.MIME, Data: data})
	c.attachments = append(c.attachments, a)
	log.Debug().Str("name", a.Name).Str("mime", a.MIME).Int64("size", a.Size).Msg("attached file")
	return a
}

func (c *ConversationClient) AttachFile(path string) (conversation.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return conversation.Attachment{}, errors.Wrapf(err, "could not read %s", path)
	}
	return c.Attach(path, data, ""), nil
}

func (c *ConversationClient) PendingAttachments() []conversation.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]conversation.Attachment(nil), c.attachments...)
}

func (c *ConversationClient) ClearAttachments() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = nil
	c.attachments = nil
}

func (c *ConversationClient) takeAttachments() ([]api.File, []conversation.Attachment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	files, attachments := c.files, c.attachments
	c.files, c.attachments = nil, nil
	return files, attachments
}

func (c *ConversationClient) acquire() error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (c *ConversationClient) release() {
	c.busy.Store(false)
}

func chatName(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= chatNameLength {
		return text
	}
	return string([]rune(text)[:chatNameLength]) + "…"
}

// Send appends a user turn to the current chat, creating one when none is
// selected, and dispatches it with the queued attachments. The reply arrives
// asynchronously through the returned Pending; ctx bounds its lifetime and
// carries the event sinks.
func (c *ConversationClient) Send(ctx context.Context, text string) (*Pending, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPrompt
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	chatID := c.CurrentChat()
	if chatID == "" {
		chat, err := c.NewChat(ctx, chatName(text))
		if err != nil {
			return nil, err
		}
		chatID = chat.ID
	}

	files, attachments := c.takeAttachments()
	var j *job
	_, err := c.store.Mutate(ctx, chatID, func(chat *conversation.Chat) error {
		var tag []conversation.MessageOption
		if anchor, version, ok := chat.ContinuationTag(); ok {
			tag = append(tag, conversation.WithBranchTag(anchor, version))
		}
		user := conversation.NewUserMessage(text, append(tag, conversation.WithAttachments(attachments...))...)
		placeholder := conversation.NewPlaceholder(tag...)
		chat.History = append(chat.History, user, placeholder)

		j = c.newJob(chat, len(chat.History)-2, placeholder.ID, text)
		j.files = files
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, j), nil
}

// Edit forks a new version of the chat's branch at the user message at
// index and sends the new text.
func (c *ConversationClient) Edit(ctx context.Context, chatID string, index int, text string) (*Pending, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPrompt
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	var j *job
	_, err := c.store.Mutate(ctx, chatID, func(chat *conversation.Chat) error {
		fork, err := conversation.Edit(chat, index, text)
		if err != nil {
			return err
		}
		placeholder := conversation.NewPlaceholder(conversation.WithBranchTag(fork.Anchor, fork.Version))
		chat.History = conversation.InsertAt(chat.History, fork.InsertIndex+1, placeholder)
		j = c.newJob(chat, fork.InsertIndex, placeholder.ID, text)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, j), nil
}

// Regenerate asks again for the reply at assistantIndex. The new reply is a
// new assistant-only version of the branch that answers the user turn shown
// right before the old one.
func (c *ConversationClient) Regenerate(ctx context.Context, chatID string, assistantIndex int) (*Pending, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	var j *job
	_, err := c.store.Mutate(ctx, chatID, func(chat *conversation.Chat) error {
		fork, userIndex, err := conversation.Regenerate(chat, assistantIndex)
		if err != nil {
			return err
		}
		question := chat.History[userIndex]
		placeholder := conversation.NewPlaceholder(
			conversation.WithBranchTag(fork.Anchor, fork.Version),
			conversation.WithForkOf(question.ID),
		)
		chat.History = conversation.InsertAt(chat.History, fork.InsertIndex, placeholder)

		j = c.newJob(chat, chat.IndexOf(question.ID), placeholder.ID, question.Content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, j), nil
}

// Cycle shows the next version of the chat's branch.
func (c *ConversationClient) Cycle(ctx context.Context, chatID string) (*conversation.BranchState, error) {
	chat, err := c.store.Mutate(ctx, chatID, func(chat *conversation.Chat) error {
		next, err := conversation.Cycle(chat.Branch)
		if err != nil {
			return err
		}
		chat.Branch = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("chat_id", chatID).Int("active", chat.Branch.Active).Int("total", chat.Branch.Total).Msg("cycled branch")
	return chat.Branch, nil
}

// DeleteMessage marks the message at index deleted. It stays in history so
// indices and branch tags remain valid.
func (c *ConversationClient) DeleteMessage(ctx context.Context, chatID string, index int) error {
	_, err := c.store.Mutate(ctx, chatID, func(chat *conversation.Chat) error {
		if index < 0 || index >= len(chat.History) {
			return errors.Wrapf(conversation.ErrIndexOutOfRange, "index %d (history has %d messages)", index, len(chat.History))
		}
		chat.History[index].Deleted = true
		return nil
	})
	return err
}

// Stop cancels the reply in flight for the chat and reports whether there
// was one. The reply is finalized with what arrived so far.
func (c *ConversationClient) Stop(chatID string) bool {
	stopped := c.registry.Cancel(chatID)
	c.mu.Lock()
	in := c.inflight[chatID]
	c.mu.Unlock()
	if in != nil {
		in.cancel()
		stopped = true
	}
	return stopped
}

// StopAll cancels every reply in flight.
func (c *ConversationClient) StopAll() {
	c.registry.CancelAll()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, in := range c.inflight {
		in.cancel()
	}
}

// Transcript renders the chat's visible sequence, with the provisional
// content of replies that are still streaming.
func (c *ConversationClient) Transcript(ctx context.Context, chatID string) ([]conversation.Entry, error) {
	chat, ok := c.store.Get(ctx, chatID)
	if !ok {
		return nil, errors.Wrapf(conversation.ErrChatNotFound, "chat %s", chatID)
	}
	entries := conversation.Transcript(chat)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range entries {
		m := &entries[i].Message
		if !m.Pending {
			continue
		}
		if p, ok := c.provisional[m.ID]; ok {
			m.Content = p.content
			if p.model != "" {
				m.Meta = &conversation.Meta{Model: p.model}
			}
		}
	}
	return entries, nil
}
