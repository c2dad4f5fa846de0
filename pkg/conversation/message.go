package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Usage is the token accounting a reply carries, in the remote service's naming.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens" yaml:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" yaml:"completion_tokens"`
	TotalTokens      int `json:"total_tokens" yaml:"total_tokens"`
}

// Meta is the reply metadata attached to an assistant message.
type Meta struct {
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	Usage *Usage `json:"usage,omitempty" yaml:"usage,omitempty"`
	// SQL is echoed by the service when a data file was answered through a query plan.
	SQL string `json:"sql,omitempty" yaml:"sql,omitempty"`
}

// Attachment is the snapshot of a file that was sent along with a user message.
type Attachment struct {
	Name   string `json:"name" yaml:"name"`
	MIME   string `json:"mime" yaml:"mime"`
	Size   int64  `json:"size" yaml:"size"`
	SHA256 string `json:"sha256" yaml:"sha256"`
}

// Message is one slot of a chat history. Once appended, a message is only
// mutated to mark it deleted, or while a reply is being filled in place.
type Message struct {
	ID      string    `json:"id" yaml:"id"`
	Role    Role      `json:"role" yaml:"role"`
	Content string    `json:"content" yaml:"content"`
	Meta    *Meta     `json:"meta" yaml:"meta,omitempty"`
	Time    time.Time `json:"time" yaml:"time"`
	Deleted bool      `json:"deleted" yaml:"deleted"`
	Edited  bool      `json:"edited" yaml:"edited"`
	// Pending marks an assistant placeholder that has not been finalized yet.
	Pending bool `json:"pending,omitempty" yaml:"pending,omitempty"`

	BranchOf      *int `json:"branch_of,omitempty" yaml:"branch_of,omitempty"`
	BranchVersion *int `json:"branch_version,omitempty" yaml:"branch_version,omitempty"`
	// ForkOf is set on the first message of a version: the id of the user
	// message an edit replaces, or the one a regenerated reply answers.
	ForkOf string `json:"fork_of,omitempty" yaml:"fork_of,omitempty"`

	AttachCount int          `json:"attachCount" yaml:"attach_count"`
	Attachments []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
}

type MessageOption func(*Message)

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.Time = t
	}
}

func WithMeta(meta *Meta) MessageOption {
	return func(m *Message) {
		m.Meta = meta
	}
}

func WithBranchTag(anchor, version int) MessageOption {
	return func(m *Message) {
		m.Tag(anchor, version)
	}
}

func WithForkOf(id string) MessageOption {
	return func(m *Message) {
		m.ForkOf = id
	}
}

func WithAttachments(attachments ...Attachment) MessageOption {
	return func(m *Message) {
		m.Attachments = append(m.Attachments, attachments...)
		m.AttachCount = len(m.Attachments)
	}
}

func WithEdited() MessageOption {
	return func(m *Message) {
		m.Edited = true
	}
}

func AsPlaceholder() MessageOption {
	return func(m *Message) {
		m.Pending = true
	}
}

func NewMessage(role Role, content string, options ...MessageOption) Message {
	ret := Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
		Time:    time.Now(),
	}
	for _, option := range options {
		option(&ret)
	}
	return ret
}

func NewUserMessage(content string, options ...MessageOption) Message {
	return NewMessage(RoleUser, content, options...)
}

// NewPlaceholder returns the empty assistant message that a reply is later filled into.
func NewPlaceholder(options ...MessageOption) Message {
	return NewMessage(RoleAssistant, "", append([]MessageOption{AsPlaceholder()}, options...)...)
}

// Tag marks the message as belonging to version `version` of the branch anchored at `anchor`.
func (m *Message) Tag(anchor, version int) {
	a, v := anchor, version
	m.BranchOf = &a
	m.BranchVersion = &v
}

// TaggedWith reports whether the message is an alternate of the branch anchored at `anchor`.
func (m *Message) TaggedWith(anchor int) bool {
	return m.BranchOf != nil && *m.BranchOf == anchor
}

// InVersion reports whether the message belongs to version `version` of the branch at `anchor`.
func (m *Message) InVersion(anchor, version int) bool {
	return m.TaggedWith(anchor) && m.BranchVersion != nil && *m.BranchVersion == version
}

func (m *Message) String() string {
	return m.Content
}

func (m *Message) View() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}

// UsageStats are the running token sums of a chat. They only grow.
type UsageStats struct {
	InTokens    int `json:"in_tokens" yaml:"in_tokens"`
	OutTokens   int `json:"out_tokens" yaml:"out_tokens"`
	TotalTokens int `json:"total_tokens" yaml:"total_tokens"`
}

// Add accumulates a reply's usage. Negative counts are ignored.
func (s *UsageStats) Add(u *Usage) {
	if s == nil || u == nil {
		return
	}
	s.InTokens += max(u.PromptTokens, 0)
	s.OutTokens += max(u.CompletionTokens, 0)
	total := u.TotalTokens
	if total <= 0 {
		total = max(u.PromptTokens, 0) + max(u.CompletionTokens, 0)
	}
	s.TotalTokens += total
}

// BranchState is the pager state of the single branch a chat can carry.
// Version 1 is always the original continuation.
type BranchState struct {
	Anchor int `json:"anchor" yaml:"anchor"`
	Active int `json:"active" yaml:"active"`
	Total  int `json:"total" yaml:"total"`
}

// Chat is a named conversation with its linear, index-addressed history.
type Chat struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Model     string       `json:"model" yaml:"model"`
	History   []Message    `json:"history" yaml:"history"`
	Stats     *UsageStats  `json:"stats" yaml:"stats"`
	Branch    *BranchState `json:"branch" yaml:"branch"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"updated_at"`
}

// IndexOf returns the current index of the message with the given id, or -1.
func (c *Chat) IndexOf(id string) int {
	for i := range c.History {
		if c.History[i].ID == id {
			return i
		}
	}
	return -1
}

// ContinuationTag returns the branch tag that newly sent messages should carry.
// Only alternates (active > 1) need a tag: version 1 is the untagged timeline.
func (c *Chat) ContinuationTag() (anchor int, version int, ok bool) {
	if c.Branch == nil || c.Branch.Active <= 1 {
		return 0, 0, false
	}
	return c.Branch.Anchor, c.Branch.Active, true
}
