// Package pipeline holds the server-assisted multi-step flows a send can be
// delegated to before the regular delivery modes.
package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-go-golems/gaiachat/pkg/api"
	"github.com/go-go-golems/gaiachat/pkg/conversation"
	"github.com/go-go-golems/gaiachat/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	DefaultTokenThreshold = 1000

	SummarizeSystemPrompt = "Compress the content WITHOUT losing any information. " +
		"Preserve facts, numbers, requirements, constraints, steps, and code. " +
		"Do NOT answer the question."
	AnswerSystemPrompt = "Answer the user using the compressed context as if you had the full context. " +
		"Do not mention summarization."
)

var ErrNoCheapVersion = errors.New("model has no cheap version")

// Request is one outgoing user turn as seen by a pipeline.
type Request struct {
	ChatID       string
	Model        string
	ModelVersion string
	Message      string
	History      []conversation.Turn
	Attachments  int
}

type Reply struct {
	Content string
	Model   string
	Usage   *conversation.Usage
}

// Pipeline is a multi-step flow that can answer a turn on its own.
type Pipeline interface {
	ShouldRun(r *Request) bool
	Run(ctx context.Context, r *Request) (*Reply, error)
}

type Asker interface {
	Ask(ctx context.Context, r *api.AskRequest) (*api.AskResponse, error)
}

// Models classifies models by cost. The catalog implements it.
type Models interface {
	Expensive(modelKey, versionID string) bool
	CheapVersion(modelKey string) (string, bool)
}

// LowCost compresses a long history with the cheap version of the model and
// answers the question with the selected version from the compressed context.
// It only applies to code-oriented prompts on expensive models.
type LowCost struct {
	asker     Asker
	models    Models
	threshold int

	// cheapVersion overrides the catalog's cheap tier when set.
	cheapVersion string
	codec        tokenizer.Codec
}

type LowCostOption func(*LowCost)

func WithTokenThreshold(n int) LowCostOption {
	return func(l *LowCost) {
		if n > 0 {
			l.threshold = n
		}
	}
}

func WithCheapVersion(id string) LowCostOption {
	return func(l *LowCost) {
		l.cheapVersion = id
	}
}

func NewLowCost(asker Asker, models Models, options ...LowCostOption) *LowCost {
	ret := &LowCost{
		asker:     asker,
		models:    models,
		threshold: DefaultTokenThreshold,
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warn().Err(err).Msg("tokenizer unavailable, estimating tokens from length")
	} else {
		ret.codec = codec
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

var _ Pipeline = (*LowCost)(nil)

func (l *LowCost) ShouldRun(r *Request) bool {
	if r == nil || r.Attachments > 0 || strings.TrimSpace(r.Message) == "" {
		return false
	}
	if !l.models.Expensive(r.Model, r.ModelVersion) {
		return false
	}
	if !IsCodeOriented(r.Message) {
		return false
	}
	tokens := l.HistoryTokens(r.History)
	log.Debug().
		Str("chat_id", r.ChatID).
		Int("history_tokens", tokens).
		Int("threshold", l.threshold).
		Msg("low-cost pipeline candidate")
	return tokens >= l.threshold
}

// CountTokens counts cl100k tokens, or estimates four characters per token
// without a tokenizer. Never less than one for non-empty text.
func (l *LowCost) CountTokens(s string) int {
	if s == "" {
		return 0
	}
	if l.codec != nil {
		ids, _, err := l.codec.Encode(s)
		if err == nil {
			return max(1, len(ids))
		}
	}
	return max(1, len(s)/4)
}

func (l *LowCost) HistoryTokens(history []conversation.Turn) int {
	total := 0
	for _, t := range history {
		total += l.CountTokens(t.Content)
	}
	return total
}

func (l *LowCost) Run(ctx context.Context, r *Request) (*Reply, error) {
	cheap, ok := l.cheapVersion, l.cheapVersion != ""
	if !ok {
		cheap, ok = l.models.CheapVersion(r.Model)
	}
	if !ok {
		return nil, errors.Wrapf(ErrNoCheapVersion, "model %s", r.Model)
	}
	meta := events.EventMetadata{ChatID: r.ChatID, Model: cheap}

	var transcript strings.Builder
	for _, t := range r.History {
		fmt.Fprintf(&transcript, "%s: %s\n", strings.ToUpper(t.Role), t.Content)
	}
	events.PublishEventToContext(ctx, events.NewInfoEvent(meta, "compressing history", map[string]interface{}{
		"version": cheap,
		"turns":   len(r.History),
		"tokens":  l.HistoryTokens(r.History),
	}))

	summary, err := l.asker.Ask(ctx, &api.AskRequest{
		Model:        r.Model,
		ModelVersion: cheap,
		Message:      strings.TrimSpace(transcript.String()),
		History:      []conversation.Turn{{Role: string(conversation.RoleSystem), Content: SummarizeSystemPrompt}},
		ChatID:       r.ChatID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "compression step failed")
	}
	compressed := strings.TrimSpace(summary.Reply)
	if compressed == "" {
		return nil, errors.New("compression step returned nothing")
	}

	meta.Model = r.ModelVersion
	events.PublishEventToContext(ctx, events.NewInfoEvent(meta, "answering from compressed context", map[string]interface{}{
		"summary_tokens": l.CountTokens(compressed),
	}))

	answer, err := l.asker.Ask(ctx, &api.AskRequest{
		Model:        r.Model,
		ModelVersion: r.ModelVersion,
		Message:      fmt.Sprintf("Context:\n%s\n\nQuestion:\n%s", compressed, r.Message),
		History:      []conversation.Turn{{Role: string(conversation.RoleSystem), Content: AnswerSystemPrompt}},
		ChatID:       r.ChatID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "answer step failed")
	}

	return &Reply{
		Content: answer.Reply,
		Model:   answer.Model,
		Usage:   sumUsage(summary.Usage, answer.Usage),
	}, nil
}

func sumUsage(usages ...*conversation.Usage) *conversation.Usage {
	var ret *conversation.Usage
	for _, u := range usages {
		if u == nil {
			continue
		}
		if ret == nil {
			ret = &conversation.Usage{}
		}
		ret.PromptTokens += u.PromptTokens
		ret.CompletionTokens += u.CompletionTokens
		ret.TotalTokens += u.TotalTokens
	}
	return ret
}

var codeKeywords = regexp.MustCompile(`(?i)\b(code|function|method|class|bug|debug|stack ?trace|exception|compile|refactor|regex|sql|query|script|python|javascript|typescript|golang|java|rust|html|css|json|yaml|api|endpoint)\b`)

// IsCodeOriented reports whether a prompt is about code: it contains a code
// block or code span, or mentions programming terms.
func IsCodeOriented(prompt string) bool {
	if hasCode(prompt) {
		return true
	}
	return codeKeywords.MatchString(prompt)
}

func hasCode(prompt string) bool {
	source := []byte(prompt)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))
	found := false
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindCodeSpan:
			found = true
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}
