package events

import (
	"encoding/json"

	"github.com/go-go-golems/gaiachat/pkg/conversation"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart carries the reply model, no content yet.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeError             EventType = "error"
	EventTypeInterrupt         EventType = "interrupt"

	// EventTypeInfo reports progress that is not reply content, like the
	// stages of the low-cost pipeline or a delivery fallback.
	EventTypeInfo EventType = "info"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// set when the event was decoded by NewEventFromJson
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

// EventMetadata identifies the reply an event belongs to.
type EventMetadata struct {
	// ID is the id of the assistant message being filled.
	ID        uuid.UUID           `json:"message_id" yaml:"message_id"`
	ChatID    string              `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
	SessionID string              `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Model     string              `json:"model,omitempty" yaml:"model,omitempty"`
	Usage     *conversation.Usage `json:"usage,omitempty" yaml:"usage,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.ChatID != "" {
		e.Str("chat_id", em.ChatID)
	}
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.Usage != nil {
		e.Int("prompt_tokens", em.Usage.PromptTokens)
		e.Int("completion_tokens", em.Usage.CompletionTokens)
	}
}

type EventPartialCompletionStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventPartialCompletionStart {
	return &EventPartialCompletionStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

// EventPartialCompletion carries one delta and the provisional content so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

// EventError is published when a reply ends in failure. Text is the content
// that was persisted for the reply.
type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	Text        string `json:"text"`
}

func NewErrorEvent(metadata EventMetadata, err error, text string) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
		Text:        text,
	}
}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

type EventInfo struct {
	EventImpl
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func NewInfoEvent(metadata EventMetadata, message string, data map[string]interface{}) *EventInfo {
	return &EventInfo{
		EventImpl: EventImpl{Type_: EventTypeInfo, Metadata_: metadata},
		Message:   message,
		Data:      data,
	}
}

var (
	_ Event = &EventPartialCompletionStart{}
	_ Event = &EventPartialCompletion{}
	_ Event = &EventFinal{}
	_ Event = &EventError{}
	_ Event = &EventInterrupt{}
	_ Event = &EventInfo{}
)

// NewEventFromJson decodes a serialized event into its typed form.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(err, "could not decode event")
	}
	if e == nil {
		return nil, errors.New("empty event")
	}
	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		return decodeTyped[EventPartialCompletionStart](b)
	case EventTypePartialCompletion:
		return decodeTyped[EventPartialCompletion](b)
	case EventTypeFinal:
		return decodeTyped[EventFinal](b)
	case EventTypeError:
		return decodeTyped[EventError](b)
	case EventTypeInterrupt:
		return decodeTyped[EventInterrupt](b)
	case EventTypeInfo:
		return decodeTyped[EventInfo](b)
	}
	return e, nil
}

type typedEvent interface {
	Event
	setPayload(b []byte)
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func decodeTyped[T any, PT interface {
	*T
	typedEvent
}](b []byte) (Event, error) {
	var ret T
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, errors.Wrapf(err, "could not decode %T", ret)
	}
	p := PT(&ret)
	p.setPayload(b)
	return p, nil
}
