package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-go-golems/gaiachat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type StreamEventType string

const (
	StreamStart     StreamEventType = "start"
	StreamDelta     StreamEventType = "delta"
	StreamGaiaError StreamEventType = "gaia_error"
	StreamError     StreamEventType = "error"
	StreamDone      StreamEventType = "done"
)

// StreamEvent is one named event of the incremental feed.
type StreamEvent struct {
	Type  StreamEventType
	Model string
	Text  string
	Error string
	OK    *bool
}

func (s StreamEvent) MarshalZerologObject(e *zerolog.Event) {
	e.Str("type", string(s.Type))
	if s.Model != "" {
		e.Str("model", s.Model)
	}
	if s.Text != "" {
		e.Int("text_len", len(s.Text))
	}
	if s.Error != "" {
		e.Str("error", s.Error)
	}
}

var _ zerolog.LogObjectMarshaler = StreamEvent{}

type streamPayload struct {
	OK      *bool  `json:"ok"`
	Model   string `json:"model"`
	Text    string `json:"text"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type StreamRequest struct {
	Model        string
	ModelVersion string
	Query        string
	History      []conversation.Turn
}

// EventStream is an open incremental feed. The events channel is closed when
// the server ends the response or the stream is closed.
type EventStream struct {
	events chan StreamEvent
	cancel context.CancelFunc
	once   sync.Once
}

func (s *EventStream) Events() <-chan StreamEvent {
	return s.events
}

// Close releases the connection. It is safe to call more than once.
func (s *EventStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Stream opens the incremental feed for one user turn. A non-200 answer is
// returned as an error before any event is delivered; once the feed is open,
// transport failures arrive as an error event.
func (c *Client) Stream(ctx context.Context, r *StreamRequest) (*EventStream, error) {
	history := r.History
	if history == nil {
		history = []conversation.Turn{}
	}
	h, err := json.Marshal(history)
	if err != nil {
		return nil, errors.Wrap(err, "could not serialize history")
	}
	q := url.Values{}
	q.Set("model", r.Model)
	if r.ModelVersion != "" {
		q.Set("model_version", r.ModelVersion)
	}
	q.Set("q", r.Query)
	q.Set("history", string(h))

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.endpoint("/ask/stream", q), nil)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not create request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// the client-wide timeout would cut long streams
	httpClient := *c.httpClient
	httpClient.Timeout = 0
	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "could not open stream")
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer func() {
			_ = resp.Body.Close()
		}()
		body, _ := readBody(resp)
		var payload streamPayload
		if json.Unmarshal(body, &payload) == nil {
			if msg := firstNonEmpty(payload.Error, payload.Message); msg != "" {
				return nil, &ApplicationError{StatusCode: resp.StatusCode, Message: msg}
			}
		}
		return nil, newProtocolError(resp.StatusCode, body)
	}

	log.Debug().
		Str("model", r.Model).
		Str("model_version", r.ModelVersion).
		Int("history", len(history)).
		Msg("stream opened")

	ret := &EventStream{
		events: make(chan StreamEvent),
		cancel: cancel,
	}
	go readEvents(streamCtx, resp.Body, ret.events)
	return ret, nil
}

func readEvents(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer func() {
		_ = body.Close()
	}()

	send := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReader(body)
	var lines [][]byte
	count := 0
	dispatch := func() bool {
		ev, ok := parseSSEEvent(lines)
		lines = lines[:0]
		if !ok {
			return true
		}
		count++
		log.Trace().Object("event", ev).Int("event_number", count).Msg("stream event")
		return send(ev)
	}

	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		} else if len(lines) > 0 {
			if !dispatch() {
				return
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == io.EOF {
				if len(lines) > 0 {
					dispatch()
				}
				log.Debug().Int("events", count).Msg("stream reader finished")
				return
			}
			log.Debug().Err(err).Int("events", count).Msg("stream read failed")
			send(StreamEvent{Type: StreamError, Error: err.Error()})
			return
		}
	}
}

// parseSSEEvent folds the field lines of one event. Events of unknown type
// and comment-only blocks are dropped.
func parseSSEEvent(lines [][]byte) (StreamEvent, bool) {
	var name string
	var data []byte
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			name = string(value)
		case "data":
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, value...)
		}
	}

	ev := StreamEvent{Type: StreamEventType(name)}
	switch ev.Type {
	case StreamStart, StreamDelta, StreamGaiaError, StreamError, StreamDone:
	default:
		log.Debug().Str("event", name).Msg("ignoring unknown stream event")
		return StreamEvent{}, false
	}

	if len(bytes.TrimSpace(data)) > 0 {
		var payload streamPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			if ev.Type == StreamDelta {
				// plain text deltas
				ev.Text = string(data)
				return ev, true
			}
			log.Debug().Err(err).Str("event", name).Msg("could not parse stream event data")
		}
		ev.OK = payload.OK
		ev.Model = payload.Model
		ev.Text = payload.Text
		ev.Error = firstNonEmpty(payload.Error, payload.Message)
	}
	return ev, true
}
