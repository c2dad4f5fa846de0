package api

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const excerptRunes = 200

// ProtocolError is a response the client could not make sense of: a body
// that is not JSON, or an error status without any message.
type ProtocolError struct {
	StatusCode int
	Excerpt    string
}

func newProtocolError(status int, body []byte) *ProtocolError {
	return &ProtocolError{StatusCode: status, Excerpt: excerpt(body)}
}

func (e *ProtocolError) Error() string {
	if e.Excerpt == "" {
		return fmt.Sprintf("unexpected response from server (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("unexpected response from server (HTTP %d): %s", e.StatusCode, e.Excerpt)
}

// ApplicationError is a well-formed {ok:false} answer of the service.
type ApplicationError struct {
	StatusCode int
	Message    string
}

func (e *ApplicationError) Error() string {
	return e.Message
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "?")
	}
	if utf8.RuneCountInString(s) <= excerptRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:excerptRunes]) + "…"
}

// firstNonEmpty picks the service's error text, which it sends under
// different keys depending on the endpoint.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
