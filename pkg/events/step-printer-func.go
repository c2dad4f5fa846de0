package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

// ReplyPrinterFunc returns a router handler that writes a reply as it
// arrives. With live set, partial deltas are printed; otherwise only the
// final content is. The name header is printed once.
func ReplyPrinterFunc(name string, w io.Writer, live bool) func(msg *message.Message) error {
	isFirst := true
	printed := false

	header := func() error {
		if isFirst && name != "" {
			isFirst = false
			if _, err := fmt.Fprintf(w, "\n%s: \n", name); err != nil {
				return err
			}
		}
		return nil
	}
	finish := func(text string) error {
		if err := header(); err != nil {
			return err
		}
		if !printed || !live {
			if _, err := fmt.Fprint(w, text); err != nil {
				return err
			}
		}
		if !strings.HasSuffix(text, "\n") {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		return nil
	}

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		switch p_ := e.(type) {
		case *EventPartialCompletion:
			if !live {
				break
			}
			if err := header(); err != nil {
				return err
			}
			printed = true
			if _, err := fmt.Fprint(w, p_.Delta); err != nil {
				return err
			}

		case *EventFinal:
			return finish(p_.Text)

		case *EventInterrupt:
			return finish(p_.Text)

		case *EventError:
			if live && printed {
				_, err := fmt.Fprintf(w, "\n[error] %s\n", p_.ErrorString)
				return err
			}
			return finish(p_.Text)

		case *EventInfo:
			if _, err := fmt.Fprintf(w, "\n[i] %s\n", p_.Message); err != nil {
				return err
			}
			if len(p_.Data) > 0 {
				v_, err := yaml.Marshal(p_.Data)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "%s", v_); err != nil {
					return err
				}
			}

		case *EventPartialCompletionStart:
		}

		return nil
	}
}
