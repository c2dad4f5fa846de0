package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/go-go-golems/gaiachat/pkg/client"
	"github.com/go-go-golems/gaiachat/pkg/conversation"
)

var (
	userColor      = color.New(color.FgCyan, color.Bold)
	assistantColor = color.New(color.FgGreen, color.Bold)
	systemColor    = color.New(color.FgMagenta)
	dimColor       = color.New(color.Faint)
	pagerColor     = color.New(color.FgYellow)
	errorColor     = color.New(color.FgRed)
)

func roleColor(r conversation.Role) *color.Color {
	switch r {
	case conversation.RoleUser:
		return userColor
	case conversation.RoleAssistant:
		return assistantColor
	default:
		return systemColor
	}
}

// renderTranscript prints the visible messages. Each one is prefixed with
// the history index that edit and regenerate take.
func renderTranscript(w io.Writer, chat *conversation.Chat, entries []conversation.Entry) {
	_, _ = fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint(chat.Name), dimColor.Sprintf("(%s, %s)", chat.ID, chat.Model))
	for _, e := range entries {
		m := e.Message
		header := roleColor(m.Role).Sprintf("[%d] %s", e.Slot.Source, m.Role)
		if e.Pager != nil {
			header += " " + pagerColor.Sprintf("‹%d/%d›", e.Pager.Active, e.Pager.Total)
		}
		if m.Edited {
			header += dimColor.Sprint(" (edited)")
		}
		if m.AttachCount > 0 {
			names := make([]string, 0, len(m.Attachments))
			for _, a := range m.Attachments {
				names = append(names, a.Name)
			}
			header += dimColor.Sprintf(" [%d files: %s]", m.AttachCount, strings.Join(names, ", "))
		}
		if m.Meta != nil && m.Meta.Model != "" {
			header += dimColor.Sprintf(" · %s", m.Meta.Model)
		}
		_, _ = fmt.Fprintln(w, header)

		content := m.Content
		switch {
		case m.Deleted:
			content = dimColor.Sprint("(deleted)")
		case m.Pending && content == "":
			content = dimColor.Sprint("…")
		case strings.HasPrefix(content, "Error:"):
			content = errorColor.Sprint(content)
		}
		_, _ = fmt.Fprintln(w, content)
		if m.Meta != nil && m.Meta.SQL != "" {
			_, _ = fmt.Fprintln(w, dimColor.Sprintf("sql: %s", m.Meta.SQL))
		}
		_, _ = fmt.Fprintln(w)
	}
	if chat.Stats != nil {
		_, _ = fmt.Fprintln(w, dimColor.Sprintf("tokens in %d · out %d · total %d",
			chat.Stats.InTokens, chat.Stats.OutTokens, chat.Stats.TotalTokens))
	}
}

func renderReplyFooter(w io.Writer, r *client.Reply) {
	parts := []string{fmt.Sprintf("chat %s", r.ChatID), string(r.Mode)}
	if r.Model != "" {
		parts = append(parts, r.Model)
	}
	if r.Usage != nil {
		parts = append(parts, fmt.Sprintf("%d tokens", r.Usage.TotalTokens))
	}
	if r.Err != nil {
		_, _ = fmt.Fprintln(w, errorColor.Sprint(r.Err.Error()))
	}
	_, _ = fmt.Fprintln(w, dimColor.Sprint(strings.Join(parts, " · ")))
}
