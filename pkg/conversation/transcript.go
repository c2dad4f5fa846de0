package conversation

import "strings"

// Turn is the role/content pair sent to the remote service as history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Entry is one rendered position of a chat: the message shown at a visible
// slot, plus the pager state when the slot is the branch anchor.
type Entry struct {
	Slot    Slot
	Message Message
	// Pager is set on the anchor slot only.
	Pager *BranchState
}

// Transcript projects a chat onto what a rendering surface shows. Deleted
// messages are skipped, except at the anchor slot: that entry carries the
// pager and is kept with Message.Deleted set.
func Transcript(chat *Chat) []Entry {
	slots := VisibleSequence(chat.History, chat.Branch)
	ret := make([]Entry, 0, len(slots))
	for _, s := range slots {
		m := chat.History[s.Source]
		anchor := chat.Branch != nil && s.Index == chat.Branch.Anchor
		if m.Deleted && !anchor {
			continue
		}
		e := Entry{Slot: s, Message: m}
		if anchor {
			pager := *chat.Branch
			e.Pager = &pager
		}
		ret = append(ret, e)
	}
	return ret
}

// OutgoingHistory builds the compact history sent with a request: visible
// slots strictly before `before`, without deleted messages, unfinished
// placeholders or empty contents, trimmed to the last `window` entries.
// A negative `before` means the whole history; window <= 0 disables trimming.
func OutgoingHistory(history []Message, branch *BranchState, before int, window int) []Turn {
	ret := []Turn{}
	for _, s := range VisibleSequence(history, branch) {
		if before >= 0 && s.Index >= before {
			break
		}
		m := &history[s.Source]
		if m.Deleted || m.Pending {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		ret = append(ret, Turn{Role: string(m.Role), Content: text})
	}
	if window > 0 && len(ret) > window {
		ret = ret[len(ret)-window:]
	}
	return ret
}
