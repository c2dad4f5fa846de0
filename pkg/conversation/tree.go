package conversation

import (
	"github.com/pkg/errors"
)

var (
	ErrIndexOutOfRange  = errors.New("message index out of range")
	ErrNotUserMessage   = errors.New("only user messages can be edited")
	ErrNotAssistant     = errors.New("only assistant messages can be regenerated")
	ErrNoPrecedingUser  = errors.New("no user message precedes this reply")
	ErrNoBranch         = errors.New("chat has no branch to cycle")
	ErrInvalidBranchTag = errors.New("branch state does not match history")
)

// Fork describes a newly created version of a branch.
//
// InsertIndex is the history slot where the first message of the new version
// goes. For an edit that is the new user message; for a regenerate it is the
// new assistant reply.
type Fork struct {
	Anchor      int
	Version     int
	InsertIndex int
}

// AnchorOf resolves the branch anchor for a history slot: a message that is
// itself an alternate points at its stored anchor, never at its own index.
func AnchorOf(history []Message, index int) (int, error) {
	if index < 0 || index >= len(history) {
		return 0, errors.Wrapf(ErrIndexOutOfRange, "index %d (history has %d messages)", index, len(history))
	}
	if a := history[index].BranchOf; a != nil {
		if *a < 0 || *a >= len(history) {
			return 0, errors.Wrapf(ErrInvalidBranchTag, "message %d points at anchor %d", index, *a)
		}
		return *a, nil
	}
	return index, nil
}

// ForkVersion mints a new version for the branch anchored at the message at
// `index` and returns the updated branch state without touching history.
//
// Editing an anchor the current branch state does not target replaces it with
// a fresh {anchor, 2, 2}: only one branch context exists per chat.
func ForkVersion(history []Message, branch *BranchState, index int) (*BranchState, Fork, error) {
	anchor, err := AnchorOf(history, index)
	if err != nil {
		return nil, Fork{}, err
	}

	var next BranchState
	if branch != nil && branch.Anchor == anchor {
		next = *branch
		next.Total++
		next.Active = next.Total
	} else {
		next = BranchState{Anchor: anchor, Active: 2, Total: 2}
	}

	return &next, Fork{
		Anchor:      anchor,
		Version:     next.Active,
		InsertIndex: insertionPoint(history, anchor),
	}, nil
}

// insertionPoint is right after the last alternate of the anchor, or right
// after the anchor when it has none yet. This keeps each version's messages
// contiguous.
func insertionPoint(history []Message, anchor int) int {
	last := anchor
	for i := anchor + 1; i < len(history); i++ {
		if history[i].TaggedWith(anchor) {
			last = i
		}
	}
	return last + 1
}

// InsertAt splices msg into history at index and returns the new history.
func InsertAt(history []Message, index int, msg Message) []Message {
	if index >= len(history) {
		return append(history, msg)
	}
	if index < 0 {
		index = 0
	}
	history = append(history, Message{})
	copy(history[index+1:], history[index:])
	history[index] = msg
	return history
}

// Edit forks a new version of the chat's branch with `text` as the new user
// turn. The new user message is inserted into the chat's history and the
// chat's branch state is replaced.
func Edit(chat *Chat, index int, text string) (Fork, error) {
	if index < 0 || index >= len(chat.History) {
		return Fork{}, errors.Wrapf(ErrIndexOutOfRange, "index %d (history has %d messages)", index, len(chat.History))
	}
	if chat.History[index].Role != RoleUser {
		return Fork{}, errors.Wrapf(ErrNotUserMessage, "message %d is %s", index, chat.History[index].Role)
	}

	branch, fork, err := ForkVersion(chat.History, chat.Branch, index)
	if err != nil {
		return Fork{}, err
	}

	msg := NewUserMessage(text,
		WithBranchTag(fork.Anchor, fork.Version),
		WithEdited(),
		WithForkOf(chat.History[index].ID),
	)
	chat.History = InsertAt(chat.History, fork.InsertIndex, msg)
	chat.Branch = branch
	return fork, nil
}

// Regenerate forks a new assistant-only version for the reply at
// `assistantIndex`. The nearest preceding user message is the edit target
// with unchanged text; no user message is added. It returns the fork and the
// index of that user message. The reply inserted at fork.InsertIndex must
// carry WithForkOf with that message's id so the version shows the question
// it answers.
func Regenerate(chat *Chat, assistantIndex int) (Fork, int, error) {
	if assistantIndex < 0 || assistantIndex >= len(chat.History) {
		return Fork{}, 0, errors.Wrapf(ErrIndexOutOfRange, "index %d (history has %d messages)", assistantIndex, len(chat.History))
	}
	if chat.History[assistantIndex].Role != RoleAssistant {
		return Fork{}, 0, errors.Wrapf(ErrNotAssistant, "message %d is %s", assistantIndex, chat.History[assistantIndex].Role)
	}

	userIndex := precedingUser(chat, assistantIndex)
	if userIndex < 0 {
		return Fork{}, 0, errors.Wrapf(ErrNoPrecedingUser, "message %d", assistantIndex)
	}

	branch, fork, err := ForkVersion(chat.History, chat.Branch, userIndex)
	if err != nil {
		return Fork{}, 0, err
	}
	chat.Branch = branch
	return fork, userIndex, nil
}

// precedingUser walks back through the visible sequence so that a hidden
// alternate is never picked up as the question. Replies that are not visible
// fall back to a raw scan of the history.
func precedingUser(chat *Chat, assistantIndex int) int {
	slots := VisibleSequence(chat.History, chat.Branch)
	pos := -1
	for i, s := range slots {
		if s.Index == assistantIndex {
			pos = i
			break
		}
	}
	if pos >= 0 {
		for i := pos - 1; i >= 0; i-- {
			m := &chat.History[slots[i].Source]
			if m.Role == RoleUser && !m.Deleted {
				return slots[i].Source
			}
		}
		return -1
	}
	for i := assistantIndex - 1; i >= 0; i-- {
		if chat.History[i].Role == RoleUser && !chat.History[i].Deleted {
			return i
		}
	}
	return -1
}

// Cycle advances the active version with wraparound: 1→2→…→N→1.
func Cycle(branch *BranchState) (*BranchState, error) {
	if branch == nil || branch.Total < 1 {
		return nil, ErrNoBranch
	}
	next := *branch
	if next.Active < 1 || next.Active > next.Total {
		next.Active = 1
		return &next, nil
	}
	next.Active = (next.Active % next.Total) + 1
	return &next, nil
}

// Slot is one visible position of a reconstructed history. Index is the slot
// being rendered and Source is the message whose content fills it; they only
// differ at the anchor of an alternate version.
type Slot struct {
	Index  int
	Source int
}

// VisibleSequence derives which history slots are visible for the given
// branch state. It is a pure function of its inputs.
//
// Version 1 is the untagged timeline. A later version is the part of the
// version it forked from up to the forked turn, followed by its own tagged
// messages. An edit of the turn shown at the anchor takes the anchor slot; a
// regenerated reply follows the turn it answers.
func VisibleSequence(history []Message, branch *BranchState) []Slot {
	if branch == nil || branch.Anchor < 0 || branch.Anchor >= len(history) {
		ret := make([]Slot, 0, len(history))
		for i := range history {
			ret = append(ret, Slot{Index: i, Source: i})
		}
		return ret
	}

	active := branch.Active
	if active < 1 || active > branch.Total {
		active = 1
	}
	return versionSequence(history, branch.Anchor, active)
}

func versionSequence(history []Message, anchor int, version int) []Slot {
	ret := make([]Slot, 0, len(history))
	if version == 1 {
		for i := range history {
			if i > anchor && history[i].TaggedWith(anchor) {
				continue
			}
			ret = append(ret, Slot{Index: i, Source: i})
		}
		return ret
	}

	opening := -1
	for i := anchor + 1; i < len(history); i++ {
		if history[i].InVersion(anchor, version) {
			opening = i
			break
		}
	}

	prefix, at := forkPoint(history, anchor, version, opening)
	ret = append(ret, prefix...)

	skip := -1
	if opening >= 0 && history[opening].Role == RoleUser {
		if at.Index == anchor {
			ret = append(ret, Slot{Index: anchor, Source: opening})
			skip = opening
		}
	} else {
		ret = append(ret, at)
	}

	for i := anchor + 1; i < len(history); i++ {
		if i != skip && history[i].InVersion(anchor, version) {
			ret = append(ret, Slot{Index: i, Source: i})
		}
	}
	return ret
}

// forkPoint returns the slots a version inherits and the slot of the turn it
// forks at. Versions without a usable fork record fork at the anchor of
// version 1.
func forkPoint(history []Message, anchor int, version int, opening int) ([]Slot, Slot) {
	atAnchor := func() ([]Slot, Slot) {
		prefix := make([]Slot, 0, anchor)
		for i := 0; i < anchor; i++ {
			prefix = append(prefix, Slot{Index: i, Source: i})
		}
		return prefix, Slot{Index: anchor, Source: anchor}
	}

	if opening < 0 || history[opening].ForkOf == "" {
		return atAnchor()
	}
	forked := -1
	for i := range history {
		if history[i].ID == history[opening].ForkOf {
			forked = i
			break
		}
	}
	if forked < 0 || forked == anchor {
		return atAnchor()
	}

	base := 1
	if m := &history[forked]; m.BranchOf != nil {
		if *m.BranchOf != anchor || m.BranchVersion == nil {
			return atAnchor()
		}
		base = *m.BranchVersion
	}
	// versions only fork from older ones
	if base < 1 || base >= version {
		return atAnchor()
	}

	slots := versionSequence(history, anchor, base)
	for i, s := range slots {
		if s.Source == forked {
			return slots[:i], s
		}
	}
	return atAnchor()
}

// Indices flattens a visible sequence into the slot indices.
func Indices(slots []Slot) []int {
	ret := make([]int, len(slots))
	for i, s := range slots {
		ret[i] = s.Index
	}
	return ret
}

// SlotOf returns the visible slot a history message is rendered at, or the
// message's own index when it is not visible.
func SlotOf(history []Message, branch *BranchState, source int) int {
	for _, s := range VisibleSequence(history, branch) {
		if s.Source == source {
			return s.Index
		}
	}
	return source
}
