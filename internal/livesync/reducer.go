// Package livesync keeps an agent's in-memory mirror of the tenant inbox in
// step with the push channel. All state changes go through Reduce; the
// Client binds it to a transport and a REST API.
package livesync

import (
	"time"

	"github.com/agentworkforce/relaydesk/internal/protocol"
)

// State is the live mirror. Values returned by Reduce share unchanged
// slices with their input, so treat them as immutable and use Clone before
// mutating.
type State struct {
	Connected     bool
	Conversations []protocol.Conversation
	Messages      map[string][]protocol.Message
	Typing        map[string]bool
	QuickMessages []protocol.QuickMessage
	Labels        []protocol.Label
	Selected      string
}

func (s State) UnreadTotal() int {
	total := 0
	for _, c := range s.Conversations {
		total += c.UnreadCount
	}
	return total
}

func (s State) Conversation(id string) (protocol.Conversation, bool) {
	if i := s.conversationIndex(id); i >= 0 {
		return s.Conversations[i], true
	}
	return protocol.Conversation{}, false
}

// FindMessage looks id up across every cached log.
func (s State) FindMessage(id string) (protocol.Message, bool) {
	for _, log := range s.Messages {
		for _, m := range log {
			if m.ID == id {
				return m, true
			}
		}
	}
	return protocol.Message{}, false
}

func (s State) Clone() State {
	out := s
	if s.Conversations != nil {
		out.Conversations = make([]protocol.Conversation, len(s.Conversations))
		for i, c := range s.Conversations {
			out.Conversations[i] = protocol.CloneConversation(c)
		}
	}
	if s.Messages != nil {
		out.Messages = make(map[string][]protocol.Message, len(s.Messages))
		for id, log := range s.Messages {
			out.Messages[id] = append([]protocol.Message(nil), log...)
		}
	}
	if s.Typing != nil {
		out.Typing = make(map[string]bool, len(s.Typing))
		for id, v := range s.Typing {
			out.Typing[id] = v
		}
	}
	if s.QuickMessages != nil {
		out.QuickMessages = make([]protocol.QuickMessage, len(s.QuickMessages))
		for i, q := range s.QuickMessages {
			q.Variables = append([]string(nil), q.Variables...)
			out.QuickMessages[i] = q
		}
	}
	if s.Labels != nil {
		out.Labels = append([]protocol.Label(nil), s.Labels...)
	}
	return out
}

func (s State) conversationIndex(id string) int {
	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			return i
		}
	}
	return -1
}

type Event interface{ isEvent() }

type (
	Connected struct{}
	// ConnectionLost is a transient drop. The mirror is kept for the
	// reconnect.
	ConnectionLost struct{}
	// Disconnected is the final teardown. The mirror is discarded.
	Disconnected struct{}

	MessageNew struct {
		Message protocol.Message
		// ReceivedAt becomes the conversation's UpdatedAt. Zero falls back
		// to the message timestamp.
		ReceivedAt time.Time
	}
	MessageStatus struct {
		MessageID string
		Status    protocol.MessageStatus
	}
	Typing struct {
		ConversationID string
		IsTyping       bool
	}

	ConversationsLoaded struct{ Conversations []protocol.Conversation }
	MessagesLoaded      struct {
		ConversationID string
		Messages       []protocol.Message
	}
	QuickMessagesLoaded struct{ Templates []protocol.QuickMessage }
	LabelsLoaded        struct{ Labels []protocol.Label }

	ConversationSelected struct{ ConversationID string }
	MarkedRead           struct{ ConversationID string }
	ArchiveAcked         struct {
		ConversationID string
		Archived       bool
	}
	PinAcked struct {
		ConversationID string
		Pinned         bool
	}
	LabelsAcked struct {
		ConversationID string
		LabelIDs       []string
	}
	StarToggled struct {
		ConversationID string
		MessageID      string
		Starred        bool
	}
)

func (Connected) isEvent()            {}
func (ConnectionLost) isEvent()       {}
func (Disconnected) isEvent()         {}
func (MessageNew) isEvent()           {}
func (MessageStatus) isEvent()        {}
func (Typing) isEvent()               {}
func (ConversationsLoaded) isEvent()  {}
func (MessagesLoaded) isEvent()       {}
func (QuickMessagesLoaded) isEvent()  {}
func (LabelsLoaded) isEvent()         {}
func (ConversationSelected) isEvent() {}
func (MarkedRead) isEvent()           {}
func (ArchiveAcked) isEvent()         {}
func (PinAcked) isEvent()             {}
func (LabelsAcked) isEvent()          {}
func (StarToggled) isEvent()          {}

type Effect interface{ isEffect() }

type (
	// ReloadConversations asks for the conversation list to be fetched
	// again. Full also refreshes quick messages and labels.
	ReloadConversations struct{ Full bool }
	Notify              struct{ Title, Body, Icon string }
	Badge               struct{ Count int }
)

func (ReloadConversations) isEffect() {}
func (Notify) isEffect()              {}
func (Badge) isEffect()               {}

const fallbackNotifyTitle = "Nova mensagem"

// Reduce applies ev to s and returns the next state with the side effects
// the caller should run. s is never modified.
func Reduce(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case Connected:
		s.Connected = true
		return s, []Effect{ReloadConversations{Full: true}}

	case ConnectionLost:
		s.Connected = false
		return s, nil

	case Disconnected:
		return State{}, []Effect{Badge{Count: 0}}

	case ConversationsLoaded:
		list := make([]protocol.Conversation, len(e.Conversations))
		for i, c := range e.Conversations {
			list[i] = protocol.CloneConversation(c)
		}
		protocol.SortConversations(list)
		s.Conversations = list
		return s, badge(s)

	case MessagesLoaded:
		s.Messages = withLog(s.Messages, e.ConversationID, append([]protocol.Message(nil), e.Messages...))
		return s, nil

	case QuickMessagesLoaded:
		s.QuickMessages = append([]protocol.QuickMessage(nil), e.Templates...)
		return s, nil

	case LabelsLoaded:
		s.Labels = append([]protocol.Label(nil), e.Labels...)
		return s, nil

	case MessageNew:
		return reduceMessageNew(s, e)

	case MessageStatus:
		return reduceMessageStatus(s, e), nil

	case Typing:
		typing := make(map[string]bool, len(s.Typing)+1)
		for id, v := range s.Typing {
			typing[id] = v
		}
		typing[e.ConversationID] = e.IsTyping
		s.Typing = typing
		return s, nil

	case ConversationSelected:
		s.Selected = e.ConversationID
		if next, ok := patchConversation(s, e.ConversationID, func(c *protocol.Conversation) {
			c.UnreadCount = 0
		}); ok {
			return next, badge(next)
		}
		return s, nil

	case MarkedRead:
		if next, ok := patchConversation(s, e.ConversationID, func(c *protocol.Conversation) {
			c.UnreadCount = 0
		}); ok {
			return next, badge(next)
		}
		return s, nil

	case ArchiveAcked:
		if next, ok := patchConversation(s, e.ConversationID, func(c *protocol.Conversation) {
			c.IsArchived = e.Archived
		}); ok {
			return next, badge(next)
		}
		return s, nil

	case PinAcked:
		next, ok := patchConversation(s, e.ConversationID, func(c *protocol.Conversation) {
			c.IsPinned = e.Pinned
		})
		if !ok {
			return s, nil
		}
		protocol.SortConversations(next.Conversations)
		return next, badge(next)

	case LabelsAcked:
		labels := labelsByID(s.Labels, e.LabelIDs)
		if next, ok := patchConversation(s, e.ConversationID, func(c *protocol.Conversation) {
			c.Labels = labels
		}); ok {
			return next, badge(next)
		}
		return s, nil

	case StarToggled:
		log, ok := s.Messages[e.ConversationID]
		if !ok {
			return s, nil
		}
		patched := append([]protocol.Message(nil), log...)
		for i := range patched {
			if patched[i].ID == e.MessageID {
				patched[i].IsStarred = e.Starred
			}
		}
		s.Messages = withLog(s.Messages, e.ConversationID, patched)
		return s, nil
	}
	return s, nil
}

func reduceMessageNew(s State, e MessageNew) (State, []Effect) {
	msg := e.Message
	convID := msg.ConversationID
	if _, seen := s.FindMessage(msg.ID); seen {
		return s, nil
	}
	log := s.Messages[convID]
	grown := make([]protocol.Message, len(log), len(log)+1)
	copy(grown, log)
	s.Messages = withLog(s.Messages, convID, append(grown, msg))

	idx := s.conversationIndex(convID)
	if idx < 0 {
		return s, []Effect{ReloadConversations{}}
	}

	updatedAt := e.ReceivedAt
	if updatedAt.IsZero() {
		updatedAt = msg.Timestamp
	}
	selected := s.Selected == convID
	s, _ = patchConversation(s, convID, func(c *protocol.Conversation) {
		last := msg
		c.LastMessage = &last
		if selected {
			c.UnreadCount = 0
		} else {
			c.UnreadCount++
		}
		if !updatedAt.IsZero() {
			c.UpdatedAt = updatedAt
		}
	})
	protocol.SortConversations(s.Conversations)

	var effects []Effect
	if !msg.IsFromMe && !selected {
		conv, _ := s.Conversation(convID)
		title := conv.Name
		if title == "" {
			title = msg.SenderName
		}
		if title == "" {
			title = fallbackNotifyTitle
		}
		effects = append(effects, Notify{Title: title, Body: protocol.Preview(msg), Icon: conv.ProfilePicture})
	}
	return s, append(effects, badge(s)...)
}

// reduceMessageStatus patches every cached copy of the message. A status
// for an id that is not cached is dropped.
func reduceMessageStatus(s State, e MessageStatus) State {
	var messages map[string][]protocol.Message
	for convID, log := range s.Messages {
		for i := range log {
			if log[i].ID != e.MessageID {
				continue
			}
			next := log[i].Status.Advance(e.Status)
			if next == log[i].Status {
				continue
			}
			if messages == nil {
				messages = copyLogs(s.Messages)
			}
			patched := append([]protocol.Message(nil), messages[convID]...)
			patched[i].Status = next
			messages[convID] = patched
		}
	}
	if messages == nil {
		return s
	}
	s.Messages = messages
	for _, conv := range s.Conversations {
		if conv.LastMessage != nil && conv.LastMessage.ID == e.MessageID {
			s, _ = patchConversation(s, conv.ID, func(c *protocol.Conversation) {
				last := *c.LastMessage
				last.Status = last.Status.Advance(e.Status)
				c.LastMessage = &last
			})
			break
		}
	}
	return s
}

// patchConversation copies the conversation list and applies fn to the
// entry with id. It reports false when id is unknown.
func patchConversation(s State, id string, fn func(*protocol.Conversation)) (State, bool) {
	idx := s.conversationIndex(id)
	if idx < 0 {
		return s, false
	}
	list := append([]protocol.Conversation(nil), s.Conversations...)
	fn(&list[idx])
	s.Conversations = list
	return s, true
}

func withLog(logs map[string][]protocol.Message, id string, log []protocol.Message) map[string][]protocol.Message {
	out := copyLogs(logs)
	out[id] = log
	return out
}

func copyLogs(logs map[string][]protocol.Message) map[string][]protocol.Message {
	out := make(map[string][]protocol.Message, len(logs)+1)
	for id, log := range logs {
		out[id] = log
	}
	return out
}

// labelsByID resolves ids against the label catalogue, in catalogue order.
func labelsByID(catalogue []protocol.Label, ids []string) []protocol.Label {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]protocol.Label, 0, len(ids))
	for _, l := range catalogue {
		if _, ok := want[l.ID]; ok {
			out = append(out, l)
		}
	}
	return out
}

func badge(s State) []Effect {
	return []Effect{Badge{Count: s.UnreadTotal()}}
}
