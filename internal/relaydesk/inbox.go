package relaydesk

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydesk/internal/clock"
	"github.com/agentworkforce/relaydesk/internal/protocol"
)

var conversationNamespace = uuid.MustParse("6f1c7a52-3d0e-4c1b-9a57-2f4e8d1b6c30")

// ConversationIDFor derives a stable conversation id for an end-user so that
// every replica files the same phone under the same conversation.
func ConversationIDFor(tenantID, phone string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(tenantID+"\x00"+phone)).String()
}

// Inbox is the in-process read model of conversations and messages served
// to agents. It is rebuilt from traffic after a restart.
type Inbox struct {
	mu      sync.RWMutex
	clock   clock.Clock
	tenants map[string]*tenantInbox
}

type tenantInbox struct {
	conversations map[string]*protocol.Conversation
	messages      map[string][]protocol.Message
	messageConv   map[string]string
	labels        map[string]protocol.Label
	labelOrder    []string
	quickMessages []protocol.QuickMessage
}

func NewInbox(clk clock.Clock) *Inbox {
	return &Inbox{clock: clock.OrReal(clk), tenants: map[string]*tenantInbox{}}
}

func (i *Inbox) tenantLocked(tenantID string) *tenantInbox {
	t, ok := i.tenants[tenantID]
	if !ok {
		t = &tenantInbox{
			conversations: map[string]*protocol.Conversation{},
			messages:      map[string][]protocol.Message{},
			messageConv:   map[string]string{},
			labels:        map[string]protocol.Label{},
		}
		i.tenants[tenantID] = t
	}
	return t
}

// EnsureConversation returns the conversation for an end-user phone,
// creating it when missing.
func (i *Inbox) EnsureConversation(tenantID, phone, name string) protocol.Conversation {
	i.mu.Lock()
	defer i.mu.Unlock()
	t := i.tenantLocked(tenantID)
	id := ConversationIDFor(tenantID, phone)
	conv, ok := t.conversations[id]
	if !ok {
		if strings.TrimSpace(name) == "" {
			name = phone
		}
		conv = &protocol.Conversation{
			ID:        id,
			Type:      protocol.ConversationIndividual,
			Name:      name,
			Phone:     phone,
			Labels:    []protocol.Label{},
			UpdatedAt: i.clock.Now(),
		}
		t.conversations[id] = conv
	}
	return protocol.CloneConversation(*conv)
}

// Append stores msg in its conversation. Messages not sent by an agent
// raise the unread count by one. A duplicate message id is ignored.
func (i *Inbox) Append(tenantID string, msg protocol.Message) (protocol.Message, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t := i.tenantLocked(tenantID)
	conv, ok := t.conversations[msg.ConversationID]
	if !ok {
		return protocol.Message{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	if _, dup := t.messageConv[msg.ID]; dup {
		return msg, fmt.Errorf("message %s: %w", msg.ID, ErrDuplicate)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = i.clock.Now()
	}
	if msg.Status.Level() == protocol.StatusNone {
		msg.Status = protocol.StatusAt(protocol.StatusSent)
	}
	t.messages[msg.ConversationID] = append(t.messages[msg.ConversationID], msg)
	t.messageConv[msg.ID] = msg.ConversationID
	last := msg
	conv.LastMessage = &last
	conv.UpdatedAt = msg.Timestamp
	if !msg.IsFromMe {
		conv.UnreadCount++
	}
	return msg, nil
}

// HasMessage reports whether messageID is already stored for the tenant.
func (i *Inbox) HasMessage(tenantID, messageID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.tenants[tenantID]
	if !ok {
		return false
	}
	_, found := t.messageConv[messageID]
	return found
}

func (i *Inbox) Conversations(tenantID string) []protocol.Conversation {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.tenants[tenantID]
	if !ok {
		return []protocol.Conversation{}
	}
	out := make([]protocol.Conversation, 0, len(t.conversations))
	for _, conv := range t.conversations {
		out = append(out, protocol.CloneConversation(*conv))
	}
	protocol.SortConversations(out)
	return out
}

func (i *Inbox) Conversation(tenantID, conversationID string) (protocol.Conversation, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	conv, err := i.conversationLocked(tenantID, conversationID)
	if err != nil {
		return protocol.Conversation{}, err
	}
	return protocol.CloneConversation(*conv), nil
}

func (i *Inbox) Messages(tenantID, conversationID string) ([]protocol.Message, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if _, err := i.conversationLocked(tenantID, conversationID); err != nil {
		return nil, err
	}
	return append([]protocol.Message{}, i.tenants[tenantID].messages[conversationID]...), nil
}

func (i *Inbox) MarkRead(tenantID, conversationID string) error {
	return i.updateConversation(tenantID, conversationID, func(c *protocol.Conversation) {
		c.UnreadCount = 0
	})
}

func (i *Inbox) SetArchived(tenantID, conversationID string, archived bool) (protocol.Conversation, error) {
	var out protocol.Conversation
	err := i.updateConversation(tenantID, conversationID, func(c *protocol.Conversation) {
		c.IsArchived = archived
		out = protocol.CloneConversation(*c)
	})
	return out, err
}

func (i *Inbox) SetPinned(tenantID, conversationID string, pinned bool) (protocol.Conversation, error) {
	var out protocol.Conversation
	err := i.updateConversation(tenantID, conversationID, func(c *protocol.Conversation) {
		c.IsPinned = pinned
		out = protocol.CloneConversation(*c)
	})
	return out, err
}

// SetLabels replaces the conversation's labels. Unknown label ids fail the
// whole call.
func (i *Inbox) SetLabels(tenantID, conversationID string, labelIDs []string) (protocol.Conversation, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	conv, err := i.conversationLocked(tenantID, conversationID)
	if err != nil {
		return protocol.Conversation{}, err
	}
	t := i.tenants[tenantID]
	labels := make([]protocol.Label, 0, len(labelIDs))
	for _, id := range labelIDs {
		label, ok := t.labels[id]
		if !ok {
			return protocol.Conversation{}, fmt.Errorf("label %s: %w", id, ErrNotFound)
		}
		labels = append(labels, label)
	}
	conv.Labels = labels
	return protocol.CloneConversation(*conv), nil
}

// Close ends the attendance: the conversation is archived and read.
func (i *Inbox) Close(tenantID, conversationID string) (protocol.Conversation, error) {
	var out protocol.Conversation
	err := i.updateConversation(tenantID, conversationID, func(c *protocol.Conversation) {
		c.IsArchived = true
		c.UnreadCount = 0
		out = protocol.CloneConversation(*c)
	})
	return out, err
}

func (i *Inbox) SetStarred(tenantID, messageID string, starred bool) (protocol.Message, error) {
	var out protocol.Message
	err := i.updateMessage(tenantID, messageID, func(m *protocol.Message) {
		m.IsStarred = starred
		out = *m
	})
	return out, err
}

// UpdateStatus moves a message's delivery status forward. Regressions are
// ignored and reported as unchanged.
func (i *Inbox) UpdateStatus(tenantID, messageID string, status protocol.MessageStatus) (protocol.Message, bool, error) {
	var (
		out     protocol.Message
		changed bool
	)
	err := i.updateMessage(tenantID, messageID, func(m *protocol.Message) {
		next := m.Status.Advance(status)
		changed = next != m.Status
		m.Status = next
		out = *m
	})
	return out, changed, err
}

func (i *Inbox) Labels(tenantID string) []protocol.Label {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.tenants[tenantID]
	if !ok {
		return []protocol.Label{}
	}
	out := make([]protocol.Label, 0, len(t.labelOrder))
	for _, id := range t.labelOrder {
		out = append(out, t.labels[id])
	}
	return out
}

// PutLabel adds or replaces a label in the tenant catalog.
func (i *Inbox) PutLabel(tenantID string, label protocol.Label) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t := i.tenantLocked(tenantID)
	if _, exists := t.labels[label.ID]; !exists {
		t.labelOrder = append(t.labelOrder, label.ID)
	}
	t.labels[label.ID] = label
}

func (i *Inbox) QuickMessages(tenantID string) []protocol.QuickMessage {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.tenants[tenantID]
	if !ok {
		return []protocol.QuickMessage{}
	}
	return append([]protocol.QuickMessage{}, t.quickMessages...)
}

func (i *Inbox) SetQuickMessages(tenantID string, templates []protocol.QuickMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tenantLocked(tenantID).quickMessages = append([]protocol.QuickMessage(nil), templates...)
}

func (i *Inbox) conversationLocked(tenantID, conversationID string) (*protocol.Conversation, error) {
	t, ok := i.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	conv, ok := t.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return conv, nil
}

func (i *Inbox) updateConversation(tenantID, conversationID string, fn func(*protocol.Conversation)) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	conv, err := i.conversationLocked(tenantID, conversationID)
	if err != nil {
		return err
	}
	fn(conv)
	return nil
}

func (i *Inbox) updateMessage(tenantID, messageID string, fn func(*protocol.Message)) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.tenants[tenantID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	convID, ok := t.messageConv[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	log := t.messages[convID]
	for idx := range log {
		if log[idx].ID != messageID {
			continue
		}
		fn(&log[idx])
		if conv := t.conversations[convID]; conv.LastMessage != nil && conv.LastMessage.ID == messageID {
			last := log[idx]
			conv.LastMessage = &last
		}
		return nil
	}
	return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
}
