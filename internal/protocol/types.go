// Package protocol defines the push channel contract shared by the realtime
// hub and the live sync client: the domain shapes carried on the wire, the
// event and command names, and the frame codec.
package protocol

import "time"

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageDocument, MessageSticker:
		return true
	}
	return false
}

type ConversationType string

const (
	ConversationIndividual ConversationType = "individual"
	ConversationGroup      ConversationType = "group"
)

// StatusLevel orders delivery states. A message only ever moves forward.
type StatusLevel int

const (
	StatusNone StatusLevel = iota
	StatusSent
	StatusDelivered
	StatusRead
)

// MessageStatus is the wire form of a delivery state: cumulative flags,
// so a read message is also delivered and sent.
type MessageStatus struct {
	Sent      bool `json:"sent"`
	Delivered bool `json:"delivered"`
	Read      bool `json:"read"`
}

func (s MessageStatus) Level() StatusLevel {
	switch {
	case s.Read:
		return StatusRead
	case s.Delivered:
		return StatusDelivered
	case s.Sent:
		return StatusSent
	default:
		return StatusNone
	}
}

// StatusAt returns the cumulative wire status for level.
func StatusAt(level StatusLevel) MessageStatus {
	return MessageStatus{
		Sent:      level >= StatusSent,
		Delivered: level >= StatusDelivered,
		Read:      level >= StatusRead,
	}
}

// Advance returns the later of s and next. Regressions are ignored.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next.Level() > s.Level() {
		return StatusAt(next.Level())
	}
	return s
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId,omitempty"`
	SenderName     string        `json:"senderName,omitempty"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	IsForwarded    bool          `json:"isForwarded,omitempty"`
	IsInternal     bool          `json:"isInternal,omitempty"`
	Status         MessageStatus `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	IsFromMe       bool          `json:"isFromMe"`
	IsStarred      bool          `json:"isStarred,omitempty"`
	InstanceID     string        `json:"instanceId,omitempty"`
}

type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type QuickMessage struct {
	ID        string   `json:"id"`
	Shortcut  string   `json:"shortcut"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Variables []string `json:"variables,omitempty"`
}

type Conversation struct {
	ID             string           `json:"id"`
	Type           ConversationType `json:"type"`
	Name           string           `json:"name"`
	Phone          string           `json:"phoneNumber,omitempty"`
	ProfilePicture string           `json:"profilePicture,omitempty"`
	LastMessage    *Message         `json:"lastMessage,omitempty"`
	UnreadCount    int              `json:"unreadCount"`
	IsArchived     bool             `json:"isArchived"`
	IsPinned       bool             `json:"isPinned"`
	Labels         []Label          `json:"labels"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}
