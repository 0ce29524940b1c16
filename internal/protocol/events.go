package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Server to client events.
const (
	EventMessageNew         = "message:new"
	EventMessageStatus      = "message:status"
	EventConversationTyping = "conversation:typing"
	EventAck                = "ack"
)

// Client to server commands.
const (
	CommandMessageSend       = "message:send"
	CommandMessageRead       = "message:read"
	CommandTypingStart       = "typing:start"
	CommandTypingStop        = "typing:stop"
	CommandMessageStar       = "message:star"
	CommandConversationClose = "conversation:close"
)

// Frame is one push channel message. Data holds the event-specific payload.
// A command that carries Ack is answered with an ack event echoing it.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   string          `json:"ack,omitempty"`
}

type AckPayload struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type MessageStatusPayload struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type SendCommand struct {
	InstanceID     string      `json:"instanceId"`
	ConversationID string      `json:"conversationId"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	MediaID        string      `json:"mediaId,omitempty"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
	IsInternal     bool        `json:"isInternal,omitempty"`
	IsForwarded    bool        `json:"isForwarded,omitempty"`
}

type ReadCommand struct {
	ConversationID string `json:"conversationId"`
}

// TypingCommand is shared by typing:start and typing:stop.
type TypingCommand struct {
	ConversationID string `json:"conversationId"`
}

type StarCommand struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Starred        bool   `json:"starred"`
}

type CloseCommand struct {
	ConversationID string `json:"conversationId"`
	InstanceID     string `json:"instanceId"`
}

// Encode validates payload against event and wraps it in a frame.
func Encode(event string, payload any) ([]byte, error) {
	return EncodeWithAck(event, payload, "")
}

func EncodeWithAck(event string, payload any, ack string) ([]byte, error) {
	if err := validate(event, payload); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data, Ack: ack})
}

// Decode parses a frame and returns its typed payload. The payload is a
// value of the matching struct (Message for message:new). Unknown event
// names return ErrUnknownEvent with the frame still populated.
func Decode(raw []byte) (Frame, any, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	frame.Event = strings.TrimSpace(frame.Event)

	var payload any
	var err error
	switch frame.Event {
	case EventMessageNew:
		payload, err = decodeAs[Message](frame.Data)
	case EventMessageStatus:
		payload, err = decodeAs[MessageStatusPayload](frame.Data)
	case EventConversationTyping:
		payload, err = decodeAs[TypingPayload](frame.Data)
	case EventAck:
		payload, err = decodeAs[AckPayload](frame.Data)
	case CommandMessageSend:
		payload, err = decodeAs[SendCommand](frame.Data)
	case CommandMessageRead:
		payload, err = decodeAs[ReadCommand](frame.Data)
	case CommandTypingStart, CommandTypingStop:
		payload, err = decodeAs[TypingCommand](frame.Data)
	case CommandMessageStar:
		payload, err = decodeAs[StarCommand](frame.Data)
	case CommandConversationClose:
		payload, err = decodeAs[CloseCommand](frame.Data)
	default:
		return frame, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
	if err != nil {
		return frame, nil, err
	}
	if err := validate(frame.Event, payload); err != nil {
		return frame, nil, err
	}
	return frame, payload, nil
}

func decodeAs[T any](data json.RawMessage) (T, error) {
	var out T
	if len(data) == 0 {
		return out, fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

func validate(event string, payload any) error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidPayload, event, field)
	}
	switch p := payload.(type) {
	case Message:
		if event != EventMessageNew {
			break
		}
		if strings.TrimSpace(p.ID) == "" {
			return missing("id")
		}
		if strings.TrimSpace(p.ConversationID) == "" {
			return missing("conversationId")
		}
		return nil
	case MessageStatusPayload:
		if event != EventMessageStatus {
			break
		}
		if strings.TrimSpace(p.MessageID) == "" {
			return missing("messageId")
		}
		return nil
	case TypingPayload:
		if event != EventConversationTyping {
			break
		}
		if strings.TrimSpace(p.ConversationID) == "" {
			return missing("conversationId")
		}
		return nil
	case AckPayload:
		if event != EventAck {
			break
		}
		if strings.TrimSpace(p.ID) == "" {
			return missing("id")
		}
		return nil
	case SendCommand:
		if event != CommandMessageSend {
			break
		}
		if strings.TrimSpace(p.InstanceID) == "" {
			return missing("instanceId")
		}
		if strings.TrimSpace(p.ConversationID) == "" {
			return missing("conversationId")
		}
		if !p.Type.Valid() {
			return fmt.Errorf("%w: unsupported message type %q", ErrInvalidPayload, p.Type)
		}
		return nil
	case ReadCommand:
		if event != CommandMessageRead {
			break
		}
		if strings.TrimSpace(p.ConversationID) == "" {
			return missing("conversationId")
		}
		return nil
	case TypingCommand:
		if event != CommandTypingStart && event != CommandTypingStop {
			break
		}
		if strings.TrimSpace(p.ConversationID) == "" {
			return missing("conversationId")
		}
		return nil
	case StarCommand:
		if event != CommandMessageStar {
			break
		}
		if strings.TrimSpace(p.MessageID) == "" {
			return missing("messageId")
		}
		return nil
	case CloseCommand:
		if event != CommandConversationClose {
			break
		}
		if strings.TrimSpace(p.ConversationID) == "" {
			return missing("conversationId")
		}
		return nil
	}
	return fmt.Errorf("%w: payload %T does not match event %q", ErrInvalidPayload, payload, event)
}
