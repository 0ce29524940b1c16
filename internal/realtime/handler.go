package realtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaydesk/internal/protocol"
	"github.com/agentworkforce/relaydesk/internal/relaydesk"
)

type Broadcaster interface {
	Broadcast(tenantID, event string, payload any, exceptConnID string) (int, error)
}

// InboxHandler applies agent commands to the shared inbox and fans the
// resulting events back out. Sends are recorded and echoed as message:new
// to every agent, the sender included.
type InboxHandler struct {
	inbox  *relaydesk.Inbox
	out    Broadcaster
	logger zerolog.Logger
}

func NewInboxHandler(inbox *relaydesk.Inbox, out Broadcaster, logger zerolog.Logger) *InboxHandler {
	return &InboxHandler{inbox: inbox, out: out, logger: logger}
}

func (h *InboxHandler) HandleCommand(ctx context.Context, cmd Command) error {
	tenantID := cmd.Agent.TenantID
	switch p := cmd.Payload.(type) {
	case protocol.SendCommand:
		return h.send(tenantID, cmd.Agent, p)
	case protocol.TypingCommand:
		_, err := h.out.Broadcast(tenantID, protocol.EventConversationTyping, protocol.TypingPayload{
			ConversationID: p.ConversationID,
			IsTyping:       cmd.Event == protocol.CommandTypingStart,
		}, cmd.ConnID)
		return err
	case protocol.ReadCommand:
		return h.inbox.MarkRead(tenantID, p.ConversationID)
	case protocol.StarCommand:
		_, err := h.inbox.SetStarred(tenantID, p.MessageID, p.Starred)
		return err
	case protocol.CloseCommand:
		if _, err := h.inbox.Close(tenantID, p.ConversationID); err != nil {
			return err
		}
		h.logger.Info().Str("tenant", tenantID).Str("conversation", p.ConversationID).Str("agent", cmd.Agent.Name).Msg("conversation closed")
		return nil
	default:
		return fmt.Errorf("%w: %s is not an agent command", protocol.ErrUnknownEvent, cmd.Event)
	}
}

func (h *InboxHandler) send(tenantID string, agent Agent, p protocol.SendCommand) error {
	content := p.Content
	if p.Type == protocol.MessageText && strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty text message", protocol.ErrInvalidPayload)
	}
	stored, err := h.inbox.Append(tenantID, protocol.Message{
		ConversationID: p.ConversationID,
		SenderName:     agent.Name,
		Type:           p.Type,
		Content:        content,
		MediaURL:       p.MediaURL,
		ReplyTo:        p.ReplyTo,
		IsForwarded:    p.IsForwarded,
		IsInternal:     p.IsInternal,
		IsFromMe:       true,
		InstanceID:     p.InstanceID,
	})
	if err != nil {
		return err
	}
	_, err = h.out.Broadcast(tenantID, protocol.EventMessageNew, stored, "")
	return err
}
