package livesync

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaydesk/internal/clock"
	"github.com/agentworkforce/relaydesk/internal/protocol"
)

const defaultQueueSize = 256

// Notifier receives the Notify and Badge effects.
type Notifier interface {
	Notify(title, body, icon string)
	UpdateBadge(count int)
}

type ClientOptions struct {
	InstanceID string
	API        RemoteAPI
	Channel    Channel
	Notifier   Notifier
	Clock      clock.Clock
	Logger     zerolog.Logger
	QueueSize  int
}

// SendOptions are the optional fields of a text or media send.
type SendOptions struct {
	Type       protocol.MessageType
	MediaID    string
	MediaURL   string
	ReplyTo    string
	IsInternal bool
}

// MediaUpload describes a file already uploaded to the media store.
type MediaUpload struct {
	ID           string
	URL          string
	MimeType     string
	OriginalName string
}

// Client owns the live mirror. A single goroutine started by Run drains
// one queue that carries transport items, command bodies and command
// completions, so no two handlers ever interleave. Network calls run off
// that goroutine and post their results back through the queue.
type Client struct {
	instanceID string
	api        RemoteAPI
	channel    Channel
	notifier   Notifier
	clock      clock.Clock
	logger     zerolog.Logger

	queue    chan func()
	stopped  chan struct{}
	running  atomic.Bool
	inflight atomic.Int64

	state    State
	snapshot atomic.Pointer[State]
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("live sync client: api is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("live sync client: channel is required")
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	c := &Client{
		instanceID: strings.TrimSpace(opts.InstanceID),
		api:        opts.API,
		channel:    opts.Channel,
		notifier:   opts.Notifier,
		clock:      clock.OrReal(opts.Clock),
		logger:     opts.Logger,
		queue:      make(chan func(), size),
		stopped:    make(chan struct{}),
	}
	c.snapshot.Store(&State{})
	return c, nil
}

// Run connects the channel and processes the queue until ctx ends. It
// returns the channel's error when reconnection is abandoned. Either way
// the mirror is discarded on return.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("live sync client: already running")
	}
	defer close(c.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	channelDone := make(chan error, 1)
	go func() {
		channelDone <- c.channel.Run(ctx, func(in Incoming) {
			c.post(func() { c.handleIncoming(in) })
		})
	}()

	for {
		select {
		case <-ctx.Done():
			c.apply(Disconnected{})
			return nil
		case err := <-channelDone:
			c.drain()
			c.apply(Disconnected{})
			return err
		case fn := <-c.queue:
			fn()
		}
	}
}

// Snapshot returns a deep copy of the current mirror.
func (c *Client) Snapshot() State {
	return c.snapshot.Load().Clone()
}

// Flush waits until every command started so far has completed and its
// result has been applied, including follow-up work those results started.
func (c *Client) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		for c.inflight.Load() > 0 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		barrier := make(chan struct{})
		if !c.post(func() { close(barrier) }) {
			return fmt.Errorf("live sync client: stopped")
		}
		select {
		case <-barrier:
		case <-ctx.Done():
			return ctx.Err()
		}
		if c.inflight.Load() == 0 {
			return nil
		}
	}
}

func (c *Client) SelectConversation(id string) {
	c.post(func() {
		_, cached := c.state.Messages[id]
		c.apply(ConversationSelected{ConversationID: id})
		if id == "" {
			return
		}
		if !cached {
			c.background("load messages", func(ctx context.Context) {
				messages, err := c.api.ListMessages(ctx, id)
				if err != nil {
					c.logger.Warn().Err(err).Str("conversation", id).Msg("load messages failed")
					return
				}
				c.post(func() { c.apply(MessagesLoaded{ConversationID: id, Messages: messages}) })
			})
		}
		c.emit(protocol.CommandMessageRead, protocol.ReadCommand{ConversationID: id})
	})
}

func (c *Client) MarkAsRead(id string) {
	c.post(func() {
		c.apply(MarkedRead{ConversationID: id})
		c.emit(protocol.CommandMessageRead, protocol.ReadCommand{ConversationID: id})
	})
}

// SendMessage sends to the selected conversation. Nothing is added to the
// mirror until the server echoes the message back.
func (c *Client) SendMessage(content string, opts SendOptions) {
	c.post(func() {
		convID := c.state.Selected
		if convID == "" {
			return
		}
		msgType := opts.Type
		if msgType == "" {
			msgType = protocol.MessageText
		}
		c.emit(protocol.CommandMessageSend, protocol.SendCommand{
			InstanceID:     c.instanceID,
			ConversationID: convID,
			Type:           msgType,
			Content:        content,
			MediaID:        opts.MediaID,
			MediaURL:       opts.MediaURL,
			ReplyTo:        opts.ReplyTo,
			IsInternal:     opts.IsInternal,
		})
	})
}

func (c *Client) SendMedia(media MediaUpload, caption string) {
	content := caption
	if strings.TrimSpace(content) == "" {
		content = media.OriginalName
	}
	c.SendMessage(content, SendOptions{
		Type:     mediaType(media.MimeType),
		MediaID:  media.ID,
		MediaURL: media.URL,
	})
}

func (c *Client) SendAudio(mediaID string, seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	c.SendMessage(fmt.Sprintf("Áudio (%d:%02d)", seconds/60, seconds%60), SendOptions{
		Type:     protocol.MessageAudio,
		MediaID:  mediaID,
		MediaURL: "/v1/media/" + mediaID,
	})
}

// ForwardMessage sends one independent copy per destination. A failed
// destination is logged and does not stop the others.
func (c *Client) ForwardMessage(messageID string, conversationIDs []string) {
	c.post(func() {
		original, ok := c.state.FindMessage(messageID)
		if !ok {
			c.logger.Debug().Str("message", messageID).Msg("forward skipped, message not cached")
			return
		}
		for _, dest := range conversationIDs {
			c.emit(protocol.CommandMessageSend, protocol.SendCommand{
				InstanceID:     c.instanceID,
				ConversationID: dest,
				Type:           original.Type,
				Content:        original.Content,
				MediaURL:       original.MediaURL,
				IsForwarded:    true,
			})
		}
	})
}

// ArchiveConversation applies the change only after the server acks it.
func (c *Client) ArchiveConversation(id string, archived bool) {
	c.background("archive conversation", func(ctx context.Context) {
		if err := c.api.Archive(ctx, id, archived); err != nil {
			c.logger.Warn().Err(err).Str("conversation", id).Msg("archive failed")
			return
		}
		c.post(func() { c.apply(ArchiveAcked{ConversationID: id, Archived: archived}) })
	})
}

func (c *Client) PinConversation(id string, pinned bool) {
	c.background("pin conversation", func(ctx context.Context) {
		if err := c.api.Pin(ctx, id, pinned); err != nil {
			c.logger.Warn().Err(err).Str("conversation", id).Msg("pin failed")
			return
		}
		c.post(func() { c.apply(PinAcked{ConversationID: id, Pinned: pinned}) })
	})
}

func (c *Client) UpdateConversationLabels(id string, labelIDs []string) {
	ids := append([]string(nil), labelIDs...)
	c.background("update labels", func(ctx context.Context) {
		if err := c.api.UpdateLabels(ctx, id, ids); err != nil {
			c.logger.Warn().Err(err).Str("conversation", id).Msg("update labels failed")
			return
		}
		c.post(func() { c.apply(LabelsAcked{ConversationID: id, LabelIDs: ids}) })
	})
}

// ToggleStar marks the message in the selected conversation right away and
// then tells the server.
func (c *Client) ToggleStar(messageID string, starred bool) {
	c.post(func() {
		convID := c.state.Selected
		if convID == "" {
			return
		}
		c.apply(StarToggled{ConversationID: convID, MessageID: messageID, Starred: starred})
		c.emit(protocol.CommandMessageStar, protocol.StarCommand{MessageID: messageID, ConversationID: convID, Starred: starred})
	})
}

func (c *Client) StartTyping() { c.typing(protocol.CommandTypingStart) }
func (c *Client) StopTyping()  { c.typing(protocol.CommandTypingStop) }

func (c *Client) typing(event string) {
	c.post(func() {
		if convID := c.state.Selected; convID != "" {
			c.emit(event, protocol.TypingCommand{ConversationID: convID})
		}
	})
}

func (c *Client) CloseConversation(id string) {
	c.emit(protocol.CommandConversationClose, protocol.CloseCommand{ConversationID: id, InstanceID: c.instanceID})
}

func (c *Client) handleIncoming(in Incoming) {
	switch in.Kind {
	case IncomingConnected:
		c.apply(Connected{})
	case IncomingDropped:
		c.apply(ConnectionLost{})
	case IncomingFrame:
		switch p := in.Payload.(type) {
		case protocol.Message:
			c.apply(MessageNew{Message: p, ReceivedAt: c.clock.Now()})
		case protocol.MessageStatusPayload:
			c.apply(MessageStatus{MessageID: p.MessageID, Status: p.Status})
		case protocol.TypingPayload:
			c.apply(Typing{ConversationID: p.ConversationID, IsTyping: p.IsTyping})
		default:
			c.logger.Debug().Str("event", in.Event).Msg("ignoring push event")
		}
	}
}

// apply runs on the consumer goroutine only.
func (c *Client) apply(ev Event) {
	next, effects := Reduce(c.state, ev)
	c.state = next
	published := next
	c.snapshot.Store(&published)
	for _, effect := range effects {
		c.run(effect)
	}
}

func (c *Client) run(effect Effect) {
	switch e := effect.(type) {
	case ReloadConversations:
		c.reload(e.Full)
	case Notify:
		if c.notifier != nil {
			c.notifier.Notify(e.Title, e.Body, e.Icon)
		}
	case Badge:
		if c.notifier != nil {
			c.notifier.UpdateBadge(e.Count)
		}
	}
}

// reload fetches from scratch. Message logs that are already cached are
// left as they are.
func (c *Client) reload(full bool) {
	c.background("load conversations", func(ctx context.Context) {
		list, err := c.api.ListConversations(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("load conversations failed")
			return
		}
		c.post(func() { c.apply(ConversationsLoaded{Conversations: list}) })
	})
	if !full {
		return
	}
	c.background("load quick messages", func(ctx context.Context) {
		templates, err := c.api.ListQuickMessages(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("load quick messages failed")
			return
		}
		c.post(func() { c.apply(QuickMessagesLoaded{Templates: templates}) })
	})
	c.background("load labels", func(ctx context.Context) {
		labels, err := c.api.ListLabels(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("load labels failed")
			return
		}
		c.post(func() { c.apply(LabelsLoaded{Labels: labels}) })
	})
}

// emit sends a command off the consumer goroutine. Failures are logged.
func (c *Client) emit(event string, payload any) {
	c.background(event, func(ctx context.Context) {
		if err := c.channel.Send(ctx, event, payload); err != nil {
			c.logger.Warn().Err(err).Str("event", event).Msg("push command failed")
		}
	})
}

func (c *Client) background(op string, fn func(ctx context.Context)) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Add(-1)
		ctx, cancel := context.WithTimeout(context.Background(), defaultAckTimeout*2)
		defer cancel()
		c.logger.Debug().Str("op", op).Msg("command started")
		fn(ctx)
	}()
}

// post enqueues fn for the consumer goroutine. It reports false once the
// client has stopped.
func (c *Client) post(fn func()) bool {
	select {
	case <-c.stopped:
		return false
	default:
	}
	select {
	case c.queue <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Client) drain() {
	for {
		select {
		case fn := <-c.queue:
			fn()
		default:
			return
		}
	}
}

func mediaType(mimeType string) protocol.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return protocol.MessageImage
	case strings.HasPrefix(mimeType, "video/"):
		return protocol.MessageVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return protocol.MessageAudio
	default:
		return protocol.MessageDocument
	}
}
