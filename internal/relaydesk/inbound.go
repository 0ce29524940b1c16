package relaydesk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaydesk/internal/clock"
	"github.com/agentworkforce/relaydesk/internal/protocol"
)

const defaultInboundWorkers = 4

// InboundMessage is one end-user message as received from the messaging
// provider.
type InboundMessage struct {
	ID         string               `json:"id"`
	TenantID   string               `json:"tenantId"`
	InstanceID string               `json:"instanceId,omitempty"`
	From       string               `json:"from"`
	Name       string               `json:"name,omitempty"`
	Text       string               `json:"text,omitempty"`
	Type       protocol.MessageType `json:"type"`
	MediaURL   string               `json:"mediaUrl,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// EventPublisher fans an event out to the agents of one tenant.
type EventPublisher interface {
	Publish(tenantID, event string, payload any) error
}

type PipelineOptions struct {
	Queue     InboundQueue
	Sessions  *SessionManager
	Inbox     *Inbox
	Publisher EventPublisher
	Workers   int
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// InboundResult describes what processing one message did.
type InboundResult struct {
	UserID     string
	Message    protocol.Message
	State      DialogueState
	Recognised bool
	TimedOut   bool
	Duplicate  bool
}

type PipelineStats struct {
	Accepted   uint64 `json:"accepted"`
	Rejected   uint64 `json:"rejected"`
	Processed  uint64 `json:"processed"`
	Failed     uint64 `json:"failed"`
	Duplicates uint64 `json:"duplicates"`
	QueueDepth int    `json:"queueDepth"`
	QueueCap   int    `json:"queueCapacity"`
}

// Pipeline moves inbound messages from the queue through identity, the
// dialogue engine and the inbox, then announces them to agents.
type Pipeline struct {
	queue     InboundQueue
	sessions  *SessionManager
	inbox     *Inbox
	publisher EventPublisher
	workers   int
	clock     clock.Clock
	logger    zerolog.Logger
	senders   *keyedMutex

	accepted   atomic.Uint64
	rejected   atomic.Uint64
	processed  atomic.Uint64
	failed     atomic.Uint64
	duplicates atomic.Uint64
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Sessions == nil || opts.Inbox == nil {
		return nil, fmt.Errorf("%w: pipeline needs sessions and inbox", ErrInvalidInput)
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryInboundQueue(defaultInboundQueueCapacity)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultInboundWorkers
	}
	return &Pipeline{
		queue:     queue,
		sessions:  opts.Sessions,
		inbox:     opts.Inbox,
		publisher: opts.Publisher,
		workers:   workers,
		clock:     clock.OrReal(opts.Clock),
		logger:    opts.Logger,
		senders:   newKeyedMutex(),
	}, nil
}

// Submit validates msg, fills in id and timestamp when missing and queues
// it. A full queue returns ErrQueueFull; queue storage failures are
// returned wrapped.
func (p *Pipeline) Submit(msg InboundMessage) (InboundMessage, error) {
	msg.TenantID = strings.TrimSpace(msg.TenantID)
	msg.From = strings.TrimSpace(msg.From)
	if msg.TenantID == "" || msg.From == "" {
		p.rejected.Add(1)
		return InboundMessage{}, fmt.Errorf("%w: tenant and sender are required", ErrInvalidInput)
	}
	if msg.Type == "" {
		msg.Type = protocol.MessageText
	}
	if !msg.Type.Valid() {
		p.rejected.Add(1)
		return InboundMessage{}, fmt.Errorf("%w: unsupported message type %q", ErrInvalidInput, msg.Type)
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.clock.Now()
	}
	if err := p.queue.TryEnqueue(msg); err != nil {
		p.rejected.Add(1)
		if errors.Is(err, ErrQueueFull) {
			return InboundMessage{}, ErrQueueFull
		}
		return InboundMessage{}, fmt.Errorf("enqueue inbound message: %w", err)
	}
	p.accepted.Add(1)
	return msg, nil
}

// Run starts the workers and blocks until ctx is done and every worker has
// returned.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pipeline) work(ctx context.Context, worker int) {
	for {
		msg, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if _, err := p.Process(ctx, msg); err != nil {
			p.logger.Error().
				Err(err).
				Int("worker", worker).
				Str("tenant", msg.TenantID).
				Str("message", msg.ID).
				Msg("inbound message failed")
		}
	}
}

// Process runs one message through the pipeline synchronously.
func (p *Pipeline) Process(ctx context.Context, msg InboundMessage) (InboundResult, error) {
	result, err := p.process(ctx, msg)
	switch {
	case err != nil:
		p.failed.Add(1)
	case result.Duplicate:
		p.duplicates.Add(1)
	default:
		p.processed.Add(1)
	}
	return result, err
}

func (p *Pipeline) process(ctx context.Context, msg InboundMessage) (InboundResult, error) {
	userID, err := p.sessions.Identity().EnsureUser(ctx, msg.TenantID, msg.From)
	if err != nil {
		return InboundResult{}, fmt.Errorf("ensure user: %w", err)
	}
	key := ByUserID(userID)
	result := InboundResult{UserID: userID}

	// One sender's messages run in order so a redelivery is seen as a
	// duplicate before it can move the dialogue.
	unlock := p.senders.Lock(msg.TenantID + "|" + userID)
	defer unlock()
	if msg.ID != "" && p.inbox.HasMessage(msg.TenantID, msg.ID) {
		state, err := p.sessions.GetState(ctx, key, msg.TenantID)
		if err != nil {
			return result, fmt.Errorf("load session: %w", err)
		}
		result.State = state
		result.Duplicate = true
		return result, nil
	}

	timedOut, err := p.sessions.CheckTimeout(ctx, key, msg.TenantID)
	if err != nil {
		return result, fmt.Errorf("check timeout: %w", err)
	}
	if timedOut {
		result.TimedOut = true
		if err := p.sessions.ResetState(ctx, key, msg.TenantID); err != nil {
			return result, fmt.Errorf("reset state: %w", err)
		}
	}
	state, recognised, err := p.sessions.Advance(ctx, key, msg.Text, msg.TenantID)
	if err != nil {
		return result, fmt.Errorf("advance: %w", err)
	}
	result.State = state
	result.Recognised = recognised

	senderName := msg.Name
	if strings.TrimSpace(senderName) == "" {
		senderName = defaultUserName(msg.From)
	}
	conv := p.inbox.EnsureConversation(msg.TenantID, msg.From, senderName)
	stored, err := p.inbox.Append(msg.TenantID, protocol.Message{
		ID:             msg.ID,
		ConversationID: conv.ID,
		SenderID:       userID,
		SenderName:     senderName,
		Type:           msg.Type,
		Content:        msg.Text,
		MediaURL:       msg.MediaURL,
		Timestamp:      msg.Timestamp,
		InstanceID:     msg.InstanceID,
	})
	if errors.Is(err, ErrDuplicate) {
		result.Duplicate = true
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("append message: %w", err)
	}
	result.Message = stored

	p.logger.Debug().
		Str("tenant", msg.TenantID).
		Str("user", userID).
		Str("state", string(state.CurrentState)).
		Str("conversation", conv.ID).
		Bool("recognised", recognised).
		Msg("inbound message processed")

	if p.publisher != nil {
		if err := p.publisher.Publish(msg.TenantID, protocol.EventMessageNew, stored); err != nil {
			p.logger.Warn().Err(err).Str("tenant", msg.TenantID).Str("event", protocol.EventMessageNew).Msg("publish failed")
		}
	}
	return result, nil
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Accepted:   p.accepted.Load(),
		Rejected:   p.rejected.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Duplicates: p.duplicates.Load(),
		QueueDepth: p.queue.Depth(),
		QueueCap:   p.queue.Capacity(),
	}
}

func (p *Pipeline) Close() error {
	return p.queue.Close()
}
