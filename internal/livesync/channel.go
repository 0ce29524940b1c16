package livesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaydesk/internal/protocol"
)

var (
	ErrNotConnected    = errors.New("push channel not connected")
	ErrCommandRejected = errors.New("command rejected")
)

type IncomingKind int

const (
	IncomingConnected IncomingKind = iota + 1
	IncomingDropped
	IncomingFrame
)

// Incoming is one item delivered by a Channel: a lifecycle change or a
// decoded server event.
type Incoming struct {
	Kind    IncomingKind
	Event   string
	Payload any
}

// Channel is the push transport. Run blocks, delivering items in arrival
// order, until ctx ends or the channel gives up reconnecting. Every
// successful (re)connect is reported as IncomingConnected and every drop
// as IncomingDropped.
type Channel interface {
	Run(ctx context.Context, deliver func(Incoming)) error
	Send(ctx context.Context, event string, payload any) error
}

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second
	defaultAckTimeout        = 5 * time.Second
)

type WebSocketOptions struct {
	// URL of the tenant socket, e.g. ws://host/v1/tenants/t1/ws.
	URL               string
	Token             string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	AckTimeout        time.Duration
	HTTPClient        *http.Client
	Logger            zerolog.Logger
}

// WebSocketChannel dials the relaydesk push socket and redials after a drop.
// Every command is sent with an ack id and Send waits for the server's ack.
type WebSocketChannel struct {
	url         string
	token       string
	attempts    int
	delay       time.Duration
	ackTimeout  time.Duration
	httpClient  *http.Client
	logger      zerolog.Logger
	seq         atomic.Uint64
	mu          sync.Mutex
	conn        *websocket.Conn
	pendingAcks map[string]chan protocol.AckPayload
}

func NewWebSocketChannel(opts WebSocketOptions) (*WebSocketChannel, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("websocket channel: url is required")
	}
	ch := &WebSocketChannel{
		url:         url,
		token:       strings.TrimSpace(opts.Token),
		attempts:    opts.ReconnectAttempts,
		delay:       opts.ReconnectDelay,
		ackTimeout:  opts.AckTimeout,
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger,
		pendingAcks: make(map[string]chan protocol.AckPayload),
	}
	if ch.attempts <= 0 {
		ch.attempts = defaultReconnectAttempts
	}
	if ch.delay <= 0 {
		ch.delay = defaultReconnectDelay
	}
	if ch.ackTimeout <= 0 {
		ch.ackTimeout = defaultAckTimeout
	}
	return ch, nil
}

func (w *WebSocketChannel) Run(ctx context.Context, deliver func(Incoming)) error {
	failures := 0
	for {
		conn, err := w.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			w.logger.Warn().Err(err).Int("attempt", failures).Msg("push channel connect failed")
			if failures >= w.attempts {
				return fmt.Errorf("push channel: giving up after %d attempts: %w", failures, err)
			}
			if waitErr := waitWithContext(ctx, w.delay); waitErr != nil {
				return nil
			}
			continue
		}
		failures = 0
		w.setConn(conn)
		w.logger.Info().Str("url", w.url).Msg("push channel connected")
		deliver(Incoming{Kind: IncomingConnected})

		readErr := w.readLoop(ctx, conn, deliver)

		w.setConn(nil)
		w.failPending()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		deliver(Incoming{Kind: IncomingDropped})
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn().Err(readErr).Msg("push channel dropped, reconnecting")
		if waitErr := waitWithContext(ctx, w.delay); waitErr != nil {
			return nil
		}
	}
}

func (w *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.token != "" {
		header.Set("Authorization", "Bearer "+w.token)
	}
	conn, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{
		HTTPClient: w.httpClient,
		HTTPHeader: header,
	})
	return conn, err
}

func (w *WebSocketChannel) readLoop(ctx context.Context, conn *websocket.Conn, deliver func(Incoming)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		frame, payload, err := protocol.Decode(data)
		if err != nil {
			w.logger.Warn().Err(err).Str("event", frame.Event).Msg("skipping push frame")
			continue
		}
		if ack, ok := payload.(protocol.AckPayload); ok {
			w.resolveAck(ack)
			continue
		}
		deliver(Incoming{Kind: IncomingFrame, Event: frame.Event, Payload: payload})
	}
}

// Send writes a command and waits for its ack.
func (w *WebSocketChannel) Send(ctx context.Context, event string, payload any) error {
	conn := w.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	id := fmt.Sprintf("c%d", w.seq.Add(1))
	frame, err := protocol.EncodeWithAck(event, payload, id)
	if err != nil {
		return err
	}
	waiter := make(chan protocol.AckPayload, 1)
	w.mu.Lock()
	w.pendingAcks[id] = waiter
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pendingAcks, id)
		w.mu.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return err
	}
	timer := time.NewTimer(w.ackTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-waiter:
		if !ok {
			return ErrNotConnected
		}
		if !ack.OK {
			return fmt.Errorf("%w: %s: %s", ErrCommandRejected, event, ack.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: ack timeout after %s", event, w.ackTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebSocketChannel) Close() error {
	conn := w.currentConn()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "bye")
}

func (w *WebSocketChannel) resolveAck(ack protocol.AckPayload) {
	w.mu.Lock()
	waiter, ok := w.pendingAcks[ack.ID]
	if ok {
		delete(w.pendingAcks, ack.ID)
	}
	w.mu.Unlock()
	if ok {
		waiter <- ack
	}
}

func (w *WebSocketChannel) failPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, waiter := range w.pendingAcks {
		close(waiter)
		delete(w.pendingAcks, id)
	}
}

func (w *WebSocketChannel) setConn(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}

func (w *WebSocketChannel) currentConn() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}
