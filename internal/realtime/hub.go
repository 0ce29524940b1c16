// Package realtime serves the push channel: one websocket per connected agent,
// grouped by tenant, with server events fanned out to every agent of the
// tenant and agent commands handed to a CommandHandler.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaydesk/internal/protocol"
)

const (
	defaultSendBuffer   = 128
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

var ErrConnectionClosed = errors.New("connection closed")

// Agent identifies the human agent behind a connection.
type Agent struct {
	TenantID string
	Name     string
}

// Command is one decoded agent frame.
type Command struct {
	Agent   Agent
	ConnID  string
	Event   string
	Payload any
}

type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd Command) error
}

type HubOptions struct {
	Logger       zerolog.Logger
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
	// OriginPatterns is passed to the websocket handshake. Empty allows
	// same-origin requests only.
	OriginPatterns []string
}

type HubStats struct {
	Connections int   `json:"connections"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// Hub tracks live agent connections per tenant.
type Hub struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*conn
	handler atomic.Value

	logger         zerolog.Logger
	sendBuffer     int
	pingInterval   time.Duration
	writeTimeout   time.Duration
	originPatterns []string

	delivered atomic.Int64
	dropped   atomic.Int64
}

type handlerBox struct{ handler CommandHandler }

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		tenants:        make(map[string]map[string]*conn),
		logger:         opts.Logger,
		sendBuffer:     opts.SendBuffer,
		pingInterval:   opts.PingInterval,
		writeTimeout:   opts.WriteTimeout,
		originPatterns: append([]string(nil), opts.OriginPatterns...),
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	return h
}

// SetHandler installs the command handler. Frames received while no
// handler is set are dropped.
func (h *Hub) SetHandler(handler CommandHandler) {
	h.handler.Store(handlerBox{handler: handler})
}

func (h *Hub) commandHandler() CommandHandler {
	box, _ := h.handler.Load().(handlerBox)
	return box.handler
}

// Publish sends event to every agent of tenantID.
func (h *Hub) Publish(tenantID, event string, payload any) error {
	_, err := h.Broadcast(tenantID, event, payload, "")
	return err
}

// Broadcast sends event to every agent of tenantID except the connection
// exceptConnID and reports how many connections accepted the frame.
func (h *Hub) Broadcast(tenantID, event string, payload any, exceptConnID string) (int, error) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return 0, err
	}
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.tenants[tenantID]))
	for id, c := range h.tenants[tenantID] {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			delivered++
			h.delivered.Add(1)
		} else {
			h.dropped.Add(1)
		}
	}
	return delivered, nil
}

func (h *Hub) Connections(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	total := 0
	for _, conns := range h.tenants {
		total += len(conns)
	}
	h.mu.RUnlock()
	return HubStats{
		Connections: total,
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// ServeWebSocket upgrades the request and serves agent until the socket
// closes. Authentication happens before this call.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request, agent Agent) error {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		return err
	}
	return h.Serve(r.Context(), ws, agent)
}

// Serve registers ws for agent and runs its read loop until the peer
// disconnects or ctx ends.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, agent Agent) error {
	agent.TenantID = strings.TrimSpace(agent.TenantID)
	if agent.TenantID == "" {
		_ = ws.Close(websocket.StatusPolicyViolation, "missing tenant")
		return fmt.Errorf("serve websocket: missing tenant")
	}
	ws.SetReadLimit(defaultReadLimit)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{
		id:    uuid.NewString(),
		agent: agent,
		ws:    ws,
		send:  make(chan []byte, h.sendBuffer),
		done:  make(chan struct{}),
	}
	h.attach(c)
	defer h.detach(c)

	logger := h.logger.With().Str("tenant", agent.TenantID).Str("agent", agent.Name).Str("conn", c.id).Logger()
	logger.Info().Msg("agent connected")
	defer logger.Info().Msg("agent disconnected")

	go h.writeLoop(ctx, c, logger)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.close(websocket.StatusNormalClosure, "")
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			if ctx.Err() != nil || isClosed(c) {
				return nil
			}
			return err
		}
		h.handleFrame(ctx, c, data, logger)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *conn, data []byte, logger zerolog.Logger) {
	frame, payload, err := protocol.Decode(data)
	if err != nil {
		logger.Warn().Err(err).Str("event", frame.Event).Msg("skipping agent frame")
		h.ack(c, frame.Ack, err)
		return
	}
	handler := h.commandHandler()
	if handler == nil {
		logger.Debug().Str("event", frame.Event).Msg("no command handler installed")
		h.ack(c, frame.Ack, nil)
		return
	}
	err = handler.HandleCommand(ctx, Command{
		Agent:   c.agent,
		ConnID:  c.id,
		Event:   frame.Event,
		Payload: payload,
	})
	if err != nil {
		logger.Warn().Err(err).Str("event", frame.Event).Msg("agent command failed")
	}
	h.ack(c, frame.Ack, err)
}

func (h *Hub) ack(c *conn, ackID string, cause error) {
	if strings.TrimSpace(ackID) == "" {
		return
	}
	payload := protocol.AckPayload{ID: ackID, OK: cause == nil}
	if cause != nil {
		payload.Error = cause.Error()
	}
	frame, err := protocol.Encode(protocol.EventAck, payload)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (h *Hub) writeLoop(ctx context.Context, c *conn, logger zerolog.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Msg("websocket ping failed")
				c.close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (h *Hub) attach(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.tenants[c.agent.TenantID]
	if conns == nil {
		conns = make(map[string]*conn)
		h.tenants[c.agent.TenantID] = conns
	}
	conns[c.id] = c
}

func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.tenants[c.agent.TenantID]
	delete(conns, c.id)
	if len(conns) == 0 {
		delete(h.tenants, c.agent.TenantID)
	}
}

type conn struct {
	id    string
	agent Agent
	ws    *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
}

// enqueue never blocks. A full buffer marks the agent as a slow consumer
// and closes its socket.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.close(websocket.StatusPolicyViolation, "send buffer full")
		return false
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		if c.ws != nil {
			go func() { _ = c.ws.Close(code, reason) }()
		}
	})
}

func isClosed(c *conn) bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
