package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaydesk/internal/clock"
	"github.com/agentworkforce/relaydesk/internal/protocol"
	"github.com/agentworkforce/relaydesk/internal/relaydesk"
)

type hubFixture struct {
	hub    *Hub
	inbox  *relaydesk.Inbox
	server *httptest.Server
	convID string
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	hub := NewHub(HubOptions{})
	inbox := relaydesk.NewInbox(clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	hub.SetHandler(NewInboxHandler(inbox, hub, hub.logger))
	conv := inbox.EnsureConversation("t1", "5511999999999", "Maria")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := Agent{TenantID: r.URL.Query().Get("tenant"), Name: r.URL.Query().Get("agent")}
		_ = hub.ServeWebSocket(w, r, agent)
	}))
	t.Cleanup(server.Close)
	return &hubFixture{hub: hub, inbox: inbox, server: server, convID: conv.ID}
}

func (f *hubFixture) dial(t *testing.T, tenant, agent string) *websocket.Conn {
	t.Helper()
	before := f.hub.Connections(tenant)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?tenant=" + tenant + "&agent=" + agent
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	require.Eventually(t, func() bool { return f.hub.Connections(tenant) == before+1 }, 2*time.Second, 10*time.Millisecond)
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, event string, payload any, ack string) {
	t.Helper()
	frame, err := protocol.EncodeWithAck(event, payload, ack)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, frame))
}

func readFrame(t *testing.T, ws *websocket.Conn) (protocol.Frame, any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	frame, payload, err := protocol.Decode(data)
	require.NoError(t, err)
	return frame, payload
}

func TestPublishReachesOnlyTenantAgents(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "t1", "ana")
	b := f.dial(t, "t1", "bruno")
	other := f.dial(t, "t2", "carla")

	msg := protocol.Message{ID: "m1", ConversationID: f.convID, Type: protocol.MessageText, Content: "oi"}
	require.NoError(t, f.hub.Publish("t1", protocol.EventMessageNew, msg))

	for _, ws := range []*websocket.Conn{a, b} {
		frame, payload := readFrame(t, ws)
		require.Equal(t, protocol.EventMessageNew, frame.Event)
		require.Equal(t, "m1", payload.(protocol.Message).ID)
	}

	// t2 sees nothing before its own ack.
	writeFrame(t, other, protocol.CommandMessageRead, protocol.ReadCommand{ConversationID: "missing"}, "ack-missing")
	frame, payload := readFrame(t, other)
	require.Equal(t, protocol.EventAck, frame.Event)
	require.Equal(t, "ack-missing", payload.(protocol.AckPayload).ID)
	require.False(t, payload.(protocol.AckPayload).OK)

	stats := f.hub.Stats()
	require.Equal(t, 3, stats.Connections)
	require.EqualValues(t, 2, stats.Delivered)
}

func TestSendCommandRoundTripsAsMessageNew(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "t1", "ana")
	b := f.dial(t, "t1", "bruno")

	writeFrame(t, a, protocol.CommandMessageSend, protocol.SendCommand{
		InstanceID:     "inst-1",
		ConversationID: f.convID,
		Type:           protocol.MessageText,
		Content:        "Olá! Como posso ajudar?",
	}, "send-1")

	frame, payload := readFrame(t, a)
	require.Equal(t, protocol.EventMessageNew, frame.Event)
	echoed := payload.(protocol.Message)
	require.True(t, echoed.IsFromMe)
	require.Equal(t, "ana", echoed.SenderName)
	require.Equal(t, "inst-1", echoed.InstanceID)

	frame, payload = readFrame(t, a)
	require.Equal(t, protocol.EventAck, frame.Event)
	require.True(t, payload.(protocol.AckPayload).OK)

	frame, payload = readFrame(t, b)
	require.Equal(t, protocol.EventMessageNew, frame.Event)
	require.Equal(t, echoed.ID, payload.(protocol.Message).ID)

	stored, err := f.inbox.Messages("t1", f.convID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, echoed.ID, stored[0].ID)

	conv, err := f.inbox.Conversation("t1", f.convID)
	require.NoError(t, err)
	require.Zero(t, conv.UnreadCount)
}

func TestTypingIsRelayedToOtherAgents(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "t1", "ana")
	b := f.dial(t, "t1", "bruno")

	writeFrame(t, a, protocol.CommandTypingStart, protocol.TypingCommand{ConversationID: f.convID}, "typing-1")

	frame, payload := readFrame(t, a)
	require.Equal(t, protocol.EventAck, frame.Event, "sender must not receive its own typing event")
	require.True(t, payload.(protocol.AckPayload).OK)

	frame, payload = readFrame(t, b)
	require.Equal(t, protocol.EventConversationTyping, frame.Event)
	require.Equal(t, protocol.TypingPayload{ConversationID: f.convID, IsTyping: true}, payload)

	writeFrame(t, a, protocol.CommandTypingStop, protocol.TypingCommand{ConversationID: f.convID}, "")
	_, payload = readFrame(t, b)
	require.False(t, payload.(protocol.TypingPayload).IsTyping)
}

func TestUnknownFrameIsAckedAndConnectionSurvives(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "t1", "ana")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Write(ctx, websocket.MessageText, []byte(`{"event":"message:delete","data":{},"ack":"x1"}`)))

	frame, payload := readFrame(t, a)
	require.Equal(t, protocol.EventAck, frame.Event)
	ack := payload.(protocol.AckPayload)
	require.False(t, ack.OK)
	require.Contains(t, ack.Error, "unknown event")

	writeFrame(t, a, protocol.CommandMessageRead, protocol.ReadCommand{ConversationID: f.convID}, "x2")
	_, payload = readFrame(t, a)
	require.True(t, payload.(protocol.AckPayload).OK)
}

func TestDisconnectDetachesAgent(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "t1", "ana")
	require.Equal(t, 1, f.hub.Connections("t1"))

	require.NoError(t, a.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return f.hub.Connections("t1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSlowConsumerIsClosed(t *testing.T) {
	c := &conn{send: make(chan []byte, 1), done: make(chan struct{})}
	require.True(t, c.enqueue([]byte("a")))
	require.False(t, c.enqueue([]byte("b")))
	require.True(t, isClosed(c))
	require.False(t, c.enqueue([]byte("c")))
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	hub := NewHub(HubOptions{})
	err := hub.Publish("t1", protocol.EventMessageNew, protocol.Message{})
	require.ErrorIs(t, err, protocol.ErrInvalidPayload)
}
