package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydesk/internal/clock"
	"github.com/agentworkforce/relaydesk/internal/protocol"
)

type sentCommand struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu      sync.Mutex
	deliver func(Incoming)
	ready   chan struct{}
	sent    []sentCommand
	failFor map[string]bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{ready: make(chan struct{}), failFor: map[string]bool{}}
}

func (f *fakeChannel) Run(ctx context.Context, deliver func(Incoming)) error {
	f.mu.Lock()
	f.deliver = deliver
	f.mu.Unlock()
	close(f.ready)
	<-ctx.Done()
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{event: event, payload: payload})
	if send, ok := payload.(protocol.SendCommand); ok && f.failFor[send.ConversationID] {
		return errors.New("network down")
	}
	return nil
}

func (f *fakeChannel) push(in Incoming) {
	<-f.ready
	f.mu.Lock()
	deliver := f.deliver
	f.mu.Unlock()
	deliver(in)
}

func (f *fakeChannel) commands() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCommand(nil), f.sent...)
}

type fakeAPI struct {
	mu            sync.Mutex
	conversations []protocol.Conversation
	messages      map[string][]protocol.Message
	labels        []protocol.Label
	quick         []protocol.QuickMessage
	calls         map[string]int
	fail          map[string]error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		conversations: []protocol.Conversation{
			{ID: "a", Name: "Ana", UpdatedAt: t0, UnreadCount: 1},
			{ID: "b", Name: "Bruno", UpdatedAt: t0.Add(time.Minute)},
		},
		messages: map[string][]protocol.Message{
			"a": {{ID: "m1", ConversationID: "a", Type: protocol.MessageText, Content: "oi"}},
		},
		labels: []protocol.Label{{ID: "l1", Name: "Lead"}},
		quick:  []protocol.QuickMessage{{ID: "q1", Shortcut: "/oi", Title: "Saudação", Content: "Olá!"}},
		calls:  map[string]int{},
		fail:   map[string]error{},
	}
}

func (f *fakeAPI) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]protocol.Conversation, error) {
	if err := f.record("conversations"); err != nil {
		return nil, err
	}
	return f.conversations, nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	if err := f.record("messages:" + conversationID); err != nil {
		return nil, err
	}
	return f.messages[conversationID], nil
}

func (f *fakeAPI) ListQuickMessages(ctx context.Context) ([]protocol.QuickMessage, error) {
	if err := f.record("quick"); err != nil {
		return nil, err
	}
	return f.quick, nil
}

func (f *fakeAPI) ListLabels(ctx context.Context) ([]protocol.Label, error) {
	if err := f.record("labels"); err != nil {
		return nil, err
	}
	return f.labels, nil
}

func (f *fakeAPI) Archive(ctx context.Context, conversationID string, archived bool) error {
	return f.record("archive")
}

func (f *fakeAPI) Pin(ctx context.Context, conversationID string, pinned bool) error {
	return f.record("pin")
}

func (f *fakeAPI) UpdateLabels(ctx context.Context, conversationID string, labelIDs []string) error {
	return f.record("update-labels")
}

type recordingNotifier struct {
	mu     sync.Mutex
	notes  []Notify
	badges []int
}

func (r *recordingNotifier) Notify(title, body, icon string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, Notify{Title: title, Body: body, Icon: icon})
}

func (r *recordingNotifier) UpdateBadge(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.badges = append(r.badges, count)
}

func (r *recordingNotifier) lastBadge() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.badges) == 0 {
		return -1
	}
	return r.badges[len(r.badges)-1]
}

type clientFixture struct {
	client   *Client
	api      *fakeAPI
	channel  *fakeChannel
	notifier *recordingNotifier
	cancel   context.CancelFunc
	done     chan error
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()
	f := &clientFixture{api: newFakeAPI(), channel: newFakeChannel(), notifier: &recordingNotifier{}, done: make(chan error, 1)}
	client, err := NewClient(ClientOptions{
		InstanceID: "inst-1",
		API:        f.api,
		Channel:    f.channel,
		Notifier:   f.notifier,
		Clock:      clock.NewFake(t0.Add(time.Hour)),
	})
	require.NoError(t, err)
	f.client = client

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})

	f.channel.push(Incoming{Kind: IncomingConnected})
	f.flush(t)
	return f
}

func (f *clientFixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.client.Flush(ctx))
}

func TestConnectLoadsEverything(t *testing.T) {
	f := newClientFixture(t)
	s := f.client.Snapshot()

	require.True(t, s.Connected)
	require.Equal(t, []string{"b", "a"}, ids(s.Conversations))
	require.Len(t, s.QuickMessages, 1)
	require.Len(t, s.Labels, 1)
	require.Equal(t, 1, f.notifier.lastBadge())
}

func TestSelectConversationFetchesOnce(t *testing.T) {
	f := newClientFixture(t)

	f.client.SelectConversation("a")
	f.flush(t)
	s := f.client.Snapshot()
	require.Equal(t, "a", s.Selected)
	require.Len(t, s.Messages["a"], 1)
	conv, _ := s.Conversation("a")
	require.Zero(t, conv.UnreadCount)
	require.Equal(t, 0, f.notifier.lastBadge())

	f.client.SelectConversation("b")
	f.client.SelectConversation("a")
	f.flush(t)
	require.Equal(t, 1, f.api.count("messages:a"))

	reads := 0
	for _, cmd := range f.channel.commands() {
		if cmd.event == protocol.CommandMessageRead {
			reads++
		}
	}
	require.Equal(t, 3, reads)
}

func TestSendIsNotOptimistic(t *testing.T) {
	f := newClientFixture(t)
	f.client.SelectConversation("a")
	f.flush(t)

	f.client.SendMessage("tudo bem?", SendOptions{})
	f.flush(t)
	require.Len(t, f.client.Snapshot().Messages["a"], 1)

	cmds := f.channel.commands()
	last := cmds[len(cmds)-1]
	require.Equal(t, protocol.CommandMessageSend, last.event)
	require.Equal(t, protocol.SendCommand{InstanceID: "inst-1", ConversationID: "a", Type: protocol.MessageText, Content: "tudo bem?"}, last.payload)

	echo := protocol.Message{ID: "m2", ConversationID: "a", Type: protocol.MessageText, Content: "tudo bem?", IsFromMe: true}
	f.channel.push(Incoming{Kind: IncomingFrame, Event: protocol.EventMessageNew, Payload: echo})
	f.flush(t)
	require.Len(t, f.client.Snapshot().Messages["a"], 2)
	require.Empty(t, f.notifier.notes)
}

func TestSendWithoutSelectionIsDropped(t *testing.T) {
	f := newClientFixture(t)
	before := len(f.channel.commands())
	f.client.SendMessage("oi", SendOptions{})
	f.client.StartTyping()
	f.client.ToggleStar("m1", true)
	f.flush(t)
	require.Len(t, f.channel.commands(), before)
}

func TestMediaAndAudioSends(t *testing.T) {
	f := newClientFixture(t)
	f.client.SelectConversation("b")
	f.flush(t)

	f.client.SendMedia(MediaUpload{ID: "md1", URL: "/v1/media/md1", MimeType: "video/mp4", OriginalName: "clip.mp4"}, "")
	f.client.SendAudio("md2", 75)
	f.flush(t)

	cmds := f.channel.commands()
	var sends []protocol.SendCommand
	for _, cmd := range cmds {
		if p, ok := cmd.payload.(protocol.SendCommand); ok {
			sends = append(sends, p)
		}
	}
	require.Len(t, sends, 2)
	byType := map[protocol.MessageType]protocol.SendCommand{}
	for _, s := range sends {
		byType[s.Type] = s
	}
	require.Equal(t, "clip.mp4", byType[protocol.MessageVideo].Content)
	require.Equal(t, "md1", byType[protocol.MessageVideo].MediaID)
	require.Equal(t, "Áudio (1:15)", byType[protocol.MessageAudio].Content)
	require.Equal(t, "/v1/media/md2", byType[protocol.MessageAudio].MediaURL)
}

func TestForwardSendsOnePerDestination(t *testing.T) {
	f := newClientFixture(t)
	f.client.SelectConversation("a")
	f.flush(t)
	f.channel.mu.Lock()
	f.channel.failFor["y"] = true
	f.channel.mu.Unlock()

	f.client.ForwardMessage("m1", []string{"x", "y", "z"})
	f.flush(t)

	dests := map[string]bool{}
	for _, cmd := range f.channel.commands() {
		if p, ok := cmd.payload.(protocol.SendCommand); ok {
			require.True(t, p.IsForwarded)
			require.Equal(t, "oi", p.Content)
			dests[p.ConversationID] = true
		}
	}
	require.Equal(t, map[string]bool{"x": true, "y": true, "z": true}, dests)
}

func TestForwardUnknownMessageSendsNothing(t *testing.T) {
	f := newClientFixture(t)
	before := len(f.channel.commands())
	f.client.ForwardMessage("ghost", []string{"a"})
	f.flush(t)
	require.Len(t, f.channel.commands(), before)
}

func TestArchiveAndPinWaitForAck(t *testing.T) {
	f := newClientFixture(t)
	f.api.mu.Lock()
	f.api.fail["archive"] = errors.New("503")
	f.api.fail["pin"] = errors.New("503")
	f.api.mu.Unlock()

	f.client.ArchiveConversation("a", true)
	f.client.PinConversation("a", true)
	f.flush(t)
	conv, _ := f.client.Snapshot().Conversation("a")
	require.False(t, conv.IsArchived)
	require.False(t, conv.IsPinned)

	f.api.mu.Lock()
	f.api.fail = map[string]error{}
	f.api.mu.Unlock()

	f.client.PinConversation("a", true)
	f.client.ArchiveConversation("b", true)
	f.client.UpdateConversationLabels("a", []string{"l1"})
	f.flush(t)
	s := f.client.Snapshot()
	require.Equal(t, []string{"a", "b"}, ids(s.Conversations))
	conv, _ = s.Conversation("b")
	require.True(t, conv.IsArchived)
	conv, _ = s.Conversation("a")
	require.Equal(t, []protocol.Label{{ID: "l1", Name: "Lead"}}, conv.Labels)
}

func TestToggleStarIsOptimistic(t *testing.T) {
	f := newClientFixture(t)
	f.client.SelectConversation("a")
	f.flush(t)

	f.client.ToggleStar("m1", true)
	f.flush(t)
	require.True(t, f.client.Snapshot().Messages["a"][0].IsStarred)
	cmds := f.channel.commands()
	require.Equal(t, protocol.StarCommand{MessageID: "m1", ConversationID: "a", Starred: true}, cmds[len(cmds)-1].payload)
}

func TestIncomingMessageNotifiesAndBadges(t *testing.T) {
	f := newClientFixture(t)
	f.channel.push(Incoming{Kind: IncomingFrame, Event: protocol.EventMessageNew, Payload: protocol.Message{
		ID: "m9", ConversationID: "b", Type: protocol.MessageAudio,
	}})
	f.flush(t)

	require.Equal(t, []Notify{{Title: "Bruno", Body: "🎵 Áudio"}}, f.notifier.notes)
	require.Equal(t, 2, f.notifier.lastBadge())
	conv, _ := f.client.Snapshot().Conversation("b")
	require.Equal(t, t0.Add(time.Hour), conv.UpdatedAt)
}

func TestStatusBeforeMessageIsDropped(t *testing.T) {
	f := newClientFixture(t)
	before := f.client.Snapshot()
	f.channel.push(Incoming{Kind: IncomingFrame, Event: protocol.EventMessageStatus, Payload: protocol.MessageStatusPayload{
		MessageID: "ghost", Status: protocol.StatusAt(protocol.StatusRead),
	}})
	f.flush(t)
	require.Equal(t, before, f.client.Snapshot())
}

func TestReconnectReloadsListButKeepsCachedLogs(t *testing.T) {
	f := newClientFixture(t)
	f.client.SelectConversation("a")
	f.flush(t)

	f.api.mu.Lock()
	f.api.messages["a"] = append(f.api.messages["a"], protocol.Message{ID: "missed", ConversationID: "a"})
	f.api.conversations = append(f.api.conversations, protocol.Conversation{ID: "c", Name: "Carla", UpdatedAt: t0.Add(2 * time.Minute)})
	f.api.mu.Unlock()

	f.channel.push(Incoming{Kind: IncomingDropped})
	f.flush(t)
	require.False(t, f.client.Snapshot().Connected)

	f.channel.push(Incoming{Kind: IncomingConnected})
	f.flush(t)

	s := f.client.Snapshot()
	require.True(t, s.Connected)
	require.Equal(t, []string{"c", "b", "a"}, ids(s.Conversations))
	require.Len(t, s.Messages["a"], 1, "cached log is not back-filled")
	require.Equal(t, 2, f.api.count("conversations"))
	require.Equal(t, 2, f.api.count("labels"))
	require.Equal(t, 2, f.api.count("quick"))
}

func TestRunDiscardsMirrorOnStop(t *testing.T) {
	f := newClientFixture(t)
	require.NotEmpty(t, f.client.Snapshot().Conversations)
	f.cancel()
	require.NoError(t, <-f.done)
	f.done <- nil
	require.Equal(t, State{}, f.client.Snapshot())
}

func TestNewClientRequiresDependencies(t *testing.T) {
	_, err := NewClient(ClientOptions{Channel: newFakeChannel()})
	require.Error(t, err)
	_, err = NewClient(ClientOptions{API: newFakeAPI()})
	require.Error(t, err)
}
