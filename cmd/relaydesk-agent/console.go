package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/agentworkforce/relaydesk/internal/livesync"
	"github.com/agentworkforce/relaydesk/internal/protocol"
)

// agentClient is the part of livesync.Client the console drives.
type agentClient interface {
	Snapshot() livesync.State
	SelectConversation(id string)
	MarkAsRead(id string)
	SendMessage(content string, opts livesync.SendOptions)
	ForwardMessage(messageID string, conversationIDs []string)
	ArchiveConversation(id string, archived bool)
	PinConversation(id string, pinned bool)
	UpdateConversationLabels(id string, labelIDs []string)
	ToggleStar(messageID string, starred bool)
	StartTyping()
	StopTyping()
	CloseConversation(id string)
}

type focuser interface {
	SetFocused(focused bool)
}

type soundSwitch interface {
	SetSoundEnabled(enabled bool)
}

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  list                       conversations, pinned first
  open <n|id>                select a conversation
  history                    messages of the selected conversation
  say <text>                 send to the selected conversation
  note <text>                internal note, not delivered to the customer
  reply <message-id> <text>  quoted reply
  quick [shortcut]           list quick messages or send one
  forward <message-id> <n|id>...
  star|unstar <message-id>
  archive|unarchive|pin|unpin|close
  labels [id,...]            set labels on the selected conversation
  typing on|off
  focus on|off               focused terminals suppress notifications
  sound on|off
  quit`

// console is a line-oriented front end over the live mirror.
type console struct {
	client     agentClient
	terminal   focuser
	dispatcher soundSwitch
	out        io.Writer
}

func (c *console) loop(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(c.out, "type 'help' for commands")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := c.exec(scanner.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintf(c.out, "! %v\n", err)
		}
	}
}

func (c *console) exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "quit", "exit":
		return errQuit
	case "list", "ls":
		c.list()
	case "open":
		if len(args) != 1 {
			return errors.New("usage: open <n|id>")
		}
		id, err := c.resolveConversation(args[0])
		if err != nil {
			return err
		}
		c.client.SelectConversation(id)
	case "history":
		return c.history()
	case "say", "note":
		if rest == "" {
			return fmt.Errorf("usage: %s <text>", cmd)
		}
		if err := c.requireSelection(); err != nil {
			return err
		}
		c.client.SendMessage(rest, livesync.SendOptions{IsInternal: cmd == "note"})
	case "reply":
		messageID, text, _ := strings.Cut(rest, " ")
		if messageID == "" || strings.TrimSpace(text) == "" {
			return errors.New("usage: reply <message-id> <text>")
		}
		if err := c.requireSelection(); err != nil {
			return err
		}
		c.client.SendMessage(strings.TrimSpace(text), livesync.SendOptions{ReplyTo: messageID})
	case "quick":
		return c.quick(args)
	case "forward":
		if len(args) < 2 {
			return errors.New("usage: forward <message-id> <n|id>...")
		}
		targets := make([]string, 0, len(args)-1)
		for _, ref := range args[1:] {
			id, err := c.resolveConversation(ref)
			if err != nil {
				return err
			}
			targets = append(targets, id)
		}
		c.client.ForwardMessage(args[0], targets)
	case "star", "unstar":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <message-id>", cmd)
		}
		c.client.ToggleStar(args[0], cmd == "star")
	case "archive", "unarchive", "pin", "unpin", "close", "read":
		return c.conversationCommand(cmd)
	case "labels":
		return c.labels(rest)
	case "typing":
		on, err := parseSwitch(args)
		if err != nil {
			return err
		}
		if on {
			c.client.StartTyping()
		} else {
			c.client.StopTyping()
		}
	case "focus":
		on, err := parseSwitch(args)
		if err != nil {
			return err
		}
		if c.terminal != nil {
			c.terminal.SetFocused(on)
		}
	case "sound":
		on, err := parseSwitch(args)
		if err != nil {
			return err
		}
		if c.dispatcher != nil {
			c.dispatcher.SetSoundEnabled(on)
		}
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (c *console) conversationCommand(cmd string) error {
	if err := c.requireSelection(); err != nil {
		return err
	}
	id := c.client.Snapshot().Selected
	switch cmd {
	case "archive", "unarchive":
		c.client.ArchiveConversation(id, cmd == "archive")
	case "pin", "unpin":
		c.client.PinConversation(id, cmd == "pin")
	case "close":
		c.client.CloseConversation(id)
	case "read":
		c.client.MarkAsRead(id)
	}
	return nil
}

func (c *console) list() {
	state := c.client.Snapshot()
	if len(state.Conversations) == 0 {
		fmt.Fprintln(c.out, "no conversations")
		return
	}
	for i, conv := range state.Conversations {
		marker := " "
		switch {
		case conv.ID == state.Selected:
			marker = ">"
		case conv.IsPinned:
			marker = "*"
		}
		unread := ""
		if conv.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", conv.UnreadCount)
		}
		preview := ""
		if conv.LastMessage != nil {
			preview = "  " + protocol.Preview(*conv.LastMessage)
		}
		if state.Typing[conv.ID] {
			preview = "  digitando..."
		}
		fmt.Fprintf(c.out, "%s%3d %s%s%s\n", marker, i+1, conv.Name, unread, preview)
	}
	if total := state.UnreadTotal(); total > 0 {
		fmt.Fprintf(c.out, "%d unread\n", total)
	}
}

func (c *console) history() error {
	state := c.client.Snapshot()
	if state.Selected == "" {
		return errors.New("no conversation selected")
	}
	log := state.Messages[state.Selected]
	if len(log) == 0 {
		fmt.Fprintln(c.out, "no messages loaded")
		return nil
	}
	for _, m := range log {
		who := m.SenderName
		if m.IsFromMe {
			who = "me"
		}
		flags := ""
		if m.IsStarred {
			flags += " ★"
		}
		if m.IsInternal {
			flags += " [note]"
		}
		if m.IsForwarded {
			flags += " [fwd]"
		}
		fmt.Fprintf(c.out, "%s %s %s: %s%s %s\n", m.Timestamp.Local().Format("15:04"), m.ID, who, protocol.Preview(m), flags, statusMark(m.Status))
	}
	return nil
}

func (c *console) quick(args []string) error {
	templates := c.client.Snapshot().QuickMessages
	if len(args) == 0 {
		if len(templates) == 0 {
			fmt.Fprintln(c.out, "no quick messages")
		}
		for _, q := range templates {
			fmt.Fprintf(c.out, "%s  %s\n", q.Shortcut, q.Title)
		}
		return nil
	}
	if err := c.requireSelection(); err != nil {
		return err
	}
	for _, q := range templates {
		if q.Shortcut == args[0] {
			c.client.SendMessage(q.Content, livesync.SendOptions{})
			return nil
		}
	}
	return fmt.Errorf("no quick message %q", args[0])
}

func (c *console) labels(rest string) error {
	state := c.client.Snapshot()
	if rest == "" {
		for _, l := range state.Labels {
			fmt.Fprintf(c.out, "%s  %s\n", l.ID, l.Name)
		}
		return nil
	}
	if err := c.requireSelection(); err != nil {
		return err
	}
	var ids []string
	for _, id := range strings.Split(rest, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	c.client.UpdateConversationLabels(state.Selected, ids)
	return nil
}

func (c *console) requireSelection() error {
	if c.client.Snapshot().Selected == "" {
		return errors.New("no conversation selected, use open first")
	}
	return nil
}

// resolveConversation accepts a 1-based list position or a conversation id.
func (c *console) resolveConversation(ref string) (string, error) {
	state := c.client.Snapshot()
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(state.Conversations) {
			return "", fmt.Errorf("no conversation at position %d", n)
		}
		return state.Conversations[n-1].ID, nil
	}
	if _, ok := state.Conversation(ref); !ok {
		return "", fmt.Errorf("unknown conversation %q", ref)
	}
	return ref, nil
}

func parseSwitch(args []string) (bool, error) {
	if len(args) == 1 {
		switch args[0] {
		case "on":
			return true, nil
		case "off":
			return false, nil
		}
	}
	return false, errors.New("expected on or off")
}

func statusMark(s protocol.MessageStatus) string {
	switch s.Level() {
	case protocol.StatusRead:
		return "✓✓ lida"
	case protocol.StatusDelivered:
		return "✓✓"
	case protocol.StatusSent:
		return "✓"
	default:
		return ""
	}
}
