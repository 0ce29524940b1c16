package notify

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var ErrNotTerminal = errors.New("output is not a terminal")

var (
	alertBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("42")).
			Padding(0, 1)
	alertTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	alertIconStyle  = lipgloss.NewStyle().Faint(true)
)

// Terminal renders alerts into the agent's terminal. It counts as visible
// while its output is a TTY and the agent has focus on it.
type Terminal struct {
	mu       sync.Mutex
	out      io.Writer
	tty      bool
	muted    bool
	focused  atomic.Bool
	renderer *lipgloss.Renderer
}

type TerminalOptions struct {
	// Muted makes the terminal deny notification permission.
	Muted bool
}

func NewTerminal(out io.Writer, opts TerminalOptions) *Terminal {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &Terminal{
		out:      out,
		tty:      tty,
		muted:    opts.Muted,
		renderer: lipgloss.NewRenderer(out),
	}
}

func (t *Terminal) SetFocused(focused bool) {
	t.focused.Store(focused)
}

func (t *Terminal) Visible() bool {
	return t.tty && t.focused.Load()
}

func (t *Terminal) Permission() Permission {
	if t.muted {
		return PermissionDenied
	}
	return PermissionGranted
}

func (t *Terminal) RequestPermission() (Permission, error) {
	return t.Permission(), nil
}

// PlaySound rings the terminal bell.
func (t *Terminal) PlaySound() error {
	if !t.tty {
		return ErrNotTerminal
	}
	return t.write("\a")
}

func (t *Terminal) Show(alert Alert) error {
	lines := []string{alertTitleStyle.Renderer(t.renderer).Render(alert.Title)}
	if body := strings.TrimSpace(alert.Body); body != "" {
		lines = append(lines, body)
	}
	if icon := strings.TrimSpace(alert.Icon); icon != "" {
		lines = append(lines, alertIconStyle.Renderer(t.renderer).Render(icon))
	}
	box := alertBoxStyle.Renderer(t.renderer).Render(strings.Join(lines, "\n"))
	return t.write(box + "\n")
}

// SetTitle sets the window title through OSC 0. Plain output has no title.
func (t *Terminal) SetTitle(title string) error {
	if !t.tty {
		return nil
	}
	return t.write(fmt.Sprintf("\x1b]0;%s\x07", title))
}

func (t *Terminal) write(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := io.WriteString(t.out, s)
	return err
}
