package notify

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSurface struct {
	initial  Permission
	answer   Permission
	requests int
	sounds   int
	soundErr error
	showErr  error
	shown    []Alert
	titles   []string
}

func (f *fakeSurface) Permission() Permission { return f.initial }

func (f *fakeSurface) RequestPermission() (Permission, error) {
	f.requests++
	return f.answer, nil
}

func (f *fakeSurface) PlaySound() error {
	f.sounds++
	return f.soundErr
}

func (f *fakeSurface) Show(alert Alert) error {
	f.shown = append(f.shown, alert)
	return f.showErr
}

func (f *fakeSurface) SetTitle(title string) error {
	f.titles = append(f.titles, title)
	return nil
}

type fixedVisibility struct{ visible bool }

func (v *fixedVisibility) Visible() bool { return v.visible }

func TestNotifySuppressedWhileVisible(t *testing.T) {
	surface := &fakeSurface{initial: PermissionGranted}
	vis := &fixedVisibility{visible: true}
	d := New(Options{Surface: surface, Visibility: vis, SoundEnabled: true})

	d.Notify("Maria", "oi", "")
	require.Empty(t, surface.shown)
	require.Zero(t, surface.sounds)

	vis.visible = false
	d.Notify("Maria", "oi", "https://cdn/maria.jpg")
	require.Equal(t, []Alert{{Title: "Maria", Body: "oi", Icon: "https://cdn/maria.jpg"}}, surface.shown)
	require.Equal(t, 1, surface.sounds)
}

func TestPermissionIsCachedAfterFirstPrompt(t *testing.T) {
	surface := &fakeSurface{initial: PermissionDefault, answer: PermissionDenied}
	d := New(Options{Surface: surface})

	d.Notify("a", "b", "")
	d.Notify("a", "b", "")
	d.Notify("a", "b", "")
	require.Equal(t, 1, surface.requests)
	require.Empty(t, surface.shown)
	require.Equal(t, PermissionDenied, d.Permission())
}

func TestDeniedUpFrontNeverPrompts(t *testing.T) {
	surface := &fakeSurface{initial: PermissionDenied, answer: PermissionGranted}
	d := New(Options{Surface: surface})
	d.Notify("a", "b", "")
	require.Zero(t, surface.requests)
	require.Empty(t, surface.shown)
}

func TestGrantedAfterPromptShows(t *testing.T) {
	surface := &fakeSurface{initial: PermissionDefault, answer: PermissionGranted}
	d := New(Options{Surface: surface})
	d.Notify("a", "b", "")
	d.Notify("c", "d", "")
	require.Equal(t, 1, surface.requests)
	require.Len(t, surface.shown, 2)
}

func TestSoundAndShowFailuresAreSwallowed(t *testing.T) {
	surface := &fakeSurface{initial: PermissionGranted, soundErr: errors.New("autoplay blocked"), showErr: errors.New("no display")}
	d := New(Options{Surface: surface, SoundEnabled: true})
	require.NotPanics(t, func() { d.Notify("a", "b", "") })
	require.Equal(t, 1, surface.sounds)
	require.Len(t, surface.shown, 1)

	d.SetSoundEnabled(false)
	d.Notify("a", "b", "")
	require.Equal(t, 1, surface.sounds)
	require.False(t, d.SoundEnabled())
}

func TestUpdateBadge(t *testing.T) {
	surface := &fakeSurface{}
	d := New(Options{Surface: surface})
	d.UpdateBadge(3)
	d.UpdateBadge(3)
	d.UpdateBadge(0)
	require.Equal(t, []string{"(3) relaydesk", "relaydesk"}, surface.titles)

	require.Equal(t, "(12) Central", BadgeTitle("Central", 12))
	require.Equal(t, "Central", BadgeTitle("Central", -1))
}

func TestNilSurfaceIsNoop(t *testing.T) {
	d := New(Options{})
	require.NotPanics(t, func() {
		d.Notify("a", "b", "")
		d.UpdateBadge(2)
	})
}

func TestTerminalOnPlainWriter(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(&out, TerminalOptions{})
	term.SetFocused(true)
	require.False(t, term.Visible(), "a buffer is never a visible terminal")
	require.Equal(t, PermissionGranted, term.Permission())
	require.ErrorIs(t, term.PlaySound(), ErrNotTerminal)
	require.NoError(t, term.SetTitle("(1) relaydesk"))
	require.Empty(t, out.String())

	d := New(Options{Surface: term, Visibility: term, SoundEnabled: true})
	d.Notify("Maria", "📷 Imagem", "")
	rendered := out.String()
	require.Contains(t, rendered, "Maria")
	require.Contains(t, rendered, "📷 Imagem")
	require.True(t, strings.HasSuffix(rendered, "\n"))

	muted := NewTerminal(&out, TerminalOptions{Muted: true})
	require.Equal(t, PermissionDenied, muted.Permission())
}
