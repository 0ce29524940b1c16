// Package notify raises agent-facing alerts for incoming messages and keeps
// the unread badge current. Every failure is swallowed: the worst outcome
// is a missing alert.
package notify

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

const DefaultTitle = "relaydesk"

type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

type Alert struct {
	Title string
	Body  string
	Icon  string
}

// Surface is wherever the agent sees alerts.
type Surface interface {
	Permission() Permission
	RequestPermission() (Permission, error)
	PlaySound() error
	Show(alert Alert) error
	SetTitle(title string) error
}

type Visibility interface {
	Visible() bool
}

type Options struct {
	Surface    Surface
	Visibility Visibility
	// Title is the bare badge title. Empty uses DefaultTitle.
	Title        string
	SoundEnabled bool
	Logger       zerolog.Logger
}

type Dispatcher struct {
	surface    Surface
	visibility Visibility
	title      string
	logger     zerolog.Logger

	mu         sync.Mutex
	permission Permission
	sound      bool
	lastTitle  string
}

// New reads the surface's permission once. Later prompts only happen while
// the cached answer is still PermissionDefault.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		surface:    opts.Surface,
		visibility: opts.Visibility,
		title:      opts.Title,
		logger:     opts.Logger,
		sound:      opts.SoundEnabled,
	}
	if d.title == "" {
		d.title = DefaultTitle
	}
	if d.surface != nil {
		d.permission = d.surface.Permission()
	}
	return d
}

// Notify shows an alert unless the surface is currently visible.
// Visibility is sampled once, here.
func (d *Dispatcher) Notify(title, body, icon string) {
	if d.surface == nil {
		return
	}
	if d.visibility != nil && d.visibility.Visible() {
		return
	}
	if !d.allowed() {
		return
	}
	d.mu.Lock()
	sound := d.sound
	d.mu.Unlock()
	if sound {
		if err := d.surface.PlaySound(); err != nil {
			d.logger.Debug().Err(err).Msg("notification sound failed")
		}
	}
	if err := d.surface.Show(Alert{Title: title, Body: body, Icon: icon}); err != nil {
		d.logger.Debug().Err(err).Msg("notification failed")
	}
}

func (d *Dispatcher) allowed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.permission {
	case PermissionGranted:
		return true
	case PermissionDenied:
		return false
	}
	result, err := d.surface.RequestPermission()
	if err != nil {
		d.logger.Debug().Err(err).Msg("notification permission request failed")
		return false
	}
	d.permission = result
	return result == PermissionGranted
}

// UpdateBadge writes "(n) title", or the bare title when count is zero.
func (d *Dispatcher) UpdateBadge(count int) {
	if d.surface == nil {
		return
	}
	title := BadgeTitle(d.title, count)
	d.mu.Lock()
	if title == d.lastTitle {
		d.mu.Unlock()
		return
	}
	d.lastTitle = title
	d.mu.Unlock()
	if err := d.surface.SetTitle(title); err != nil {
		d.logger.Debug().Err(err).Msg("badge update failed")
	}
}

func (d *Dispatcher) SetSoundEnabled(enabled bool) {
	d.mu.Lock()
	d.sound = enabled
	d.mu.Unlock()
}

func (d *Dispatcher) SoundEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sound
}

func (d *Dispatcher) Permission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

func BadgeTitle(base string, count int) string {
	if count > 0 {
		return fmt.Sprintf("(%d) %s", count, base)
	}
	return base
}
