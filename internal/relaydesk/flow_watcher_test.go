package relaydesk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFlowWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("initial: A\nstates: [A, B]\n"), 0o644))

	watcher, err := NewFlowWatcher(path, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, watcher.Flow().Has("C"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("initial: A\nstates: [A, B, C]\n"), 0o644))
	require.Eventually(t, func() bool {
		return watcher.Flow().Has("C")
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	before := watcher.Reloads()
	require.NoError(t, os.WriteFile(path, []byte("initial: Z\nstates: [A]\n"), 0o644))
	time.Sleep(400 * time.Millisecond)
	require.True(t, watcher.Flow().Has("C"), "invalid reload must keep the previous flow")
	require.Equal(t, before, watcher.Reloads())

	cancel()
	require.NoError(t, <-done)
}

func TestNewFlowWatcherRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("states: []\n"), 0o644))
	_, err := NewFlowWatcher(path, zerolog.Nop())
	require.ErrorIs(t, err, ErrInvalidInput)
}
