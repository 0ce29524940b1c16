package relaydesk

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const flowReloadDebounce = 100 * time.Millisecond

// FlowSource hands out the flow that is active right now. Callers must not
// hold on to the result across operations.
type FlowSource interface {
	Flow() *Flow
}

type staticFlow struct {
	flow *Flow
}

func StaticFlow(flow *Flow) FlowSource {
	return staticFlow{flow: flow}
}

func (s staticFlow) Flow() *Flow {
	return s.flow
}

// FlowWatcher serves a flow loaded from a file and swaps in a new one each
// time the file changes. A reload that fails to parse or validate is logged
// and the previous flow stays active.
type FlowWatcher struct {
	path    string
	logger  zerolog.Logger
	current atomic.Pointer[Flow]
	reloads atomic.Int64
}

func NewFlowWatcher(path string, logger zerolog.Logger) (*FlowWatcher, error) {
	flow, err := LoadFlowFile(path)
	if err != nil {
		return nil, err
	}
	w := &FlowWatcher{path: path, logger: logger}
	w.current.Store(flow)
	return w, nil
}

func (w *FlowWatcher) Flow() *Flow {
	return w.current.Load()
}

// Reloads counts successful reloads since start.
func (w *FlowWatcher) Reloads() int64 {
	return w.reloads.Load()
}

// Run watches the directory holding the flow file until ctx is done. The
// directory is watched rather than the file so that editors which replace
// the file by rename keep triggering reloads.
func (w *FlowWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	target := filepath.Clean(w.path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(flowReloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Str("path", w.path).Msg("flow watcher error")
		case <-debounce:
			debounce = nil
			w.reload()
		}
	}
}

func (w *FlowWatcher) reload() {
	flow, err := LoadFlowFile(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("flow reload rejected, keeping previous flow")
		return
	}
	w.current.Store(flow)
	w.reloads.Add(1)
	w.logger.Info().Str("path", w.path).Str("flow", flow.Name()).Msg("flow reloaded")
}
