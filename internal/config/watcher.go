package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/relaygrid/prfc/internal/logging"
)

// Watcher observes path's directory for writes and hot-swaps a validated
// reload into the Manager (spec §4.9). Watching the directory rather than
// the file directly follows the teacher's HotReloadSystem, since editors
// commonly replace a file via rename rather than in-place write.
type Watcher struct {
	path     string
	manager  *Manager
	log      logging.Logger
	watcher  *fsnotify.Watcher
	onReload func(ControllerConfig)
}

// OnReload registers fn to run with the newly active config after each
// successful hot-swap (spec §4.9 — "swapped into the running controller").
// Must be set before Run is called; nil (the default) drops the
// notification.
func (w *Watcher) OnReload(fn func(ControllerConfig)) {
	w.onReload = fn
}

// NewWatcher constructs a Watcher for path against manager. log may be nil,
// in which case reload outcomes are silently dropped (tests only).
func NewWatcher(path string, manager *Manager, log logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}
	return &Watcher{path: path, manager: manager, log: log, watcher: fw}, nil
}

// Run blocks, applying reloads to Manager until ctx is cancelled. An
// invalid or unparsable write is logged at error and the previous config
// remains active (P9); a write that doesn't change the checksum is a
// silent no-op.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			swapped, err := w.manager.TryReload(w.path)
			if err != nil {
				if w.log != nil {
					w.log.ErrorCtx(ctx, "config reload rejected, keeping previous config", "path", w.path, "error", err.Error())
				}
				continue
			}
			if swapped {
				if w.log != nil {
					w.log.InfoCtx(ctx, "config reloaded", "path", w.path)
				}
				if w.onReload != nil {
					w.onReload(w.manager.Current())
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.ErrorCtx(ctx, "config watcher error", "error", err.Error())
			}
		case <-ctx.Done():
			return
		}
	}
}
