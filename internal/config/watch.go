package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher notifies on changes to the config file and the automation targets
// file. Editors replace files with rename+create, so parent directories are
// watched and events filtered by basename.
type Watcher struct {
	paths    map[string]bool // absolute file paths of interest
	onChange func(path string)

	fw     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the given files. onChange runs debounced
// on the watcher goroutine; it must not block.
func NewWatcher(onChange func(path string), paths ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		paths:    make(map[string]bool, len(paths)),
		onChange: onChange,
		fw:       fw,
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(ExpandHome(p))
		if err != nil {
			continue
		}
		w.paths[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			slog.Warn("config watch: cannot watch dir", "dir", dir, "error", err)
		}
	}
	return w, nil
}

// Start begins delivering change callbacks until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop halts the watcher and waits for the goroutine to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.fw.Close()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending string
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !w.paths[abs] {
				continue
			}
			pending = abs
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			timerC = nil
			timer = nil
			slog.Debug("config watch: file changed", "path", pending)
			w.onChange(pending)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watch: error", "error", err)
		}
	}
}
