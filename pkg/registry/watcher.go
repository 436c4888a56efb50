package registry

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a manifest file when it changes and applies it to a
// registry. The parent directory is watched so editors that replace the
// file atomically are handled.
type Watcher struct {
	watcher  *fsnotify.Watcher
	registry *Registry
	path     string
	logger   zerolog.Logger
	onChange func(changed []string)
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	once   sync.Once
}

// NewWatcher starts watching path. onChange receives the tool names whose
// eligibility flipped after each reload; it may be nil.
func NewWatcher(reg *Registry, path string, logger zerolog.Logger, onChange func([]string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		registry: reg,
		path:     abs,
		logger:   logger,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().Str("file", filepath.Base(event.Name)).Str("op", event.Op.String()).Msg("Manifest change detected")
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Manifest watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	m, err := LoadManifest(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Failed to reload tool manifest")
		return
	}
	changed := w.registry.ApplyManifest(m)
	w.logger.Info().Strs("changed", changed).Msg("Tool manifest reloaded")
	if w.onChange != nil {
		w.onChange(changed)
	}
}
