package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long the file must stay quiet before a reload.
const DefaultWatchDebounce = 500 * time.Millisecond

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the quiet period that ends a burst of file events.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher reloads a config file after it changes on disk and hands every
// new valid revision to a callback. Edits that leave the content identical
// or fail validation are dropped.
type Watcher struct {
	source   *FileSource
	debounce time.Duration
	logger   *slog.Logger
	onChange func(ChangeEvent)

	fsw      *fsnotify.Watcher
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// applied is the digest of the last revision passed to onChange.
	applied string
}

// NewWatcher creates a Watcher for source.
func NewWatcher(source *FileSource, onChange func(ChangeEvent), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		source:   source,
		debounce: DefaultWatchDebounce,
		logger:   slog.Default(),
		onChange: onChange,
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start records the current revision and begins watching. The parent
// directory is watched rather than the file so rename-over saves and
// ConfigMap symlink swaps are both seen.
func (w *Watcher) Start() error {
	_, digest, err := w.source.read()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	w.applied = digest

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(w.source.Path())
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop ends the watch loop. Calling it more than once is harmless.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.quit)
		w.wg.Wait()
		if w.fsw != nil {
			err = w.fsw.Close()
		}
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	// The timer only fires once the burst of events has gone quiet.
	quiet := time.NewTimer(w.debounce)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-w.quit:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				quiet.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "path", w.source.Path(), "error", err)
		case <-quiet.C:
			w.reload()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Base(ev.Name)
	return name == filepath.Base(w.source.Path()) || strings.HasPrefix(name, "..")
}

func (w *Watcher) reload() {
	cfg, digest, err := w.source.read()
	if err != nil {
		w.logger.Error("config watcher: keeping current config", "path", w.source.Path(), "error", err)
		return
	}
	if digest == w.applied {
		return
	}
	prev := w.applied
	w.applied = digest
	w.logger.Info("config file changed", "path", w.source.Path(), "revision", digest[:12])
	w.onChange(ChangeEvent{
		Source:  w.source.Name(),
		OldHash: prev,
		NewHash: digest,
		Config:  cfg,
		Time:    time.Now(),
	})
}
