package library

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openfroyo/stratus/pkg/model"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is the debounce delay between a change and the reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads a library when its files change.
type Watcher struct {
	loader      *Loader
	path        string
	reloadDelay time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher for the library at path.
func NewWatcher(loader *Loader, path string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:      loader,
		path:        path,
		reloadDelay: DefaultReloadDelay,
		logger:      logger.With().Str("component", "library-watcher").Str("path", path).Logger(),
	}
}

// SetReloadDelay overrides the debounce delay.
func (w *Watcher) SetReloadDelay(d time.Duration) {
	w.reloadDelay = d
}

// Watch starts watching and calls onReload with every successfully reloaded
// library. Reload errors are logged and the previous library stays in use.
// Watching stops when ctx is done.
func (w *Watcher) Watch(ctx context.Context, onReload func(*model.Library)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	info, err := os.Stat(w.path)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to stat library path: %w", err)
	}

	if info.IsDir() {
		err = filepath.WalkDir(w.path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(p)
			}
			return nil
		})
	} else {
		// editors replace files on save, so watch the parent directory
		err = watcher.Add(filepath.Dir(w.path))
	}
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch library: %w", err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher, onReload)

	w.logger.Info().Msg("Started watching library")
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	if w.watcher != nil {
		err := w.watcher.Close()
		w.watcher = nil
		return err
	}
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onReload func(*model.Library)) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Library file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.reloadDelay, func() {
				w.reload(ctx, onReload)
			})
			w.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if !strings.HasSuffix(event.Name, ".cue") {
		return false
	}
	if info, err := os.Stat(w.path); err == nil && !info.IsDir() {
		return filepath.Clean(event.Name) == filepath.Clean(w.path)
	}
	return true
}

func (w *Watcher) reload(ctx context.Context, onReload func(*model.Library)) {
	if ctx.Err() != nil {
		return
	}

	lib, err := w.loader.Load(ctx, w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload library")
		return
	}

	w.logger.Info().Str("library", lib.ID).Msg("Library reloaded")
	onReload(lib)
}
