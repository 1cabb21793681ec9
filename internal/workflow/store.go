package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current workflow definition. Readers always see a complete,
// validated definition; reloads swap it atomically.
type Store struct {
	current atomic.Pointer[Definition]
}

// NewStore returns a store seeded with def.
func NewStore(def *Definition) *Store {
	s := &Store{}
	s.current.Store(def)
	return s
}

// Current returns the active definition.
func (s *Store) Current() *Definition {
	return s.current.Load()
}

// Replace installs def as the active definition.
func (s *Store) Replace(def *Definition) {
	s.current.Store(def)
}

// Reload loads path and swaps it in. On any error the previous definition
// stays active.
func (s *Store) Reload(path string) (*Definition, error) {
	def, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s.Replace(def)
	return def, nil
}

// defaultDebounce coalesces the burst of events editors produce on save.
const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a workflow file into a Store whenever it changes on disk.
type Watcher struct {
	path     string
	store    *Store
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a Watcher for path. A nil logger uses slog.Default().
func NewWatcher(path string, store *Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		store:    store,
		logger:   logger,
		debounce: defaultDebounce,
	}
}

// Run watches the file's directory until ctx is cancelled. The directory is
// watched rather than the file so that atomic rename-on-save is observed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(w.path)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

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
				timer.Reset(w.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.ErrorContext(ctx, "workflow watcher error", "error", err)
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	def, err := w.store.Reload(w.path)
	if err != nil {
		w.logger.ErrorContext(ctx, "workflow reload rejected, keeping previous definition",
			"path", w.path,
			"error", err,
		)
		return
	}
	for _, warning := range def.Warnings() {
		w.logger.WarnContext(ctx, "workflow warning", "path", w.path, "warning", warning)
	}
	w.logger.InfoContext(ctx, "workflow reloaded", "path", w.path, "steps", def.Len())
}
