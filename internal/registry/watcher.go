package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/log"
)

// watcherDebounce is §4.D's file-watcher debounce window: a burst of
// filesystem events within this period collapses into one Reconcile.
const watcherDebounce = 250 * time.Millisecond

// Watcher drives a Registry's Reconcile calls from filesystem change
// events under a FilesystemLoader's root, debouncing bursts the way
// am.ConfigWatcher debounces config file rewrites.
type Watcher struct {
	registry *Registry
	loader   *FilesystemLoader
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a fsnotify watcher rooted at loader's directory tree.
// It adds every existing subdirectory so bundle files nested below Root
// are observed too.
func NewWatcher(registry *Registry, loader *FilesystemLoader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(err, "create fsnotify watcher")
	}

	w := &Watcher{registry: registry, loader: loader, watcher: fw}

	err = filepath.WalkDir(loader.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if addErr := fw.Add(path); addErr != nil {
				return addErr
			}
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return nil, errs.Wrapf(err, "watch filesystem root %s", loader.Root)
	}

	return w, nil
}

// Run blocks, reconciling the registry on every debounced batch of
// filesystem events, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	go func() {
		<-ctx.Done()
		w.watcher.Close()
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReconcile(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnw("registry watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) scheduleReconcile(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watcherDebounce, func() {
		if err := w.registry.Reconcile(ctx, w.loader); err != nil {
			log.Warnw("registry reconcile from watcher failed", "error", err)
		}
	})
}
