package modhost

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce suppresses duplicate change events for the same path,
// since editors and copy tools fire several writes per save.
const watchDebounce = 500 * time.Millisecond

// SourceWatcher watches the modules directory for changes to module
// units. It only reports: a changed unit is flagged so operators and
// observers know the on-disk source no longer matches what was loaded.
// Re-parsing and reloading stay explicit operations.
type SourceWatcher struct {
	dir    string
	logger Logger
	emit   EventEmitter

	registry *Registry

	running      bool
	runningMutex sync.Mutex
	stopChan     chan struct{}
	wg           sync.WaitGroup

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewSourceWatcher creates a watcher over the modules directory. The
// registry is used to correlate changed paths with registered modules.
func NewSourceWatcher(dir string, registry *Registry, logger Logger) *SourceWatcher {
	return &SourceWatcher{
		dir:      dir,
		registry: registry,
		logger:   logger,
		stopChan: make(chan struct{}),
		lastSeen: make(map[string]time.Time),
	}
}

// WithEmitter sets the event emitter for source change events.
func (w *SourceWatcher) WithEmitter(emit EventEmitter) *SourceWatcher {
	w.emit = emit
	return w
}

// Start begins watching. Returns ErrWatcherAlreadyRunning when called on
// a running watcher.
func (w *SourceWatcher) Start(ctx context.Context) error {
	w.runningMutex.Lock()
	defer w.runningMutex.Unlock()

	if w.running {
		return ErrWatcherAlreadyRunning
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}

	if err := w.addRecursive(watcher, w.dir); err != nil {
		watcher.Close()
		return err
	}

	w.running = true
	w.stopChan = make(chan struct{})
	w.wg.Add(1)
	go w.watchLoop(ctx, watcher)

	w.logger.Info("Source watcher started", "dir", w.dir)
	return nil
}

// Stop terminates the watch loop.
func (w *SourceWatcher) Stop() {
	w.runningMutex.Lock()
	if !w.running {
		w.runningMutex.Unlock()
		return
	}
	w.running = false
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	w.runningMutex.Unlock()

	w.wg.Wait()
	w.logger.Info("Source watcher stopped")
}

func (w *SourceWatcher) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("Skipping unwatchable path", "path", path, "error", err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			if werr := watcher.Add(path); werr != nil {
				return fmt.Errorf("watching %s: %w", path, werr)
			}
		}
		return nil
	})
}

func (w *SourceWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Filesystem watcher error", "error", err)
		}
	}
}

func (w *SourceWatcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	// New directories get watched so units in them are seen too. For a
	// created file addRecursive is a no-op walk.
	if event.Op.Has(fsnotify.Create) {
		if err := w.addRecursive(watcher, event.Name); err != nil {
			w.logger.Warn("Failed to watch new path", "path", event.Name, "error", err)
		}
	}

	if !strings.HasSuffix(event.Name, moduleFileExt) {
		return
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	if w.debounced(event.Name) {
		return
	}

	module := w.moduleForPath(event.Name)
	w.logger.Warn("Module source changed on disk",
		"path", event.Name, "op", event.Op.String(), "module", module)
	data := map[string]any{"path": event.Name, "op": event.Op.String()}
	if module != "" {
		data["module"] = module
	}
	if w.emit != nil {
		w.emit(EventTypeSourceChanged, data)
	}
}

// debounced reports whether an event for this path fired inside the
// debounce window.
func (w *SourceWatcher) debounced(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if last, seen := w.lastSeen[path]; seen && now.Sub(last) < watchDebounce {
		return true
	}
	w.lastSeen[path] = now

	// Keep the debounce map from growing with dead paths.
	for p, t := range w.lastSeen {
		if now.Sub(t) > 10*watchDebounce {
			delete(w.lastSeen, p)
		}
	}
	return false
}

// moduleForPath finds the registered module whose source is the given
// path, if any.
func (w *SourceWatcher) moduleForPath(path string) string {
	for _, info := range w.registry.Snapshot() {
		if info.Descriptor.Source == path {
			return info.Descriptor.Name
		}
	}
	return ""
}
