package nml

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/rtcms/pkg/log"
)

// DefaultDebounce is how long a file must stay quiet before it is reloaded.
const DefaultDebounce = 100 * time.Millisecond

// ReloadEvent reports the outcome of one reload.
type ReloadEvent struct {
	Result LoadResult
	// Err is set when the reload was rejected; the previous generation stays loaded.
	Err error
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Debounce delays a reload until writes to a file settle.
	// Default: 100 milliseconds
	Debounce time.Duration

	// OnReload is called after each reload attempt, from the reload goroutine.
	OnReload func(ReloadEvent)

	Logger log.Logger
}

// Watcher reloads catalog files when they change on disk.
type Watcher struct {
	catalog  *Catalog
	debounce time.Duration
	onReload func(ReloadEvent)
	logger   log.Logger

	mu     sync.Mutex
	files  map[string]bool
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the given catalog. Files are added with Watch.
func NewWatcher(c *Catalog, cfg WatcherConfig) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Watcher{
		catalog:  c,
		debounce: cfg.Debounce,
		onReload: cfg.OnReload,
		logger:   log.OrNoop(cfg.Logger),
		files:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
}

// Watch adds path to the set of files reloaded on change. It must be
// called before Run.
func (w *Watcher) Watch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[canonicalPath(path)] = true
}

// Run watches the directories of the watched files until ctx is done.
// Directories are watched rather than files so that editors which replace
// a file by rename keep being observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("nml: create watcher: %w", err)
	}
	defer fw.Close()

	dirs := map[string]bool{}
	w.mu.Lock()
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	w.mu.Unlock()
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			return fmt.Errorf("nml: watch %s: %w", d, err)
		}
	}

	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path := canonicalPath(event.Name)
			w.mu.Lock()
			watched := w.files[path]
			w.mu.Unlock()
			if watched {
				w.schedule(ctx, path)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("nml watcher error", log.Err(err))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t := w.timers[path]; t != nil && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		if ctx.Err() != nil {
			return
		}
		w.reload(path)
	})
}

func (w *Watcher) reload(path string) {
	res, err := w.catalog.Load(path)
	if err != nil {
		w.logger.Error("nml reload rejected, keeping previous generation",
			log.String("file", path), log.Err(err))
	} else {
		w.logger.Info("nml file reloaded",
			log.String("file", path), log.Int("buffers", res.Buffers), log.Int("processes", res.Processes))
	}
	if w.onReload != nil {
		w.onReload(ReloadEvent{Result: LoadResult{File: path, Buffers: res.Buffers, Processes: res.Processes}, Err: err})
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
