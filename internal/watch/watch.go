// Package watch revalidates a blueprint file whenever it changes on disk.
// Events are debounced so a burst of rapid saves triggers one revalidation
// after the file settles. The watcher only observes and reports; what
// "revalidate" means is injected by the caller.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Revalidate is invoked once per settled change burst with the path that
// changed.
type Revalidate func(ctx context.Context, path string) error

// Stats tracks watcher activity.
type Stats struct {
	Events        int
	Revalidations int
	Failures      int
	LastEventAt   time.Time
	LastEventPath string
}

// Config holds the watcher knobs.
type Config struct {
	Debounce time.Duration
}

// Watcher monitors one blueprint file. It watches the parent directory
// rather than the file itself so editors that replace the file by rename
// keep triggering events.
type Watcher struct {
	watcher     *fsnotify.Watcher
	path        string
	dir         string
	revalidate  Revalidate
	debounceDur time.Duration
	logger      *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	mu          sync.RWMutex
	running     bool
	debounceMap map[string]time.Time
	stats       Stats
}

// New creates a watcher for the given blueprint file. The file does not
// have to exist yet; its directory does.
func New(path string, revalidate Revalidate, cfg Config, logger *zap.Logger) (*Watcher, error) {
	if revalidate == nil {
		return nil, errors.New("revalidate callback is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &Watcher{
		watcher:     fsw,
		path:        abs,
		dir:         filepath.Dir(abs),
		revalidate:  revalidate,
		debounceDur: debounce,
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		debounceMap: make(map[string]time.Time),
	}, nil
}

// Start begins watching. It is non-blocking; events are handled on a
// background goroutine until Stop is called or ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.logger.Info("watching blueprint",
		zap.String("path", w.path),
		zap.Duration("debounce", w.debounceDur))

	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("closing file watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// The ticker drives settle detection; a fraction of the debounce
	// window keeps the latency low without spinning.
	tick := w.debounceDur / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
			w.mu.Lock()
			w.stats.Failures++
			w.mu.Unlock()
		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEventAt = time.Now()
	w.stats.LastEventPath = event.Name
	w.debounceMap[w.path] = time.Now()
	w.mu.Unlock()

	w.logger.Debug("blueprint changed", zap.String("op", event.Op.String()))
}

// processSettled fires the callback for paths whose last event is older
// than the debounce window.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			w.logger.Debug("blueprint removed, skipping revalidation", zap.String("path", path))
			continue
		}

		w.mu.Lock()
		w.stats.Revalidations++
		w.mu.Unlock()

		if err := w.revalidate(ctx, path); err != nil {
			w.mu.Lock()
			w.stats.Failures++
			w.mu.Unlock()
			w.logger.Error("revalidation failed", zap.String("path", path), zap.Error(err))
			continue
		}
		w.logger.Info("revalidation passed", zap.String("path", path))
	}
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
