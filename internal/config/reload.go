package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the reloader waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// ApplyFunc receives a freshly loaded and validated config.
type ApplyFunc func(cfg *Config)

// Reloader watches the config file and re-applies it on change.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	apply    ApplyFunc
	log      *zap.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewReloader watches the directory holding path so that editors that
// replace the file by rename are still seen.
func NewReloader(path string, apply ApplyFunc, logger *zap.Logger) (*Reloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &Reloader{
		watcher:  watcher,
		path:     abs,
		apply:    apply,
		log:      logger.Named("reload"),
		debounce: DefaultDebounce,
	}, nil
}

// SetDebounce overrides the debounce delay. Call before Run.
func (r *Reloader) SetDebounce(d time.Duration) { r.debounce = d }

// Run watches for config changes. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()
	defer r.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				r.schedule()
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.reload)
}

func (r *Reloader) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *Reloader) reload() {
	cfg, err := Load(r.path)
	if err != nil {
		r.log.Warn("hot-reload failed", zap.String("path", r.path), zap.Error(err))
		return
	}
	r.apply(cfg)
	r.log.Info("hot-reload: config reloaded",
		zap.String("path", r.path),
		zap.Strings("name_filters", cfg.Monitoring.NameFilters))
}
