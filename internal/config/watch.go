package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/logging"
)

// ReloadHandler receives the freshly loaded configuration after a file
// change. Handlers must tolerate being called more than once per edit;
// editors produce bursts of write events.
type ReloadHandler func(cfg *Config)

// Watcher hot-reloads the config file. Only dynamic settings take effect at
// runtime: the log level is applied directly, everything else is offered to
// the registered handlers. Structural settings (store path, ports) need a
// restart.
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu       sync.Mutex
	handlers []ReloadHandler
	stopped  bool
}

// NewWatcher watches one config file. The file's directory is watched, not
// the file itself; atomic-rename editors replace the inode on save.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		logger:  logger,
		watcher: fsw,
		stopCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnReload registers a handler for config changes.
func (w *Watcher) OnReload(h ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

func (w *Watcher) loop() {
	// Debounce: editors emit several events per save.
	var pending <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// A bad edit keeps the previous configuration.
		w.logger.Error("Config reload failed, keeping previous", zap.Error(err))
		return
	}

	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		w.logger.Warn("Reloaded config has invalid log level", zap.Error(err))
	} else {
		w.logger.Info("Configuration reloaded",
			zap.String("path", w.path),
			zap.String("log_level", cfg.Logging.Level),
		)
	}

	w.mu.Lock()
	handlers := make([]ReloadHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()
	for _, h := range handlers {
		h(cfg)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	return w.watcher.Close()
}
