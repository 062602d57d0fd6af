package am

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/logger"
)

// ReloadCallback is called with the freshly loaded config. The hub uses it
// to swap the sync peer set and ticker interval without a restart.
type ReloadCallback func(*Config) error

// Loader produces the config a watcher hands to its callbacks
type Loader func() (*Config, error)

// ConfigWatcher watches one config file and reloads after writes settle
type ConfigWatcher struct {
	configPath string
	load       Loader
	watcher    *fsnotify.Watcher
	log        *zap.SugaredLogger

	mu        sync.Mutex
	callbacks []ReloadCallback
	debounce  time.Duration
	timer     *time.Timer
	done      chan struct{}
	stopOnce  sync.Once
}

// NewConfigWatcher watches configPath. A nil load re-reads configPath alone.
func NewConfigWatcher(configPath string, load Loader) (*ConfigWatcher, error) {
	if load == nil {
		load = func() (*Config, error) { return LoadFromFile(configPath) }
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	// Editors replace files by rename, so the directory is watched and
	// events are filtered by name.
	if err := w.Add(filepath.Dir(configPath)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}
	return &ConfigWatcher{
		configPath: filepath.Clean(configPath),
		load:       load,
		watcher:    w,
		log:        logger.ComponentLogger("am"),
		debounce:   500 * time.Millisecond,
		done:       make(chan struct{}),
	}, nil
}

// OnReload registers a callback run after every successful reload
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start begins watching in the background
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.configPath || isBackupFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cw.log.Debugw("Config file changed",
				"file", event.Name,
				"op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warnw("Config watcher error",
				logger.FieldError, err)
		}
	}
}

func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		if err := cw.reload(); err != nil {
			cw.log.Errorw("Config reload failed",
				logger.FieldError, err)
		}
	})
}

// reload loads and validates the file, then runs every callback. An
// invalid file leaves the running config untouched.
func (cw *ConfigWatcher) reload() error {
	Reset()
	cfg, err := cw.load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid, keeping previous settings")
	}
	cw.log.Infow("Config reloaded",
		"path", cw.configPath)

	cw.mu.Lock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	var errs error
	for _, callback := range callbacks {
		if err := callback(cfg); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// Stop ends the watch loop and cancels a pending reload
func (cw *ConfigWatcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		close(cw.done)
		cw.mu.Lock()
		if cw.timer != nil {
			cw.timer.Stop()
		}
		cw.mu.Unlock()
		err = cw.watcher.Close()
	})
	return err
}

// isBackupFile matches the .back1..back3 copies written by AddPeer/RemovePeer
func isBackupFile(path string) bool {
	ext := filepath.Ext(path)
	return strings.HasPrefix(ext, ".back") && len(ext) == len(".back1")
}
