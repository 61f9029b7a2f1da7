package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/orchestra/internal/model"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file on change and hands the result to a
// callback. Reload failures are logged and the previous config stays in
// effect. Editors write config files in bursts, so events are debounced.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(model.Config)
	logger   *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewWatcher starts watching the directory containing path. The watch is
// on the directory, not the file, so atomic rename-into-place saves are
// still observed.
func NewWatcher(path string, debounce time.Duration, onReload func(model.Config), logger *log.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:     path,
		debounce: debounce,
		onReload: onReload,
		logger:   logger,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if timer == nil {
					timer = time.NewTimer(w.debounce)
					timerC = timer.C
				} else {
					timer.Reset(w.debounce)
				}
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("%s ERROR config: watch error=%v", time.Now().Format(time.RFC3339), err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Printf("%s WARN config: reload_failed path=%s error=%v",
			time.Now().Format(time.RFC3339), w.path, err)
		return
	}
	w.logger.Printf("%s INFO config: reloaded path=%s", time.Now().Format(time.RFC3339), w.path)
	w.onReload(cfg)
}

// Close stops the watch loop. Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
