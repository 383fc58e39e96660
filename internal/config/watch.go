package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file whenever it is written.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(Config)
	onError func(error)
	done    chan struct{}
}

// Watch starts watching path. The directory is watched so that editors
// replacing the file are seen as well.
func Watch(path string, onLoad func(Config), onError func(error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if onError == nil {
		onError = func(error) {}
	}
	w := &Watcher{path: abs, watcher: fw, onLoad: onLoad, onError: onError, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err == nil {
				err = Validate(cfg)
			}
			if err != nil {
				w.onError(err)
				continue
			}
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(err)
		}
	}
}
