package config

import (
	"errors"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/vita/engine/core"
)

// Watcher reports edits to the config file while the engine is running.
// Lifecycle constants (frames in flight, ring sizes) cannot change under a
// live device timeline, so the watcher never applies them; it reloads the
// file to validate it and tells the user a restart is required.
type Watcher struct {
	path     string
	done     chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed bool
}

func NewWatcher(path string) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     path,
		fsnotify: fsWatch,
		done:     make(chan struct{}),
	}
	// Watch the directory, not the file: editors replace files on save and
	// a watch on the old inode would go silent.
	if err := fsWatch.Add(filepath.Dir(path)); err != nil {
		fsWatch.Close()
		return nil, err
	}
	go w.start()
	return w, nil
}

func (w *Watcher) start() {
	for {
		select {
		case event, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, err := Load(w.path); err != nil {
				core.LogError("config file %s changed but does not validate: %s", w.path, err.Error())
				continue
			}
			core.LogWarn("config file %s changed; lifecycle constants are fixed at startup, restart to apply", w.path)
		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("config watcher error: %s", err.Error())
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) Close() error {
	if w.isClosed {
		return errors.New("config watcher already closed")
	}
	w.isClosed = true
	close(w.done)
	return w.fsnotify.Close()
}
