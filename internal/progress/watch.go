package progress

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// OutboxWatcher reloads a file-backed outbox when another process rewrites
// the snapshot, so concurrent writers converge instead of clobbering each
// other silently.
type OutboxWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchOutboxFile watches the snapshot's directory (the file itself is
// replaced by rename on every save) and calls onChange after each reload.
func WatchOutboxFile(path string, outbox *Outbox, onChange func(), logger Logger) (*OutboxWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" || outbox == nil {
		return nil, ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &OutboxWatcher{watcher: watcher, done: make(chan struct{})}
	name := filepath.Base(path)
	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				outbox.Reload()
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("outbox watch: %v", err)
				}
			}
		}
	}()
	return w, nil
}

func (w *OutboxWatcher) Close() error {
	if w == nil || w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
