package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"membrane/internal/logging"
)

// Watcher watches a single config file for edits and logs a
// restart-required notice on change. It never reloads or re-applies
// configuration: segment and pool shape is placement-constructed at
// segment creation (spec.md §4.9) and cannot change without recreating
// the segment, so a live edit only ever takes effect on the next router
// restart.
type Watcher struct {
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// WatchFile starts watching path. Call Close to stop.
func WatchFile(path string, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{
		logger:  logging.Default(logger).With("component", "config-watcher"),
		watcher: w,
		stop:    make(chan struct{}),
	}
	go cw.run(path)
	return cw, nil
}

func (w *Watcher) run(path string) {
	defer w.watcher.Close()
	for {
		select {
		case <-w.stop:
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Warn("config file changed; restart required to apply segment/pool/capacity changes", "path", path)
		}
	}
}

// Close stops the watcher goroutine.
func (w *Watcher) Close() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}
