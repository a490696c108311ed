// Package watcher hot-reloads the accounts file when it changes on disk.
package watcher

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/pool"
	"github.com/fsnotify/fsnotify"
)

const debounce = 500 * time.Millisecond

// Watcher observes the accounts file's parent directory (editors replace
// files by rename, which a direct file watch would lose) and reloads the
// pool after a short debounce.
type Watcher struct {
	pool *pool.Pool
	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// New starts watching the pool's backing file.
func New(p *pool.Pool) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(p.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		pool: p,
		fsw:  fsw,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run()

	slog.Info("watching accounts file", "path", p.Path())
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)

	target := filepath.Clean(w.pool.Path())
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce: editors and atomic saves fire bursts of events.
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if reloaded, err := w.pool.ReloadIfChanged(); err != nil {
				slog.Error("accounts reload failed", "error", err)
			} else if reloaded {
				slog.Info("accounts reloaded", "count", w.pool.Len())
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("accounts watcher error", "error", err)
		}
	}
}

// Stop halts the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	w.fsw.Close()
	<-w.done
}
