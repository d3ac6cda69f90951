package stream

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher signals that a file may have grown. Implementations coalesce;
// one tick can cover many writes.
type Watcher interface {
	Add(path string) error
	Events() <-chan struct{}
	Close() error
}

// NewWatcher returns an fsnotify-backed watcher, falling back to polling
// when inotify is unavailable.
func NewWatcher() Watcher {
	w, err := newFsnotifyWatcher()
	if err != nil {
		return newPollWatcher(100 * time.Millisecond)
	}
	return w
}

type fsnotifyWatcher struct {
	inner  *fsnotify.Watcher
	events chan struct{}
	done   chan struct{}
}

func newFsnotifyWatcher() (*fsnotifyWatcher, error) {
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &fsnotifyWatcher{
		inner:  inner,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *fsnotifyWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.inner.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				select {
				case w.events <- struct{}{}:
				default:
				}
			}
		case _, ok := <-w.inner.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *fsnotifyWatcher) Add(path string) error   { return w.inner.Add(path) }
func (w *fsnotifyWatcher) Events() <-chan struct{} { return w.events }

func (w *fsnotifyWatcher) Close() error {
	close(w.done)
	return w.inner.Close()
}

// pollWatcher checks file size on a timer. Ticks fire regardless of change;
// the consumer re-stats anyway.
type pollWatcher struct {
	interval time.Duration
	events   chan struct{}
	done     chan struct{}
	paths    chan string
}

func newPollWatcher(interval time.Duration) *pollWatcher {
	w := &pollWatcher{
		interval: interval,
		events:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		paths:    make(chan string, 4),
	}
	go w.run()
	return w
}

func (w *pollWatcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var watched []string
	sizes := make(map[string]int64)
	for {
		select {
		case <-w.done:
			return
		case p := <-w.paths:
			watched = append(watched, p)
		case <-ticker.C:
			changed := false
			for _, p := range watched {
				st, err := os.Stat(p)
				if err != nil {
					continue
				}
				if st.Size() != sizes[p] {
					sizes[p] = st.Size()
					changed = true
				}
			}
			if changed {
				select {
				case w.events <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (w *pollWatcher) Add(path string) error   { w.paths <- path; return nil }
func (w *pollWatcher) Events() <-chan struct{} { return w.events }
func (w *pollWatcher) Close() error            { close(w.done); return nil }
