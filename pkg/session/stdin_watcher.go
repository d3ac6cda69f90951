package session

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// stdinPollEvery backstops fsnotify: FIFO writes do not reliably produce
// events on every filesystem.
const stdinPollEvery = 100 * time.Millisecond

// StdinWatcher drains a session's stdin FIFO into the PTY. The FIFO is opened
// non-blocking so the watcher never stalls waiting for a writer.
type StdinWatcher struct {
	path    string
	pty     io.Writer
	fifo    *os.File
	watcher *fsnotify.Watcher

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewStdinWatcher creates the FIFO at path if needed and starts watching it.
func NewStdinWatcher(path string, pty io.Writer) (*StdinWatcher, error) {
	if err := syscall.Mkfifo(path, 0o600); err != nil && !os.IsExist(err) {
		return nil, err
	}

	// O_RDONLY|O_NONBLOCK succeeds immediately even with no writer attached.
	fifo, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fifo.Close()
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		fifo.Close()
		return nil, err
	}

	w := &StdinWatcher{
		path:    path,
		pty:     pty,
		fifo:    fifo,
		watcher: watcher,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *StdinWatcher) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(stdinPollEvery)
	defer ticker.Stop()

	buf := make([]byte, 4096)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Write != 0 {
				w.drain(buf)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			debugLog("[DEBUG] Stdin watcher error on %s: %v", w.path, err)
		case <-ticker.C:
			w.drain(buf)
		}
	}
}

// drain copies everything currently buffered in the FIFO to the PTY.
func (w *StdinWatcher) drain(buf []byte) {
	for {
		n, err := w.fifo.Read(buf)
		if n > 0 {
			if _, werr := w.pty.Write(buf[:n]); werr != nil {
				debugLog("[DEBUG] Stdin watcher: pty write failed: %v", werr)
				return
			}
		}
		if err != nil {
			// EAGAIN and EOF both mean nothing more to read right now.
			if !errors.Is(err, syscall.EAGAIN) && err != io.EOF {
				debugLog("[DEBUG] Stdin watcher: fifo read failed: %v", err)
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

// Stop shuts down the watcher and closes the FIFO read side.
func (w *StdinWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		<-w.doneCh
		w.fifo.Close()
	})
}
