package stream

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vibetunnel/core/pkg/protocol"
	"github.com/vibetunnel/core/pkg/session"
)

const (
	// How long to wait for the stream file to appear before giving up.
	// Covers the window between session creation and the first header write.
	fileWaitTimeout = 5 * time.Second
	fileWaitEvery   = 50 * time.Millisecond
)

// Handler receives decoded stream events in file order.
type Handler struct {
	OnHeader func(h *protocol.Header)
	OnEvent  func(ev *protocol.Event)
	// OnError is called once on a fatal stream error, after which the
	// follower stops.
	OnError func(err error)
}

// Follower tails a session's stream-out file: it replays from the beginning,
// then follows appends until the exit event, Stop, or a stream error. Lines
// split across writes are carried until complete.
type Follower struct {
	sessionID string
	path      string
	handler   Handler

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewFollower starts tailing the stream file for a session.
func NewFollower(sessionID, path string, handler Handler) *Follower {
	f := &Follower{
		sessionID: sessionID,
		path:      path,
		handler:   handler,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go f.run()
	return f
}

// Stop halts the follower. Safe to call more than once.
func (f *Follower) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	<-f.doneCh
}

// Done is closed when the follower finishes for any reason.
func (f *Follower) Done() <-chan struct{} { return f.doneCh }

func (f *Follower) run() {
	defer close(f.doneCh)

	file, err := f.waitForFile()
	if err != nil {
		f.fail(err)
		return
	}
	defer file.Close()

	watcher := NewWatcher()
	defer watcher.Close()
	if err := watcher.Add(f.path); err != nil {
		f.fail(session.WrapError(session.ErrIO, f.sessionID, "failed to watch stream file", err))
		return
	}

	var (
		offset     int64
		carry      []byte
		headerSeen bool
	)

	// Poll backstop: some writes slip past inotify on network filesystems.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	statFailures := 0
	process := func() (done bool) {
		st, err := os.Stat(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				// Session cleanup removed the file; ordinary teardown,
				// not a stream failure.
				debugLogf("[DEBUG] Stream file for session %s removed, stopping follower", f.sessionID)
				return true
			}
			// Transient I/O gets retried with backoff before giving up.
			statFailures++
			if statFailures > 4 {
				f.fail(session.WrapError(session.ErrIO, f.sessionID, "cannot stat stream file", err))
				return true
			}
			time.Sleep(time.Duration(1<<statFailures) * 50 * time.Millisecond)
			return false
		}
		statFailures = 0
		if st.Size() < offset {
			// Append-only contract: a shrinking file means the stream
			// was truncated or replaced underneath us.
			f.fail(session.NewError(session.ErrStreamCorrupt, f.sessionID,
				fmt.Sprintf("stream file shrank from %d to %d bytes", offset, st.Size())))
			return true
		}
		if st.Size() == offset {
			return false
		}

		buf := make([]byte, st.Size()-offset)
		n, _ := file.ReadAt(buf, offset)
		if n > 0 {
			offset += int64(n)
			carry = append(carry, buf[:n]...)
			var exit bool
			var cerr error
			carry, exit, cerr = f.consume(carry, &headerSeen)
			if exit {
				return true
			}
			if cerr != nil {
				f.fail(cerr)
				return true
			}
		}
		return false
	}

	if process() {
		return
	}
	for {
		select {
		case <-f.stopCh:
			return
		case <-watcher.Events():
			if process() {
				return
			}
		case <-ticker.C:
			if process() {
				return
			}
		}
	}
}

// consume parses complete lines out of buf and dispatches them. The
// unterminated tail is returned as the new carry.
func (f *Follower) consume(buf []byte, headerSeen *bool) (rest []byte, exit bool, err error) {
	for {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			return buf, false, nil
		}
		line := buf[:nl]
		buf = buf[nl+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		if !*headerSeen {
			h, herr := protocol.ParseHeader(line)
			if herr != nil {
				return nil, false, session.WrapError(session.ErrStreamCorrupt, f.sessionID, "bad stream header", herr)
			}
			*headerSeen = true
			if f.handler.OnHeader != nil {
				f.handler.OnHeader(h)
			}
			continue
		}

		ev, perr := protocol.ParseEvent(line)
		if perr != nil {
			// A malformed line mid-stream is tolerated; the writer may
			// have been killed mid-write on the final line.
			continue
		}
		if f.handler.OnEvent != nil {
			f.handler.OnEvent(ev)
		}
		if ev.Type == protocol.EventExit {
			return nil, true, nil
		}
	}
}

func (f *Follower) waitForFile() (*os.File, error) {
	deadline := time.Now().Add(fileWaitTimeout)
	for {
		file, err := os.Open(f.path)
		if err == nil {
			return file, nil
		}
		if !os.IsNotExist(err) {
			return nil, session.WrapError(session.ErrIO, f.sessionID, "failed to open stream file", err)
		}
		if time.Now().After(deadline) {
			return nil, session.NewError(session.ErrNotFound, f.sessionID, "stream file never appeared")
		}
		select {
		case <-f.stopCh:
			return nil, session.NewError(session.ErrIO, f.sessionID, "follower stopped")
		case <-time.After(fileWaitEvery):
		}
	}
}

func (f *Follower) fail(err error) {
	if f.handler.OnError != nil {
		f.handler.OnError(err)
	}
}
