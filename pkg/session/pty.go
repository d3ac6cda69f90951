package session

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/vibetunnel/core/pkg/protocol"
)

// Host owns the PTY for one spawned session: the child process, the stream
// recorder and the stdin FIFO drain.
type Host struct {
	session *Session
	cmd     *exec.Cmd
	ptmx    *os.File
	writer  *protocol.StreamWriter
	stdin   *StdinWatcher

	tapMu sync.Mutex
	taps  []io.Writer

	cbMu    sync.Mutex
	exitCbs []func(code int)

	done     chan struct{}
	exitCode int
}

// NewHost spawns the session's command on a fresh PTY and prepares the
// stream-out recorder and stdin FIFO. Call start to begin pumping.
func NewHost(s *Session) (*Host, error) {
	info := s.Info()

	if st, err := os.Stat(info.WorkingDir); err != nil || !st.IsDir() {
		return nil, NewError(ErrSpawnFailed, s.ID, fmt.Sprintf("working directory does not exist: %s", info.WorkingDir))
	}

	cmd := exec.Command(info.Command[0], info.Command[1:]...)
	cmd.Dir = info.WorkingDir
	cmd.Env = buildEnv(info)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(info.Cols),
		Rows: uint16(info.Rows),
	})
	if err != nil {
		return nil, WrapError(ErrSpawnFailed, s.ID, fmt.Sprintf("failed to start %s", info.Command[0]), err)
	}

	streamFile, err := os.OpenFile(s.StreamOutPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		cmd.Process.Kill()
		ptmx.Close()
		return nil, WrapError(ErrSpawnFailed, s.ID, "failed to create stream file", err)
	}

	writer, err := protocol.NewStreamWriter(streamFile, &protocol.Header{
		Version: 2,
		Width:   uint32(info.Cols),
		Height:  uint32(info.Rows),
		Command: strings.Join(info.Command, " "),
		Title:   info.Name,
		Env: map[string]string{
			"TERM": info.Term,
		},
	})
	if err != nil {
		cmd.Process.Kill()
		ptmx.Close()
		streamFile.Close()
		return nil, WrapError(ErrSpawnFailed, s.ID, "failed to write stream header", err)
	}

	stdin, err := NewStdinWatcher(s.StdinPath(), ptmx)
	if err != nil {
		cmd.Process.Kill()
		ptmx.Close()
		writer.Close()
		return nil, WrapError(ErrSpawnFailed, s.ID, "failed to set up stdin pipe", err)
	}

	return &Host{
		session: s,
		cmd:     cmd,
		ptmx:    ptmx,
		writer:  writer,
		stdin:   stdin,
		done:    make(chan struct{}),
	}, nil
}

func buildEnv(info Info) []string {
	env := os.Environ()
	for k, v := range info.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TERM="+info.Term,
		"VIBETUNNEL_SESSION_ID="+info.ID,
	)
	return env
}

// start launches the PTY read loop and the reaper.
func (h *Host) start() {
	go h.readLoop()
	go h.waitLoop()
}

// readLoop pumps PTY output into the stream recorder and any attached taps.
// A stream write failure ends the session: the recording is the session's
// contract, so the child is asked to exit and the loop keeps draining the
// PTY until it does.
func (h *Host) readLoop() {
	buf := make([]byte, 32*1024)
	streamFailed := false
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			if werr := h.writer.WriteOutput(buf[:n]); werr != nil && !streamFailed {
				streamFailed = true
				log.Printf("[ERROR] Session %s: stream write failed, terminating session: %v",
					shortID(h.session.ID), werr)
				if h.cmd.Process != nil {
					h.cmd.Process.Signal(syscall.SIGTERM)
				}
			}
			h.tapMu.Lock()
			for _, t := range h.taps {
				t.Write(buf[:n])
			}
			h.tapMu.Unlock()
		}
		if err != nil {
			// EIO is the normal read error when the child side closes.
			return
		}
	}
}

// waitLoop reaps the child, records the exit event and finalizes the
// session record.
func (h *Host) waitLoop() {
	code := 0
	if err := h.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if code < 0 {
				// Killed by signal: report 128+signum like a shell would.
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					code = 128 + int(status.Signal())
				} else {
					code = 1
				}
			}
		} else {
			code = 1
		}
	}
	h.exitCode = code

	h.stdin.Stop()
	h.ptmx.Close()

	if err := h.writer.WriteExit(code); err != nil {
		debugLog("[DEBUG] Session %s: failed to record exit event: %v", shortID(h.session.ID), err)
	}
	if err := h.writer.Close(); err != nil {
		debugLog("[DEBUG] Session %s: failed to close stream: %v", shortID(h.session.ID), err)
	}

	if err := h.session.markExited(code); err != nil {
		log.Printf("[WARN] Session %s: failed to persist exit: %v", shortID(h.session.ID), err)
	}
	h.session.closeStdin()
	h.session.wakeControlListener()

	h.cbMu.Lock()
	cbs := h.exitCbs
	h.cbMu.Unlock()
	for _, cb := range cbs {
		cb(code)
	}

	close(h.done)
	debugLog("[DEBUG] Session %s: exited with code %d", shortID(h.session.ID), code)
}

// Pid returns the child's process id.
func (h *Host) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Resize applies new PTY dimensions and records the "r" event.
func (h *Host) Resize(cols, rows int) error {
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return WrapError(ErrIO, h.session.ID, "failed to resize pty", err)
	}
	if err := h.writer.WriteResize(uint32(cols), uint32(rows)); err != nil {
		debugLog("[DEBUG] Session %s: failed to record resize event: %v", shortID(h.session.ID), err)
	}
	return nil
}

// Tap mirrors future PTY output to w, in addition to the stream file.
// Returns a function that detaches the tap.
func (h *Host) Tap(w io.Writer) func() {
	h.tapMu.Lock()
	h.taps = append(h.taps, w)
	h.tapMu.Unlock()
	return func() {
		h.tapMu.Lock()
		defer h.tapMu.Unlock()
		for i, t := range h.taps {
			if t == w {
				h.taps = append(h.taps[:i], h.taps[i+1:]...)
				return
			}
		}
	}
}

// Write sends input bytes directly to the PTY.
func (h *Host) Write(data []byte) (int, error) {
	return h.ptmx.Write(data)
}

// Wait blocks until the child has been reaped and the stream finalized.
func (h *Host) Wait() int {
	<-h.done
	return h.exitCode
}

// OnExit registers a callback fired once after the exit event is recorded.
func (h *Host) OnExit(cb func(code int)) {
	h.cbMu.Lock()
	h.exitCbs = append(h.exitCbs, cb)
	h.cbMu.Unlock()
}

// Close tears the host down without waiting for a clean exit. Used when
// session startup fails after the process was already spawned.
func (h *Host) Close() {
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	h.stdin.Stop()
	h.ptmx.Close()
	h.writer.Close()
}
