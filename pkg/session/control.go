package session

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"syscall"
)

// ControlCommand is one line of JSON on a session's control FIFO. Another
// process writes commands; the hosting process applies them.
type ControlCommand struct {
	Cmd    string `json:"cmd"`
	Cols   int    `json:"cols,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Signal int    `json:"signal,omitempty"`
}

// SendControlCommand delivers a command to whatever process hosts the
// session. Fails if no reader has the FIFO open.
func SendControlCommand(sessionPath string, cmd *ControlCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	fifoPath := filepath.Join(sessionPath, "control")
	// O_NONBLOCK makes open fail with ENXIO instead of blocking when the
	// hosting process is gone.
	fifo, err := os.OpenFile(fifoPath, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer fifo.Close()

	_, err = fifo.Write(data)
	return err
}

// startControlListener creates the control FIFO and serves commands on it
// until the session's host shuts down.
func (s *Session) startControlListener() {
	fifoPath := s.ControlFIFOPath()
	if err := syscall.Mkfifo(fifoPath, 0o600); err != nil && !os.IsExist(err) {
		log.Printf("[WARN] Session %s: failed to create control pipe: %v", shortID(s.ID), err)
		return
	}

	go func() {
		for {
			// Blocks until a writer connects; each writer close produces
			// EOF and we reopen for the next one.
			fifo, err := os.OpenFile(fifoPath, os.O_RDONLY, 0)
			if err != nil {
				debugLog("[DEBUG] Session %s: control pipe open failed: %v", shortID(s.ID), err)
				return
			}

			scanner := bufio.NewScanner(fifo)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				var cmd ControlCommand
				if err := json.Unmarshal(line, &cmd); err != nil {
					log.Printf("[WARN] Session %s: bad control command: %v", shortID(s.ID), err)
					continue
				}
				s.handleControlCommand(&cmd)
			}
			fifo.Close()

			if s.Status() == StatusExited {
				return
			}
		}
	}()
}

// wakeControlListener unblocks the listener's pending FIFO open so it can
// observe the exited state and stop.
func (s *Session) wakeControlListener() {
	fifo, err := os.OpenFile(s.ControlFIFOPath(), os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return
	}
	fifo.Close()
}

func (s *Session) handleControlCommand(cmd *ControlCommand) {
	switch cmd.Cmd {
	case "resize":
		if err := s.Resize(cmd.Cols, cmd.Rows); err != nil {
			log.Printf("[WARN] Session %s: control resize failed: %v", shortID(s.ID), err)
		}
	case "kill":
		sig := syscall.SIGTERM
		if cmd.Signal != 0 {
			sig = syscall.Signal(cmd.Signal)
		}
		if err := s.Signal(sig); err != nil {
			log.Printf("[WARN] Session %s: control kill failed: %v", shortID(s.ID), err)
		}
	default:
		debugLog("[DEBUG] Session %s: unknown control command %q", shortID(s.ID), cmd.Cmd)
	}
}
