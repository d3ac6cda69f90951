package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// rank orders statuses for the monotonicity check.
func (s Status) rank() int {
	switch s {
	case StatusStarting:
		return 0
	case StatusRunning:
		return 1
	case StatusExited:
		return 2
	}
	return -1
}

// Config holds creation parameters. Zero values take manager defaults.
type Config struct {
	Name    string
	Command []string
	Cwd     string
	Env     map[string]string
	Cols    int
	Rows    int
	Term    string
}

// Info is the on-disk session record (session.json). The field names are an
// external contract; other processes read this file.
type Info struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Command     []string          `json:"command"`
	WorkingDir  string            `json:"workingDir"`
	Status      Status            `json:"status"`
	ExitCode    *int              `json:"exitCode,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	Pid         int               `json:"pid,omitempty"`
	Cols        int               `json:"cols"`
	Rows        int               `json:"rows"`
	ControlPath string            `json:"controlPath"`
	Term        string            `json:"term,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// Session is one tracked session: the persisted record plus, when spawned by
// this process, the live PTY host.
type Session struct {
	ID          string
	controlPath string // parent control directory

	mu   sync.RWMutex
	info *Info

	host *Host

	stdinMu   sync.Mutex
	stdinPipe *os.File
}

// GenerateID returns a fresh opaque session id.
func GenerateID() string {
	return uuid.New().String()
}

func newSession(controlPath string, cfg Config) (*Session, error) {
	id := GenerateID()
	sessionPath := filepath.Join(controlPath, id)

	if err := os.MkdirAll(sessionPath, 0o755); err != nil {
		return nil, WrapError(ErrSpawnFailed, id, "failed to create session directory", err)
	}

	if len(cfg.Command) == 0 {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
		cfg.Command = []string{shell}
	}

	if cfg.Cwd == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.Cwd = cwd
		} else if home, err := os.UserHomeDir(); err == nil {
			cfg.Cwd = home
		} else {
			cfg.Cwd = "/"
		}
	}

	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("%s (%s)", filepath.Base(cfg.Command[0]), abbrevPath(cfg.Cwd))
	}

	if cfg.Term == "" {
		cfg.Term = os.Getenv("TERM")
		if cfg.Term == "" {
			cfg.Term = "xterm-256color"
		}
	}

	info := &Info{
		ID:          id,
		Name:        cfg.Name,
		Command:     cfg.Command,
		WorkingDir:  cfg.Cwd,
		Status:      StatusStarting,
		StartedAt:   time.Now(),
		Cols:        cfg.Cols,
		Rows:        cfg.Rows,
		ControlPath: sessionPath,
		Term:        cfg.Term,
		Env:         cfg.Env,
	}

	if err := info.Save(sessionPath); err != nil {
		os.RemoveAll(sessionPath)
		return nil, WrapError(ErrSpawnFailed, id, "failed to save session record", err)
	}

	return &Session{ID: id, controlPath: controlPath, info: info}, nil
}

func loadSession(controlPath, id string) (*Session, error) {
	info, err := LoadInfo(filepath.Join(controlPath, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewError(ErrNotFound, id, "session not found")
		}
		return nil, WrapError(ErrIO, id, "failed to load session record", err)
	}
	return &Session{ID: id, controlPath: controlPath, info: info}, nil
}

func (s *Session) Path() string          { return filepath.Join(s.controlPath, s.ID) }
func (s *Session) StreamOutPath() string { return filepath.Join(s.Path(), "stream-out") }
func (s *Session) StdinPath() string     { return filepath.Join(s.Path(), "stdin") }
func (s *Session) ControlFIFOPath() string {
	return filepath.Join(s.Path(), "control")
}

// Info returns a copy of the current record.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := *s.info
	if s.info.ExitCode != nil {
		code := *s.info.ExitCode
		out.ExitCode = &code
	}
	return out
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Status
}

// setStatus enforces the starting → running → exited order; regressions are
// ignored.
func (s *Session) setStatus(st Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.rank() < s.info.Status.rank() {
		return false
	}
	s.info.Status = st
	return true
}

// markExited records the terminal state and persists it.
func (s *Session) markExited(code int) error {
	s.mu.Lock()
	if s.info.Status == StatusExited {
		s.mu.Unlock()
		return nil
	}
	s.info.Status = StatusExited
	s.info.ExitCode = &code
	snapshot := *s.info
	s.mu.Unlock()
	return snapshot.Save(s.Path())
}

// Start spawns the PTY host for this session.
func (s *Session) Start() error {
	host, err := NewHost(s)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.host = host
	s.info.Status = StatusRunning
	s.info.Pid = host.Pid()
	snapshot := *s.info
	s.mu.Unlock()

	if err := snapshot.Save(s.Path()); err != nil {
		host.Close()
		return WrapError(ErrIO, s.ID, "failed to update session record", err)
	}

	host.start()
	s.startControlListener()
	return nil
}

// Host returns the in-process PTY host, or nil for sessions loaded from disk.
func (s *Session) Host() *Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host
}

// SendInput appends bytes to the session's stdin pipe. Bytes pass through
// untouched.
func (s *Session) SendInput(data []byte) error {
	if s.Status() == StatusExited {
		return NewError(ErrAlreadyExited, s.ID, "cannot send input to exited session")
	}

	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()

	if s.stdinPipe == nil {
		pipe, err := os.OpenFile(s.StdinPath(), os.O_WRONLY, 0)
		if err != nil {
			return WrapError(ErrIO, s.ID, "failed to open stdin pipe", err)
		}
		s.stdinPipe = pipe
	}

	if _, err := s.stdinPipe.Write(data); err != nil {
		s.stdinPipe.Close()
		s.stdinPipe = nil
		return WrapError(ErrIO, s.ID, "failed to write to stdin pipe", err)
	}
	return nil
}

// Signal delivers an OS signal to the child.
func (s *Session) Signal(sig os.Signal) error {
	s.mu.RLock()
	pid := s.info.Pid
	s.mu.RUnlock()

	if pid == 0 {
		return NewError(ErrAlreadyExited, s.ID, "no process to signal")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return WrapError(ErrIO, s.ID, "failed to find process", err)
	}
	return proc.Signal(sig)
}

// Alive probes the child with signal 0.
func (s *Session) Alive() bool {
	s.mu.RLock()
	pid := s.info.Pid
	s.mu.RUnlock()
	return processAlive(pid)
}

// Resize applies new dimensions to the PTY and records an "r" event. Only
// sessions hosted by this process can be resized directly; others take the
// control FIFO path.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return NewError(ErrInvalidInput, s.ID, fmt.Sprintf("invalid dimensions %dx%d", cols, rows))
	}
	if s.Status() == StatusExited {
		return NewError(ErrAlreadyExited, s.ID, "cannot resize exited session")
	}

	host := s.Host()
	if host == nil {
		return SendControlCommand(s.Path(), &ControlCommand{Cmd: "resize", Cols: cols, Rows: rows})
	}
	if err := host.Resize(cols, rows); err != nil {
		return err
	}

	s.mu.Lock()
	s.info.Cols = cols
	s.info.Rows = rows
	snapshot := *s.info
	s.mu.Unlock()
	if err := snapshot.Save(s.Path()); err != nil {
		debugLog("[DEBUG] Session %s: failed to save record after resize: %v", shortID(s.ID), err)
	}
	return nil
}

func (s *Session) closeStdin() {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdinPipe != nil {
		s.stdinPipe.Close()
		s.stdinPipe = nil
	}
}

// Save writes the record atomically: temp file in the session directory,
// then rename over session.json.
func (i *Info) Save(sessionPath string) error {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(sessionPath, ".session-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(sessionPath, "session.json"))
}

// LoadInfo reads session.json from a session directory.
func LoadInfo(sessionPath string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(sessionPath, "session.json"))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// abbrevPath shortens a home-prefixed path to ~/... for display names.
func abbrevPath(p string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	if p == home {
		return "~"
	}
	if strings.HasPrefix(p, home+string(os.PathSeparator)) {
		return "~" + p[len(home):]
	}
	return p
}
